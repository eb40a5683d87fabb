package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jinford/doc-rag/internal/core/ask"
	"github.com/jinford/doc-rag/internal/core/ingestion"
	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

// OwnerHeader はリクエストの所有者IDを運ぶヘッダ
const OwnerHeader = "X-Owner-ID"

// Searcher は検索ユースケース
type Searcher interface {
	SearchWithConfig(ctx context.Context, cfg search.Config, params search.SearchParams) (*search.SearchResult, error)
}

// Asker は質問応答ユースケース
type Asker interface {
	Ask(ctx context.Context, params ask.AskParams, settings ask.Settings, sink stream.Sink) (*ask.Response, error)
}

// DocumentService はドキュメント管理ユースケース
type DocumentService interface {
	Submit(ctx context.Context, params ingestion.IngestParams) (*ingestion.IngestResult, error)
	GetDocument(ctx context.Context, ownerID, id uuid.UUID) (*ingestion.Document, error)
	ListDocuments(ctx context.Context, ownerID uuid.UUID) ([]*ingestion.Document, error)
	DeleteDocument(ctx context.Context, ownerID, id uuid.UUID) error
	ImageURL(ctx context.Context, ownerID, documentID uuid.UUID, index int) (string, error)
}

// SettingsStore は所有者ごとの設定を解決・更新する
type SettingsStore interface {
	Resolve(ownerID uuid.UUID) ask.Settings
	Retrieval(ownerID uuid.UUID) ask.RetrievalSettings
	UpdateRetrieval(ownerID uuid.UUID, r ask.RetrievalSettings) (ask.RetrievalSettings, error)
}

// Server は REST / SSE のエンドポイントを提供する
type Server struct {
	router    chi.Router
	searcher  Searcher
	asker     Asker
	documents DocumentService
	settings  SettingsStore
	logger    *slog.Logger
	maxUpload int64
}

// ServerOption は Server のオプション
type ServerOption func(*Server)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSettings は所有者ごとの設定ストアを設定する
func WithSettings(settings SettingsStore) ServerOption {
	return func(s *Server) {
		s.settings = settings
	}
}

// WithMaxUploadBytes はアップロードの上限サイズを設定する
func WithMaxUploadBytes(n int64) ServerOption {
	return func(s *Server) {
		s.maxUpload = n
	}
}

// NewServer は新しい Server を作成する
func NewServer(searcher Searcher, asker Asker, documents DocumentService, opts ...ServerOption) *Server {
	s := &Server{
		searcher:  searcher,
		asker:     asker,
		documents: documents,
		settings:  ask.NewSettingsStore(ask.DefaultSettings),
		logger:    slog.Default(),
		maxUpload: ingestion.MaxFileSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.routes()
	return s
}

// ServeHTTP は http.Handler を実装する
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(ownerMiddleware)

		r.Post("/chat", s.handleChat)
		r.Post("/search", s.handleSearch)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.handleListDocuments)
			r.Post("/", s.handleUploadDocument)
			r.Get("/{documentID}", s.handleGetDocument)
			r.Delete("/{documentID}", s.handleDeleteDocument)
			r.Get("/{documentID}/images/{index}", s.handleGetImage)
		})
	})

	return r
}

var _ http.Handler = (*Server)(nil)
