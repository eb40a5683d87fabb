package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrRetrieval は埋め込み生成または検索バックエンドの失敗を表す
var ErrRetrieval = errors.New("retrieval failed")

const (
	// DefaultCandidateLimit は融合前の各リストの候補上限
	DefaultCandidateLimit = 20
	// DefaultLimit は最終的に返すチャンク数
	DefaultLimit = 5
	// DefaultRerankTopN はリランクに渡す候補数の上限
	DefaultRerankTopN = 20
)

// Config は検索の設定（リクエストごとに値として渡す）
type Config struct {
	Mode           Mode
	Alpha          float64
	K              int
	CandidateLimit int
	Limit          int
	Threshold      float64
	RerankEnabled  bool
	RerankTopN     int
}

// DefaultConfig はデフォルトの検索設定を返す
func DefaultConfig() Config {
	return Config{
		Mode:           ModeHybrid,
		Alpha:          DefaultAlpha,
		K:              DefaultRRFK,
		CandidateLimit: DefaultCandidateLimit,
		Limit:          DefaultLimit,
		RerankTopN:     DefaultRerankTopN,
	}
}

// Validate は設定値を検証する
// alpha は範囲外でも融合時に [0,1] へ丸めるためここでは拒否しない
func (c Config) Validate() error {
	if _, ok := ParseMode(string(c.Mode)); !ok {
		return fmt.Errorf("invalid search mode: %q", c.Mode)
	}
	if c.K <= 0 {
		return fmt.Errorf("rrf k must be positive: %d", c.K)
	}
	if c.CandidateLimit <= 0 {
		return fmt.Errorf("candidate limit must be positive: %d", c.CandidateLimit)
	}
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be positive: %d", c.Limit)
	}
	if math.IsNaN(c.Alpha) {
		return fmt.Errorf("alpha must be a number")
	}
	return nil
}

// FusionParams は設定からRRFパラメータを取り出す
func (c Config) FusionParams() FusionParams {
	return FusionParams{Alpha: c.Alpha, K: c.K}
}

// SearchService は検索（埋め込み・二系統検索・融合・リランク）を提供する
type SearchService struct {
	repo     Repository
	embedder Embedder
	reranker Reranker
	config   Config
	logger   *slog.Logger
}

// SearchServiceOption は SearchService のオプション設定
type SearchServiceOption func(*SearchService)

// WithSearchLogger は SearchService にロガーを設定する
func WithSearchLogger(logger *slog.Logger) SearchServiceOption {
	return func(s *SearchService) {
		s.logger = logger
	}
}

// WithReranker はリランカーを設定する（nil ならリランクしない）
func WithReranker(reranker Reranker) SearchServiceOption {
	return func(s *SearchService) {
		s.reranker = reranker
	}
}

// WithSearchConfig は検索設定を設定する
func WithSearchConfig(cfg Config) SearchServiceOption {
	return func(s *SearchService) {
		s.config = cfg
	}
}

// NewSearchService は新しいSearchServiceを作成する
func NewSearchService(repo Repository, embedder Embedder, opts ...SearchServiceOption) *SearchService {
	svc := &SearchService{
		repo:     repo,
		embedder: embedder,
		config:   DefaultConfig(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = slog.Default()
	}

	return svc
}

// WithConfig は設定だけを差し替えたコピーを返す
// リクエストごとの設定値をサービスに通すために使う
func (s *SearchService) WithConfig(cfg Config) *SearchService {
	clone := *s
	clone.config = cfg
	return &clone
}

// SearchWithConfig は設定を差し替えて検索する
func (s *SearchService) SearchWithConfig(ctx context.Context, cfg Config, params SearchParams) (*SearchResult, error) {
	return s.WithConfig(cfg).Search(ctx, params)
}

// Config は現在の検索設定を返す
func (s *SearchService) Config() Config {
	return s.config
}

// SearchParams は検索パラメータを表す
type SearchParams struct {
	Query   string
	Mode    Mode // 空なら設定のモード
	Filter  MetadataFilter
	OwnerID *uuid.UUID
	Limit   int // 0以下なら設定の上限
}

// Search はクエリに基づいて検索を実行する
func (s *SearchService) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	// 1. バリデーション
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	mode := params.Mode
	if mode == "" {
		mode = s.config.Mode
	}
	if _, ok := ParseMode(string(mode)); !ok {
		return nil, fmt.Errorf("invalid search mode: %q", mode)
	}

	// 2. デフォルト値の設定
	limit := params.Limit
	if limit <= 0 {
		limit = s.config.Limit
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	candidateLimit := s.config.CandidateLimit
	if candidateLimit <= 0 {
		candidateLimit = DefaultCandidateLimit
	}
	if mode != ModeHybrid {
		candidateLimit = max(limit, s.rerankWindow(limit))
	}

	start := time.Now()
	defer func() {
		SearchDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	}()

	// 3. 候補の取得
	candidates, err := s.collectCandidates(ctx, mode, params, candidateLimit)
	if err != nil {
		SearchTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}

	// 4. リランク（失敗時は融合順のまま）
	if s.config.RerankEnabled && s.reranker != nil && len(candidates) > 0 {
		reranked, err := rerankCandidates(ctx, s.reranker, params.Query, candidates, s.rerankWindow(limit))
		if err != nil {
			RerankFallbacks.Inc()
			s.logger.Warn("rerank failed, using fused order",
				"error", err,
				"candidates", len(candidates),
			)
		} else {
			candidates = reranked
		}
	}

	// 5. 上位N件に切り詰めて正規化
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	fusion := s.config.FusionParams()
	chunks := make([]RankedChunk, 0, len(candidates))
	for _, c := range candidates {
		chunks = append(chunks, RankedChunk{
			Chunk:     c.Chunk,
			Relevance: relevance(mode, c, fusion),
		})
	}

	result := &SearchResult{
		Mode:    mode,
		Chunks:  chunks,
		Sources: DedupeSources(chunks),
	}

	if result.IsEmpty() {
		SearchTotal.WithLabelValues(string(mode), "empty").Inc()
		s.logger.Info("no chunks found for query", "mode", mode)
	} else {
		SearchTotal.WithLabelValues(string(mode), "success").Inc()
		s.logger.Info("search completed",
			"mode", mode,
			"chunks", len(chunks),
			"sources", len(result.Sources),
		)
	}

	return result, nil
}

func (s *SearchService) rerankWindow(limit int) int {
	if !s.config.RerankEnabled || s.reranker == nil {
		return limit
	}
	if s.config.RerankTopN > 0 {
		return s.config.RerankTopN
	}
	return DefaultRerankTopN
}

func (s *SearchService) collectCandidates(ctx context.Context, mode Mode, params SearchParams, candidateLimit int) ([]Candidate, error) {
	vectorOpts := VectorSearchOptions{
		OwnerID:   params.OwnerID,
		Filter:    params.Filter,
		Threshold: s.config.Threshold,
	}
	keywordOpts := KeywordSearchOptions{
		OwnerID: params.OwnerID,
		Filter:  params.Filter,
	}

	switch mode {
	case ModeKeyword:
		results, err := s.repo.KeywordSearch(ctx, params.Query, candidateLimit, keywordOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword search: %w", ErrRetrieval, err)
		}
		return singleListCandidates(results, ModeKeyword), nil

	case ModeVector:
		queryVector, err := s.embedder.Embed(ctx, params.Query)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to embed query: %w", ErrRetrieval, err)
		}
		results, err := s.repo.VectorSearch(ctx, queryVector, candidateLimit, vectorOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: vector search: %w", ErrRetrieval, err)
		}
		return singleListCandidates(results, ModeVector), nil
	}

	// ハイブリッド: 埋め込みは1回だけ生成し、2系統の検索を並行実行する
	queryVector, err := s.embedder.Embed(ctx, params.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query: %w", ErrRetrieval, err)
	}

	var vectorResults, keywordResults []ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := s.repo.VectorSearch(gctx, queryVector, candidateLimit, vectorOpts)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		vectorResults = results
		return nil
	})
	g.Go(func() error {
		results, err := s.repo.KeywordSearch(gctx, params.Query, candidateLimit, keywordOpts)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		keywordResults = results
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	s.logger.Debug("hybrid search candidates",
		"vector", len(vectorResults),
		"keyword", len(keywordResults),
	)

	return FuseRRF(vectorResults, keywordResults, s.config.FusionParams()), nil
}

// relevance は候補の関連度を [0,1] に正規化する
func relevance(mode Mode, c Candidate, fusion FusionParams) float64 {
	if score, ok := c.RerankScore.Get(); ok {
		return clamp01(score)
	}
	switch mode {
	case ModeHybrid:
		return clamp01(c.FusedScore / fusion.MaxScore())
	case ModeKeyword:
		return clamp01(c.KeywordRelevance)
	default:
		return clamp01(c.VectorSimilarity)
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
