package ask

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/doc-rag/internal/core/search"
)

// ErrInvalidSettings は設定値が不正な場合のエラー
var ErrInvalidSettings = errors.New("invalid settings")

// RetrievalSettings は所有者ごとに変更できる検索設定
type RetrievalSettings struct {
	SearchMode           search.Mode `json:"search_mode"`
	HybridAlpha          float64     `json:"hybrid_alpha"`
	RRFK                 int         `json:"rrf_k"`
	HybridCandidateLimit int         `json:"hybrid_candidate_limit"`
	RerankEnabled        bool        `json:"rerank_enabled"`
}

// RetrievalFromConfig は検索設定から変更可能な項目を取り出す
func RetrievalFromConfig(cfg search.Config) RetrievalSettings {
	return RetrievalSettings{
		SearchMode:           cfg.Mode,
		HybridAlpha:          cfg.Alpha,
		RRFK:                 cfg.K,
		HybridCandidateLimit: cfg.CandidateLimit,
		RerankEnabled:        cfg.RerankEnabled,
	}
}

// Normalize は alpha を [0,1] に丸め、それ以外の不正値を拒否する
func (r RetrievalSettings) Normalize() (RetrievalSettings, error) {
	if _, ok := search.ParseMode(string(r.SearchMode)); !ok {
		return r, fmt.Errorf("%w: search_mode must be vector, keyword or hybrid: %q", ErrInvalidSettings, r.SearchMode)
	}
	if r.RRFK <= 0 {
		return r, fmt.Errorf("%w: rrf_k must be positive: %d", ErrInvalidSettings, r.RRFK)
	}
	if r.HybridCandidateLimit <= 0 {
		return r, fmt.Errorf("%w: hybrid_candidate_limit must be positive: %d", ErrInvalidSettings, r.HybridCandidateLimit)
	}
	if math.IsNaN(r.HybridAlpha) {
		return r, fmt.Errorf("%w: hybrid_alpha must be a number", ErrInvalidSettings)
	}
	r.HybridAlpha = math.Max(0, math.Min(1, r.HybridAlpha))
	return r, nil
}

func (r RetrievalSettings) apply(cfg search.Config) search.Config {
	cfg.Mode = r.SearchMode
	cfg.Alpha = r.HybridAlpha
	cfg.K = r.RRFK
	cfg.CandidateLimit = r.HybridCandidateLimit
	cfg.RerankEnabled = r.RerankEnabled
	return cfg
}

// SettingsStore は所有者ごとの検索設定の上書きを保持する
// 上書きのない所有者にはベース設定を返す
type SettingsStore struct {
	mu        sync.RWMutex
	base      func() Settings
	overrides map[uuid.UUID]RetrievalSettings
}

// NewSettingsStore は新しい SettingsStore を作成する
func NewSettingsStore(base func() Settings) *SettingsStore {
	if base == nil {
		base = DefaultSettings
	}
	return &SettingsStore{
		base:      base,
		overrides: make(map[uuid.UUID]RetrievalSettings),
	}
}

func (s *SettingsStore) lookup(ownerID uuid.UUID) mo.Option[RetrievalSettings] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.overrides[ownerID]
	if !ok {
		return mo.None[RetrievalSettings]()
	}
	return mo.Some(r)
}

// Resolve は所有者の1リクエスト分の設定値を返す
func (s *SettingsStore) Resolve(ownerID uuid.UUID) Settings {
	settings := s.base()
	if r, ok := s.lookup(ownerID).Get(); ok {
		settings.Search = r.apply(settings.Search)
	}
	return settings
}

// Retrieval は所有者の現在の検索設定を返す
func (s *SettingsStore) Retrieval(ownerID uuid.UUID) RetrievalSettings {
	return RetrievalFromConfig(s.Resolve(ownerID).Search)
}

// UpdateRetrieval は所有者の検索設定を検証して保存する
func (s *SettingsStore) UpdateRetrieval(ownerID uuid.UUID, r RetrievalSettings) (RetrievalSettings, error) {
	normalized, err := r.Normalize()
	if err != nil {
		return RetrievalSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[ownerID] = normalized
	return normalized, nil
}
