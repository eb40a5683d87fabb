package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jinford/doc-rag/internal/core/search"
)

const (
	// DefaultBaseURL は Cohere API のベースURL
	DefaultBaseURL = "https://api.cohere.com"
	// DefaultModel はデフォルトのリランクモデル
	DefaultModel = "rerank-v3.5"
	// DefaultTimeout はAPI呼び出しのタイムアウト
	DefaultTimeout = 30 * time.Second

	defaultRateLimit  = 10 // 1秒あたりのリクエスト数
	defaultBurst      = 10
	defaultMaxRetries = 2
	defaultBackoff    = 500 * time.Millisecond
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("cohere API key not set")

// Reranker は Cohere v2 rerank API によるクロスエンコーダ実装
type Reranker struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// Option は Reranker のオプション設定
type Option func(*Reranker)

// WithModel はモデル名を上書きする
func WithModel(model string) Option {
	return func(r *Reranker) {
		if model != "" {
			r.model = model
		}
	}
}

// WithBaseURL はベースURLを上書きする
func WithBaseURL(baseURL string) Option {
	return func(r *Reranker) {
		r.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(client *http.Client) Option {
	return func(r *Reranker) {
		r.httpClient = client
	}
}

// WithBackoff はリトライの基底待機時間を設定する
func WithBackoff(d time.Duration) Option {
	return func(r *Reranker) {
		r.backoff = d
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reranker) {
		r.logger = logger
	}
}

// NewReranker は新しい Reranker を作成する
func NewReranker(apiKey string, opts ...Option) (*Reranker, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	r := &Reranker{
		apiKey:     apiKey,
		model:      DefaultModel,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Rerank は documents を query との関連度で採点する
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]search.RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	body, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		results, err := r.doRequest(ctx, body)
		if err == nil {
			r.logger.Debug("rerank completed",
				"model", r.model,
				"documents", len(documents),
				"results", len(results),
			)
			return results, nil
		}

		lastErr = err
		var retryable *retryableError
		if !errors.As(err, &retryable) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (r *Reranker) doRequest(ctx context.Context, body []byte) ([]search.RerankResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v2/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{err: fmt.Errorf("rerank request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("rerank API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	results := make([]search.RerankResult, 0, len(parsed.Results))
	for _, res := range parsed.Results {
		results = append(results, search.RerankResult{Index: res.Index, Score: res.RelevanceScore})
	}
	return results, nil
}

// インターフェース実装の確認
var _ search.Reranker = (*Reranker)(nil)
