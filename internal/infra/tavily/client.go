package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jinford/doc-rag/internal/core/agent"
)

const (
	// DefaultBaseURL は Tavily API のベースURL
	DefaultBaseURL = "https://api.tavily.com"
	// DefaultMaxResults は1回の検索で取得する件数
	DefaultMaxResults = 5
	// DefaultTimeout はAPI呼び出しのタイムアウト
	DefaultTimeout = 15 * time.Second

	defaultRateLimit = 5
	defaultBurst     = 5
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("tavily API key not set")

// APIError は Tavily が 200 以外を返した場合のエラー
// メッセージにはレスポンス本文をそのまま使う
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if body := strings.TrimSpace(e.Body); body != "" {
		return body
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// Client は Tavily の検索APIクライアント
type Client struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option は Client のオプション設定
type Option func(*Client)

// WithBaseURL はベースURLを上書きする
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithMaxResults は取得件数を上書きする
func WithMaxResults(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		maxResults: DefaultMaxResults,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search はWeb検索を実行する
func (c *Client) Search(ctx context.Context, query string) ([]agent.WebResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	body, err := json.Marshal(searchRequest{
		APIKey:     c.apiKey,
		Query:      query,
		MaxResults: c.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]agent.WebResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, agent.WebResult{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	return results, nil
}

// インターフェース実装の確認
var _ agent.WebSearcher = (*Client)(nil)
