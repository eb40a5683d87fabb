package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/doc-rag/internal/core/agent"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 120 * time.Second

	// DefaultStreamTimeout はストリーミング全体の上限時間
	DefaultStreamTimeout = 10 * time.Minute

	// DefaultStreamIdleTimeout はチャンク間の最大待機時間
	DefaultStreamIdleTimeout = 60 * time.Second

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrNoChoices は応答に候補が含まれない場合のエラー
	ErrNoChoices = errors.New("no completion choices returned")

	// ErrStreamIdle はストリームが一定時間チャンクを返さない場合のエラー
	ErrStreamIdle = errors.New("stream idle timeout")
)

// Client は OpenAI 互換 API を使用したチャットクライアント実装
type Client struct {
	client        openai.Client
	model         string
	timeout       time.Duration
	streamTimeout time.Duration
	streamIdle    time.Duration
	baseBackoff   time.Duration
}

type clientOptions struct {
	model         string
	baseURL       string
	timeout       time.Duration
	streamTimeout time.Duration
	streamIdle    time.Duration
	baseBackoff   time.Duration
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithModel はモデル名を上書きする
func WithModel(model string) ClientOption {
	return func(o *clientOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithBaseURL は OpenAI 互換エンドポイントのベースURLを設定する
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithTimeout はAPIコールのタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithStreamTimeout はストリーミング全体の上限時間を設定する
func WithStreamTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.streamTimeout = timeout
	}
}

// WithStreamIdleTimeout はチャンク間の最大待機時間を設定する
func WithStreamIdleTimeout(idle time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.streamIdle = idle
	}
}

// WithBackoff はレート制限時の基底待機時間を設定する
func WithBackoff(base time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.baseBackoff = base
	}
}

// NewClient はAPIキーを指定して Client を作成する
// リトライはこのクライアントで行うため SDK 側のリトライは無効にする
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := clientOptions{
		model:         DefaultModel,
		timeout:       DefaultTimeout,
		streamTimeout: DefaultStreamTimeout,
		streamIdle:    DefaultStreamIdleTimeout,
		baseBackoff:   BaseBackoff,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.streamTimeout <= 0 {
		options.streamTimeout = DefaultStreamTimeout
	}
	if options.streamIdle <= 0 {
		options.streamIdle = DefaultStreamIdleTimeout
	}

	return &Client{
		client:        openai.NewClient(requestOptions(apiKey, options.baseURL)...),
		model:         options.model,
		timeout:       options.timeout,
		streamTimeout: options.streamTimeout,
		streamIdle:    options.streamIdle,
		baseBackoff:   options.baseBackoff,
	}, nil
}

func requestOptions(apiKey, baseURL string) []option.RequestOption {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return reqOpts
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// Complete はツール定義付きの非ストリーミング呼び出しを行う
func (c *Client) Complete(ctx context.Context, req agent.ChatRequest) (*agent.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := c.chatParams(req, true)

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, err
		}

		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				continue
			}
			return nil, fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return nil, ErrNoChoices
		}

		msg := completion.Choices[0].Message
		resp := &agent.ChatResponse{Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, agent.ToolCall{
				ID:           tc.ID,
				Name:         tc.Function.Name,
				Arguments:    agent.ParseArguments(tc.Function.Arguments),
				RawArguments: tc.Function.Arguments,
			})
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// Stream はツールなしでテキストをストリーミング生成する
// 最初のデルタを受け取る前のレート制限エラーのみリトライする
// 全体の上限とは別に、チャンクが streamIdle の間届かなければ打ち切る
func (c *Client) Stream(ctx context.Context, req agent.ChatRequest, onDelta func(string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	params := c.chatParams(req, false)

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if err := c.backoff(ctx, attempt); err != nil {
			return err
		}

		started, err := c.streamOnce(ctx, params, onDelta)
		if err == nil {
			return nil
		}
		lastErr = err
		if !started && isRateLimitError(err) {
			continue
		}
		return err
	}

	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func (c *Client) streamOnce(ctx context.Context, params openai.ChatCompletionNewParams, onDelta func(string) error) (bool, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(c.streamIdle, func() { cancel(ErrStreamIdle) })
	defer idle.Stop()

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	started := false
	for stream.Next() {
		idle.Reset(c.streamIdle)
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		started = true
		if err := onDelta(delta); err != nil {
			return started, err
		}
		idle.Reset(c.streamIdle)
	}

	if err := stream.Err(); err != nil {
		if errors.Is(context.Cause(ctx), ErrStreamIdle) {
			return started, fmt.Errorf("%w: no chunk for %s", ErrStreamIdle, c.streamIdle)
		}
		return started, fmt.Errorf("OpenAI streaming failed: %w", err)
	}
	return started, nil
}

// GenerateCompletion は単発のプロンプトからテキストを生成する
func (c *Client) GenerateCompletion(ctx context.Context, req agent.CompletionRequest) (string, error) {
	chatReq := agent.ChatRequest{
		System:    req.System,
		Messages:  []agent.Message{{Role: agent.RoleUser, Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
	}
	resp, err := c.Complete(ctx, chatReq)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *Client) chatParams(req agent.ChatRequest, withTools bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: toMessageParams(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if withTools && len(req.Tools) > 0 {
		params.Tools = toToolParams(req.Tools)
	}
	return params
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return ctx.Err()
	}

	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseBackoff
	if d > MaxBackoff {
		d = MaxBackoff
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func toMessageParams(system string, messages []agent.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}

	for _, m := range messages {
		switch m.Role {
		case agent.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case agent.RoleAssistant:
			out = append(out, assistantMessage(m))
		case agent.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func assistantMessage(m agent.Message) openai.ChatCompletionMessageParamUnion {
	if len(m.ToolCalls) == 0 {
		return openai.AssistantMessage(m.Content)
	}

	assistant := openai.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(m.Content),
		}
	}
	for _, call := range m.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.Name,
					Arguments: call.ArgumentsJSON(),
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func toToolParams(tools []agent.ToolInfo) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(t.JSONSchema()),
		}))
	}
	return out
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}

// インターフェース実装の確認
var (
	_ agent.ChatModel = (*Client)(nil)
	_ agent.Completer = (*Client)(nil)
)
