package ask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jinford/doc-rag/internal/core/agent"
	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

// ErrInvalidRequest はリクエストが不正な場合のエラー
var ErrInvalidRequest = errors.New("invalid ask request")

// AskService はエージェントによる質問応答のビジネスロジックを提供する
type AskService struct {
	searchService *search.SearchService
	model         agent.ChatModel
	completer     agent.Completer
	sqlExecutor   agent.SQLExecutor
	documents     agent.DocumentStore
	webSearcher   agent.WebSearcher
	tokenCounter  agent.TokenCounter
	logger        *slog.Logger
}

type AskServiceOption func(*AskService)

// WithAskLogger は AskService にロガーを設定する
func WithAskLogger(logger *slog.Logger) AskServiceOption {
	return func(s *AskService) {
		s.logger = logger
	}
}

// WithCompleter はクエリ書き換えと SQL 生成に使う Completer を設定する
func WithCompleter(completer agent.Completer) AskServiceOption {
	return func(s *AskService) {
		s.completer = completer
	}
}

// WithSQLExecutor は text_to_sql ツールを有効にする
func WithSQLExecutor(executor agent.SQLExecutor) AskServiceOption {
	return func(s *AskService) {
		s.sqlExecutor = executor
	}
}

// WithDocumentStore は analyze_document ツールを有効にする
func WithDocumentStore(store agent.DocumentStore) AskServiceOption {
	return func(s *AskService) {
		s.documents = store
	}
}

// WithWebSearcher は web_search ツールを有効にする
func WithWebSearcher(searcher agent.WebSearcher) AskServiceOption {
	return func(s *AskService) {
		s.webSearcher = searcher
	}
}

// WithAskTokenCounter はサブエージェントのトークン計測を設定する
func WithAskTokenCounter(counter agent.TokenCounter) AskServiceOption {
	return func(s *AskService) {
		s.tokenCounter = counter
	}
}

// NewAskService は新しいAskServiceを作成する
func NewAskService(
	searchService *search.SearchService,
	model agent.ChatModel,
	opts ...AskServiceOption,
) *AskService {
	svc := &AskService{
		searchService: searchService,
		model:         model,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = slog.Default()
	}

	return svc
}

// Ask は会話履歴に対する回答をエージェントループで生成し、イベントを sink に流す
//
// 成否にかかわらず終端イベントは必ず1回だけ書き込む。
// 失敗時は終端の直前にエラーイベントを書き込み、エラーを返す。
func (s *AskService) Ask(ctx context.Context, params AskParams, settings Settings, sink stream.Sink) (*Response, error) {
	acc := newResponseAccumulator(sink)

	result, err := s.run(ctx, params, settings, acc)
	if err != nil {
		s.logger.Error("ask failed", "ownerID", params.OwnerID.String(), "error", err)
		if emitErr := acc.Emit(stream.Failure(err.Error())); emitErr != nil {
			s.logger.Warn("failed to emit error event", "error", emitErr)
		}
	}

	if doneErr := acc.Emit(stream.Done()); doneErr != nil {
		s.logger.Warn("failed to emit done event", "error", doneErr)
	}

	resp := acc.finalize(result)
	if err != nil {
		return resp, err
	}

	s.logger.Info("ask completed successfully",
		"ownerID", params.OwnerID.String(),
		"rounds", resp.Rounds,
		"toolCalls", len(resp.ToolCalls),
		"forced", resp.Forced,
		"answerLength", len(resp.Content),
		"sources", len(resp.Sources),
	)
	return resp, nil
}

func (s *AskService) run(ctx context.Context, params AskParams, settings Settings, sink stream.Sink) (*agent.RunResult, error) {
	// 1. バリデーション
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if err := settings.Search.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	// 2. リクエスト単位のツール構成
	history := toAgentMessages(params.Messages)
	registry, err := s.buildRegistry(params, settings, history)
	if err != nil {
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}

	s.logger.Info("starting agent loop",
		"ownerID", params.OwnerID.String(),
		"messages", len(history),
		"tools", registry.Len(),
		"maxRounds", settings.Loop.MaxRounds,
	)

	// 3. エージェントループ実行
	loop := agent.NewLoop(s.model, registry,
		agent.WithLoopLogger(s.logger),
		agent.WithLoopConfig(settings.Loop),
	)
	return loop.Run(ctx, agent.Request{
		System:   BuildSystemPrompt(params.Filter),
		Messages: history,
	}, sink)
}

// buildRegistry は深さ0のレジストリを構築する
// 依存が設定されていないツールは登録しない
func (s *AskService) buildRegistry(params AskParams, settings Settings, history []agent.Message) (*agent.Registry, error) {
	searcher := s.searchService.WithConfig(settings.Search)
	registry := agent.NewRegistry(0)

	retrieveOpts := []agent.RetrieveOption{
		agent.WithRetrieveLogger(s.logger),
		agent.WithRetrieveConfig(settings.Retrieve),
		agent.WithRetrieveOwner(params.OwnerID),
		agent.WithRetrieveFilter(params.Filter),
	}
	if s.completer != nil {
		retrieveOpts = append(retrieveOpts, agent.WithQueryRewriter(s.completer, history))
	}
	if err := registry.Register(agent.NewRetrieveTool(searcher, retrieveOpts...)); err != nil {
		return nil, err
	}

	if s.sqlExecutor != nil && s.completer != nil {
		tool := agent.NewSQLTool(s.completer, s.sqlExecutor, params.OwnerID,
			agent.WithSQLLogger(s.logger),
			agent.WithSQLMaxRows(settings.SQLMaxRows),
		)
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}

	if s.documents != nil {
		analyzeOpts := []agent.AnalyzeOption{
			agent.WithAnalyzeLogger(s.logger),
			agent.WithAnalyzeConfig(agent.SubAgentConfig{
				MaxDocumentChars: settings.MaxDocumentChars,
				Loop:             settings.Loop,
				Retrieve:         settings.Retrieve,
			}),
			agent.WithParentDepth(registry.Depth()),
		}
		if s.tokenCounter != nil {
			analyzeOpts = append(analyzeOpts, agent.WithTokenCounter(s.tokenCounter))
		}
		tool := agent.NewAnalyzeDocumentTool(s.model, s.documents, searcher, params.OwnerID, analyzeOpts...)
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}

	if s.webSearcher != nil {
		if err := registry.Register(agent.NewWebSearchTool(s.webSearcher, s.logger)); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func validateParams(params AskParams) error {
	if len(params.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	for i, m := range params.Messages {
		if m.Role != string(agent.RoleUser) && m.Role != string(agent.RoleAssistant) {
			return fmt.Errorf("%w: message %d has unsupported role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	last := params.Messages[len(params.Messages)-1]
	if last.Role != string(agent.RoleUser) {
		return fmt.Errorf("%w: last message must be from the user", ErrInvalidRequest)
	}
	if strings.TrimSpace(last.Content) == "" {
		return fmt.Errorf("%w: question is empty", ErrInvalidRequest)
	}
	return nil
}

func toAgentMessages(messages []ChatMessage) []agent.Message {
	out := make([]agent.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, agent.Message{Role: agent.Role(m.Role), Content: m.Content})
	}
	return out
}
