package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

const (
	// AnalyzeToolName はドキュメント分析ツールの名前
	AnalyzeToolName = "analyze_document"

	// DefaultMaxDocumentChars はサブエージェントに渡す本文の文字数上限
	DefaultMaxDocumentChars = 80_000

	truncatedMarker = "\n\n[... truncated ...]"
)

// DocumentRef はサブエージェントが参照するドキュメント
type DocumentRef struct {
	ID       uuid.UUID
	Filename string
}

// DocumentStore はドキュメント本文の取得インターフェース
type DocumentStore interface {
	// FindCompletedByFilename は所有者の処理済みドキュメントをファイル名で探す
	FindCompletedByFilename(ctx context.Context, ownerID uuid.UUID, filename string) (mo.Option[DocumentRef], error)

	// ListChunks はドキュメントのチャンクをインデックス順に返す
	ListChunks(ctx context.Context, documentID uuid.UUID) ([]search.Chunk, error)
}

// TokenCounter はテキストのトークン数を数えるインターフェース
type TokenCounter interface {
	CountTokens(text string) int
}

// SubAgentConfig はサブエージェントの設定
type SubAgentConfig struct {
	MaxDocumentChars int
	Loop             LoopConfig
	Retrieve         RetrieveConfig
}

// AnalyzeDocumentTool は1つのドキュメントに限定したサブエージェントを起動するツール
type AnalyzeDocumentTool struct {
	model    ChatModel
	store    DocumentStore
	searcher Searcher
	ownerID  uuid.UUID
	depth    int
	config   SubAgentConfig
	tokens   TokenCounter
	logger   *slog.Logger
}

// AnalyzeOption は AnalyzeDocumentTool のオプション設定
type AnalyzeOption func(*AnalyzeDocumentTool)

// WithAnalyzeLogger はロガーを設定する
func WithAnalyzeLogger(logger *slog.Logger) AnalyzeOption {
	return func(t *AnalyzeDocumentTool) {
		t.logger = logger
	}
}

// WithAnalyzeConfig は設定を指定する
func WithAnalyzeConfig(cfg SubAgentConfig) AnalyzeOption {
	return func(t *AnalyzeDocumentTool) {
		t.config = cfg
	}
}

// WithTokenCounter は本文のトークン数の記録に使うカウンタを設定する
func WithTokenCounter(counter TokenCounter) AnalyzeOption {
	return func(t *AnalyzeDocumentTool) {
		t.tokens = counter
	}
}

// WithParentDepth は親エージェントの深さを指定する（デフォルト0）
func WithParentDepth(depth int) AnalyzeOption {
	return func(t *AnalyzeDocumentTool) {
		t.depth = depth
	}
}

// NewAnalyzeDocumentTool は新しい AnalyzeDocumentTool を作成する
func NewAnalyzeDocumentTool(
	model ChatModel,
	store DocumentStore,
	searcher Searcher,
	ownerID uuid.UUID,
	opts ...AnalyzeOption,
) *AnalyzeDocumentTool {
	t := &AnalyzeDocumentTool{
		model:    model,
		store:    store,
		searcher: searcher,
		ownerID:  ownerID,
		config: SubAgentConfig{
			MaxDocumentChars: DefaultMaxDocumentChars,
			Loop:             DefaultLoopConfig(),
			Retrieve:         DefaultRetrieveConfig(),
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.config.MaxDocumentChars <= 0 {
		t.config.MaxDocumentChars = DefaultMaxDocumentChars
	}

	return t
}

// Info はツール情報を返す
func (t *AnalyzeDocumentTool) Info() ToolInfo {
	return ToolInfo{
		Name: AnalyzeToolName,
		Description: "Analyze an entire document in depth. Use this for questions that require " +
			"understanding the full document such as summarization, identifying key themes, " +
			"structural analysis, or comprehensive review. Do NOT use this for simple fact-finding, " +
			"use retrieve_documents instead. Requires the exact filename.",
		Parameters: []ToolParameter{
			{
				Name:        "filename",
				Type:        TypeString,
				Description: "The exact filename of the document to analyze (e.g. 'report.pdf').",
				Required:    true,
			},
			{
				Name:        "question",
				Type:        TypeString,
				Description: "The question or analysis task to perform on the document.",
				Required:    true,
			},
		},
		SpawnsSubAgent: true,
	}
}

// Execute はドキュメント本文を読み込み、子ループを実行する
// 子の tool_call/tool_result/content は relay へ流し、sources/images は捨てる
// 子の本文を連結したものがツール結果になる
func (t *AnalyzeDocumentTool) Execute(ctx context.Context, args map[string]any, relay Relay) (ToolOutput, error) {
	filename := StringArg(args, "filename")
	question := StringArg(args, "question")

	// 1. ドキュメントの特定
	found, err := t.store.FindCompletedByFilename(ctx, t.ownerID, filename)
	if err != nil {
		return ToolOutput{}, fmt.Errorf("failed to find document: %w", err)
	}
	doc, ok := found.Get()
	if !ok {
		return ToolOutput{Text: fmt.Sprintf("Document '%s' not found or not yet processed.", filename)}, nil
	}

	// 2. 本文の組み立て
	chunks, err := t.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return ToolOutput{}, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return ToolOutput{Text: fmt.Sprintf("No content found for document '%s'.", filename)}, nil
	}
	text, truncated := AssembleDocument(chunks, t.config.MaxDocumentChars)

	logArgs := []any{
		"documentID", doc.ID.String(),
		"chunks", len(chunks),
		"chars", len(text),
		"truncated", truncated,
	}
	if t.tokens != nil {
		logArgs = append(logArgs, "tokens", t.tokens.CountTokens(text))
	}
	t.logger.Info("starting sub-agent", logArgs...)

	// 3. 子の登録簿（ドキュメントに限定した検索のみ）
	registry := NewRegistry(t.depth + 1)
	retrieve := NewRetrieveTool(t.searcher,
		WithRetrieveOwner(t.ownerID),
		WithRetrieveFilter(search.MetadataFilter{"document_id": doc.ID.String()}),
		WithRetrieveConfig(RetrieveConfig{
			Limit:           t.config.Retrieve.Limit,
			ImageMinRatio:   t.config.Retrieve.ImageMinRatio,
			ImageMaxResults: t.config.Retrieve.ImageMaxResults,
			ImageBaseURL:    t.config.Retrieve.ImageBaseURL,
		}),
		WithRetrieveLogger(t.logger),
	)
	if err := registry.Register(retrieve); err != nil {
		return ToolOutput{}, err
	}

	// 4. 子ループの実行
	child := NewLoop(t.model, registry,
		WithLoopConfig(t.config.Loop),
		WithLoopLogger(t.logger.With("subAgent", AnalyzeToolName)),
	)

	sink := stream.SinkFunc(func(event stream.Event) error {
		switch event.Type {
		case stream.EventToolCall, stream.EventToolResult, stream.EventContent:
			return relay(event)
		}
		return nil
	})

	result, err := child.Run(ctx, Request{
		System:   SubAgentPrompt(text),
		Messages: []Message{{Role: RoleUser, Content: question}},
	}, sink)
	if err != nil {
		return ToolOutput{}, fmt.Errorf("sub-agent failed: %w", err)
	}

	t.logger.Info("sub-agent completed",
		"documentID", doc.ID.String(),
		"rounds", result.Rounds,
		"toolCalls", result.ToolCalls,
	)

	return ToolOutput{Text: result.Answer}, nil
}

// AssembleDocument はチャンクを連結し、上限を超えた分を切り詰める
func AssembleDocument(chunks []search.Chunk, maxChars int) (string, bool) {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.Content)
	}
	text := strings.Join(parts, "\n\n")

	runes := []rune(text)
	if len(runes) <= maxChars {
		return text, false
	}
	return string(runes[:maxChars]) + truncatedMarker, true
}

var _ Tool = (*AnalyzeDocumentTool)(nil)
