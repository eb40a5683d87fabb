package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/doc-rag/internal/core/agent"
	coreask "github.com/jinford/doc-rag/internal/core/ask"
	coreingestion "github.com/jinford/doc-rag/internal/core/ingestion"
	coresearch "github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/infra/cohere"
	"github.com/jinford/doc-rag/internal/infra/openai"
	"github.com/jinford/doc-rag/internal/infra/postgres"
	"github.com/jinford/doc-rag/internal/infra/tavily"
	"github.com/jinford/doc-rag/internal/platform/config"
	"github.com/jinford/doc-rag/internal/platform/database"
)

// ServiceContainer はアプリケーションの依存関係を保持する。
type ServiceContainer struct {
	SearchService *coresearch.SearchService
	AskService    *coreask.AskService
	IngestService *coreingestion.IngestService
	SettingsStore *coreask.SettingsStore

	config   *config.Config
	logger   *slog.Logger
	database *database.DB
}

type containerOptions struct {
	logger      *slog.Logger
	chatModel   agent.ChatModel
	completer   agent.Completer
	reranker    coresearch.Reranker
	webSearcher agent.WebSearcher
	skipMigrate bool
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerChatModel はチャットモデルを差し替える
func WithContainerChatModel(model agent.ChatModel, completer agent.Completer) ContainerOption {
	return func(opts *containerOptions) {
		opts.chatModel = model
		opts.completer = completer
	}
}

// WithContainerReranker はリランカーを差し替える
func WithContainerReranker(reranker coresearch.Reranker) ContainerOption {
	return func(opts *containerOptions) {
		opts.reranker = reranker
	}
}

// WithContainerWebSearcher はWeb検索プロバイダを差し替える
func WithContainerWebSearcher(searcher agent.WebSearcher) ContainerOption {
	return func(opts *containerOptions) {
		opts.webSearcher = searcher
	}
}

// WithoutMigration は起動時のスキーマ作成を行わない
func WithoutMigration() ContainerOption {
	return func(opts *containerOptions) {
		opts.skipMigrate = true
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, database.Config{URL: cfg.Database.DatabaseURL()})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	c, err := NewContainerWithDB(ctx, cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDB は既存の DB を受け取りコンテナを生成する。
func NewContainerWithDB(ctx context.Context, cfg *config.Config, db *database.DB, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	if !options.skipMigrate {
		if err := postgres.Migrate(ctx, db.Pool); err != nil {
			return nil, fmt.Errorf("スキーマ作成に失敗しました: %w", err)
		}
	}

	// Chat / Completion (OpenAI)
	chatModel, completer := options.chatModel, options.completer
	if chatModel == nil {
		clientOpts := []openai.ClientOption{
			openai.WithModel(cfg.OpenAI.LLMModel),
			openai.WithStreamIdleTimeout(cfg.OpenAI.StreamIdleTimeout),
		}
		if cfg.OpenAI.BaseURL != "" {
			clientOpts = append(clientOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		client, err := openai.NewClient(cfg.OpenAI.APIKey, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("OpenAI LLMクライアント初期化に失敗しました: %w", err)
		}
		chatModel, completer = client, client
	}

	// Embedder (OpenAI)
	embedderOpts := []openai.EmbedderOption{
		openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
		openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
	}
	if cfg.OpenAI.BaseURL != "" {
		embedderOpts = append(embedderOpts, openai.WithEmbeddingBaseURL(cfg.OpenAI.BaseURL))
	}
	embedder := openai.NewEmbedder(cfg.OpenAI.APIKey, embedderOpts...)

	// TokenCounter (tiktoken)
	counter, err := newTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("TokenCounter 初期化に失敗しました: %w", err)
	}

	// Reranker (Cohere)
	reranker := options.reranker
	if reranker == nil && cfg.Rerank.Enabled {
		r, err := cohere.NewReranker(cfg.Rerank.APIKey,
			cohere.WithModel(cfg.Rerank.Model),
			cohere.WithLogger(options.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("Reranker 初期化に失敗しました: %w", err)
		}
		reranker = r
	}

	// WebSearcher (Tavily)
	webSearcher := options.webSearcher
	if webSearcher == nil && cfg.WebSearch.TavilyAPIKey != "" {
		client, err := tavily.NewClient(cfg.WebSearch.TavilyAPIKey)
		if err != nil {
			return nil, fmt.Errorf("Web検索クライアント初期化に失敗しました: %w", err)
		}
		webSearcher = client
	}

	// Repository (PostgreSQL)
	documentRepo := postgres.NewDocumentRepository(db.Pool)
	searchRepo := postgres.NewSearchRepository(db.Pool)
	sqlExecutor := postgres.NewReadOnlyExecutor(db.Pool, cfg.Agent.SQLTimeout)

	// SearchService
	searchOpts := []coresearch.SearchServiceOption{
		coresearch.WithSearchLogger(options.logger),
		coresearch.WithSearchConfig(cfg.SearchConfig()),
	}
	if reranker != nil {
		searchOpts = append(searchOpts, coresearch.WithReranker(reranker))
	}
	searchService := coresearch.NewSearchService(searchRepo, embedder, searchOpts...)

	// AskService
	askOpts := []coreask.AskServiceOption{
		coreask.WithAskLogger(options.logger),
		coreask.WithCompleter(completer),
		coreask.WithSQLExecutor(sqlExecutor),
		coreask.WithDocumentStore(documentRepo),
		coreask.WithAskTokenCounter(counter),
	}
	if webSearcher != nil {
		askOpts = append(askOpts, coreask.WithWebSearcher(webSearcher))
	}
	askService := coreask.NewAskService(searchService, chatModel, askOpts...)

	// IngestService
	splitter, err := coreingestion.NewSplitter(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("Splitter 初期化に失敗しました: %w", err)
	}
	ingestOpts := []coreingestion.IngestServiceOption{
		coreingestion.WithIngestLogger(options.logger),
		coreingestion.WithPoolSize(cfg.Ingestion.PoolSize),
		coreingestion.WithSplitter(splitter),
		coreingestion.WithIngestTokenCounter(counter),
	}
	if cfg.Ingestion.ExtractMetadata {
		ingestOpts = append(ingestOpts, coreingestion.WithMetadataCompleter(metadataCompleter(completer)))
	}
	ingestService, err := coreingestion.NewIngestService(documentRepo, embedder, ingestOpts...)
	if err != nil {
		return nil, fmt.Errorf("IngestService 初期化に失敗しました: %w", err)
	}

	options.logger.Info("service container initialized",
		"llmModel", cfg.OpenAI.LLMModel,
		"embeddingModel", cfg.OpenAI.EmbeddingModel,
		"searchMode", cfg.Retrieval.Mode,
		"rerank", reranker != nil,
		"webSearch", webSearcher != nil,
	)

	return &ServiceContainer{
		SearchService: searchService,
		AskService:    askService,
		IngestService: ingestService,
		SettingsStore: coreask.NewSettingsStore(cfg.AskSettings),
		config:        cfg,
		logger:        options.logger,
		database:      db,
	}, nil
}

// metadataCompleter は補完クライアントを取り込み用のインターフェースに合わせる
func metadataCompleter(completer agent.Completer) coreingestion.TextCompleter {
	return coreingestion.TextCompleterFunc(func(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
		return completer.GenerateCompletion(ctx, agent.CompletionRequest{
			System:    system,
			Prompt:    prompt,
			MaxTokens: maxTokens,
		})
	})
}

// AskSettings はリクエストごとの設定値を返す。
func (c *ServiceContainer) AskSettings() coreask.Settings {
	return c.config.AskSettings()
}

// Config は設定を返す。
func (c *ServiceContainer) Config() *config.Config {
	return c.config
}

// Close は取り込みを止めてから内部リソースを解放する。
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.IngestService != nil {
		c.IngestService.Close()
	}
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返す。
func (c *ServiceContainer) Database() *database.DB {
	if c == nil {
		return nil
	}
	return c.database
}

// tokenCounter は tiktoken を利用した TokenCounter 実装。
type tokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func newTokenCounter() (*tokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding: %w", err)
	}
	return &tokenCounter{encoding: enc}, nil
}

func (t *tokenCounter) CountTokens(text string) int {
	if t.encoding == nil {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

var (
	_ coreingestion.TokenCounter = (*tokenCounter)(nil)
	_ agent.TokenCounter         = (*tokenCounter)(nil)
)
