package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultEmbeddingWorkerCount はデフォルトのEmbedding並列数（I/O バウンド）
	DefaultEmbeddingWorkerCount = 4
	// DefaultEmbeddingBatchSize はEmbedding APIのデフォルトバッチサイズ
	DefaultEmbeddingBatchSize = 100
	// MinBatchSize は最小バッチサイズ（MaxBatchSize()が0を返した場合のフォールバック）
	MinBatchSize = 1
)

var (
	// ErrNoChunks は分割結果が空の場合のエラー
	ErrNoChunks = errors.New("text produced no chunks after splitting")
	// ErrEmbeddingMismatch はベクトル数が入力数と一致しない場合のエラー
	ErrEmbeddingMismatch = errors.New("embedding count mismatch")
)

// PipelineConfig はパイプライン処理の設定
type PipelineConfig struct {
	// EmbeddingWorkerCount はEmbedding生成の並列数
	EmbeddingWorkerCount int
	// EmbeddingBatchSize はEmbeddingバッチサイズ（Embedder.MaxBatchSize()でクリップされる）
	EmbeddingBatchSize int
}

// DefaultPipelineConfig はデフォルトのパイプライン設定を返す
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		EmbeddingWorkerCount: DefaultEmbeddingWorkerCount,
		EmbeddingBatchSize:   DefaultEmbeddingBatchSize,
	}
}

// IndexPipeline はテキストを分割・Embedding・保存する
type IndexPipeline struct {
	repository   Repository
	embedder     Embedder
	splitter     *Splitter
	tokenCounter TokenCounter       // オプショナル
	extractor    *MetadataExtractor // オプショナル
	config       *PipelineConfig
	logger       *slog.Logger

	// 実際に使用するバッチサイズ（Embedder.MaxBatchSize()でクリップ済み）
	effectiveBatchSize int
}

// NewIndexPipeline は新しいIndexPipelineを作成する
func NewIndexPipeline(
	repository Repository,
	embedder Embedder,
	splitter *Splitter,
	tokenCounter TokenCounter,
	extractor *MetadataExtractor,
	config *PipelineConfig,
	logger *slog.Logger,
) *IndexPipeline {
	if config == nil {
		config = DefaultPipelineConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if splitter == nil {
		splitter = DefaultSplitter()
	}

	// バッチサイズをEmbedderの最大値でクリップ
	effectiveBatchSize := config.EmbeddingBatchSize
	maxBatchSize := embedder.MaxBatchSize()
	if maxBatchSize <= 0 {
		logger.Warn("embedder returned invalid max batch size, using fallback",
			"returned", maxBatchSize,
			"fallback", MinBatchSize,
		)
		maxBatchSize = MinBatchSize
	}
	if effectiveBatchSize > maxBatchSize {
		effectiveBatchSize = maxBatchSize
	}
	if effectiveBatchSize <= 0 {
		effectiveBatchSize = MinBatchSize
	}

	return &IndexPipeline{
		repository:         repository,
		embedder:           embedder,
		splitter:           splitter,
		tokenCounter:       tokenCounter,
		extractor:          extractor,
		config:             config,
		logger:             logger,
		effectiveBatchSize: effectiveBatchSize,
	}
}

// Process はドキュメントのテキストをチャンク化して保存し、チャンク数を返す
func (p *IndexPipeline) Process(ctx context.Context, doc *Document, text string) (int, error) {
	// 1. 分割
	contents := p.splitter.Split(text)
	if len(contents) == 0 {
		return 0, ErrNoChunks
	}

	p.logger.Info("document split into chunks",
		"documentID", doc.ID.String(),
		"chars", len([]rune(text)),
		"chunks", len(contents),
	)

	// 2. バッチ Embedding とメタデータ抽出
	var (
		vectors  [][]float32
		metadata map[string]any
	)
	g, gctx := errgroup.WithContext(ctx)
	if p.extractor != nil {
		g.Go(func() error {
			metadata = p.extractor.Extract(gctx, doc.Filename, text).ToMap()
			return nil
		})
	}
	g.Go(func() error {
		var err error
		vectors, err = p.embedAll(gctx, contents)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// 3. チャンクレコード構築
	chunks := make([]*Chunk, len(contents))
	for i, content := range contents {
		metadata := map[string]any{
			"document_id": doc.ID.String(),
			"chunk_type":  ChunkTypeText,
		}
		if p.tokenCounter != nil {
			metadata["token_count"] = p.tokenCounter.CountTokens(content)
		}
		chunks[i] = &Chunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			Index:      i,
			Content:    content,
			Metadata:   metadata,
			Embedding:  vectors[i],
		}
	}

	// 4. 保存と完了マーク
	if err := p.repository.CompleteDocument(ctx, doc.ID, chunks, metadata); err != nil {
		return 0, fmt.Errorf("failed to store chunks: %w", err)
	}

	return len(chunks), nil
}

// embedAll はバッチに分けて並列に Embedding を生成する
// 返すベクトルの順序は入力と一致する
func (p *IndexPipeline) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	workers := p.config.EmbeddingWorkerCount
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for start := 0; start < len(texts); start += p.effectiveBatchSize {
		end := min(start+p.effectiveBatchSize, len(texts))
		g.Go(func() error {
			batch, err := p.embedder.BatchEmbed(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("failed to embed chunks %d-%d: %w", start, end-1, err)
			}
			if len(batch) != end-start {
				return fmt.Errorf("%w: got %d, want %d", ErrEmbeddingMismatch, len(batch), end-start)
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
