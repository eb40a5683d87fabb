package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// DefaultPoolSize は取り込みワーカーの同時実行数
const DefaultPoolSize = 4

var (
	// ErrInvalidDocument は取り込みパラメータが不正な場合のエラー
	ErrInvalidDocument = errors.New("invalid document")
	// ErrServiceClosed は Close 後に取り込みを要求した場合のエラー
	ErrServiceClosed = errors.New("ingest service closed")
	// ErrImageNotFound は画像の保存先が記録されていない場合のエラー
	ErrImageNotFound = errors.New("image not found")
)

// IngestService はドキュメント取り込みのユースケースを提供する
//
// 取り込みはリクエストとは独立したコンテキストでワーカープール上に実行され、
// Cancel または Close で中断できる。
type IngestService struct {
	repository Repository
	pipeline   *IndexPipeline
	pool       *ants.Pool
	logger     *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

type ingestServiceOptions struct {
	poolSize       int
	splitter       *Splitter
	tokenCounter   TokenCounter
	completer      TextCompleter
	pipelineConfig *PipelineConfig
	logger         *slog.Logger
}

// IngestServiceOption は IngestService のオプション設定
type IngestServiceOption func(*ingestServiceOptions)

// WithIngestLogger は IngestService にロガーを設定する
func WithIngestLogger(logger *slog.Logger) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.logger = logger
	}
}

// WithPoolSize はワーカープールのサイズを設定する
func WithPoolSize(size int) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.poolSize = size
	}
}

// WithSplitter はチャンク分割器を上書きする
func WithSplitter(splitter *Splitter) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.splitter = splitter
	}
}

// WithIngestTokenCounter はチャンクのトークン数計測を設定する
func WithIngestTokenCounter(counter TokenCounter) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.tokenCounter = counter
	}
}

// WithMetadataCompleter は取り込み時の LLM メタデータ抽出を有効にする
func WithMetadataCompleter(completer TextCompleter) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.completer = completer
	}
}

// WithPipelineConfig はパイプライン設定を上書きする
func WithPipelineConfig(cfg *PipelineConfig) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.pipelineConfig = cfg
	}
}

// NewIngestService は新しいIngestServiceを作成する
func NewIngestService(repo Repository, embedder Embedder, opts ...IngestServiceOption) (*IngestService, error) {
	options := ingestServiceOptions{
		poolSize:       DefaultPoolSize,
		splitter:       DefaultSplitter(),
		pipelineConfig: DefaultPipelineConfig(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.poolSize < 1 {
		options.poolSize = 1
	}

	var extractor *MetadataExtractor
	if options.completer != nil {
		extractor = NewMetadataExtractor(options.completer, options.logger)
	}

	pool, err := ants.NewPool(options.poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest pool: %w", err)
	}

	return &IngestService{
		repository: repo,
		pipeline: NewIndexPipeline(
			repo,
			embedder,
			options.splitter,
			options.tokenCounter,
			extractor,
			options.pipelineConfig,
			options.logger,
		),
		pool:    pool,
		logger:  options.logger,
		running: make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// Submit はドキュメントを登録し、取り込みをバックグラウンドで開始する
// 同じ内容のドキュメントが完了済みまたは処理中なら、それを返して何もしない
func (s *IngestService) Submit(ctx context.Context, params IngestParams) (*IngestResult, error) {
	result, text, err := s.prepare(ctx, params)
	if err != nil || result.Duplicate {
		return result, err
	}

	doc := result.Document
	runCtx, cancel := context.WithCancel(context.Background())
	if err := s.track(doc.ID, cancel); err != nil {
		cancel()
		return nil, err
	}

	if err := s.pool.Submit(func() {
		defer s.untrack(doc.ID)
		s.process(runCtx, doc, text)
	}); err != nil {
		s.untrack(doc.ID)
		msg := err.Error()
		if updateErr := s.repository.UpdateDocumentStatus(context.WithoutCancel(ctx), doc.ID, StatusFailed, &msg); updateErr != nil {
			s.logger.Error("failed to mark document failed", "documentID", doc.ID.String(), "error", updateErr)
		}
		return nil, fmt.Errorf("failed to submit ingestion: %w", err)
	}

	s.logger.Info("ingestion submitted", "documentID", doc.ID.String(), "filename", doc.Filename)
	return result, nil
}

// Ingest はドキュメントを同期的に取り込む
func (s *IngestService) Ingest(ctx context.Context, params IngestParams) (*IngestResult, error) {
	result, text, err := s.prepare(ctx, params)
	if err != nil || result.Duplicate {
		return result, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.track(result.Document.ID, cancel); err != nil {
		return nil, err
	}
	defer s.untrack(result.Document.ID)

	if err := s.process(runCtx, result.Document, text); err != nil {
		return result, err
	}

	latest, err := s.repository.GetDocument(ctx, params.OwnerID, result.Document.ID)
	if err != nil {
		return result, fmt.Errorf("failed to reload document: %w", err)
	}
	if doc, ok := latest.Get(); ok {
		result.Document = doc
	}
	return result, nil
}

// Cancel は実行中の取り込みを中断する。対象が無ければ false を返す
func (s *IngestService) Cancel(documentID uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.running[documentID]
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.Info("ingestion cancelled", "documentID", documentID.String())
	}
	return ok
}

// Wait は実行中の取り込みがすべて終わるまで待つ
func (s *IngestService) Wait() {
	s.wg.Wait()
}

// Close は実行中の取り込みを中断し、プールを解放する
func (s *IngestService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.pool.Release()
}

// GetDocument はドキュメントを取得する
func (s *IngestService) GetDocument(ctx context.Context, ownerID, id uuid.UUID) (*Document, error) {
	docOpt, err := s.repository.GetDocument(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc, ok := docOpt.Get()
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// ImageURL はドキュメント内の画像の保存先URLを返す
func (s *IngestService) ImageURL(ctx context.Context, ownerID, documentID uuid.UUID, index int) (string, error) {
	urlOpt, err := s.repository.FindImageURL(ctx, ownerID, documentID, index)
	if err != nil {
		return "", fmt.Errorf("failed to find image: %w", err)
	}
	url, ok := urlOpt.Get()
	if !ok || url == "" {
		return "", ErrImageNotFound
	}
	return url, nil
}

// ListDocuments は所有者のドキュメント一覧を返す
func (s *IngestService) ListDocuments(ctx context.Context, ownerID uuid.UUID) ([]*Document, error) {
	docs, err := s.repository.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument は取り込みを中断してからドキュメントとチャンクを削除する
func (s *IngestService) DeleteDocument(ctx context.Context, ownerID, id uuid.UUID) error {
	if _, err := s.GetDocument(ctx, ownerID, id); err != nil {
		return err
	}
	s.Cancel(id)
	if err := s.repository.DeleteDocument(ctx, ownerID, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// prepare は検証・テキスト抽出・重複判定を行い、pending のドキュメントを用意する
func (s *IngestService) prepare(ctx context.Context, params IngestParams) (*IngestResult, string, error) {
	// 1. バリデーション
	if params.OwnerID == uuid.Nil {
		return nil, "", fmt.Errorf("%w: owner id is required", ErrInvalidDocument)
	}
	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		filename = "untitled"
	}
	if len(params.Content) == 0 {
		return nil, "", ErrEmptyContent
	}
	if len(params.Content) > MaxFileSize {
		return nil, "", fmt.Errorf("%w: maximum size is %dMB", ErrFileTooLarge, MaxFileSize/(1024*1024))
	}
	fileType, err := DetectFileType(filename, params.FileType)
	if err != nil {
		return nil, "", err
	}

	// 2. テキスト抽出
	text, err := ExtractText(params.Content, fileType)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", fmt.Errorf("%w: no text content could be extracted", ErrInvalidDocument)
	}

	// 3. 内容ハッシュで重複判定
	sum := sha256.Sum256(params.Content)
	hash := hex.EncodeToString(sum[:])

	existingOpt, err := s.repository.FindDocumentByHash(ctx, params.OwnerID, hash)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up content hash: %w", err)
	}
	if existing, ok := existingOpt.Get(); ok {
		if existing.Status != StatusFailed {
			s.logger.Info("document already ingested",
				"documentID", existing.ID.String(),
				"status", existing.Status,
			)
			return &IngestResult{Document: existing, Duplicate: true}, "", nil
		}

		// 失敗済みは同じレコードで再取り込みする
		if err := s.repository.UpdateDocumentStatus(ctx, existing.ID, StatusPending, nil); err != nil {
			return nil, "", fmt.Errorf("failed to reset document status: %w", err)
		}
		existing.Status = StatusPending
		existing.ErrorMessage = nil
		return &IngestResult{Document: existing}, text, nil
	}

	// 4. ドキュメント作成
	doc, err := s.repository.CreateDocument(ctx, &Document{
		ID:          uuid.New(),
		OwnerID:     params.OwnerID,
		Filename:    filename,
		FileType:    fileType,
		FileSize:    int64(len(params.Content)),
		ContentHash: hash,
		Status:      StatusPending,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create document: %w", err)
	}

	return &IngestResult{Document: doc}, text, nil
}

// process は状態を processing にしてパイプラインを実行し、失敗時は failed にする
func (s *IngestService) process(ctx context.Context, doc *Document, text string) error {
	start := time.Now()
	logger := s.logger.With("documentID", doc.ID.String(), "filename", doc.Filename)

	err := s.repository.UpdateDocumentStatus(ctx, doc.ID, StatusProcessing, nil)
	if err == nil {
		var chunkCount int
		chunkCount, err = s.pipeline.Process(ctx, doc, text)
		if err == nil {
			IngestDocumentsTotal.WithLabelValues(string(StatusCompleted)).Inc()
			IngestChunksTotal.Add(float64(chunkCount))
			logger.Info("ingestion completed",
				"chunks", chunkCount,
				"duration", time.Since(start),
			)
			return nil
		}
	}

	IngestDocumentsTotal.WithLabelValues(string(StatusFailed)).Inc()
	logger.Error("ingestion failed", "error", err)

	// キャンセル後も状態は記録する
	msg := err.Error()
	if updateErr := s.repository.UpdateDocumentStatus(context.WithoutCancel(ctx), doc.ID, StatusFailed, &msg); updateErr != nil {
		logger.Error("failed to mark document failed", "error", updateErr)
	}
	return err
}

func (s *IngestService) track(id uuid.UUID, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}
	s.running[id] = cancel
	s.wg.Add(1)
	return nil
}

func (s *IngestService) untrack(id uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()

	if ok {
		cancel()
		s.wg.Done()
	}
}
