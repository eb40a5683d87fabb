package ingestion

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// ErrDocumentNotFound はドキュメントが存在しない場合のエラー
var ErrDocumentNotFound = errors.New("document not found")

// Repository はドキュメントとチャンクのデータアクセスインターフェース
// テスト時のモック用に消費者側で定義
type Repository interface {
	// Document
	CreateDocument(ctx context.Context, doc *Document) (*Document, error)
	GetDocument(ctx context.Context, ownerID, id uuid.UUID) (mo.Option[*Document], error)
	FindDocumentByHash(ctx context.Context, ownerID uuid.UUID, contentHash string) (mo.Option[*Document], error)
	ListDocuments(ctx context.Context, ownerID uuid.UUID) ([]*Document, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, errorMessage *string) error
	DeleteDocument(ctx context.Context, ownerID, id uuid.UUID) error

	// Chunk
	// CompleteDocument は既存チャンクを置き換え、ドキュメントを completed にする（1トランザクション）
	// metadata が nil でなければドキュメントのメタデータに追記する
	CompleteDocument(ctx context.Context, id uuid.UUID, chunks []*Chunk, metadata map[string]any) error
	// FindImageURL は画像説明チャンクに記録された画像の保存先を返す
	FindImageURL(ctx context.Context, ownerID, documentID uuid.UUID, index int) (mo.Option[string], error)
}

// Embedder はバッチ Embedding 生成インターフェース
type Embedder interface {
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	MaxBatchSize() int
}

// TokenCounter はトークン数を数える
type TokenCounter interface {
	CountTokens(text string) int
}
