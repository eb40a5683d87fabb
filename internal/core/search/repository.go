package search

import (
	"context"

	"github.com/google/uuid"
)

// VectorSearchOptions はベクトル検索の任意条件
type VectorSearchOptions struct {
	OwnerID   *uuid.UUID
	Filter    MetadataFilter
	Threshold float64
}

// KeywordSearchOptions は全文検索の任意条件
type KeywordSearchOptions struct {
	OwnerID *uuid.UUID
	Filter  MetadataFilter
}

// Repository は検索バックエンドのインターフェース
// どちらも類似度/関連度の降順で返すこと
type Repository interface {
	// VectorSearch はコサイン類似度でチャンクを検索する
	VectorSearch(ctx context.Context, embedding []float32, limit int, opts VectorSearchOptions) ([]ScoredChunk, error)

	// KeywordSearch は全文検索のランクでチャンクを検索する
	KeywordSearch(ctx context.Context, query string, limit int, opts KeywordSearchOptions) ([]ScoredChunk, error)
}

// Embedder はテキストのEmbedding生成インターフェース
type Embedder interface {
	// Embed は単一テキストのEmbeddingを生成する
	Embed(ctx context.Context, text string) ([]float32, error)
}
