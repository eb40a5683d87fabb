package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus はドキュメントの取り込み状態
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// ChunkTypeText は本文から分割したチャンクの種別
const ChunkTypeText = "text"

// Document はアップロードされたドキュメントを表す
type Document struct {
	ID           uuid.UUID      `json:"id"`
	OwnerID      uuid.UUID      `json:"ownerID"`
	Filename     string         `json:"filename"`
	FileType     string         `json:"fileType"`
	FileSize     int64          `json:"fileSize"`
	ContentHash  string         `json:"contentHash"`
	Status       DocumentStatus `json:"status"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	ChunkCount   int            `json:"chunkCount"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Chunk は保存するチャンク（Embedding 付き）
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Index      int
	Content    string
	Metadata   map[string]any
	Embedding  []float32
}

// IngestParams は取り込みのパラメータ
type IngestParams struct {
	OwnerID  uuid.UUID
	Filename string
	FileType string // MIME タイプ（空なら拡張子から推定）
	Content  []byte
}

// IngestResult は取り込み受付の結果
type IngestResult struct {
	Document  *Document
	Duplicate bool // 同じ内容のドキュメントが既に存在した
}
