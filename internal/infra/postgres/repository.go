package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/mo"

	"github.com/jinford/doc-rag/internal/core/agent"
	"github.com/jinford/doc-rag/internal/core/ingestion"
	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/platform/database"
)

const documentColumns = `id, owner_id, filename, file_type, file_size, content_hash, status,
	error_message, chunk_count, metadata, created_at, updated_at`

// DocumentRepository はドキュメントとチャンクを PostgreSQL に保存するリポジトリ
type DocumentRepository struct {
	pool *pgxpool.Pool
	tx   *database.TransactionProvider
}

// NewDocumentRepository は新しい DocumentRepository を作成します
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{
		pool: pool,
		tx:   database.NewTransactionProvider(pool),
	}
}

// コンパイル時の型チェック
var (
	_ ingestion.Repository = (*DocumentRepository)(nil)
	_ agent.DocumentStore  = (*DocumentRepository)(nil)
)

// === Document ===

// CreateDocument はドキュメントを作成します
func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *ingestion.Document) (*ingestion.Document, error) {
	metadata, err := MetadataToJSONB(doc.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO documents (id, owner_id, filename, file_type, file_size, content_hash, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + documentColumns

	created, err := scanDocument(r.pool.QueryRow(ctx, query,
		doc.ID,
		doc.OwnerID,
		doc.Filename,
		doc.FileType,
		doc.FileSize,
		doc.ContentHash,
		string(doc.Status),
		metadata,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return created, nil
}

// GetDocument は所有者のドキュメントをIDで取得します
func (r *DocumentRepository) GetDocument(ctx context.Context, ownerID, id uuid.UUID) (mo.Option[*ingestion.Document], error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 AND owner_id = $2`

	doc, err := scanDocument(r.pool.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*ingestion.Document](), nil
		}
		return mo.None[*ingestion.Document](), fmt.Errorf("failed to get document: %w", err)
	}
	return mo.Some(doc), nil
}

// FindDocumentByHash は所有者のドキュメントを内容ハッシュで探します
func (r *DocumentRepository) FindDocumentByHash(ctx context.Context, ownerID uuid.UUID, contentHash string) (mo.Option[*ingestion.Document], error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE owner_id = $1 AND content_hash = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	doc, err := scanDocument(r.pool.QueryRow(ctx, query, ownerID, contentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*ingestion.Document](), nil
		}
		return mo.None[*ingestion.Document](), fmt.Errorf("failed to find document by hash: %w", err)
	}
	return mo.Some(doc), nil
}

// ListDocuments は所有者のドキュメントを新しい順に返します
func (r *DocumentRepository) ListDocuments(ctx context.Context, ownerID uuid.UUID) ([]*ingestion.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*ingestion.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// UpdateDocumentStatus はドキュメントの状態を更新します
func (r *DocumentRepository) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status ingestion.DocumentStatus, errorMessage *string) error {
	query := `
		UPDATE documents
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, string(status), errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ingestion.ErrDocumentNotFound, id)
	}
	return nil
}

// DeleteDocument は所有者のドキュメントを削除します（チャンクはカスケード削除）
func (r *DocumentRepository) DeleteDocument(ctx context.Context, ownerID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ingestion.ErrDocumentNotFound, id)
	}
	return nil
}

// === Chunk ===

// CompleteDocument は既存チャンクを置き換え、ドキュメントを completed にします
// metadata は既存のドキュメントメタデータにマージします
func (r *DocumentRepository) CompleteDocument(ctx context.Context, id uuid.UUID, chunks []*ingestion.Chunk, metadata map[string]any) error {
	docMetadata, err := MetadataToJSONB(metadata)
	if err != nil {
		return err
	}

	_, err = database.Transact(ctx, r.tx, func(a *database.Adapter) (struct{}, error) {
		// 同じドキュメントへの並行書き込みを直列化
		if err := a.Locks.Acquire(ctx, database.GenerateLockID("document", id.String())); err != nil {
			return struct{}{}, err
		}

		if _, err := a.Tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, id); err != nil {
			return struct{}{}, fmt.Errorf("failed to delete chunks: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			metadata, err := MetadataToJSONB(c.Metadata)
			if err != nil {
				return struct{}{}, err
			}
			batch.Queue(`
				INSERT INTO chunks (id, document_id, content, chunk_index, metadata, embedding)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, c.ID, id, c.Content, c.Index, metadata, pgvector.NewVector(c.Embedding))
		}

		if batch.Len() > 0 {
			if err := a.Tx.SendBatch(ctx, batch).Close(); err != nil {
				return struct{}{}, fmt.Errorf("failed to insert chunks: %w", err)
			}
		}

		tag, err := a.Tx.Exec(ctx, `
			UPDATE documents
			SET status = $2, error_message = NULL, chunk_count = $3,
			    metadata = metadata || $4::jsonb, updated_at = now()
			WHERE id = $1
		`, id, string(ingestion.StatusCompleted), len(chunks), docMetadata)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to complete document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, fmt.Errorf("%w: %s", ingestion.ErrDocumentNotFound, id)
		}
		return struct{}{}, nil
	})
	return err
}

// FindCompletedByFilename は所有者の処理済みドキュメントをファイル名で探します
func (r *DocumentRepository) FindCompletedByFilename(ctx context.Context, ownerID uuid.UUID, filename string) (mo.Option[agent.DocumentRef], error) {
	query := `
		SELECT id, filename
		FROM documents
		WHERE owner_id = $1 AND filename = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	var ref agent.DocumentRef
	err := r.pool.QueryRow(ctx, query, ownerID, filename, string(ingestion.StatusCompleted)).Scan(&ref.ID, &ref.Filename)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[agent.DocumentRef](), nil
		}
		return mo.None[agent.DocumentRef](), fmt.Errorf("failed to find document by filename: %w", err)
	}
	return mo.Some(ref), nil
}

// FindImageURL は画像説明チャンクの metadata.image_url を返します
func (r *DocumentRepository) FindImageURL(ctx context.Context, ownerID, documentID uuid.UUID, index int) (mo.Option[string], error) {
	query := `
		SELECT c.metadata->>'image_url'
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.owner_id = $1
		  AND c.document_id = $2
		  AND c.metadata->>'chunk_type' = 'image_description'
		  AND c.metadata->'image_index' = to_jsonb($3::int)
		  AND c.metadata ? 'image_url'
		ORDER BY c.chunk_index
		LIMIT 1
	`

	var url string
	err := r.pool.QueryRow(ctx, query, ownerID, documentID, index).Scan(&url)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[string](), nil
		}
		return mo.None[string](), fmt.Errorf("failed to find image: %w", err)
	}
	return mo.Some(url), nil
}

// ListChunks はドキュメントのチャンクをインデックス順に返します
func (r *DocumentRepository) ListChunks(ctx context.Context, documentID uuid.UUID) ([]search.Chunk, error) {
	query := `
		SELECT c.id, c.document_id, d.filename, c.content, c.chunk_index, c.metadata
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.document_id = $1
		ORDER BY c.chunk_index
	`

	rows, err := r.pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]search.Chunk, 0)
	for rows.Next() {
		var (
			c        search.Chunk
			metadata []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Filename, &c.Content, &c.Index, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Metadata = JSONBToMetadata(metadata)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}
	return chunks, nil
}

func scanDocument(row pgx.Row) (*ingestion.Document, error) {
	var (
		doc      ingestion.Document
		status   string
		metadata []byte
	)
	err := row.Scan(
		&doc.ID,
		&doc.OwnerID,
		&doc.Filename,
		&doc.FileType,
		&doc.FileSize,
		&doc.ContentHash,
		&status,
		&doc.ErrorMessage,
		&doc.ChunkCount,
		&metadata,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Status = ingestion.DocumentStatus(status)
	doc.Metadata = JSONBToMetadata(metadata)
	return &doc, nil
}
