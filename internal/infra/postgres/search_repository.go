package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/doc-rag/internal/core/ingestion"
	"github.com/jinford/doc-rag/internal/core/search"
)

// TextSearchConfig は全文検索で使う text search configuration
const TextSearchConfig = "simple"

// SearchRepository は core/search.Repository を実装する PostgreSQL リポジトリ。
type SearchRepository struct {
	pool *pgxpool.Pool
}

// NewSearchRepository は新しい SearchRepository を返す。
func NewSearchRepository(pool *pgxpool.Pool) *SearchRepository {
	return &SearchRepository{pool: pool}
}

var _ search.Repository = (*SearchRepository)(nil)

// VectorSearch はコサイン類似度の降順でチャンクを返す
func (r *SearchRepository) VectorSearch(ctx context.Context, embedding []float32, limit int, opts search.VectorSearchOptions) ([]search.ScoredChunk, error) {
	filter, err := FilterToJSONB(opts.Filter)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT c.id, c.document_id, d.filename, c.content, c.chunk_index, c.metadata,
		       1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = $2
		  AND ($3::uuid IS NULL OR d.owner_id = $3)
		  AND ($4::jsonb IS NULL OR c.metadata @> $4::jsonb)
		  AND 1 - (c.embedding <=> $1) >= $5
		ORDER BY c.embedding <=> $1
		LIMIT $6
	`

	rows, err := r.pool.Query(ctx, query,
		pgvector.NewVector(embedding),
		string(ingestion.StatusCompleted),
		UUIDPtrToPgtype(opts.OwnerID),
		filter,
		opts.Threshold,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search by vector: %w", err)
	}
	return collectScoredChunks(rows)
}

// KeywordSearch は ts_rank の降順でチャンクを返す
func (r *SearchRepository) KeywordSearch(ctx context.Context, queryText string, limit int, opts search.KeywordSearchOptions) ([]search.ScoredChunk, error) {
	filter, err := FilterToJSONB(opts.Filter)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT c.id, c.document_id, d.filename, c.content, c.chunk_index, c.metadata,
		       ts_rank(c.content_tsv, q.query)::float8 AS rank
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		CROSS JOIN plainto_tsquery('` + TextSearchConfig + `', $1) AS q(query)
		WHERE c.content_tsv @@ q.query
		  AND d.status = $2
		  AND ($3::uuid IS NULL OR d.owner_id = $3)
		  AND ($4::jsonb IS NULL OR c.metadata @> $4::jsonb)
		ORDER BY rank DESC, c.id
		LIMIT $5
	`

	rows, err := r.pool.Query(ctx, query,
		queryText,
		string(ingestion.StatusCompleted),
		UUIDPtrToPgtype(opts.OwnerID),
		filter,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search by keyword: %w", err)
	}
	return collectScoredChunks(rows)
}

func collectScoredChunks(rows pgx.Rows) ([]search.ScoredChunk, error) {
	defer rows.Close()

	results := make([]search.ScoredChunk, 0)
	for rows.Next() {
		var (
			sc       search.ScoredChunk
			metadata []byte
		)
		if err := rows.Scan(
			&sc.ID,
			&sc.DocumentID,
			&sc.Filename,
			&sc.Content,
			&sc.Index,
			&metadata,
			&sc.Similarity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		sc.Metadata = JSONBToMetadata(metadata)
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search rows: %w", err)
	}
	return results, nil
}
