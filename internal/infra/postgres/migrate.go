package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/doc-rag/internal/platform/database"
)

//go:embed schema.sql
var schemaSQL string

// Migrate はスキーマを作成します（冪等）
// 複数プロセスの同時起動に備えてアドバイザリロックの中で実行する
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tp := database.NewTransactionProvider(pool)
	_, err := database.Transact(ctx, tp, func(a *database.Adapter) (struct{}, error) {
		if err := a.Locks.Acquire(ctx, database.GenerateLockID("doc-rag", "schema")); err != nil {
			return struct{}{}, err
		}
		if _, err := a.Tx.Exec(ctx, schemaSQL); err != nil {
			return struct{}{}, fmt.Errorf("failed to apply schema: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
