package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/doc-rag/internal/core/agent"
	"github.com/jinford/doc-rag/internal/platform/database"
)

// DefaultStatementTimeout は読み取り専用クエリのタイムアウト
const DefaultStatementTimeout = 15 * time.Second

const (
	// sqlReaderRole は RLS で所有者の行だけが見えるロール（schema.sql で作成）
	sqlReaderRole = "docrag_sql_reader"

	ownerSetting = "docrag.owner_id"
)

// ReadOnlyExecutor は生成された SELECT を READ ONLY トランザクションで実行する
type ReadOnlyExecutor struct {
	tx      *database.TransactionProvider
	timeout time.Duration
}

// NewReadOnlyExecutor は新しい ReadOnlyExecutor を作成します
func NewReadOnlyExecutor(pool *pgxpool.Pool, timeout time.Duration) *ReadOnlyExecutor {
	if timeout <= 0 {
		timeout = DefaultStatementTimeout
	}
	return &ReadOnlyExecutor{
		tx:      database.NewTransactionProvider(pool),
		timeout: timeout,
	}
}

var _ agent.SQLExecutor = (*ReadOnlyExecutor)(nil)

// QueryReadOnly はクエリを実行して行を列名のマップで返す
// 書き込みはトランザクションのアクセスモードで拒否される
// documents と chunks は RLS により ownerID の行だけが見える
// 拡張プロトコルで送るため複数文のクエリはサーバ側で拒否される
func (e *ReadOnlyExecutor) QueryReadOnly(ctx context.Context, ownerID uuid.UUID, query string) ([]map[string]any, error) {
	if ownerID == uuid.Nil {
		return nil, errors.New("owner id is required")
	}
	opts := pgx.TxOptions{AccessMode: pgx.ReadOnly}

	return database.TransactWithOptions(ctx, e.tx, opts, func(a *database.Adapter) ([]map[string]any, error) {
		// 1. タイムアウト
		timeout := fmt.Sprintf("SET LOCAL statement_timeout = %d", e.timeout.Milliseconds())
		if _, err := a.Tx.Exec(ctx, timeout); err != nil {
			return nil, fmt.Errorf("failed to set statement timeout: %w", err)
		}

		// 2. 所有者スコープ（トランザクション終了で元に戻る）
		if _, err := a.Tx.Exec(ctx, "SELECT set_config($1, $2, true)", ownerSetting, ownerID.String()); err != nil {
			return nil, fmt.Errorf("failed to set owner scope: %w", err)
		}
		if _, err := a.Tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{sqlReaderRole}.Sanitize()); err != nil {
			return nil, fmt.Errorf("failed to switch to reader role: %w", err)
		}

		// 3. 実行
		rows, err := a.Tx.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to execute query: %w", err)
		}

		result, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return nil, fmt.Errorf("failed to collect rows: %w", err)
		}
		for _, row := range result {
			for k, v := range row {
				row[k] = normalizeValue(v)
			}
		}
		return result, nil
	})
}

// normalizeValue は JSON で読みやすい形に値を変換する
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	}
	return v
}
