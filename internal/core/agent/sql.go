package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// SQLToolName はメタデータ問い合わせツールの名前
	SQLToolName = "text_to_sql"

	// DefaultSQLMaxRows は結果に含める最大行数
	DefaultSQLMaxRows = 50

	sqlMaxTokens = 500
)

// ErrQueryRejected は生成されたSQLが読み取り専用でない場合のエラー
var ErrQueryRejected = errors.New("query rejected")

var forbiddenKeywords = []string{"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE", "GRANT", "REVOKE", "SET_CONFIG"}

var forbiddenPattern = regexp.MustCompile(`\b(` + strings.Join(forbiddenKeywords, "|") + `)\b`)

// SQLExecutor は読み取り専用でSQLを実行するインターフェース
// 実装は ownerID の所有するドキュメントとチャンクだけが見える状態でクエリを実行する
type SQLExecutor interface {
	QueryReadOnly(ctx context.Context, ownerID uuid.UUID, query string) ([]map[string]any, error)
}

// SQLTool は自然言語からSQLを生成してドキュメントのメタデータを問い合わせるツール
type SQLTool struct {
	completer Completer
	executor  SQLExecutor
	ownerID   uuid.UUID
	maxRows   int
	logger    *slog.Logger
}

// SQLToolOption は SQLTool のオプション設定
type SQLToolOption func(*SQLTool)

// WithSQLLogger はロガーを設定する
func WithSQLLogger(logger *slog.Logger) SQLToolOption {
	return func(t *SQLTool) {
		t.logger = logger
	}
}

// WithSQLMaxRows は結果の最大行数を設定する
func WithSQLMaxRows(n int) SQLToolOption {
	return func(t *SQLTool) {
		t.maxRows = n
	}
}

// NewSQLTool は新しい SQLTool を作成する
func NewSQLTool(completer Completer, executor SQLExecutor, ownerID uuid.UUID, opts ...SQLToolOption) *SQLTool {
	t := &SQLTool{
		completer: completer,
		executor:  executor,
		ownerID:   ownerID,
		maxRows:   DefaultSQLMaxRows,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.maxRows <= 0 {
		t.maxRows = DefaultSQLMaxRows
	}

	return t
}

// Info はツール情報を返す
func (t *SQLTool) Info() ToolInfo {
	return ToolInfo{
		Name: SQLToolName,
		Description: "Query metadata about the user's documents using SQL. Use this for " +
			"questions about document counts, types, topics, upload dates, or other " +
			"aggregate/metadata questions. Do NOT use this for searching document content.",
		Parameters: []ToolParameter{
			{
				Name: "question",
				Type: TypeString,
				Description: "Natural language question about document metadata " +
					"(e.g. 'how many documents have I uploaded?', 'what topics are covered?').",
				Required: true,
			},
		},
		Parallel: true,
	}
}

// Execute はSQLを生成・検証・実行して結果を整形する
// 生成や実行の失敗はモデルに返す文面にする
func (t *SQLTool) Execute(ctx context.Context, args map[string]any, _ Relay) (ToolOutput, error) {
	question := StringArg(args, "question")

	// 1. SQL生成
	generated, err := t.completer.GenerateCompletion(ctx, CompletionRequest{
		Prompt:    BuildSQLPrompt(t.ownerID, question),
		MaxTokens: sqlMaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ToolOutput{}, ctx.Err()
		}
		t.logger.Error("SQL generation failed", "error", err)
		return ToolOutput{Text: fmt.Sprintf("Failed to generate SQL query: %v", err)}, nil
	}
	query := StripCodeFence(generated)

	// 2. 検証
	if err := ValidateReadOnlyQuery(query); err != nil {
		t.logger.Warn("generated SQL rejected", "query", query, "error", err)
		return ToolOutput{Text: fmt.Sprintf("Generated query was rejected: %s\nQuery: %s", rejectionReason(err), query)}, nil
	}

	// 3. 読み取り専用トランザクションで実行
	rows, err := t.executor.QueryReadOnly(ctx, t.ownerID, query)
	if err != nil {
		if ctx.Err() != nil {
			return ToolOutput{}, ctx.Err()
		}
		t.logger.Error("SQL execution failed", "query", query, "error", err)
		return ToolOutput{Text: fmt.Sprintf("SQL execution failed: %v", err)}, nil
	}

	// 4. 整形
	text, err := FormatRows(query, rows, t.maxRows)
	if err != nil {
		return ToolOutput{}, err
	}
	return ToolOutput{Text: text}, nil
}

// StripCodeFence はモデル出力からマークダウンのコードフェンスを取り除く
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// ValidateReadOnlyQuery は単一の SELECT 文で書き込み系キーワードを含まないことを検証する
// 末尾のセミコロンは1つだけ許可する
func ValidateReadOnlyQuery(query string) error {
	stripped := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	upper := strings.ToUpper(stripped)

	if !strings.HasPrefix(upper, "SELECT") {
		return fmt.Errorf("%w: Only SELECT queries are allowed.", ErrQueryRejected)
	}
	if strings.Contains(stripped, ";") {
		return fmt.Errorf("%w: Multiple statements are not allowed.", ErrQueryRejected)
	}
	if kw := forbiddenPattern.FindString(upper); kw != "" {
		return fmt.Errorf("%w: Forbidden keyword: %s", ErrQueryRejected, kw)
	}
	return nil
}

func rejectionReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrQueryRejected.Error()+": ")
}

// FormatRows はクエリ結果をモデル向けの文面に整形する
func FormatRows(query string, rows []map[string]any, maxRows int) (string, error) {
	if len(rows) == 0 {
		return fmt.Sprintf("Query: %s\n\nNo results found.", query), nil
	}

	truncated := len(rows) > maxRows
	if truncated {
		rows = rows[:maxRows]
	}

	body, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode query results: %w", err)
	}

	plus := ""
	if truncated {
		plus = "+"
	}
	return fmt.Sprintf("Query: %s\n\nResults (%d%s rows):\n%s", query, len(rows), plus, body), nil
}

var _ Tool = (*SQLTool)(nil)
