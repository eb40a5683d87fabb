package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	rows    []map[string]any
	err     error
	queries []string
	owners  []uuid.UUID
}

func (e *stubExecutor) QueryReadOnly(_ context.Context, ownerID uuid.UUID, query string) ([]map[string]any, error) {
	e.owners = append(e.owners, ownerID)
	e.queries = append(e.queries, query)
	return e.rows, e.err
}

func TestValidateReadOnlyQuery(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantReason string
	}{
		{name: "simple select", query: "SELECT count(*) FROM documents WHERE owner_id = 'x'"},
		{name: "lowercase with semicolon", query: "  select filename from documents;  "},
		{name: "keyword inside identifier", query: "SELECT created_at, updated_at FROM documents"},
		{name: "keyword inside string", query: "SELECT 'deleted_flag' FROM documents"},
		{name: "not a select", query: "WITH x AS (SELECT 1) SELECT * FROM x", wantReason: "Only SELECT queries are allowed."},
		{name: "delete", query: "DELETE FROM documents", wantReason: "Only SELECT queries are allowed."},
		{name: "stacked statement", query: "SELECT 1; DROP TABLE documents", wantReason: "Multiple statements are not allowed."},
		{name: "double trailing semicolon", query: "SELECT 1;;", wantReason: "Multiple statements are not allowed."},
		{
			name:       "commit then dynamic statement",
			query:      "SELECT 1; COMMIT; DO $$BEGIN EXECUTE 'DR'||'OP TABLE chunks'; END$$",
			wantReason: "Multiple statements are not allowed.",
		},
		{
			name:       "session switched to read write",
			query:      "SELECT 1; SET SESSION CHARACTERISTICS AS TRANSACTION READ WRITE",
			wantReason: "Multiple statements are not allowed.",
		},
		{name: "lowercase forbidden", query: "select * from documents where id in (select id from x)\nupdate documents set x=1", wantReason: "Forbidden keyword: UPDATE"},
		{name: "scope override", query: "SELECT set_config('docrag.owner_id', 'x', true), * FROM documents", wantReason: "Forbidden keyword: SET_CONFIG"},
		{name: "grant", query: "SELECT 1\nGRANT ALL ON documents TO public", wantReason: "Forbidden keyword: GRANT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReadOnlyQuery(tt.query)
			if tt.wantReason == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrQueryRejected)
			assert.Equal(t, tt.wantReason, rejectionReason(err))
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, "SELECT 1", StripCodeFence("```sql\nSELECT 1\n```"))
	assert.Equal(t, "SELECT 1", StripCodeFence("  SELECT 1  "))
	assert.Equal(t, "SELECT a\nFROM b", StripCodeFence("```\nSELECT a\nFROM b\n```\n"))
}

func TestFormatRows(t *testing.T) {
	text, err := FormatRows("SELECT 1", nil, 50)
	require.NoError(t, err)
	assert.Equal(t, "Query: SELECT 1\n\nNo results found.", text)

	rows := []map[string]any{{"n": 1}, {"n": 2}, {"n": 3}}
	text, err = FormatRows("SELECT n", rows, 2)
	require.NoError(t, err)
	assert.Equal(t, "Query: SELECT n\n\nResults (2+ rows):\n[\n  {\n    \"n\": 1\n  },\n  {\n    \"n\": 2\n  }\n]", text)

	text, err = FormatRows("SELECT n", rows[:1], 2)
	require.NoError(t, err)
	assert.Contains(t, text, "Results (1 rows):")
}

func TestSQLTool_Execute(t *testing.T) {
	owner := uuid.New()
	completer := &stubCompleter{response: "```sql\nSELECT count(*) AS total FROM documents WHERE owner_id = '" + owner.String() + "'\n```"}
	executor := &stubExecutor{rows: []map[string]any{{"total": 3}}}
	tool := NewSQLTool(completer, executor, owner, WithSQLLogger(discardLogger()))

	out, err := tool.Execute(context.Background(), map[string]any{"question": "how many documents?"}, discardRelay)
	require.NoError(t, err)

	wantQuery := "SELECT count(*) AS total FROM documents WHERE owner_id = '" + owner.String() + "'"
	assert.Equal(t, []string{wantQuery}, executor.queries)
	assert.Equal(t, []uuid.UUID{owner}, executor.owners)
	assert.Equal(t, fmt.Sprintf("Query: %s\n\nResults (1 rows):\n[\n  {\n    \"total\": 3\n  }\n]", wantQuery), out.Text)

	require.Len(t, completer.requests, 1)
	assert.Equal(t, sqlMaxTokens, completer.requests[0].MaxTokens)
	assert.Contains(t, completer.requests[0].Prompt, "owner_id = '"+owner.String()+"'")
	assert.Contains(t, completer.requests[0].Prompt, "Question: how many documents?")
}

func TestSQLTool_RejectsWrites(t *testing.T) {
	completer := &stubCompleter{response: "DELETE FROM documents"}
	executor := &stubExecutor{}
	tool := NewSQLTool(completer, executor, uuid.New(), WithSQLLogger(discardLogger()))

	out, err := tool.Execute(context.Background(), map[string]any{"question": "remove everything"}, discardRelay)

	require.NoError(t, err)
	assert.Equal(t, "Generated query was rejected: Only SELECT queries are allowed.\nQuery: DELETE FROM documents", out.Text)
	assert.Empty(t, executor.queries)
}

func TestSQLTool_Failures(t *testing.T) {
	t.Run("generation", func(t *testing.T) {
		tool := NewSQLTool(&stubCompleter{err: errors.New("timeout")}, &stubExecutor{}, uuid.New(), WithSQLLogger(discardLogger()))

		out, err := tool.Execute(context.Background(), map[string]any{"question": "q"}, discardRelay)

		require.NoError(t, err)
		assert.Equal(t, "Failed to generate SQL query: timeout", out.Text)
	})

	t.Run("execution", func(t *testing.T) {
		executor := &stubExecutor{err: errors.New("canceling statement due to statement timeout")}
		tool := NewSQLTool(&stubCompleter{response: "SELECT pg_sleep(60)"}, executor, uuid.New(), WithSQLLogger(discardLogger()))

		out, err := tool.Execute(context.Background(), map[string]any{"question": "q"}, discardRelay)

		require.NoError(t, err)
		assert.Equal(t, "SQL execution failed: canceling statement due to statement timeout", out.Text)
	})
}
