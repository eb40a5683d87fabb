package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWebSearcher struct {
	results []WebResult
	err     error
	query   string
}

func (s *stubWebSearcher) Search(_ context.Context, query string) ([]WebResult, error) {
	s.query = query
	return s.results, s.err
}

func TestWebSearchTool_Execute(t *testing.T) {
	searcher := &stubWebSearcher{results: []WebResult{
		{Title: "Go 1.24", URL: "https://go.dev/doc/go1.24", Content: "Release notes"},
		{Title: "Blog", URL: "https://go.dev/blog", Content: "News"},
	}}
	tool := NewWebSearchTool(searcher, discardLogger())

	out, err := tool.Execute(context.Background(), map[string]any{"query": " go release "}, discardRelay)

	require.NoError(t, err)
	assert.Equal(t, "go release", searcher.query)
	assert.Equal(t,
		"**Go 1.24**\nURL: https://go.dev/doc/go1.24\nRelease notes\n\n---\n\n**Blog**\nURL: https://go.dev/blog\nNews",
		out.Text)
}

func TestWebSearchTool_EmptyAndFailure(t *testing.T) {
	out, err := NewWebSearchTool(&stubWebSearcher{}, discardLogger()).
		Execute(context.Background(), map[string]any{"query": "x"}, discardRelay)
	require.NoError(t, err)
	assert.Equal(t, "No web results found.", out.Text)

	out, err = NewWebSearchTool(&stubWebSearcher{err: errors.New("status 401")}, discardLogger()).
		Execute(context.Background(), map[string]any{"query": "x"}, discardRelay)
	require.NoError(t, err)
	assert.Equal(t, "Web search failed: status 401", out.Text)
}
