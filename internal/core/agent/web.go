package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// WebToolName はWeb検索ツールの名前
const WebToolName = "web_search"

// WebResult はWeb検索の1件
type WebResult struct {
	Title   string
	URL     string
	Content string
}

// WebSearcher はWeb検索プロバイダのインターフェース
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// WebSearchTool はWeb検索ツール
type WebSearchTool struct {
	searcher WebSearcher
	logger   *slog.Logger
}

// NewWebSearchTool は新しい WebSearchTool を作成する
func NewWebSearchTool(searcher WebSearcher, logger *slog.Logger) *WebSearchTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearchTool{searcher: searcher, logger: logger}
}

// Info はツール情報を返す
func (t *WebSearchTool) Info() ToolInfo {
	return ToolInfo{
		Name: WebToolName,
		Description: "Search the web for current information. Use this when the user asks " +
			"about recent events, needs up-to-date information, or asks about topics " +
			"not covered in their uploaded documents.",
		Parameters: []ToolParameter{
			{Name: "query", Type: TypeString, Description: "The web search query.", Required: true},
		},
		Parallel: true,
	}
}

// Execute はWeb検索を実行して結果を整形する
func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any, _ Relay) (ToolOutput, error) {
	results, err := t.searcher.Search(ctx, StringArg(args, "query"))
	if err != nil {
		if ctx.Err() != nil {
			return ToolOutput{}, ctx.Err()
		}
		t.logger.Error("web search failed", "error", err)
		return ToolOutput{Text: fmt.Sprintf("Web search failed: %v", err)}, nil
	}
	if len(results) == 0 {
		return ToolOutput{Text: "No web results found."}, nil
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("**%s**\nURL: %s\n%s", r.Title, r.URL, r.Content))
	}
	return ToolOutput{Text: strings.Join(parts, "\n\n---\n\n")}, nil
}

var _ Tool = (*WebSearchTool)(nil)
