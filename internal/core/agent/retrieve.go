package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

const (
	// RetrieveToolName は検索ツールの名前
	RetrieveToolName = "retrieve_documents"

	// NoDocumentsFound は検索結果が空のときのツール結果
	NoDocumentsFound = "No relevant documents found."

	// ChunkTypeImageDescription は画像説明チャンクの chunk_type
	ChunkTypeImageDescription = "image_description"

	maxRewrittenQueries = 3
	rewriteHistory      = 6
	rewriteMaxTokens    = 150
	imageAltMaxChars    = 120
)

// Searcher はドキュメント検索のインターフェース
type Searcher interface {
	Search(ctx context.Context, params search.SearchParams) (*search.SearchResult, error)
}

// RetrieveConfig は検索ツールの設定
type RetrieveConfig struct {
	QueryRewrite    bool
	Limit           int
	ImageMinRatio   float64
	ImageMaxResults int
	// ImageBaseURL は画像URLの接頭辞。空なら DefaultImageBaseURL（HTTP API の画像ルート）
	ImageBaseURL string
}

// DefaultImageBaseURL は HTTP API が画像を返すルートの接頭辞
const DefaultImageBaseURL = "/api/documents"

// ImageURL は画像参照のURLを組み立てる
func (c RetrieveConfig) ImageURL(docID uuid.UUID, index int) string {
	base := strings.TrimRight(c.ImageBaseURL, "/")
	if base == "" {
		base = DefaultImageBaseURL
	}
	return fmt.Sprintf("%s/%s/images/%d", base, docID, index)
}

// DefaultRetrieveConfig はデフォルト設定を返す
func DefaultRetrieveConfig() RetrieveConfig {
	return RetrieveConfig{
		QueryRewrite:    false,
		Limit:           search.DefaultLimit,
		ImageMinRatio:   0.6,
		ImageMaxResults: 3,
	}
}

// RetrieveTool はユーザーのドキュメントを検索するツール
type RetrieveTool struct {
	searcher Searcher
	rewriter Completer
	history  []Message
	ownerID  *uuid.UUID
	filter   search.MetadataFilter
	config   RetrieveConfig
	logger   *slog.Logger
}

// RetrieveOption は RetrieveTool のオプション設定
type RetrieveOption func(*RetrieveTool)

// WithRetrieveLogger はロガーを設定する
func WithRetrieveLogger(logger *slog.Logger) RetrieveOption {
	return func(t *RetrieveTool) {
		t.logger = logger
	}
}

// WithRetrieveConfig は設定を指定する
func WithRetrieveConfig(cfg RetrieveConfig) RetrieveOption {
	return func(t *RetrieveTool) {
		t.config = cfg
	}
}

// WithRetrieveOwner は検索対象を所有者のドキュメントに限定する
func WithRetrieveOwner(ownerID uuid.UUID) RetrieveOption {
	return func(t *RetrieveTool) {
		t.ownerID = &ownerID
	}
}

// WithRetrieveFilter はメタデータの包含フィルタを指定する
func WithRetrieveFilter(filter search.MetadataFilter) RetrieveOption {
	return func(t *RetrieveTool) {
		t.filter = filter
	}
}

// WithQueryRewriter はクエリ書き換えに使うモデルと会話履歴を指定する
func WithQueryRewriter(rewriter Completer, history []Message) RetrieveOption {
	return func(t *RetrieveTool) {
		t.rewriter = rewriter
		t.history = history
	}
}

// NewRetrieveTool は新しい RetrieveTool を作成する
func NewRetrieveTool(searcher Searcher, opts ...RetrieveOption) *RetrieveTool {
	t := &RetrieveTool{
		searcher: searcher,
		config:   DefaultRetrieveConfig(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.config.Limit <= 0 {
		t.config.Limit = search.DefaultLimit
	}

	return t
}

// Info はツール情報を返す
func (t *RetrieveTool) Info() ToolInfo {
	return ToolInfo{
		Name: RetrieveToolName,
		Description: "Search the user's uploaded documents for relevant information. " +
			"ALWAYS use this tool when the user asks ANY question that could relate to their documents. " +
			"Do not skip retrieval and answer from your own knowledge. " +
			"You can call this tool multiple times with different queries to find more information. " +
			"Use specific keywords and noun phrases rather than full conversational questions as the query.",
		Parameters: []ToolParameter{
			{
				Name: "query",
				Type: TypeString,
				Description: "Search query using specific keywords or noun phrases (e.g. 'pricing tiers enterprise' " +
					"instead of 'what does it say about pricing?'). Be specific and focused.",
				Required: true,
			},
		},
		Parallel: true,
	}
}

// Execute は検索を実行してコンテキストを整形する
// 検索の失敗はエラーにせず、結果なしとして扱う
func (t *RetrieveTool) Execute(ctx context.Context, args map[string]any, _ Relay) (ToolOutput, error) {
	query := StringArg(args, "query")

	// 1. クエリ書き換え
	queries := []string{query}
	if t.config.QueryRewrite && t.rewriter != nil {
		queries = t.rewriteQueries(ctx, query)
		t.logger.Info("rewritten queries", "queries", queries)
	}

	// 2. クエリごとに検索し、チャンクIDで統合（関連度の高い方を残す）
	merged := make(map[uuid.UUID]search.RankedChunk)
	var order []uuid.UUID
	for _, q := range queries {
		result, err := t.searcher.Search(ctx, search.SearchParams{
			Query:   q,
			Filter:  t.filter,
			OwnerID: t.ownerID,
			Limit:   t.config.Limit,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ToolOutput{}, ctx.Err()
			}
			t.logger.Warn("retrieval failed for query", "query", q, "error", err)
			continue
		}
		for _, c := range result.Chunks {
			existing, ok := merged[c.ID]
			if !ok {
				order = append(order, c.ID)
			}
			if !ok || c.Relevance > existing.Relevance {
				merged[c.ID] = c
			}
		}
	}

	chunks := make([]search.RankedChunk, 0, len(order))
	for _, id := range order {
		chunks = append(chunks, merged[id])
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Relevance > chunks[j].Relevance
	})
	if len(chunks) > t.config.Limit {
		chunks = chunks[:t.config.Limit]
	}

	if len(chunks) == 0 {
		return ToolOutput{Text: NoDocumentsFound}, nil
	}

	// 3. 引用元と画像参照
	sources := make([]stream.Source, 0, len(chunks))
	for _, s := range search.DedupeSources(chunks) {
		sources = append(sources, stream.Source{Filename: s.Filename, Similarity: s.Similarity})
	}
	images, labels := t.collectImages(chunks)

	// 4. コンテキスト整形
	text := search.FormatContext(chunks)
	if len(images) > 0 {
		text += formatFigures(images, labels)
	}

	return ToolOutput{Text: text, Sources: sources, Images: images}, nil
}

// rewriteQueries は会話を踏まえて1〜3件の検索クエリを生成する
// 失敗時は元のクエリを使う
func (t *RetrieveTool) rewriteQueries(ctx context.Context, query string) []string {
	recent := t.history
	if len(recent) > rewriteHistory {
		recent = recent[len(recent)-rewriteHistory:]
	}

	var conversation []string
	for _, m := range recent {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		conversation = append(conversation, fmt.Sprintf("%s: %s", strings.ToUpper(string(m.Role)), m.Content))
	}
	if len(conversation) == 0 {
		conversation = append(conversation, fmt.Sprintf("%s: %s", strings.ToUpper(string(RoleUser)), query))
	}

	resp, err := t.rewriter.GenerateCompletion(ctx, CompletionRequest{
		System:    rewritePrompt,
		Prompt:    strings.Join(conversation, "\n"),
		MaxTokens: rewriteMaxTokens,
	})
	if err != nil {
		t.logger.Warn("query rewriting failed, using original query", "error", err)
		return []string{query}
	}

	var queries []string
	for _, line := range strings.Split(strings.TrimSpace(resp), "\n") {
		if q := strings.TrimSpace(line); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return []string{query}
	}
	if len(queries) > maxRewrittenQueries {
		queries = queries[:maxRewrittenQueries]
	}
	return queries
}

type imageKey struct {
	docID uuid.UUID
	index int
}

// collectImages は画像説明チャンクから画像参照を作る
// 最上位の関連度に対して一定比率以上のものだけを上限件数まで採用する
func (t *RetrieveTool) collectImages(chunks []search.RankedChunk) ([]stream.Image, []string) {
	if t.config.ImageMaxResults <= 0 || len(chunks) == 0 {
		return nil, nil
	}

	minRelevance := chunks[0].Relevance * t.config.ImageMinRatio
	seen := make(map[imageKey]struct{})
	var images []stream.Image
	var sourceNames []string
	candidates := 0

	for _, c := range chunks {
		if chunkType, _ := c.MetadataString("chunk_type"); chunkType != ChunkTypeImageDescription {
			continue
		}
		candidates++
		if c.Relevance < minRelevance {
			continue
		}
		idx, ok := c.MetadataInt("image_index")
		if !ok || c.DocumentID == uuid.Nil {
			continue
		}
		key := imageKey{docID: c.DocumentID, index: idx}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		label := fmt.Sprintf("Figure %d", len(images)+1)
		alt := label
		if desc := imageDescription(c.Content); desc != "" {
			alt = fmt.Sprintf("%s: %s", label, desc)
		}

		img := stream.Image{
			URL:   t.config.ImageURL(c.DocumentID, idx),
			Alt:   alt,
			DocID: c.DocumentID.String(),
			Index: idx,
		}
		if page, ok := c.MetadataInt("image_page"); ok {
			img.Page = &page
		}
		images = append(images, img)

		name := c.Filename
		if name == "" {
			name = "document"
		}
		sourceNames = append(sourceNames, name)

		if len(images) >= t.config.ImageMaxResults {
			break
		}
	}

	if candidates > 0 {
		t.logger.Info("image chunks filtered",
			"found", candidates,
			"passed", len(images),
			"minRatio", t.config.ImageMinRatio,
			"minRelevance", minRelevance,
			"max", t.config.ImageMaxResults,
		)
	}
	return images, sourceNames
}

// imageDescription は見出し行を除いた説明文の先頭を返す
func imageDescription(content string) string {
	_, rest, ok := strings.Cut(content, "\n")
	if !ok {
		return ""
	}
	desc := []rune(strings.TrimSpace(rest))
	if len(desc) > imageAltMaxChars {
		desc = desc[:imageAltMaxChars]
	}
	return string(desc)
}

func formatFigures(images []stream.Image, sourceNames []string) string {
	var sb strings.Builder
	sb.WriteString("\n\n## Attached Figures\n\n")
	for i, img := range images {
		page := "?"
		if img.Page != nil {
			page = fmt.Sprintf("%d", *img.Page)
		}
		sb.WriteString(fmt.Sprintf("- **Figure %d** (%s, p.%s): %s\n", i+1, sourceNames[i], page, img.Alt))
	}
	sb.WriteString("\nThese figures are displayed below your answer. Reference relevant ones by label (e.g. 'see **Figure 1**'). ")
	sb.WriteString("Do NOT describe figures the user can already see, just refer to them. Do NOT include image URLs.")
	return sb.String()
}

var _ Tool = (*RetrieveTool)(nil)
