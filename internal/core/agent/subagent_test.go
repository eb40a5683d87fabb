package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

type stubDocumentStore struct {
	doc       mo.Option[DocumentRef]
	chunks    []search.Chunk
	findErr   error
	lookedFor string
}

func (s *stubDocumentStore) FindCompletedByFilename(_ context.Context, _ uuid.UUID, filename string) (mo.Option[DocumentRef], error) {
	s.lookedFor = filename
	if s.findErr != nil {
		return mo.None[DocumentRef](), s.findErr
	}
	return s.doc, nil
}

func (s *stubDocumentStore) ListChunks(context.Context, uuid.UUID) ([]search.Chunk, error) {
	return s.chunks, nil
}

type stubSearcher struct {
	mu      sync.Mutex
	results map[string]*search.SearchResult // クエリごとの結果
	errs    map[string]error
	params  []search.SearchParams
}

func (s *stubSearcher) Search(_ context.Context, params search.SearchParams) (*search.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.params = append(s.params, params)
	if err := s.errs[params.Query]; err != nil {
		return nil, err
	}
	if r, ok := s.results[params.Query]; ok {
		return r, nil
	}
	return &search.SearchResult{}, nil
}

type fixedCounter int

func (c fixedCounter) CountTokens(string) int {
	return int(c)
}

func TestAnalyzeDocument_RelaysChildEvents(t *testing.T) {
	docID := uuid.New()
	ownerID := uuid.New()
	store := &stubDocumentStore{
		doc: mo.Some(DocumentRef{ID: docID, Filename: "report.pdf"}),
		chunks: []search.Chunk{
			{DocumentID: docID, Content: "Intro", Index: 0},
			{DocumentID: docID, Content: "Body", Index: 1},
		},
	}
	searcher := &stubSearcher{results: map[string]*search.SearchResult{
		"risks": {Chunks: []search.RankedChunk{{
			Chunk: search.Chunk{
				ID:         uuid.New(),
				DocumentID: docID,
				Filename:   "report.pdf",
				Content:    "Figure header\nA risk matrix",
				Metadata:   map[string]any{"chunk_type": ChunkTypeImageDescription, "image_index": float64(0)},
			},
			Relevance: 0.9,
		}}},
	}}

	// 親: analyze_document を要求 → 子: 検索を要求 → 子: 最終回答 → 親: 最終回答
	model := &scriptedModel{
		responses: []*ChatResponse{
			{ToolCalls: []ToolCall{call("p1", AnalyzeToolName, map[string]any{"filename": "report.pdf", "question": "What are the risks?"})}},
			{ToolCalls: []ToolCall{call("c1", RetrieveToolName, map[string]any{"query": "risks"})}},
			{},
			{},
		},
		streams: [][]string{{"The risks ", "are low."}, {"Summary done."}},
	}

	registry := NewRegistry(0)
	require.NoError(t, registry.Register(NewAnalyzeDocumentTool(model, store, searcher, ownerID,
		WithAnalyzeLogger(discardLogger()),
		WithTokenCounter(fixedCounter(7)),
	)))
	loop := NewLoop(model, registry, WithLoopLogger(discardLogger()))
	rec := &stream.Recorder{}

	result, err := loop.Run(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "Summarize report.pdf"}},
	}, rec)
	require.NoError(t, err)
	assert.Equal(t, "Summary done.", result.Answer)

	events := rec.Events()
	require.Equal(t, []stream.EventType{
		stream.EventToolCall,
		stream.EventSubAgent, // call
		stream.EventSubAgent, // result
		stream.EventSubAgent, // content
		stream.EventSubAgent, // content
		stream.EventToolResult,
		stream.EventContent,
	}, eventTypes(events))

	assert.Equal(t, stream.SubAgentCall, events[1].SubAgent.Type)
	assert.Equal(t, RetrieveToolName, events[1].SubAgent.Name)
	assert.Equal(t, stream.SubAgentResult, events[2].SubAgent.Type)
	assert.Contains(t, events[2].SubAgent.Result, "A risk matrix")
	assert.Equal(t, "The risks ", events[3].SubAgent.Content)
	assert.Equal(t, "are low.", events[4].SubAgent.Content)
	assert.Equal(t, "The risks are low.", events[5].ToolResult.Result)

	// 子の検索はドキュメントと所有者に限定される
	require.Len(t, searcher.params, 1)
	assert.Equal(t, search.MetadataFilter{"document_id": docID.String()}, searcher.params[0].Filter)
	require.NotNil(t, searcher.params[0].OwnerID)
	assert.Equal(t, ownerID, *searcher.params[0].OwnerID)

	// 子のシステムプロンプトには本文が入り、ツールは検索のみ
	child := model.completeRequests[1]
	assert.Contains(t, child.System, "## Document Text\n\nIntro\n\nBody")
	require.Len(t, child.Tools, 1)
	assert.Equal(t, RetrieveToolName, child.Tools[0].Name)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "What are the risks?"}}, child.Messages)
}

func TestAnalyzeDocument_NotFound(t *testing.T) {
	store := &stubDocumentStore{doc: mo.None[DocumentRef]()}
	tool := NewAnalyzeDocumentTool(&scriptedModel{}, store, &stubSearcher{}, uuid.New(), WithAnalyzeLogger(discardLogger()))

	out, err := tool.Execute(context.Background(), map[string]any{"filename": "nope.pdf", "question": "?"}, discardRelay)

	require.NoError(t, err)
	assert.Equal(t, "Document 'nope.pdf' not found or not yet processed.", out.Text)
	assert.Equal(t, "nope.pdf", store.lookedFor)
}

func TestAnalyzeDocument_NoContent(t *testing.T) {
	store := &stubDocumentStore{doc: mo.Some(DocumentRef{ID: uuid.New(), Filename: "empty.txt"})}
	tool := NewAnalyzeDocumentTool(&scriptedModel{}, store, &stubSearcher{}, uuid.New(), WithAnalyzeLogger(discardLogger()))

	out, err := tool.Execute(context.Background(), map[string]any{"filename": "empty.txt", "question": "?"}, discardRelay)

	require.NoError(t, err)
	assert.Equal(t, "No content found for document 'empty.txt'.", out.Text)
}

func TestAnalyzeDocument_StoreError(t *testing.T) {
	store := &stubDocumentStore{findErr: errors.New("db down")}
	tool := NewAnalyzeDocumentTool(&scriptedModel{}, store, &stubSearcher{}, uuid.New(), WithAnalyzeLogger(discardLogger()))

	_, err := tool.Execute(context.Background(), map[string]any{"filename": "a", "question": "?"}, discardRelay)

	assert.ErrorContains(t, err, "db down")
}

func TestAnalyzeDocument_ChildModelErrorFailsTool(t *testing.T) {
	store := &stubDocumentStore{
		doc:    mo.Some(DocumentRef{ID: uuid.New(), Filename: "a.md"}),
		chunks: []search.Chunk{{Content: "text"}},
	}
	model := &scriptedModel{completeErr: errors.New("quota")}
	tool := NewAnalyzeDocumentTool(model, store, &stubSearcher{}, uuid.New(), WithAnalyzeLogger(discardLogger()))

	_, err := tool.Execute(context.Background(), map[string]any{"filename": "a.md", "question": "?"}, discardRelay)

	assert.ErrorIs(t, err, ErrModel)
}

func TestAssembleDocument(t *testing.T) {
	chunks := []search.Chunk{{Content: "abc"}, {Content: "def"}}

	text, truncated := AssembleDocument(chunks, 100)
	assert.Equal(t, "abc\n\ndef", text)
	assert.False(t, truncated)

	text, truncated = AssembleDocument(chunks, 4)
	assert.Equal(t, "abc\n\n\n[... truncated ...]", text)
	assert.True(t, truncated)

	// 文字数はルーン単位で数える
	text, _ = AssembleDocument([]search.Chunk{{Content: strings.Repeat("日", 5)}}, 3)
	assert.Equal(t, "日日日\n\n[... truncated ...]", text)
}
