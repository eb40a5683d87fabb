package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/doc-rag/internal/core/agent"
	"github.com/jinford/doc-rag/internal/core/ask"
	"github.com/jinford/doc-rag/internal/core/ingestion"
	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

type stubSearcher struct {
	cfg    search.Config
	params search.SearchParams
	result *search.SearchResult
	err    error
}

func (s *stubSearcher) SearchWithConfig(_ context.Context, cfg search.Config, params search.SearchParams) (*search.SearchResult, error) {
	s.cfg = cfg
	s.params = params
	return s.result, s.err
}

type stubAsker struct {
	params   ask.AskParams
	settings ask.Settings
	events   []stream.Event
	err      error
}

func (a *stubAsker) Ask(_ context.Context, params ask.AskParams, settings ask.Settings, sink stream.Sink) (*ask.Response, error) {
	a.params = params
	a.settings = settings
	for _, e := range a.events {
		if err := sink.Emit(e); err != nil {
			return nil, err
		}
	}
	if a.err != nil {
		_ = sink.Emit(stream.Failure(a.err.Error()))
	}
	_ = sink.Emit(stream.Done())
	return &ask.Response{}, a.err
}

type stubDocuments struct {
	submitted ingestion.IngestParams
	submitErr error
	duplicate bool
	docs      map[uuid.UUID]*ingestion.Document
	deleted   []uuid.UUID
	images    map[string]string
}

func newStubDocuments() *stubDocuments {
	return &stubDocuments{docs: map[uuid.UUID]*ingestion.Document{}}
}

func (d *stubDocuments) Submit(_ context.Context, params ingestion.IngestParams) (*ingestion.IngestResult, error) {
	d.submitted = params
	if d.submitErr != nil {
		return nil, d.submitErr
	}
	doc := &ingestion.Document{ID: uuid.New(), OwnerID: params.OwnerID, Filename: params.Filename, Status: ingestion.StatusPending}
	return &ingestion.IngestResult{Document: doc, Duplicate: d.duplicate}, nil
}

func (d *stubDocuments) GetDocument(_ context.Context, ownerID, id uuid.UUID) (*ingestion.Document, error) {
	doc, ok := d.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return nil, ingestion.ErrDocumentNotFound
	}
	return doc, nil
}

func (d *stubDocuments) ListDocuments(_ context.Context, ownerID uuid.UUID) ([]*ingestion.Document, error) {
	var out []*ingestion.Document
	for _, doc := range d.docs {
		if doc.OwnerID == ownerID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (d *stubDocuments) DeleteDocument(ctx context.Context, ownerID, id uuid.UUID) error {
	if _, err := d.GetDocument(ctx, ownerID, id); err != nil {
		return err
	}
	delete(d.docs, id)
	d.deleted = append(d.deleted, id)
	return nil
}

func (d *stubDocuments) ImageURL(ctx context.Context, ownerID, documentID uuid.UUID, index int) (string, error) {
	if _, err := d.GetDocument(ctx, ownerID, documentID); err != nil {
		return "", err
	}
	url, ok := d.images[fmt.Sprintf("%s/%d", documentID, index)]
	if !ok {
		return "", ingestion.ErrImageNotFound
	}
	return url, nil
}

func newTestServer(searcher Searcher, asker Asker, docs DocumentService) *Server {
	return NewServer(searcher, asker, docs,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func doRequest(t *testing.T, h http.Handler, method, path string, owner uuid.UUID, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if owner != uuid.Nil {
		req.Header.Set(OwnerHeader, owner.String())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, newStubDocuments())

	rec := doRequest(t, srv, http.MethodGet, "/health", uuid.Nil, nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestOwnerHeaderRequired(t *testing.T) {
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, newStubDocuments())

	rec := doRequest(t, srv, http.MethodGet, "/api/documents", uuid.Nil, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set(OwnerHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_StreamsEvents(t *testing.T) {
	asker := &stubAsker{events: []stream.Event{
		stream.Sources([]stream.Source{{Filename: "a.txt", Similarity: 0.9}}),
		stream.Content("Hello"),
		stream.Content(" world"),
	}}
	srv := newTestServer(&stubSearcher{}, asker, newStubDocuments())
	owner := uuid.New()

	body := `{"messages":[{"role":"user","content":"hi"}],"filter":{"category":"hr"},"mode":"keyword"}`
	rec := doRequest(t, srv, http.MethodPost, "/api/chat", owner, strings.NewReader(body), "application/json")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, owner, asker.params.OwnerID)
	assert.Equal(t, search.MetadataFilter{"category": "hr"}, asker.params.Filter)
	assert.Equal(t, search.ModeKeyword, asker.settings.Search.Mode)

	events, err := stream.DecodeAll(rec.Body)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, stream.EventSources, events[0].Type)
	assert.Equal(t, "Hello", events[1].Content)
	assert.Equal(t, " world", events[2].Content)
	assert.True(t, events[3].IsTerminal())
}

func TestChat_ErrorIsStreamed(t *testing.T) {
	asker := &stubAsker{err: fmt.Errorf("model provider failed")}
	srv := newTestServer(&stubSearcher{}, asker, newStubDocuments())

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(t, srv, http.MethodPost, "/api/chat", uuid.New(), strings.NewReader(body), "application/json")

	require.Equal(t, http.StatusOK, rec.Code)
	events, err := stream.DecodeAll(rec.Body)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.Equal(t, "model provider failed", events[0].Error)
	assert.True(t, events[1].IsTerminal())
}

func TestChat_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "no messages", body: `{"messages":[]}`},
		{name: "bad mode", body: `{"messages":[{"role":"user","content":"hi"}],"mode":"fuzzy"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&stubSearcher{}, &stubAsker{}, newStubDocuments())
			rec := doRequest(t, srv, http.MethodPost, "/api/chat", uuid.New(), strings.NewReader(tt.body), "application/json")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSearch(t *testing.T) {
	searcher := &stubSearcher{result: &search.SearchResult{
		Mode: search.ModeHybrid,
		Chunks: []search.RankedChunk{
			{Chunk: search.Chunk{ID: uuid.New(), Filename: "a.txt", Content: "alpha"}, Relevance: 1},
		},
		Sources: []search.Source{{Filename: "a.txt", Similarity: 1}},
	}}
	srv := newTestServer(searcher, &stubAsker{}, newStubDocuments())
	owner := uuid.New()

	body := `{"query":"alpha","mode":"hybrid","limit":3}`
	rec := doRequest(t, srv, http.MethodPost, "/api/search", owner, strings.NewReader(body), "application/json")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, searcher.params.OwnerID)
	assert.Equal(t, owner, *searcher.params.OwnerID)
	assert.Equal(t, 3, searcher.params.Limit)
	assert.Equal(t, search.ModeHybrid, searcher.params.Mode)

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "alpha", resp.Results[0].Content)
	assert.Equal(t, 1.0, resp.Results[0].Relevance)
}

func TestSearch_Errors(t *testing.T) {
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, newStubDocuments())
	rec := doRequest(t, srv, http.MethodPost, "/api/search", uuid.New(), strings.NewReader(`{"query":"  "}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	failing := newTestServer(&stubSearcher{err: search.ErrRetrieval}, &stubAsker{}, newStubDocuments())
	rec = doRequest(t, failing, http.MethodPost, "/api/search", uuid.New(), strings.NewReader(`{"query":"x"}`), "application/json")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func multipartBody(t *testing.T, filename, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadDocument(t *testing.T) {
	docs := newStubDocuments()
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, docs)
	owner := uuid.New()

	body, ct := multipartBody(t, "notes.md", "text/markdown", "# Notes")
	rec := doRequest(t, srv, http.MethodPost, "/api/documents", owner, body, ct)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, owner, docs.submitted.OwnerID)
	assert.Equal(t, "notes.md", docs.submitted.Filename)
	assert.Equal(t, "text/markdown", docs.submitted.FileType)
	assert.Equal(t, "# Notes", string(docs.submitted.Content))

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Duplicate)
	assert.Equal(t, ingestion.StatusPending, resp.Document.Status)
}

func TestUploadDocument_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "unsupported", err: fmt.Errorf("%w: image/png", ingestion.ErrUnsupportedFileType), want: http.StatusBadRequest},
		{name: "empty", err: ingestion.ErrEmptyContent, want: http.StatusBadRequest},
		{name: "too large", err: ingestion.ErrFileTooLarge, want: http.StatusRequestEntityTooLarge},
		{name: "closed", err: ingestion.ErrServiceClosed, want: http.StatusServiceUnavailable},
		{name: "unexpected", err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := newStubDocuments()
			docs.submitErr = tt.err
			srv := newTestServer(&stubSearcher{}, &stubAsker{}, docs)

			body, ct := multipartBody(t, "a.txt", "text/plain", "x")
			rec := doRequest(t, srv, http.MethodPost, "/api/documents", uuid.New(), body, ct)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	srv := newTestServer(&stubSearcher{}, &stubAsker{}, newStubDocuments())
	rec := doRequest(t, srv, http.MethodPost, "/api/documents", uuid.New(), strings.NewReader("plain"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentLifecycle(t *testing.T) {
	docs := newStubDocuments()
	owner := uuid.New()
	doc := &ingestion.Document{ID: uuid.New(), OwnerID: owner, Filename: "a.txt", Status: ingestion.StatusCompleted}
	docs.docs[doc.ID] = doc
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, docs)

	rec := doRequest(t, srv, http.MethodGet, "/api/documents", owner, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []ingestion.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, doc.ID, listed[0].ID)

	rec = doRequest(t, srv, http.MethodGet, "/api/documents", uuid.New(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = doRequest(t, srv, http.MethodGet, "/api/documents/"+doc.ID.String(), owner, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/documents/"+doc.ID.String(), uuid.New(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/documents/xyz", owner, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodDelete, "/api/documents/"+doc.ID.String(), owner, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []uuid.UUID{doc.ID}, docs.deleted)

	rec = doRequest(t, srv, http.MethodDelete, "/api/documents/"+doc.ID.String(), owner, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, newStubDocuments())
	doRequest(t, srv, http.MethodGet, "/health", uuid.Nil, nil, "")

	rec := doRequest(t, srv, http.MethodGet, "/metrics", uuid.Nil, nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docrag_http_requests_total")
}

func TestUploadDocument_OctetStreamLeavesTypeToExtension(t *testing.T) {
	docs := newStubDocuments()
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, docs)

	body, ct := multipartBody(t, "notes.md", "application/octet-stream", "# Notes")
	rec := doRequest(t, srv, http.MethodPost, "/api/documents", uuid.New(), body, ct)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, docs.submitted.FileType)
}

func TestSettings_GetDefaults(t *testing.T) {
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, newStubDocuments())

	rec := doRequest(t, srv, http.MethodGet, "/api/settings", uuid.New(), nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"retrieval":{"search_mode":"hybrid","hybrid_alpha":0.5,"rrf_k":60,"hybrid_candidate_limit":20,"rerank_enabled":false}}`, rec.Body.String())
}

func TestSettings_UpdateAppliesPerOwner(t *testing.T) {
	searcher := &stubSearcher{result: &search.SearchResult{Mode: search.ModeKeyword}}
	asker := &stubAsker{}
	srv := newTestServer(searcher, asker, newStubDocuments())
	owner := uuid.New()
	other := uuid.New()

	// 省略した項目は現在値のまま、alpha は [0,1] に丸める
	body := `{"retrieval":{"search_mode":"keyword","hybrid_alpha":1.7,"rrf_k":10}}`
	rec := doRequest(t, srv, http.MethodPut, "/api/settings", owner, strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	var got settingsBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, ask.RetrievalSettings{
		SearchMode:           search.ModeKeyword,
		HybridAlpha:          1,
		RRFK:                 10,
		HybridCandidateLimit: search.DefaultCandidateLimit,
	}, got.Retrieval)

	chat := `{"messages":[{"role":"user","content":"hi"}]}`
	rec = doRequest(t, srv, http.MethodPost, "/api/chat", owner, strings.NewReader(chat), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, search.ModeKeyword, asker.settings.Search.Mode)
	assert.Equal(t, 1.0, asker.settings.Search.Alpha)
	assert.Equal(t, 10, asker.settings.Search.K)

	rec = doRequest(t, srv, http.MethodPost, "/api/search", owner, strings.NewReader(`{"query":"x"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, search.ModeKeyword, searcher.cfg.Mode)
	assert.Equal(t, 10, searcher.cfg.K)

	// 他の所有者には影響しない
	rec = doRequest(t, srv, http.MethodPost, "/api/chat", other, strings.NewReader(chat), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, search.ModeHybrid, asker.settings.Search.Mode)
	assert.Equal(t, search.DefaultRRFK, asker.settings.Search.K)
}

func TestSettings_UpdateRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "zero k", body: `{"retrieval":{"rrf_k":0}}`},
		{name: "negative k", body: `{"retrieval":{"rrf_k":-5}}`},
		{name: "zero candidate limit", body: `{"retrieval":{"hybrid_candidate_limit":0}}`},
		{name: "bad mode", body: `{"retrieval":{"search_mode":"fuzzy"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&stubSearcher{}, &stubAsker{}, newStubDocuments())
			owner := uuid.New()

			rec := doRequest(t, srv, http.MethodPut, "/api/settings", owner, strings.NewReader(tt.body), "application/json")
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			rec = doRequest(t, srv, http.MethodGet, "/api/settings", owner, nil, "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"rrf_k":60`)
		})
	}
}

func TestGetImage_RedirectsToStoredImage(t *testing.T) {
	docs := newStubDocuments()
	owner := uuid.New()
	doc := &ingestion.Document{ID: uuid.New(), OwnerID: owner, Filename: "slides.pdf"}
	docs.docs[doc.ID] = doc
	docs.images = map[string]string{doc.ID.String() + "/2": "https://img.example.com/slides/2.png"}
	srv := newTestServer(&stubSearcher{}, &stubAsker{}, docs)

	// 検索ツールが既定で出力する画像URLがそのまま解決できる
	path := agent.RetrieveConfig{}.ImageURL(doc.ID, 2)
	rec := doRequest(t, srv, http.MethodGet, path, owner, nil, "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://img.example.com/slides/2.png", rec.Header().Get("Location"))

	tests := []struct {
		name  string
		path  string
		owner uuid.UUID
		want  int
	}{
		{name: "unknown index", path: agent.RetrieveConfig{}.ImageURL(doc.ID, 9), owner: owner, want: http.StatusNotFound},
		{name: "other owner", path: path, owner: uuid.New(), want: http.StatusNotFound},
		{name: "bad index", path: "/api/documents/" + doc.ID.String() + "/images/x", owner: owner, want: http.StatusBadRequest},
		{name: "negative index", path: "/api/documents/" + doc.ID.String() + "/images/-1", owner: owner, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodGet, tt.path, tt.owner, nil, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
