package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTextCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	systems  []string
	prompts  []string
	tokens   []int
}

func (c *stubTextCompleter) CompleteText(_ context.Context, system, prompt string, maxTokens int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systems = append(c.systems, system)
	c.prompts = append(c.prompts, prompt)
	c.tokens = append(c.tokens, maxTokens)
	return c.response, c.err
}

const fencedMetadata = "```json\n" + `{
  "title": "Quarterly Report",
  "summary": "Revenue grew. Costs fell.",
  "topics": ["revenue", "costs", "outlook"],
  "document_type": "report",
  "language": "en",
  "key_entities": ["Acme Corp"]
}` + "\n```"

func TestParseMetadata(t *testing.T) {
	want := DocumentMetadata{
		Title:        "Quarterly Report",
		Summary:      "Revenue grew. Costs fell.",
		Topics:       []string{"revenue", "costs", "outlook"},
		DocumentType: "report",
		Language:     "en",
		KeyEntities:  []string{"Acme Corp"},
	}

	got, err := ParseMetadata(fencedMetadata)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	plain := strings.TrimSuffix(strings.TrimPrefix(fencedMetadata, "```json\n"), "\n```")
	got, err = ParseMetadata("  " + plain + "  ")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = ParseMetadata(`{"title":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, DocumentTypeOther, got.DocumentType)

	_, err = ParseMetadata("Sure! Here is the metadata.")
	assert.Error(t, err)
}

func TestTruncateMiddle(t *testing.T) {
	assert.Equal(t, "short", truncateMiddle("short", 10))

	text := strings.Repeat("a", 4000) + strings.Repeat("b", 500) + strings.Repeat("c", 4000)
	got := truncateMiddle(text, metadataMaxChars)
	assert.Equal(t, strings.Repeat("a", 4000)+middleTruncatedMarker+strings.Repeat("c", 4000), got)

	// 文字数はルーン単位で数える
	assert.Equal(t, "日日"+middleTruncatedMarker+"本本", truncateMiddle("日日日本本", 4))
}

func TestMetadataExtractor_Extract(t *testing.T) {
	completer := &stubTextCompleter{response: fencedMetadata}
	extractor := NewMetadataExtractor(completer, discardLogger())

	got := extractor.Extract(context.Background(), "q3.pdf", "body text")

	assert.Equal(t, "Quarterly Report", got.Title)
	require.Len(t, completer.prompts, 1)
	assert.Equal(t, "body text", completer.prompts[0])
	assert.Equal(t, metadataSystemPrompt, completer.systems[0])
	assert.Equal(t, metadataMaxTokens, completer.tokens[0])
}

func TestMetadataExtractor_Fallback(t *testing.T) {
	tests := []struct {
		name      string
		completer *stubTextCompleter
	}{
		{name: "completion error", completer: &stubTextCompleter{err: errors.New("rate limited")}},
		{name: "invalid json", completer: &stubTextCompleter{response: "not json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extractor := NewMetadataExtractor(tt.completer, discardLogger())

			got := extractor.Extract(context.Background(), "notes.txt", "body")

			assert.Equal(t, FallbackMetadata("notes.txt"), got)
			assert.Equal(t, "notes.txt", got.Title)
			assert.Equal(t, DocumentTypeOther, got.DocumentType)
		})
	}
}

func TestIngestService_StoresExtractedMetadata(t *testing.T) {
	repo := newMemoryRepo()
	completer := &stubTextCompleter{response: fencedMetadata}
	svc := newTestIngestService(t, repo, &stubEmbedder{maxBatch: 10}, WithMetadataCompleter(completer))

	result, err := svc.Ingest(context.Background(), IngestParams{
		OwnerID:  uuid.New(),
		Filename: "q3.txt",
		Content:  []byte("Revenue grew this quarter."),
	})

	require.NoError(t, err)
	doc := result.Document
	assert.Equal(t, StatusCompleted, doc.Status)
	assert.Equal(t, "Quarterly Report", doc.Metadata["title"])
	assert.Equal(t, "report", doc.Metadata["document_type"])
	assert.Equal(t, []string{"revenue", "costs", "outlook"}, doc.Metadata["topics"])
	assert.Equal(t, []string{"Revenue grew this quarter."}, completer.prompts)
}

func TestIngestService_MetadataFailureDoesNotFailIngestion(t *testing.T) {
	repo := newMemoryRepo()
	completer := &stubTextCompleter{err: errors.New("upstream 500")}
	svc := newTestIngestService(t, repo, &stubEmbedder{maxBatch: 10}, WithMetadataCompleter(completer))

	result, err := svc.Ingest(context.Background(), IngestParams{
		OwnerID:  uuid.New(),
		Filename: "memo.txt",
		Content:  []byte("Lunch is at noon."),
	})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Document.Status)
	assert.Equal(t, "memo.txt", result.Document.Metadata["title"])
	assert.Equal(t, "Metadata extraction failed.", result.Document.Metadata["summary"])
}

func TestIngestService_WithoutCompleterLeavesMetadataEmpty(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestIngestService(t, repo, &stubEmbedder{maxBatch: 10})

	result, err := svc.Ingest(context.Background(), IngestParams{
		OwnerID:  uuid.New(),
		Filename: "memo.txt",
		Content:  []byte("Lunch is at noon."),
	})

	require.NoError(t, err)
	assert.Empty(t, result.Document.Metadata)
}
