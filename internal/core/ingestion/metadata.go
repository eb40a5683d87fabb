package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// metadataMaxChars を超える本文は先頭と末尾の半分ずつを渡す
	metadataMaxChars  = 8000
	metadataMaxTokens = 1000

	middleTruncatedMarker = "\n\n[... middle truncated ...]\n\n"

	// DocumentTypeOther は分類できない文書の種別
	DocumentTypeOther = "other"
)

const metadataSystemPrompt = `You are a metadata extraction assistant. Analyze the provided document text and extract structured metadata.

Return ONLY valid JSON with exactly these fields:
{
  "title": "document title (infer from content if not explicit)",
  "summary": "2-3 sentence summary of the document",
  "topics": ["topic1", "topic2", ...],
  "document_type": "one of: report, article, email, code, notes, manual, specification, other",
  "language": "ISO 639-1 language code (e.g. en, es, fr)",
  "key_entities": ["entity1", "entity2", ...]
}

Rules:
- topics: 3-7 key topics
- key_entities: up to 10 notable people, organizations, products, or locations
- document_type: choose the single best fit from the allowed values
- Return ONLY the JSON object, no markdown fences, no explanation`

// TextCompleter は単発のテキスト補完インターフェース
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// TextCompleterFunc は関数を TextCompleter として使うためのアダプタ
type TextCompleterFunc func(ctx context.Context, system, prompt string, maxTokens int) (string, error)

// CompleteText は f を呼び出す
func (f TextCompleterFunc) CompleteText(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	return f(ctx, system, prompt, maxTokens)
}

// DocumentMetadata は本文から抽出したドキュメントのメタデータ
type DocumentMetadata struct {
	Title        string   `json:"title"`
	Summary      string   `json:"summary"`
	Topics       []string `json:"topics"`
	DocumentType string   `json:"document_type"`
	Language     string   `json:"language"`
	KeyEntities  []string `json:"key_entities"`
}

// ToMap は documents.metadata に保存する形に変換する
func (m DocumentMetadata) ToMap() map[string]any {
	topics := m.Topics
	if topics == nil {
		topics = []string{}
	}
	entities := m.KeyEntities
	if entities == nil {
		entities = []string{}
	}
	return map[string]any{
		"title":         m.Title,
		"summary":       m.Summary,
		"topics":        topics,
		"document_type": m.DocumentType,
		"language":      m.Language,
		"key_entities":  entities,
	}
}

// FallbackMetadata は抽出に失敗した場合のメタデータ
func FallbackMetadata(filename string) DocumentMetadata {
	return DocumentMetadata{
		Title:        filename,
		Summary:      "Metadata extraction failed.",
		Topics:       []string{},
		DocumentType: DocumentTypeOther,
		Language:     "en",
		KeyEntities:  []string{},
	}
}

// MetadataExtractor は LLM で本文からメタデータを抽出する
type MetadataExtractor struct {
	completer TextCompleter
	logger    *slog.Logger
}

// NewMetadataExtractor は新しい MetadataExtractor を作成する
func NewMetadataExtractor(completer TextCompleter, logger *slog.Logger) *MetadataExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataExtractor{completer: completer, logger: logger}
}

// Extract はメタデータを抽出する
// 生成や解析に失敗しても取り込みは止めず、ファイル名ベースの値を返す
func (e *MetadataExtractor) Extract(ctx context.Context, filename, text string) DocumentMetadata {
	response, err := e.completer.CompleteText(ctx, metadataSystemPrompt, truncateMiddle(text, metadataMaxChars), metadataMaxTokens)
	if err != nil {
		e.logger.Warn("metadata extraction failed, using fallback", "filename", filename, "error", err)
		return FallbackMetadata(filename)
	}

	metadata, err := ParseMetadata(response)
	if err != nil {
		e.logger.Warn("metadata extraction failed, using fallback", "filename", filename, "error", err)
		return FallbackMetadata(filename)
	}

	e.logger.Info("metadata extracted",
		"filename", filename,
		"documentType", metadata.DocumentType,
		"topics", len(metadata.Topics),
	)
	return metadata
}

// ParseMetadata はモデル出力（コードフェンス付きでも可）を解析する
func ParseMetadata(response string) (DocumentMetadata, error) {
	cleaned := strings.TrimSpace(response)
	if strings.HasPrefix(cleaned, "```") {
		if _, rest, ok := strings.Cut(cleaned, "\n"); ok {
			cleaned = rest
		} else {
			cleaned = cleaned[3:]
		}
	}
	cleaned = strings.TrimSpace(strings.TrimSuffix(cleaned, "```"))

	var m DocumentMetadata
	if err := json.Unmarshal([]byte(cleaned), &m); err != nil {
		return DocumentMetadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if m.DocumentType == "" {
		m.DocumentType = DocumentTypeOther
	}
	return m, nil
}

// truncateMiddle は maxChars を超える本文の中央を省略する（ルーン単位）
func truncateMiddle(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	half := maxChars / 2
	return string(runes[:half]) + middleTruncatedMarker + string(runes[len(runes)-half:])
}
