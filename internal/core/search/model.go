package search

import (
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Mode は検索モードを表す
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
	ModeHybrid  Mode = "hybrid"
)

// ParseMode は文字列を検索モードに変換する
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeVector, ModeKeyword, ModeHybrid:
		return Mode(s), true
	}
	return "", false
}

// Chunk はドキュメントの断片を表す（作成後は不変）
type Chunk struct {
	ID         uuid.UUID      `json:"id"`
	DocumentID uuid.UUID      `json:"documentID"`
	Filename   string         `json:"filename"`
	Content    string         `json:"content"`
	Index      int            `json:"index"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MetadataString はメタデータの文字列値を返す
func (c Chunk) MetadataString(key string) (string, bool) {
	v, ok := c.Metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// MetadataInt はメタデータの整数値を返す（JSON由来のfloat64も許容）
func (c Chunk) MetadataInt(key string) (int, bool) {
	switch v := c.Metadata[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// ScoredChunk は検索バックエンドが返す1行を表す
// スライス内の位置（1始まり）がそのリストでの順位になる
type ScoredChunk struct {
	Chunk
	Similarity float64 `json:"similarity"`
}

// Candidate は融合・リランク中の検索候補を表す（クエリごとに生成され永続化しない）
type Candidate struct {
	Chunk            Chunk
	VectorRank       mo.Option[int]
	KeywordRank      mo.Option[int]
	VectorSimilarity float64
	KeywordRelevance float64
	FusedScore       float64
	RerankScore      mo.Option[float64]
}

// MetadataFilter はチャンクメタデータに対する包含フィルタ（jsonb @>）
type MetadataFilter map[string]any

// RankedChunk は最終的に順位付けされたチャンク
// Relevance は [0,1] に正規化された関連度
type RankedChunk struct {
	Chunk
	Relevance float64 `json:"relevance"`
}

// Source は回答の根拠として表示する引用元
type Source struct {
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
}

// SearchResult は検索結果を表す
type SearchResult struct {
	Mode    Mode
	Chunks  []RankedChunk
	Sources []Source
}

// IsEmpty は結果が空かを返す
func (r *SearchResult) IsEmpty() bool {
	return r == nil || len(r.Chunks) == 0
}
