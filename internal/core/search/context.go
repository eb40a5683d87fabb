package search

import (
	"fmt"
	"strings"
)

// UnknownFilename はファイル名が取得できなかったチャンクの表示名
const UnknownFilename = "Unknown"

const contextSeparator = "\n\n---\n\n"

// FormatContext は検索結果をLLMに渡す引用付きコンテキストに整形する
func FormatContext(chunks []RankedChunk) string {
	if len(chunks) == 0 {
		return ""
	}

	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("[Source %d: %s (relevance: %.2f)]\n", i+1, displayName(chunk.Filename), chunk.Relevance))
		sb.WriteString(chunk.Content)
		parts = append(parts, sb.String())
	}

	return strings.Join(parts, contextSeparator)
}

// DedupeSources はファイル名で重複を除いた引用元一覧を返す
// 同じドキュメントの複数チャンクは最も関連度の高いものとして1件にまとめ、初出順を保つ
func DedupeSources(chunks []RankedChunk) []Source {
	sources := make([]Source, 0, len(chunks))
	index := make(map[string]int, len(chunks))

	for _, chunk := range chunks {
		name := displayName(chunk.Filename)
		if i, ok := index[name]; ok {
			if chunk.Relevance > sources[i].Similarity {
				sources[i].Similarity = chunk.Relevance
			}
			continue
		}
		index[name] = len(sources)
		sources = append(sources, Source{Filename: name, Similarity: chunk.Relevance})
	}

	return sources
}

func displayName(filename string) string {
	if filename == "" {
		return UnknownFilename
	}
	return filename
}
