package ask

import (
	"encoding/json"
	"strings"

	"github.com/jinford/doc-rag/internal/core/search"
)

// BasePrompt はトップレベルのエージェントに与えるシステムプロンプト
const BasePrompt = `You are a helpful AI assistant with access to the user's uploaded documents.
Answer questions based on the documents when they are relevant. If the documents don't contain
relevant information, use your general knowledge and let the user know.
Be concise and helpful. Cite source documents when using retrieved context.

## Tools
- retrieve_documents: search the user's documents. Use it for any question that could relate to them.
- analyze_document: read one whole document for summaries, themes or structural questions. Requires the exact filename.
- text_to_sql: answer questions about document metadata such as counts, types, topics or upload dates.
- web_search: search the web for recent or external information (only when available).`

// BuildSystemPrompt はリクエスト用のシステムプロンプトを構築する
func BuildSystemPrompt(filter search.MetadataFilter) string {
	var sb strings.Builder
	sb.WriteString(BasePrompt)

	// 検索範囲の制約
	if len(filter) > 0 {
		if b, err := json.Marshal(filter); err == nil {
			sb.WriteString("\n\n## Search Scope\n")
			sb.WriteString("Document search is restricted to chunks whose metadata contains: ")
			sb.Write(b)
		}
	}

	return sb.String()
}
