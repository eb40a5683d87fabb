package agent

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ForcedAnswerInstruction はラウンド上限到達時に追加する指示
const ForcedAnswerInstruction = "You have reached the maximum number of tool calls for this request. " +
	"Answer the user's question now using only the information gathered so far."

// SubAgentPrompt はドキュメント分析用サブエージェントのシステムプロンプトを構築する
func SubAgentPrompt(documentText string) string {
	var sb strings.Builder
	sb.WriteString("You are a document analysis assistant. You have the full text of a document in your context. ")
	sb.WriteString("Answer the user's question about this document thoroughly and accurately.\n\n")
	sb.WriteString("You have access to the retrieve_documents tool to search within this document for specific sections if needed.\n\n")
	sb.WriteString("## Document Text\n\n")
	sb.WriteString(documentText)
	return sb.String()
}

// rewritePrompt はクエリ書き換え用のシステムプロンプト
const rewritePrompt = "Given the conversation above, rewrite the user's latest message into 1-3 focused search queries " +
	"for a vector similarity search over document chunks. Resolve pronouns and references using " +
	"conversation context. Extract specific keywords and noun phrases. " +
	"Return ONLY the queries, one per line. No numbering, no explanation."

// sqlSchemaTemplate は SQL 生成に与えるスキーマ説明（%s は所有者ID）
const sqlSchemaTemplate = `You have access to a PostgreSQL database with these tables:

TABLE documents (
  id UUID PRIMARY KEY,
  owner_id UUID NOT NULL,
  filename TEXT NOT NULL,
  file_type TEXT,             -- MIME type e.g. 'application/pdf'
  file_size BIGINT,           -- bytes
  status TEXT,                -- 'pending', 'processing', 'completed', 'failed'
  chunk_count INTEGER DEFAULT 0,
  content_hash TEXT,
  metadata JSONB,             -- extracted metadata with keys: title, summary, topics (JSON array), document_type, language, key_entities (JSON array)
  created_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ
)

TABLE chunks (
  id UUID PRIMARY KEY,
  document_id UUID REFERENCES documents(id) ON DELETE CASCADE,
  content TEXT NOT NULL,
  chunk_index INTEGER,
  metadata JSONB,             -- chunk-level metadata, may include: page, section, chunk_type, token_count
  embedding vector,
  created_at TIMESTAMPTZ
)

IMPORTANT:
- Always filter by owner_id = '%s' to only access the current user's data.
- Use JSONB operators: metadata->>'key' for text, metadata->'key' for nested JSON, metadata @> '{...}'::jsonb for containment.
- For arrays inside JSONB (like topics), use jsonb_array_elements_text(metadata->'topics').
- Return only SELECT statements. No INSERT, UPDATE, DELETE, DROP, ALTER, CREATE, or TRUNCATE.
`

// BuildSQLPrompt は SQL 生成プロンプトを構築する
func BuildSQLPrompt(ownerID uuid.UUID, question string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(sqlSchemaTemplate, ownerID.String()))
	sb.WriteString("\n\nGenerate a single PostgreSQL SELECT query that answers the following question. ")
	sb.WriteString("Return ONLY the SQL query, no explanation, no markdown code fences.\n\n")
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}
