package ask

import (
	"github.com/google/uuid"

	"github.com/jinford/doc-rag/internal/core/agent"
	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

// ChatMessage は会話履歴の1メッセージ
type ChatMessage struct {
	Role    string `json:"role"` // user または assistant
	Content string `json:"content"`
}

// AskParams は質問応答のパラメータを表す
type AskParams struct {
	OwnerID  uuid.UUID             // 検索対象ドキュメントの所有者
	Messages []ChatMessage         // 会話履歴（最後がユーザーの質問）
	Filter   search.MetadataFilter // チャンクメタデータの包含フィルタ（任意）
}

// Settings はリクエストごとの設定値
// プロセス全体で共有する可変状態は持たず、リクエストの開始時に値として渡す
type Settings struct {
	Search           search.Config
	Loop             agent.LoopConfig
	Retrieve         agent.RetrieveConfig
	MaxDocumentChars int
	SQLMaxRows       int
}

// DefaultSettings はデフォルト設定を返す
func DefaultSettings() Settings {
	return Settings{
		Search:           search.DefaultConfig(),
		Loop:             agent.DefaultLoopConfig(),
		Retrieve:         agent.DefaultRetrieveConfig(),
		MaxDocumentChars: agent.DefaultMaxDocumentChars,
		SQLMaxRows:       agent.DefaultSQLMaxRows,
	}
}

// Response は1リクエスト分の応答（確定後は不変）
type Response struct {
	Content   string
	Sources   []stream.Source
	Images    []stream.Image
	ToolCalls []stream.ToolCall
	Rounds    int
	Forced    bool
	Error     string
}
