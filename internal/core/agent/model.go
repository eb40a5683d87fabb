package agent

import (
	"context"
	"encoding/json"
)

// Role は会話メッセージの話者
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message は会話履歴の1メッセージを表す
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // assistant のツール呼び出し
	ToolCallID string     // tool メッセージが応答する呼び出しID
}

// ToolCall はモデルが要求したツール呼び出し
type ToolCall struct {
	ID           string
	Name         string
	Arguments    map[string]any
	RawArguments string // モデルが返した引数JSON（そのまま履歴に戻す）
}

// ArgumentsJSON は履歴に戻すための引数JSONを返す
func (c ToolCall) ArgumentsJSON() string {
	if c.RawArguments != "" {
		return c.RawArguments
	}
	if len(c.Arguments) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ParseArguments はモデルが返した引数JSONを解析する
// 解析できない場合は空の引数として扱い、必須パラメータの検証で弾く
func ParseArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// ToolResult はツール呼び出し1件の結果
// 同じラウンドの呼び出しとは位置で対応する
type ToolResult struct {
	Name   string
	Result string
	OK     bool
}

// ChatRequest はチャット補完のリクエスト
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolInfo // 空ならツールなしで呼び出す
	MaxTokens int
}

// ChatResponse は非ストリーミング補完の応答
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ChatModel はツール呼び出しに対応したチャットモデルのインターフェース
type ChatModel interface {
	// Complete はツール定義付きで非ストリーミング補完を行う
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Stream は最終回答をトークン単位で onDelta に渡す
	Stream(ctx context.Context, req ChatRequest, onDelta func(delta string) error) error
}

// CompletionRequest は単発プロンプトの補完リクエスト
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completer は単発の補完を行うインターフェース（クエリ書き換え、SQL生成）
type Completer interface {
	GenerateCompletion(ctx context.Context, req CompletionRequest) (string, error)
}
