package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jinford/doc-rag/internal/core/stream"
)

// MaxDepth はサブエージェントの入れ子の上限
// トップレベルは深さ0、サブエージェントは深さ1
const MaxDepth = 1

var (
	// ErrSubAgentDepth はサブエージェントの深さ上限を超える登録のエラー
	ErrSubAgentDepth = errors.New("sub-agent depth limit exceeded")

	// ErrDuplicateTool は同名ツールの二重登録エラー
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidTool は不正なツール定義のエラー
	ErrInvalidTool = errors.New("invalid tool definition")

	// ErrUnknownTool は未登録ツールの呼び出しエラー
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments は引数がスキーマに合わない場合のエラー
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ParameterType はツール引数のJSON型
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeInteger ParameterType = "integer"
	TypeBoolean ParameterType = "boolean"
	TypeObject  ParameterType = "object"
	TypeArray   ParameterType = "array"
)

func (t ParameterType) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// ToolParameter はツール引数1件のスキーマ
type ToolParameter struct {
	Name        string
	Type        ParameterType
	Description string
	Required    bool
}

// ToolInfo はツールの公開情報
type ToolInfo struct {
	Name        string
	Description string
	Parameters  []ToolParameter

	// Parallel は同じラウンド内で他の Parallel ツールと並行実行できることを示す
	Parallel bool

	// SpawnsSubAgent はサブエージェントを起動するツールであることを示す
	SpawnsSubAgent bool
}

// JSONSchema は関数呼び出し用の JSON Schema を返す
func (i ToolInfo) JSONSchema() map[string]any {
	properties := make(map[string]any, len(i.Parameters))
	required := make([]string, 0, len(i.Parameters))
	for _, p := range i.Parameters {
		properties[p.Name] = map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// ParameterSchema は公開用の引数スキーマ
type ParameterSchema struct {
	Type        ParameterType `json:"type"`
	Description string        `json:"description"`
	Required    bool          `json:"required"`
}

// Definition は公開用のツール定義
type Definition struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Parameters  map[string]ParameterSchema `json:"parameters"`
}

// ToolOutput はツール実行の出力
// Sources/Images はストリームにのみ流し、会話履歴には Text だけを戻す
type ToolOutput struct {
	Text    string
	Sources []stream.Source
	Images  []stream.Image
}

// Relay はツール内部のイベントを親ストリームへ中継する関数
type Relay func(event stream.Event) error

// Tool はエージェントが呼び出せるツール
type Tool interface {
	Info() ToolInfo
	Execute(ctx context.Context, args map[string]any, relay Relay) (ToolOutput, error)
}

// Registry は名前からツールを引く登録簿
// 深さを明示的に持ち、サブエージェント内での入れ子起動を登録時に拒否する
type Registry struct {
	depth int
	tools map[string]Tool
	order []string
}

// NewRegistry は指定した深さの Registry を作成する
func NewRegistry(depth int) *Registry {
	return &Registry{
		depth: depth,
		tools: make(map[string]Tool),
	}
}

// Depth はこの登録簿を使うエージェントの深さを返す
func (r *Registry) Depth() int {
	return r.depth
}

// Register はツールを登録する
func (r *Registry) Register(tool Tool) error {
	info := tool.Info()

	// 1. 定義の検証
	if strings.TrimSpace(info.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	for _, p := range info.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: %s: parameter name is required", ErrInvalidTool, info.Name)
		}
		if !p.Type.valid() {
			return fmt.Errorf("%w: %s: parameter %s has unsupported type %q", ErrInvalidTool, info.Name, p.Name, p.Type)
		}
	}
	if info.Parallel && info.SpawnsSubAgent {
		return fmt.Errorf("%w: %s: sub-agent tools cannot run in parallel", ErrInvalidTool, info.Name)
	}

	// 2. 深さの検証
	if info.SpawnsSubAgent && r.depth >= MaxDepth {
		return fmt.Errorf("%w: cannot register %s at depth %d", ErrSubAgentDepth, info.Name, r.depth)
	}

	// 3. 登録
	if _, exists := r.tools[info.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, info.Name)
	}
	r.tools[info.Name] = tool
	r.order = append(r.order, info.Name)
	return nil
}

// Lookup は名前からツールを返す
func (r *Registry) Lookup(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Len は登録済みツール数を返す
func (r *Registry) Len() int {
	return len(r.order)
}

// Infos は登録順のツール情報を返す
func (r *Registry) Infos() []ToolInfo {
	infos := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.tools[name].Info())
	}
	return infos
}

// Definitions は公開用のツール定義を登録順に返す
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, info := range r.Infos() {
		params := make(map[string]ParameterSchema, len(info.Parameters))
		for _, p := range info.Parameters {
			params[p.Name] = ParameterSchema{Type: p.Type, Description: p.Description, Required: p.Required}
		}
		defs = append(defs, Definition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  params,
		})
	}
	return defs
}

// Validate は呼び出しの引数をスキーマで検証する
// スキーマにない引数は無視する
func (r *Registry) Validate(call ToolCall) error {
	tool, ok := r.tools[call.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	var problems []string
	for _, p := range tool.Info().Parameters {
		v, present := call.Arguments[p.Name]
		if !present || v == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if !matchesType(v, p.Type) {
			problems = append(problems, fmt.Sprintf("parameter %q must be %s", p.Name, p.Type))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(problems, "; "))
	}
	return nil
}

func matchesType(v any, t ParameterType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

// StringArg は文字列引数を取り出す
func StringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}
