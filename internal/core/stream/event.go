package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType はストリームイベントの種別
type EventType string

const (
	EventContent    EventType = "content"
	EventSources    EventType = "sources"
	EventImages     EventType = "images"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventSubAgent   EventType = "sub_agent_event"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// SubAgentType はサブエージェントイベントの内側の種別
type SubAgentType string

const (
	SubAgentCall    SubAgentType = "call"
	SubAgentResult  SubAgentType = "result"
	SubAgentContent SubAgentType = "content"
)

// ErrMalformedEvent は解釈できないイベント行のエラー
var ErrMalformedEvent = errors.New("malformed stream event")

// Source は引用元
type Source struct {
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
}

// Image はドキュメント画像への参照
type Image struct {
	URL   string `json:"url"`
	Alt   string `json:"alt"`
	DocID string `json:"doc_id"`
	Index int    `json:"index"`
	Page  *int   `json:"page,omitempty"`
}

// ToolCall はツール呼び出しの通知
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult はツール実行結果の通知
type ToolResult struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// SubAgentEvent はサブエージェント内部のイベント
// Type に応じて Name/Arguments、Name/Result、Content のいずれかを持つ
type SubAgentEvent struct {
	Type      SubAgentType   `json:"type"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// Event はストリームに流れるイベント（タグ付きユニオン）
type Event struct {
	Type       EventType
	Content    string
	Sources    []Source
	Images     []Image
	ToolCall   *ToolCall
	ToolResult *ToolResult
	SubAgent   *SubAgentEvent
	Error      string
}

// Content はテキスト断片のイベントを作る
func Content(delta string) Event {
	return Event{Type: EventContent, Content: delta}
}

// Sources は引用元イベントを作る
func Sources(sources []Source) Event {
	return Event{Type: EventSources, Sources: sources}
}

// Images は画像参照イベントを作る
func Images(images []Image) Event {
	return Event{Type: EventImages, Images: images}
}

// Call はツール呼び出しイベントを作る
func Call(name string, arguments map[string]any) Event {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return Event{Type: EventToolCall, ToolCall: &ToolCall{Name: name, Arguments: arguments}}
}

// Result はツール結果イベントを作る
func Result(name, result string) Event {
	return Event{Type: EventToolResult, ToolResult: &ToolResult{Name: name, Result: result}}
}

// Failure はエラーイベントを作る
func Failure(message string) Event {
	return Event{Type: EventError, Error: message}
}

// Done は終端イベントを作る
func Done() Event {
	return Event{Type: EventDone}
}

// WrapSubAgent はサブエージェントのイベントを親ストリーム用に包む
// 呼び出し・結果・本文以外（引用元、画像など）は包めないため false を返す
func WrapSubAgent(inner Event) (Event, bool) {
	var sub SubAgentEvent
	switch inner.Type {
	case EventToolCall:
		sub = SubAgentEvent{Type: SubAgentCall, Name: inner.ToolCall.Name, Arguments: inner.ToolCall.Arguments}
	case EventToolResult:
		sub = SubAgentEvent{Type: SubAgentResult, Name: inner.ToolResult.Name, Result: inner.ToolResult.Result}
	case EventContent:
		sub = SubAgentEvent{Type: SubAgentContent, Content: inner.Content}
	default:
		return Event{}, false
	}
	return Event{Type: EventSubAgent, SubAgent: &sub}, true
}

// IsTerminal は終端イベントかを返す
func (e Event) IsTerminal() bool {
	return e.Type == EventDone
}

// MarshalJSON はイベントを判別キー付きのオブジェクトに変換する
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventContent:
		return json.Marshal(map[string]string{"content": e.Content})
	case EventSources:
		sources := e.Sources
		if sources == nil {
			sources = []Source{}
		}
		return json.Marshal(map[string][]Source{"sources": sources})
	case EventImages:
		images := e.Images
		if images == nil {
			images = []Image{}
		}
		return json.Marshal(map[string][]Image{"images": images})
	case EventToolCall:
		if e.ToolCall == nil {
			return nil, fmt.Errorf("%w: tool_call without payload", ErrMalformedEvent)
		}
		return json.Marshal(map[string]*ToolCall{"tool_call": e.ToolCall})
	case EventToolResult:
		if e.ToolResult == nil {
			return nil, fmt.Errorf("%w: tool_result without payload", ErrMalformedEvent)
		}
		return json.Marshal(map[string]*ToolResult{"tool_result": e.ToolResult})
	case EventSubAgent:
		if e.SubAgent == nil {
			return nil, fmt.Errorf("%w: sub_agent_event without payload", ErrMalformedEvent)
		}
		return json.Marshal(map[string]*SubAgentEvent{"sub_agent_event": e.SubAgent})
	case EventError:
		return json.Marshal(map[string]string{"error": e.Error})
	}
	return nil, fmt.Errorf("%w: type %q has no JSON form", ErrMalformedEvent, e.Type)
}

// UnmarshalJSON は判別キーからイベント種別を復元する
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if len(fields) != 1 {
		return fmt.Errorf("%w: expected exactly one key, got %d", ErrMalformedEvent, len(fields))
	}

	for key, raw := range fields {
		var decoded Event
		var err error
		switch EventType(key) {
		case EventContent:
			decoded.Type = EventContent
			err = json.Unmarshal(raw, &decoded.Content)
		case EventSources:
			decoded.Type = EventSources
			err = json.Unmarshal(raw, &decoded.Sources)
		case EventImages:
			decoded.Type = EventImages
			err = json.Unmarshal(raw, &decoded.Images)
		case EventToolCall:
			decoded.Type = EventToolCall
			decoded.ToolCall = &ToolCall{}
			err = json.Unmarshal(raw, decoded.ToolCall)
		case EventToolResult:
			decoded.Type = EventToolResult
			decoded.ToolResult = &ToolResult{}
			err = json.Unmarshal(raw, decoded.ToolResult)
		case EventSubAgent:
			decoded.Type = EventSubAgent
			decoded.SubAgent = &SubAgentEvent{}
			err = json.Unmarshal(raw, decoded.SubAgent)
		case EventError:
			decoded.Type = EventError
			err = json.Unmarshal(raw, &decoded.Error)
		default:
			return fmt.Errorf("%w: unknown key %q", ErrMalformedEvent, key)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrMalformedEvent, key, err)
		}
		*e = decoded
	}
	return nil
}
