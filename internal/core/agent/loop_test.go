package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/doc-rag/internal/core/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedModel は応答を順に返すテスト用 ChatModel
type scriptedModel struct {
	mu sync.Mutex

	responses   []*ChatResponse // 順に消費する
	fallback    *ChatResponse   // 消費し尽くした後の応答
	completeErr error

	streams   [][]string // Stream 呼び出しごとのデルタ
	streamErr error

	completeRequests []ChatRequest
	streamRequests   []ChatRequest
}

func (m *scriptedModel) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completeRequests = append(m.completeRequests, req)
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	if len(m.responses) > 0 {
		resp := m.responses[0]
		m.responses = m.responses[1:]
		return resp, nil
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return &ChatResponse{}, nil
}

func (m *scriptedModel) Stream(ctx context.Context, req ChatRequest, onDelta func(string) error) error {
	m.mu.Lock()
	m.streamRequests = append(m.streamRequests, req)
	var deltas []string
	if len(m.streams) > 0 {
		deltas = m.streams[0]
		m.streams = m.streams[1:]
	}
	err := m.streamErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	for _, d := range deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

func (m *scriptedModel) completeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completeRequests)
}

// funcTool は関数で振る舞いを差し替えられるテスト用ツール
type funcTool struct {
	info ToolInfo
	fn   func(ctx context.Context, args map[string]any, relay Relay) (ToolOutput, error)
}

func (t *funcTool) Info() ToolInfo {
	return t.info
}

func (t *funcTool) Execute(ctx context.Context, args map[string]any, relay Relay) (ToolOutput, error) {
	return t.fn(ctx, args, relay)
}

func echoTool(name string, parallel bool) *funcTool {
	return &funcTool{
		info: ToolInfo{
			Name:        name,
			Description: "echo",
			Parameters:  []ToolParameter{{Name: "text", Type: TypeString, Required: true}},
			Parallel:    parallel,
		},
		fn: func(_ context.Context, args map[string]any, _ Relay) (ToolOutput, error) {
			return ToolOutput{Text: name + ":" + StringArg(args, "text")}, nil
		},
	}
}

func call(id, name string, args map[string]any) ToolCall {
	return ToolCall{ID: id, Name: name, Arguments: args}
}

func newTestLoop(t *testing.T, model ChatModel, cfg LoopConfig, tools ...Tool) *Loop {
	t.Helper()
	registry := NewRegistry(0)
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	return NewLoop(model, registry, WithLoopConfig(cfg), WithLoopLogger(discardLogger()))
}

func eventTypes(events []stream.Event) []stream.EventType {
	types := make([]stream.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestLoop_FinalAnswerWithoutTools(t *testing.T) {
	model := &scriptedModel{streams: [][]string{{"Hel", "", "lo"}}}
	loop := newTestLoop(t, model, DefaultLoopConfig(), echoTool("echo", false))
	rec := &stream.Recorder{}

	result, err := loop.Run(context.Background(), Request{
		System:   "system",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, rec)

	require.NoError(t, err)
	assert.Equal(t, "Hello", result.Answer)
	assert.Equal(t, 1, result.Rounds)
	assert.False(t, result.Forced)
	assert.Equal(t, []stream.Event{stream.Content("Hel"), stream.Content("lo")}, rec.Events())

	// ツール判定はツール付き、最終回答はツールなしで呼ばれる
	require.Len(t, model.completeRequests, 1)
	assert.Len(t, model.completeRequests[0].Tools, 1)
	require.Len(t, model.streamRequests, 1)
	assert.Empty(t, model.streamRequests[0].Tools)
	assert.Equal(t, "system", model.streamRequests[0].System)
}

func TestLoop_TerminatesAfterMaxRounds(t *testing.T) {
	model := &scriptedModel{
		fallback: &ChatResponse{ToolCalls: []ToolCall{call("c1", "echo", map[string]any{"text": "again"})}},
		streams:  [][]string{{"best effort"}},
	}
	loop := newTestLoop(t, model, LoopConfig{MaxRounds: 3}, echoTool("echo", false))
	rec := &stream.Recorder{}

	result, err := loop.Run(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "loop forever"}},
	}, rec)

	require.NoError(t, err)
	assert.Equal(t, 3, model.completeCount())
	assert.Equal(t, 3, result.Rounds)
	assert.Equal(t, 3, result.ToolCalls)
	assert.True(t, result.Forced)
	assert.Equal(t, "best effort", result.Answer)

	require.Len(t, model.streamRequests, 1)
	final := model.streamRequests[0]
	assert.Empty(t, final.Tools)
	last := final.Messages[len(final.Messages)-1]
	assert.Equal(t, RoleSystem, last.Role)
	assert.Equal(t, ForcedAnswerInstruction, last.Content)

	assert.Equal(t, []stream.EventType{
		stream.EventToolCall, stream.EventToolResult,
		stream.EventToolCall, stream.EventToolResult,
		stream.EventToolCall, stream.EventToolResult,
		stream.EventContent,
	}, eventTypes(rec.Events()))
}

func TestLoop_DefaultMaxRounds(t *testing.T) {
	model := &scriptedModel{
		fallback: &ChatResponse{ToolCalls: []ToolCall{call("c1", "echo", map[string]any{"text": "x"})}},
	}
	loop := newTestLoop(t, model, LoopConfig{}, echoTool("echo", false))

	result, err := loop.Run(context.Background(), Request{}, &stream.Recorder{})

	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRounds, model.completeCount())
	assert.Equal(t, DefaultMaxRounds, result.Rounds)
	assert.True(t, result.Forced)
}

func TestLoop_FailedCallsBecomeResults(t *testing.T) {
	failing := &funcTool{
		info: ToolInfo{Name: "broken"},
		fn: func(context.Context, map[string]any, Relay) (ToolOutput, error) {
			return ToolOutput{}, errors.New("backend down")
		},
	}
	model := &scriptedModel{
		responses: []*ChatResponse{{
			Content: "checking",
			ToolCalls: []ToolCall{
				call("a", "nope", nil),
				call("b", "echo", map[string]any{}),
				call("c", "echo", map[string]any{"text": 42}),
				call("d", "broken", nil),
				call("e", "echo", map[string]any{"text": "ok"}),
			},
		}},
		streams: [][]string{{"answer"}},
	}
	loop := newTestLoop(t, model, DefaultLoopConfig(), echoTool("echo", false), failing)
	rec := &stream.Recorder{}

	_, err := loop.Run(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "q"}}}, rec)
	require.NoError(t, err)

	var results []string
	for _, e := range rec.Events() {
		if e.Type == stream.EventToolResult {
			results = append(results, e.ToolResult.Result)
		}
	}
	require.Len(t, results, 5)
	assert.Equal(t, "Unknown tool: nope", results[0])
	assert.Contains(t, results[1], "Invalid arguments for echo")
	assert.Contains(t, results[1], `missing required parameter "text"`)
	assert.Contains(t, results[2], `parameter "text" must be string`)
	assert.Equal(t, "Tool execution failed: backend down", results[3])
	assert.Equal(t, "echo:ok", results[4])

	// 2回目の呼び出しには assistant メッセージとツール結果が要求順に積まれている
	require.Len(t, model.completeRequests, 2)
	history := model.completeRequests[1].Messages
	require.Len(t, history, 7)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Equal(t, "checking", history[1].Content)
	assert.Len(t, history[1].ToolCalls, 5)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, RoleTool, history[2+i].Role)
		assert.Equal(t, id, history[2+i].ToolCallID)
		assert.Equal(t, results[i], history[2+i].Content)
	}
}

func TestLoop_ParallelBatchKeepsRequestOrder(t *testing.T) {
	const n = 3
	var arrived sync.WaitGroup
	arrived.Add(n)

	// 全員が揃うまで待つので、逐次実行だとタイムアウトする
	barrierTool := func(name string, delay time.Duration) *funcTool {
		return &funcTool{
			info: ToolInfo{Name: name, Parallel: true},
			fn: func(ctx context.Context, _ map[string]any, _ Relay) (ToolOutput, error) {
				arrived.Done()
				done := make(chan struct{})
				go func() {
					arrived.Wait()
					close(done)
				}()
				select {
				case <-done:
				case <-time.After(2 * time.Second):
					return ToolOutput{}, errors.New("not run concurrently")
				}
				time.Sleep(delay)
				return ToolOutput{
					Text:    "result-" + name,
					Sources: []stream.Source{{Filename: name + ".md", Similarity: 1}},
				}, nil
			},
		}
	}

	model := &scriptedModel{
		responses: []*ChatResponse{{ToolCalls: []ToolCall{
			call("1", "slow", nil),
			call("2", "medium", nil),
			call("3", "fast", nil),
		}}},
		streams: [][]string{{"done"}},
	}
	loop := newTestLoop(t, model, DefaultLoopConfig(),
		barrierTool("slow", 60*time.Millisecond),
		barrierTool("medium", 30*time.Millisecond),
		barrierTool("fast", 0),
	)
	rec := &stream.Recorder{}

	_, err := loop.Run(context.Background(), Request{}, rec)
	require.NoError(t, err)

	events := rec.Events()
	assert.Equal(t, []stream.EventType{
		stream.EventToolCall, stream.EventToolCall, stream.EventToolCall,
		stream.EventToolResult, stream.EventSources,
		stream.EventToolResult, stream.EventSources,
		stream.EventToolResult, stream.EventSources,
		stream.EventContent,
	}, eventTypes(events))
	assert.Equal(t, "result-slow", events[3].ToolResult.Result)
	assert.Equal(t, "result-medium", events[5].ToolResult.Result)
	assert.Equal(t, "result-fast", events[7].ToolResult.Result)

	history := model.completeRequests[1].Messages
	require.Len(t, history, 4)
	assert.Equal(t, "1", history[1].ToolCallID)
	assert.Equal(t, "result-slow", history[1].Content)
	assert.Equal(t, "3", history[3].ToolCallID)
}

func TestLoop_SourcesAndImagesFollowResult(t *testing.T) {
	page := 2
	tool := &funcTool{
		info: ToolInfo{Name: "lookup"},
		fn: func(context.Context, map[string]any, Relay) (ToolOutput, error) {
			return ToolOutput{
				Text:    "ctx",
				Sources: []stream.Source{{Filename: "a.pdf", Similarity: 0.9}},
				Images:  []stream.Image{{URL: "/x", Alt: "Figure 1", DocID: "d", Index: 0, Page: &page}},
			}, nil
		},
	}
	model := &scriptedModel{
		responses: []*ChatResponse{{ToolCalls: []ToolCall{call("1", "lookup", nil)}}},
	}
	loop := newTestLoop(t, model, DefaultLoopConfig(), tool)
	rec := &stream.Recorder{}

	_, err := loop.Run(context.Background(), Request{}, rec)
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{
		stream.EventToolCall, stream.EventToolResult, stream.EventSources, stream.EventImages,
	}, eventTypes(rec.Events()))
}

func TestLoop_ModelErrorIsFatal(t *testing.T) {
	model := &scriptedModel{completeErr: errors.New("429 too many requests")}
	loop := newTestLoop(t, model, DefaultLoopConfig())

	_, err := loop.Run(context.Background(), Request{}, &stream.Recorder{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModel)
}

func TestLoop_StreamErrorIsFatal(t *testing.T) {
	model := &scriptedModel{streamErr: errors.New("connection reset")}
	loop := newTestLoop(t, model, DefaultLoopConfig())

	_, err := loop.Run(context.Background(), Request{}, &stream.Recorder{})

	assert.ErrorIs(t, err, ErrModel)
}

func TestLoop_CancelledContext(t *testing.T) {
	model := &scriptedModel{}
	loop := newTestLoop(t, model, DefaultLoopConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loop.Run(ctx, Request{}, &stream.Recorder{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, model.completeCount())
}

func TestLoop_CancelledDuringTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tool := &funcTool{
		info: ToolInfo{Name: "slow"},
		fn: func(ctx context.Context, _ map[string]any, _ Relay) (ToolOutput, error) {
			cancel()
			<-ctx.Done()
			return ToolOutput{}, ctx.Err()
		},
	}
	model := &scriptedModel{
		fallback: &ChatResponse{ToolCalls: []ToolCall{call("1", "slow", nil)}},
	}
	loop := newTestLoop(t, model, DefaultLoopConfig(), tool)

	_, err := loop.Run(ctx, Request{}, &stream.Recorder{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, model.completeCount())
}

func TestLoop_SinkErrorStopsRun(t *testing.T) {
	model := &scriptedModel{streams: [][]string{{"a", "b"}}}
	loop := newTestLoop(t, model, DefaultLoopConfig())
	sinkErr := errors.New("client gone")

	_, err := loop.Run(context.Background(), Request{}, stream.SinkFunc(func(stream.Event) error {
		return sinkErr
	}))

	assert.ErrorIs(t, err, sinkErr)
}

func TestToolCall_ArgumentsJSON(t *testing.T) {
	assert.Equal(t, `{"q":"x"}`, ToolCall{RawArguments: `{"q":"x"}`}.ArgumentsJSON())
	assert.Equal(t, `{"q":"x"}`, ToolCall{Arguments: map[string]any{"q": "x"}}.ArgumentsJSON())
	assert.Equal(t, "{}", ToolCall{}.ArgumentsJSON())
}

func TestParseArguments(t *testing.T) {
	assert.Equal(t, map[string]any{"query": "x"}, ParseArguments(`{"query":"x"}`))
	assert.Equal(t, map[string]any{}, ParseArguments(`not json`))
	assert.Equal(t, map[string]any{}, ParseArguments(""))
	assert.Equal(t, map[string]any{}, ParseArguments("null"))
	assert.Equal(t, map[string]any{}, ParseArguments("[1,2]"))
}
