package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jinford/doc-rag/internal/core/stream"
)

// DefaultMaxRounds はツール呼び出しラウンドのデフォルト上限
const DefaultMaxRounds = 5

// ErrModel はチャットモデル呼び出しの失敗（リクエストにとって致命的）
var ErrModel = errors.New("model provider failed")

// LoopConfig はエージェントループの設定（リクエストごとに値として渡す）
type LoopConfig struct {
	MaxRounds int
}

// DefaultLoopConfig はデフォルト設定を返す
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{MaxRounds: DefaultMaxRounds}
}

// Request はループ1回分の入力
type Request struct {
	System   string
	Messages []Message
}

// RunResult はループ実行の結果
type RunResult struct {
	Answer    string
	Rounds    int
	ToolCalls int
	Forced    bool // ラウンド上限で回答を強制したか
}

// Loop はモデルとツールの間を往復するエージェントループ
type Loop struct {
	model    ChatModel
	registry *Registry
	config   LoopConfig
	logger   *slog.Logger
}

// LoopOption は Loop のオプション設定
type LoopOption func(*Loop)

// WithLoopLogger は Loop にロガーを設定する
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithLoopConfig は Loop の設定を指定する
func WithLoopConfig(cfg LoopConfig) LoopOption {
	return func(l *Loop) {
		l.config = cfg
	}
}

// NewLoop は新しい Loop を作成する
func NewLoop(model ChatModel, registry *Registry, opts ...LoopOption) *Loop {
	l := &Loop{
		model:    model,
		registry: registry,
		config:   DefaultLoopConfig(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.config.MaxRounds <= 0 {
		l.config.MaxRounds = DefaultMaxRounds
	}

	return l
}

// Run はループを実行し、イベントを sink に順に書き込む
// 終端マーカーは書き込まない（呼び出し側の責務）
func (l *Loop) Run(ctx context.Context, req Request, sink stream.Sink) (*RunResult, error) {
	messages := make([]Message, len(req.Messages))
	copy(messages, req.Messages)

	result := &RunResult{}
	depth := strconv.Itoa(l.registry.Depth())
	defer func() {
		LoopRounds.WithLabelValues(depth).Observe(float64(result.Rounds))
	}()

	tools := l.registry.Infos()

	for round := 1; round <= l.config.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Rounds = round

		// 1. ツール付きの非ストリーミング呼び出し
		resp, err := l.model.Complete(ctx, ChatRequest{
			System:   req.System,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return result, fmt.Errorf("%w: %w", ErrModel, err)
		}

		// 2. ツール呼び出しがなければ最終回答をストリーミング
		if len(resp.ToolCalls) == 0 {
			l.logger.Debug("model produced final answer", "round", round, "depth", l.registry.Depth())
			answer, err := l.streamAnswer(ctx, req.System, messages, sink)
			result.Answer = answer
			return result, err
		}

		// 3. ツール実行（結果は要求順に会話へ戻す）
		l.logger.Info("model requested tools",
			"round", round,
			"depth", l.registry.Depth(),
			"calls", len(resp.ToolCalls),
		)
		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, err := l.executeRound(ctx, resp.ToolCalls, sink)
		if err != nil {
			return result, err
		}
		result.ToolCalls += len(results)

		for i, call := range resp.ToolCalls {
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    results[i].Result,
				ToolCallID: call.ID,
			})
		}
	}

	// 4. ラウンド上限: ツールなしで回答を強制
	ForcedAnswersTotal.Inc()
	l.logger.Warn("agent reached max rounds, forcing final answer",
		"maxRounds", l.config.MaxRounds,
		"depth", l.registry.Depth(),
	)
	messages = append(messages, Message{Role: RoleSystem, Content: ForcedAnswerInstruction})

	answer, err := l.streamAnswer(ctx, req.System, messages, sink)
	result.Answer = answer
	result.Forced = true
	return result, err
}

func (l *Loop) streamAnswer(ctx context.Context, system string, messages []Message, sink stream.Sink) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var answer strings.Builder
	var sinkErr error
	err := l.model.Stream(ctx, ChatRequest{System: system, Messages: messages}, func(delta string) error {
		if delta == "" {
			return nil
		}
		answer.WriteString(delta)
		if err := sink.Emit(stream.Content(delta)); err != nil {
			sinkErr = err
			return err
		}
		return nil
	})
	if err != nil {
		if sinkErr != nil {
			return answer.String(), sinkErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return answer.String(), ctxErr
		}
		return answer.String(), fmt.Errorf("%w: %w", ErrModel, err)
	}
	return answer.String(), nil
}

// executeRound は1ラウンド分の呼び出しを実行する
// 連続する Parallel ツールはまとめて並行実行し、それ以外は1件ずつ実行する
func (l *Loop) executeRound(ctx context.Context, calls []ToolCall, sink stream.Sink) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))

	for i := 0; i < len(calls); {
		j := i + 1
		if l.parallel(calls[i]) {
			for j < len(calls) && l.parallel(calls[j]) {
				j++
			}
		}

		var err error
		if j-i > 1 {
			err = l.executeBatch(ctx, calls[i:j], results[i:j], sink)
		} else {
			results[i], err = l.executeOne(ctx, calls[i], sink)
		}
		if err != nil {
			return nil, err
		}
		i = j
	}

	return results, nil
}

func (l *Loop) parallel(call ToolCall) bool {
	tool, ok := l.registry.Lookup(call.Name)
	return ok && tool.Info().Parallel
}

// executeOne は1件を実行し、中継イベントを sub_agent_event として流す
func (l *Loop) executeOne(ctx context.Context, call ToolCall, sink stream.Sink) (ToolResult, error) {
	if err := sink.Emit(stream.Call(call.Name, call.Arguments)); err != nil {
		return ToolResult{}, err
	}

	relay := func(event stream.Event) error {
		wrapped, ok := stream.WrapSubAgent(event)
		if !ok {
			return nil
		}
		return sink.Emit(wrapped)
	}

	result, output := l.dispatch(ctx, call, relay)
	if err := emitResult(sink, result, output); err != nil {
		return ToolResult{}, err
	}
	return result, nil
}

// executeBatch は独立したツールを並行実行し、結果を要求順に流す
func (l *Loop) executeBatch(ctx context.Context, calls []ToolCall, results []ToolResult, sink stream.Sink) error {
	for _, call := range calls {
		if err := sink.Emit(stream.Call(call.Name, call.Arguments)); err != nil {
			return err
		}
	}

	outputs := make([]ToolOutput, len(calls))
	var g errgroup.Group
	for idx, call := range calls {
		g.Go(func() error {
			results[idx], outputs[idx] = l.dispatch(ctx, call, discardRelay)
			return nil
		})
	}
	_ = g.Wait()

	for idx := range calls {
		if err := emitResult(sink, results[idx], outputs[idx]); err != nil {
			return err
		}
	}
	return nil
}

// dispatch は検証してからツールを実行する
// 失敗は ok=false の結果に変換し、ラウンドは中断しない
func (l *Loop) dispatch(ctx context.Context, call ToolCall, relay Relay) (ToolResult, ToolOutput) {
	tool, ok := l.registry.Lookup(call.Name)
	if !ok {
		l.logger.Warn("model requested unknown tool", "tool", call.Name)
		ToolCallsTotal.WithLabelValues("unknown", "failed").Inc()
		return ToolResult{Name: call.Name, Result: fmt.Sprintf("Unknown tool: %s", call.Name)}, ToolOutput{}
	}

	if err := l.registry.Validate(call); err != nil {
		l.logger.Warn("tool arguments rejected", "tool", call.Name, "error", err)
		ToolCallsTotal.WithLabelValues(call.Name, "failed").Inc()
		return ToolResult{Name: call.Name, Result: fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err)}, ToolOutput{}
	}

	output, err := tool.Execute(ctx, call.Arguments, relay)
	if err != nil {
		l.logger.Error("tool execution failed", "tool", call.Name, "error", err)
		ToolCallsTotal.WithLabelValues(call.Name, "failed").Inc()
		return ToolResult{Name: call.Name, Result: fmt.Sprintf("Tool execution failed: %v", err)}, ToolOutput{}
	}

	ToolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	return ToolResult{Name: call.Name, Result: output.Text, OK: true}, output
}

func emitResult(sink stream.Sink, result ToolResult, output ToolOutput) error {
	if err := sink.Emit(stream.Result(result.Name, result.Result)); err != nil {
		return err
	}
	if len(output.Sources) > 0 {
		if err := sink.Emit(stream.Sources(output.Sources)); err != nil {
			return err
		}
	}
	if len(output.Images) > 0 {
		if err := sink.Emit(stream.Images(output.Images)); err != nil {
			return err
		}
	}
	return nil
}

func discardRelay(stream.Event) error {
	return nil
}
