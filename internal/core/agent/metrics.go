package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoopRounds は1回の実行で消費したラウンド数
	// Labels: depth (0: トップレベル, 1: サブエージェント)
	LoopRounds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docrag",
			Subsystem: "agent",
			Name:      "rounds",
			Help:      "Number of model rounds per agent run",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"depth"},
	)

	// ToolCallsTotal はツール呼び出し回数
	// Labels: tool, status (ok, failed)
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrag",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls dispatched by the agent loop",
		},
		[]string{"tool", "status"},
	)

	// ForcedAnswersTotal はラウンド上限に達して回答を強制した回数
	ForcedAnswersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docrag",
			Subsystem: "agent",
			Name:      "forced_answers_total",
			Help:      "Total number of runs that hit the round limit",
		},
	)
)
