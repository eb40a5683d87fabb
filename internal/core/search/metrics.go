package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SearchDuration は検索全体の所要時間
	// Labels: mode (vector, keyword, hybrid)
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docrag",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Duration of retrieval requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// SearchTotal は検索回数
	// Labels: mode, result (success, error, empty)
	SearchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docrag",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total number of retrieval requests",
		},
		[]string{"mode", "result"},
	)

	// RerankFallbacks はリランク失敗で融合順にフォールバックした回数
	RerankFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docrag",
			Subsystem: "search",
			Name:      "rerank_fallbacks_total",
			Help:      "Total number of rerank calls that fell back to fused order",
		},
	)
)
