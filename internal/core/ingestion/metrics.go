package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestDocumentsTotal は取り込みを終えたドキュメント数（status 別）
	IngestDocumentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docrag",
		Subsystem: "ingestion",
		Name:      "documents_total",
		Help:      "Documents processed by the ingestion pipeline, by final status.",
	}, []string{"status"})

	// IngestChunksTotal は保存したチャンク数
	IngestChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docrag",
		Subsystem: "ingestion",
		Name:      "chunks_total",
		Help:      "Chunks stored by the ingestion pipeline.",
	})
)
