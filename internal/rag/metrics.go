package rag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsIngested counts uploaded files by result (success, error).
	DocumentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docqa",
			Name:      "documents_ingested_total",
			Help:      "Total number of uploaded documents processed",
		},
		[]string{"result"},
	)

	// ChunksIndexed counts chunks written to the index.
	ChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docqa",
			Name:      "chunks_indexed_total",
			Help:      "Total number of chunks written to the index",
		},
	)

	// QueriesTotal counts queries by outcome: "answered" or an error kind.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docqa",
			Name:      "queries_total",
			Help:      "Total number of queries by outcome",
		},
		[]string{"outcome"},
	)

	// QueryDuration tracks end-to-end query latency.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docqa",
			Name:      "query_duration_seconds",
			Help:      "Duration of queries in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)
