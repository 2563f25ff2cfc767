package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearing_reporting_build_info",
			Help: "Build information of the clearing reporting service",
		},
		[]string{"version", "commit", "date"},
	)

	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_reporting_sync_total",
			Help: "Total number of sync runs",
		},
		[]string{"sync_type", "status"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clearing_reporting_sync_duration_seconds",
			Help:    "Duration of sync runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"sync_type"},
	)

	SyncedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_reporting_synced_rows_total",
			Help: "Total number of rows copied into the analytics store",
		},
		[]string{"table"},
	)

	GraphMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearing_reporting_graph_merges_total",
			Help: "Total number of payment edges merged into the flow graph",
		},
	)
)
