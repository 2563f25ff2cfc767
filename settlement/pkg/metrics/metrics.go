package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearing_settlement_build_info",
			Help: "Build information of the settlement service",
		},
		[]string{"version", "commit", "date"},
	)

	ReceiptsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_settlement_receipts_recorded_total",
			Help: "Total number of receipt ingest attempts",
		},
		[]string{"status"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_settlement_claims_total",
			Help: "Total number of claim attempts",
		},
		[]string{"kind", "status"},
	)

	ClaimedAmountTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearing_settlement_claimed_amount_total",
			Help: "Total amount paid out through claims, in base units",
		},
	)

	EpochTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_settlement_epoch_transitions_total",
			Help: "Total number of epoch finalize and advance operations",
		},
		[]string{"operation", "status"},
	)

	CurrentEpochID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clearing_settlement_current_epoch_id",
			Help: "Identifier of the current epoch",
		},
	)

	AttestationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_settlement_attestation_transitions_total",
			Help: "Total number of attestation state transitions",
		},
		[]string{"transition", "status"},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearing_settlement_events_dropped_total",
			Help: "Total number of notification events dropped from a full buffer",
		},
	)

	SettlementRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clearing_settlement_run_duration_seconds",
			Help:    "Duration of scheduled settlement runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s (~6.8 minutes)
		},
		[]string{"status"},
	)
)
