package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearing_api_build_info",
			Help: "Build information of the clearing API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clearing_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clearing_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Settlement metrics
	ReceiptsRecordedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearing_api_receipts_recorded_total",
			Help: "Total number of payment receipts recorded",
		},
	)

	ReceiptVolumeTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearing_api_receipt_volume_total",
			Help: "Total gross payment volume recorded, in base token units",
		},
	)

	ClaimsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_api_claims_settled_total",
			Help: "Total number of claims settled",
		},
		[]string{"mode"}, // "single", "batch"
	)

	ClaimedAmountTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearing_api_claimed_amount_total",
			Help: "Total reward amount claimed, in base token units",
		},
	)

	EpochsFinalizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clearing_api_epochs_finalized_total",
			Help: "Total number of epochs finalized",
		},
	)

	// Attestation metrics
	AttestationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearing_api_attestation_events_total",
			Help: "Total number of attestation state transitions",
		},
		[]string{"event"}, // "submitted", "challenged", "arbitrated", "validated", "withdrawn"
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordReceipt records a successfully ingested receipt.
func RecordReceipt(amount uint64) {
	ReceiptsRecordedTotal.Inc()
	ReceiptVolumeTotal.Add(float64(amount))
}

// RecordClaim records a settled claim.
func RecordClaim(mode string, amount uint64) {
	ClaimsSettledTotal.WithLabelValues(mode).Inc()
	ClaimedAmountTotal.Add(float64(amount))
}

// RecordAttestationEvent records an attestation state transition.
func RecordAttestationEvent(event string) {
	AttestationEventsTotal.WithLabelValues(event).Inc()
}
