package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AnalyzeRequestsTotal counts analysis submissions by terminal outcome.
	AnalyzeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitai",
		Name:      "analyze_requests_total",
		Help:      "Total meal analysis requests by outcome.",
	}, []string{"outcome"})

	// AnalyzeDuration tracks end-to-end analysis latency.
	AnalyzeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fitai",
		Name:      "analyze_duration_seconds",
		Help:      "Meal analysis duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 45, 90},
	})

	// AIRequestsTotal counts AI provider calls by result stage.
	AIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitai",
		Name:      "ai_requests_total",
		Help:      "Total AI provider calls by stage (ok, request, timeout, parse, schema).",
	}, []string{"stage"})

	// WebhookRequestsTotal counts payment webhooks by provider and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitai",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fitai",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// PaymentRefreshTotal counts client-initiated payment status reads by
	// provider and outcome.
	PaymentRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitai",
		Name:      "payment_refresh_total",
		Help:      "Total payment refresh requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	// QuotaReservationsTotal counts quota reservation attempts by result.
	QuotaReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitai",
		Name:      "quota_reservations_total",
		Help:      "Quota reservations by result (reserved, exceeded, released).",
	}, []string{"result"})
)
