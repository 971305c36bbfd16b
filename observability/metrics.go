package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AuthorizationMetrics records authorization activity for the quoting and
// order-validation surfaces.
type AuthorizationMetrics struct {
	decisions   *prometheus.CounterVec
	evaluations *prometheus.HistogramVec
	feedErrors  *prometheus.CounterVec
}

var (
	authMetricsOnce sync.Once
	authRegistry    *AuthorizationMetrics
)

// AuthMetrics returns the lazily-initialised metrics registry used to record
// authorization outcomes.
func AuthMetrics() *AuthorizationMetrics {
	authMetricsOnce.Do(func() {
		authRegistry = &AuthorizationMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "priceguard",
				Subsystem: "authorize",
				Name:      "decisions_total",
				Help:      "Order authorization decisions segmented by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			evaluations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "priceguard",
				Subsystem: "authorize",
				Name:      "evaluation_duration_seconds",
				Help:      "Latency distribution for price chain evaluations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
			feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "priceguard",
				Subsystem: "feeds",
				Name:      "errors_total",
				Help:      "Feed failures segmented by failure class.",
			}, []string{"class"}),
		}
		prometheus.MustRegister(
			authRegistry.decisions,
			authRegistry.evaluations,
			authRegistry.feedErrors,
		)
	})
	return authRegistry
}

// ObserveDecision records one decision outcome together with its latency.
func (m *AuthorizationMetrics) ObserveDecision(endpoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(endpoint, outcome).Inc()
	m.evaluations.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveFeedError records one feed failure by class (unavailable, stale).
func (m *AuthorizationMetrics) ObserveFeedError(class string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(class).Inc()
}
