package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoanMetrics captures loan engine activity as seen by the service layer.
type LoanMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations prometheus.Counter
	deficiencies prometheus.Counter
	throttles    *prometheus.CounterVec
	openLoans    prometheus.Gauge
}

var (
	loanMetricsOnce sync.Once
	loanRegistry    *LoanMetrics
)

// Loans returns the lazily-initialised loan metrics registry.
func Loans() *LoanMetrics {
	loanMetricsOnce.Do(func() {
		loanRegistry = &LoanMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "loan",
				Name:      "operations_total",
				Help:      "Loan operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "margin",
				Subsystem: "loan",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for loan operations including external calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "loan",
				Name:      "liquidations_total",
				Help:      "Count of loans liquidated after a maintenance margin breach.",
			}),
			deficiencies: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "loan",
				Name:      "deficiency_total",
				Help:      "Count of expiry close-outs that left unrecovered loan value.",
			}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"reason"}),
			openLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "margin",
				Subsystem: "loan",
				Name:      "open",
				Help:      "Number of loans known to the service.",
			}),
		}
		prometheus.MustRegister(
			loanRegistry.operations,
			loanRegistry.latency,
			loanRegistry.liquidations,
			loanRegistry.deficiencies,
			loanRegistry.throttles,
			loanRegistry.openLoans,
		)
	})
	return loanRegistry
}

// Observe records the outcome of a loan operation. outcome should be a stable
// string such as "success", "rejected" or "deficiency".
func (m *LoanMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "success"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *LoanMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// SetOpenLoans publishes the number of loans tracked by the service.
func (m *LoanMetrics) SetOpenLoans(n int) {
	if m == nil {
		return
	}
	m.openLoans.Set(float64(n))
}
