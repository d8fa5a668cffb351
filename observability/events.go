package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"marginloan/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured loan events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of loan events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Emit implements events.Emitter so the registry can sit in an emitter fanout.
// Liquidation and deficiency events also feed the loan counters.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	kind := strings.TrimSpace(evt.EventType())
	if kind == "" {
		kind = "unknown"
	}
	m.emitted.WithLabelValues(kind).Inc()
	switch kind {
	case events.TypeLoanLiquidated:
		Loans().liquidations.Inc()
	case events.TypeLoanDeficiency:
		Loans().deficiencies.Inc()
	}
}
