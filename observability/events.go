package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"algobounty/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry counting emitted ledger events. The
// registry is itself an events.Emitter so it can sit in a MultiEmitter.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "algobounty",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	name := strings.TrimSpace(evt.EventType())
	if name == "" {
		name = "unknown"
	}
	m.emitted.WithLabelValues(name).Inc()
}
