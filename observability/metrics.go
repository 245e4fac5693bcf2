package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// BountyMetrics tracks escrow ledger activity. It satisfies the engine's
// Observer interface.
type BountyMetrics struct {
	operations *prometheus.CounterVec
	funded     prometheus.Counter
	claimed    prometheus.Counter
	locked     prometheus.Gauge
	contribs   prometheus.Histogram
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	bountyMetricsOnce sync.Once
	bountyRegistry    *BountyMetrics
)

// HTTP returns the lazily-initialised request metrics registry used by the
// escrow daemon router.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "algobounty",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "algobounty",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "algobounty",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// Bounty returns the ledger metrics registry.
func Bounty() *BountyMetrics {
	bountyMetricsOnce.Do(func() {
		bountyRegistry = &BountyMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "algobounty",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			funded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "algobounty",
				Subsystem: "ledger",
				Name:      "funded_units_total",
				Help:      "Micro-units credited to bounties.",
			}),
			claimed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "algobounty",
				Subsystem: "ledger",
				Name:      "claimed_units_total",
				Help:      "Micro-units released to claimers.",
			}),
			locked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "algobounty",
				Subsystem: "ledger",
				Name:      "locked_units",
				Help:      "Funded but unclaimed micro-units held across all bounties.",
			}),
			contribs: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "algobounty",
				Subsystem: "ledger",
				Name:      "contribution_units",
				Help:      "Distribution of individual funding contributions.",
				Buckets:   prometheus.ExponentialBuckets(1_000, 10, 8),
			}),
		}
		prometheus.MustRegister(
			bountyRegistry.operations,
			bountyRegistry.funded,
			bountyRegistry.claimed,
			bountyRegistry.locked,
			bountyRegistry.contribs,
		)
	})
	return bountyRegistry
}

// ObserveOperation counts op under its outcome. Classified ledger rejections
// and infrastructure failures both count as "error".
func (m *BountyMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(strings.TrimSpace(op), outcome).Inc()
}

func (m *BountyMetrics) ObserveFunded(amount uint64) {
	if m == nil {
		return
	}
	m.funded.Add(float64(amount))
	m.contribs.Observe(float64(amount))
}

func (m *BountyMetrics) ObserveClaimed(amount uint64) {
	if m == nil {
		return
	}
	m.claimed.Add(float64(amount))
}

// SetLocked publishes the current locked total.
func (m *BountyMetrics) SetLocked(total uint64) {
	if m == nil {
		return
	}
	m.locked.Set(float64(total))
}
