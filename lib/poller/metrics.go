package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeCommitted   = "committed"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
	OutcomeQueryFailed = "query_failed"
)

// Metrics holds the poller collectors. A nil *Metrics records nothing.
type Metrics struct {
	attempts prometheus.Counter
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the poller collectors in reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dapp",
			Subsystem: "poller",
			Name:      "attempts_total",
			Help:      "Committed details queries sent while waiting for commitment.",
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dapp",
			Subsystem: "poller",
			Name:      "outcomes_total",
			Help:      "Finished waits by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dapp",
			Subsystem: "poller",
			Name:      "wait_seconds",
			Help:      "Time from the first query to the outcome of a wait.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
}

func (m *Metrics) attempt() {
	if m == nil {
		return
	}

	m.attempts.Inc()
}

func (m *Metrics) done(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.outcomes.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}
