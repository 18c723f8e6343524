package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TheMichaelB/offsync/internal/models"
)

// Metrics exposes outbox state to prometheus.
type Metrics struct {
	items          *prometheus.GaugeVec
	enqueued       prometheus.Counter
	rejected       prometheus.Counter
	attempts       *prometheus.CounterVec
	drains         *prometheus.CounterVec
	replayDuration prometheus.Histogram
}

// NewMetrics registers the outbox collectors with reg. A nil reg uses a
// private registry so several outboxes can coexist in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		items: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "offsync",
			Subsystem: "outbox",
			Name:      "items",
			Help:      "Queue items by status.",
		}, []string{"status"}),
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Mutations accepted into the outbox.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "outbox",
			Name:      "rejected_total",
			Help:      "Mutations rejected because the outbox was full.",
		}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "outbox",
			Name:      "attempts_total",
			Help:      "Replay attempts by outcome.",
		}, []string{"outcome"}),
		drains: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "outbox",
			Name:      "drains_total",
			Help:      "Drain invocations by result.",
		}, []string{"result"}),
		replayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "offsync",
			Subsystem: "outbox",
			Name:      "replay_duration_seconds",
			Help:      "Latency of remote calls made by the drain.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) setCounts(s models.OutboxSummary) {
	m.items.WithLabelValues(models.StatusPending.String()).Set(float64(s.Pending))
	m.items.WithLabelValues(models.StatusProcessing.String()).Set(float64(s.Processing))
	m.items.WithLabelValues(models.StatusFailed.String()).Set(float64(s.Failed))
	m.items.WithLabelValues(models.StatusCompleted.String()).Set(float64(s.Completed))
}
