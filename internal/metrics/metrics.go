package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	OutcomeCompleted     = "completed"
	OutcomeUpstreamError = "upstream_error"
	OutcomeClientGone    = "client_gone"
	OutcomeRejected      = "rejected"
)

// Upstream error kinds.
const (
	UpstreamStatus    = "status"
	UpstreamInband    = "inband"
	UpstreamTransport = "transport"
)

// Chat holds the collectors for the chat streaming route.
type Chat struct {
	turns          *prometheus.CounterVec
	deltas         prometheus.Counter
	streamDuration prometheus.Histogram
	activeStreams  prometheus.Gauge
	upstreamErrors *prometheus.CounterVec
}

// NewChat registers the chat collectors on reg.
func NewChat(reg prometheus.Registerer) *Chat {
	factory := promauto.With(reg)
	return &Chat{
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teiqr",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by outcome",
		}, []string{"outcome"}),
		deltas: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "teiqr",
			Subsystem: "chat",
			Name:      "deltas_total",
			Help:      "Delta frames sent to clients",
		}),
		streamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "teiqr",
			Subsystem: "chat",
			Name:      "stream_duration_seconds",
			Help:      "Time from opening the upstream stream to its end",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "teiqr",
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Chat streams currently open",
		}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teiqr",
			Subsystem: "chat",
			Name:      "upstream_errors_total",
			Help:      "Upstream provider failures by kind",
		}, []string{"kind"}),
	}
}

// NewNop returns collectors that are not registered anywhere.
func NewNop() *Chat {
	return NewChat(prometheus.NewRegistry())
}

// StreamStarted marks a stream as open and returns the func that closes it.
func (c *Chat) StreamStarted() func() {
	start := time.Now()
	c.activeStreams.Inc()
	return func() {
		c.activeStreams.Dec()
		c.streamDuration.Observe(time.Since(start).Seconds())
	}
}

func (c *Chat) Turn(outcome string) { c.turns.WithLabelValues(outcome).Inc() }

func (c *Chat) Delta() { c.deltas.Inc() }

func (c *Chat) UpstreamError(kind string) { c.upstreamErrors.WithLabelValues(kind).Inc() }
