package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// newMetrics registers the gateway collectors on reg.
// A nil registerer yields working but unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by operation and error class",
		}, []string{"op", "class"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedsync",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *metrics) observe(op string, started time.Time, err error) {
	m.requests.WithLabelValues(op, Class(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
