package mutations

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	outcomes *prometheus.CounterVec
}

// newMetrics registers the engine collectors on reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_mutations_total",
			Help: "Resolved mutation intents by class and status.",
		}, []string{"class", "status"}),
	}
}

func (m *metrics) resolved(class string, status Status) {
	m.outcomes.WithLabelValues(class, status.String()).Inc()
}
