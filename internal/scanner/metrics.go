package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricPreviewClients is the metric name for classified preview requests.
const MetricPreviewClients = "preview_clients_total"

// Metrics counts preview requests by client class. A nil *Metrics is a no-op.
type Metrics struct {
	clients *prometheus.CounterVec
}

// NewMetrics creates unregistered scanner metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		clients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPreviewClients,
			Help: "Total number of preview requests by classified client",
		}, []string{"class"}),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.clients)
}

// Observe counts v.
func (m *Metrics) Observe(v Verdict) {
	if m != nil {
		m.clients.WithLabelValues(string(v.Class)).Inc()
	}
}
