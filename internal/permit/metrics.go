package permit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricPermitsIssued = "permits_issued_total"
	MetricPermitRedeems = "permit_redeems_total"
	MetricPermitsReaped = "permits_reaped_total"
)

// OutcomeRedeemed labels a successful redeem.
const OutcomeRedeemed = "redeemed"

// Metrics counts permit lifecycle events. A nil *Metrics is a no-op.
type Metrics struct {
	issued  prometheus.Counter
	redeems *prometheus.CounterVec
	reaped  prometheus.Counter
}

// NewMetrics creates unregistered permit metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPermitsIssued,
			Help: "Total number of permits issued",
		}),
		redeems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPermitRedeems,
			Help: "Total number of redeem attempts by outcome",
		}, []string{"outcome"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPermitsReaped,
			Help: "Total number of expired permits removed by the reaper",
		}),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.issued, m.redeems, m.reaped}
}

func (m *Metrics) incIssued() {
	if m != nil {
		m.issued.Inc()
	}
}

// observeRedeem records the outcome of a redeem: OutcomeRedeemed or the
// denial reason.
func (m *Metrics) observeRedeem(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeRedeemed
	if err != nil {
		reason, ok := ReasonOf(err)
		if !ok {
			outcome = "error"
		} else {
			outcome = string(reason)
		}
	}
	m.redeems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) addReaped(n int64) {
	if m != nil && n > 0 {
		m.reaped.Add(float64(n))
	}
}
