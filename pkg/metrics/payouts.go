package metrics

import "github.com/prometheus/client_golang/prometheus"

// PayoutMetrics counts payout trigger outcomes and settled amounts.
type PayoutMetrics struct {
	outcomes  *prometheus.CounterVec
	sentCents *prometheus.CounterVec
}

func NewPayoutMetrics(reg prometheus.Registerer) *PayoutMetrics {
	if reg == nil {
		return &PayoutMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_outcomes_total",
		Help: "Payout trigger results by payment method and outcome.",
	}, []string{"method", "outcome"})
	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_sent_cents_total",
		Help: "Net amount transferred to sellers, in cents.",
	}, []string{"method"})
	reg.MustRegister(outcomes, sent)
	return &PayoutMetrics{outcomes: outcomes, sentCents: sent}
}

func (m *PayoutMetrics) IncOutcome(method, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(method), normalizeLabel(outcome)).Inc()
}

func (m *PayoutMetrics) AddSent(method string, cents int64) {
	if m == nil || m.sentCents == nil || cents <= 0 {
		return
	}
	m.sentCents.WithLabelValues(normalizeLabel(method)).Add(float64(cents))
}
