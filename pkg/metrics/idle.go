package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdleMetrics tracks idle gate transitions and the current state.
type IdleMetrics struct {
	transitions *prometheus.CounterVec
	idle        prometheus.Gauge
}

func NewIdleMetrics(reg prometheus.Registerer) *IdleMetrics {
	if reg == nil {
		return &IdleMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idle_transitions_total",
		Help: "Idle gate state changes by target state.",
	}, []string{"to"})
	idle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "idle_state",
		Help: "1 while background work is suspended, 0 while active.",
	})
	reg.MustRegister(transitions, idle)
	return &IdleMetrics{transitions: transitions, idle: idle}
}

// Transition records a state change and updates the gauge.
func (m *IdleMetrics) Transition(toIdle bool) {
	if m == nil || m.transitions == nil {
		return
	}
	if toIdle {
		m.transitions.WithLabelValues("idle").Inc()
		m.idle.Set(1)
		return
	}
	m.transitions.WithLabelValues("active").Inc()
	m.idle.Set(0)
}

// SetIdle sets the gauge without counting a transition.
func (m *IdleMetrics) SetIdle(idle bool) {
	if m == nil || m.idle == nil {
		return
	}
	if idle {
		m.idle.Set(1)
		return
	}
	m.idle.Set(0)
}
