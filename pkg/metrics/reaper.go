package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReaperRun summarizes one reservation reaper pass.
type ReaperRun struct {
	Candidates     int
	Processed      int
	UnitsReleased  int
	CancelFailures int
	Skipped        int
	Failed         int
}

// ReaperMetrics accumulates reaper run counters.
type ReaperMetrics struct {
	candidates     prometheus.Counter
	processed      prometheus.Counter
	unitsReleased  prometheus.Counter
	cancelFailures prometheus.Counter
	skipped        prometheus.Counter
	failed         prometheus.Counter
}

func NewReaperMetrics(reg prometheus.Registerer) *ReaperMetrics {
	if reg == nil {
		return &ReaperMetrics{}
	}
	m := &ReaperMetrics{
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_candidates_total",
			Help: "Expired WAITING reservations found by the reaper.",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_processed_total",
			Help: "Reservations transitioned to EXPIRED by the reaper.",
		}),
		unitsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_units_released_total",
			Help: "Inventory units returned to stock by the reaper.",
		}),
		cancelFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_cancel_failures_total",
			Help: "Upstream charge cancellations that failed during reaping.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_skipped_total",
			Help: "Candidates that were no longer WAITING when the reaper reached them.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_failed_total",
			Help: "Candidates whose expiry transaction failed.",
		}),
	}
	reg.MustRegister(m.candidates, m.processed, m.unitsReleased, m.cancelFailures, m.skipped, m.failed)
	return m
}

// ObserveRun adds the counters of a finished pass.
func (m *ReaperMetrics) ObserveRun(run ReaperRun) {
	if m == nil || m.candidates == nil {
		return
	}
	m.candidates.Add(float64(run.Candidates))
	m.processed.Add(float64(run.Processed))
	m.unitsReleased.Add(float64(run.UnitsReleased))
	m.cancelFailures.Add(float64(run.CancelFailures))
	m.skipped.Add(float64(run.Skipped))
	m.failed.Add(float64(run.Failed))
}
