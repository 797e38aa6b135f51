// Package idle suspends scheduled background work after a period without
// inbound requests and resumes it on the next request.
package idle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/bookshop-backend/pkg/config"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
	"github.com/angelmondragon/bookshop-backend/pkg/metrics"
)

// Gate is the process-wide ACTIVE/IDLE switch. Transitions use compare-and-swap
// so concurrent callers observe and log each transition exactly once.
type Gate struct {
	enabled       bool
	timeout       time.Duration
	wakeOnRequest bool

	idle         atomic.Bool
	lastActivity atomic.Int64

	metrics *metrics.IdleMetrics
	logg    *logger.Logger
	now     func() time.Time
}

// NewGate builds a gate from configuration. A disabled gate never goes idle
// unless configured to start idle, in which case the first request wakes it.
func NewGate(cfg config.IdleConfig, m *metrics.IdleMetrics, logg *logger.Logger) *Gate {
	g := &Gate{
		enabled:       cfg.Enabled,
		timeout:       cfg.Timeout,
		wakeOnRequest: cfg.WakeOnRequest,
		metrics:       m,
		logg:          logg,
		now:           time.Now,
	}
	g.idle.Store(cfg.StartIdle)
	g.lastActivity.Store(g.now().UnixNano())
	m.SetIdle(cfg.StartIdle)
	return g
}

// IsIdle reports whether scheduled work is currently suspended.
func (g *Gate) IsIdle() bool {
	return g.idle.Load()
}

// LastActivity returns the time of the most recent Touch.
func (g *Gate) LastActivity() time.Time {
	return time.Unix(0, g.lastActivity.Load()).UTC()
}

// Touch records inbound activity and reports whether this call woke the gate.
func (g *Gate) Touch(ctx context.Context) bool {
	g.lastActivity.Store(g.now().UnixNano())
	if !g.wakeOnRequest || !g.idle.Load() {
		return false
	}
	if !g.idle.CompareAndSwap(true, false) {
		return false
	}
	g.metrics.Transition(false)
	if g.logg != nil {
		g.logg.Info(ctx, "idle gate woke on inbound request")
	}
	return true
}

// Sweep puts the gate to sleep once no activity was seen for the timeout and
// reports whether this call made the transition.
func (g *Gate) Sweep(ctx context.Context) bool {
	if !g.enabled || g.timeout <= 0 || g.idle.Load() {
		return false
	}
	last := g.lastActivity.Load()
	quiet := g.now().Sub(time.Unix(0, last))
	if quiet < g.timeout {
		return false
	}
	if !g.idle.CompareAndSwap(false, true) {
		return false
	}
	if g.lastActivity.Load() != last {
		// A Touch landed between the read and the swap and may have seen the
		// gate still active. Undo unless that Touch already woke it.
		g.idle.CompareAndSwap(true, false)
		return false
	}
	g.metrics.Transition(true)
	if g.logg != nil {
		g.logg.Info(g.logg.WithField(ctx, "quiet_for", quiet.Round(time.Second).String()), "idle gate suspended scheduled work")
	}
	return true
}
