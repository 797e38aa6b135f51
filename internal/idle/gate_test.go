package idle

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/bookshop-backend/pkg/config"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
	"github.com/angelmondragon/bookshop-backend/pkg/metrics"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGate(t *testing.T, cfg config.IdleConfig) (*Gate, *clock, *bytes.Buffer, *prometheus.Registry) {
	t.Helper()
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	logg := logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("info"), Output: &buf})
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGate(cfg, metrics.NewIdleMetrics(reg), logg)
	g.now = clk.Now
	g.lastActivity.Store(clk.Now().UnixNano())
	return g, clk, &buf, reg
}

func enabledConfig() config.IdleConfig {
	return config.IdleConfig{Enabled: true, Timeout: 15 * time.Minute, WakeOnRequest: true}
}

func TestSweepSuspendsAfterTimeout(t *testing.T) {
	g, clk, _, _ := newTestGate(t, enabledConfig())
	ctx := context.Background()

	clk.Advance(14 * time.Minute)
	if g.Sweep(ctx) {
		t.Fatal("expected gate to stay active before timeout")
	}
	clk.Advance(time.Minute)
	if !g.Sweep(ctx) {
		t.Fatal("expected gate to go idle at timeout")
	}
	if !g.IsIdle() {
		t.Fatal("expected idle state")
	}
	if g.Sweep(ctx) {
		t.Fatal("second sweep must not transition again")
	}
}

func TestTouchDefersSweep(t *testing.T) {
	g, clk, _, _ := newTestGate(t, enabledConfig())
	ctx := context.Background()

	clk.Advance(10 * time.Minute)
	if g.Touch(ctx) {
		t.Fatal("touch on an active gate must not report a wake")
	}
	clk.Advance(10 * time.Minute)
	if g.Sweep(ctx) {
		t.Fatal("activity within the timeout must keep the gate active")
	}
	if !g.LastActivity().Equal(time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)) {
		t.Fatalf("unexpected last activity %s", g.LastActivity())
	}
}

func TestTouchWakesIdleGate(t *testing.T) {
	cfg := enabledConfig()
	cfg.StartIdle = true
	g, _, buf, reg := newTestGate(t, cfg)

	if !g.IsIdle() {
		t.Fatal("expected gate to start idle")
	}
	if !g.Touch(context.Background()) {
		t.Fatal("expected first request to wake the gate")
	}
	if g.IsIdle() {
		t.Fatal("expected active state after wake")
	}
	if !strings.Contains(buf.String(), "idle gate woke on inbound request") {
		t.Fatalf("expected wake log, got %s", buf.String())
	}
	if got := activeTransitions(t, reg); got != 1 {
		t.Fatalf("expected one active transition, got %v", got)
	}
}

func TestTouchWithoutWakeOnRequestKeepsIdle(t *testing.T) {
	cfg := enabledConfig()
	cfg.StartIdle = true
	cfg.WakeOnRequest = false
	g, clk, _, _ := newTestGate(t, cfg)

	clk.Advance(time.Minute)
	if g.Touch(context.Background()) {
		t.Fatal("gate must not wake when wake-on-request is off")
	}
	if !g.IsIdle() {
		t.Fatal("expected gate to stay idle")
	}
	if !g.LastActivity().Equal(clk.Now()) {
		t.Fatal("touch must still record activity")
	}
}

func TestDisabledGateNeverSleeps(t *testing.T) {
	g, clk, _, _ := newTestGate(t, config.IdleConfig{Timeout: time.Minute, WakeOnRequest: true})
	clk.Advance(time.Hour)
	if g.Sweep(context.Background()) || g.IsIdle() {
		t.Fatal("disabled gate must never go idle")
	}
}

func TestConcurrentWakeLogsOnce(t *testing.T) {
	cfg := enabledConfig()
	cfg.StartIdle = true
	g, _, buf, reg := newTestGate(t, cfg)

	var (
		wg    sync.WaitGroup
		woken atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.Touch(context.Background()) {
				woken.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if woken.Load() != 1 {
		t.Fatalf("expected exactly one request to wake the gate, got %d", woken.Load())
	}
	if n := strings.Count(buf.String(), "idle gate woke on inbound request"); n != 1 {
		t.Fatalf("expected one wake log line, got %d", n)
	}
	if got := activeTransitions(t, reg); got != 1 {
		t.Fatalf("expected one active transition, got %v", got)
	}
}

func TestConcurrentSweepTransitionsOnce(t *testing.T) {
	g, clk, buf, _ := newTestGate(t, enabledConfig())
	clk.Advance(time.Hour)

	var (
		wg    sync.WaitGroup
		slept atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Sweep(context.Background()) {
				slept.Add(1)
			}
		}()
	}
	wg.Wait()

	if slept.Load() != 1 {
		t.Fatalf("expected one sweep to win, got %d", slept.Load())
	}
	if n := strings.Count(buf.String(), "idle gate suspended scheduled work"); n != 1 {
		t.Fatalf("expected one suspend log line, got %d", n)
	}
}

func TestSweepYieldsToTouchDuringTransition(t *testing.T) {
	g, clk, buf, _ := newTestGate(t, enabledConfig())
	ctx := context.Background()
	clk.Advance(time.Hour)

	touched := false
	g.now = func() time.Time {
		if !touched {
			touched = true
			clk.Advance(time.Second)
			if g.Touch(ctx) {
				t.Fatal("touch on an active gate must not report a wake")
			}
		}
		return clk.Now()
	}

	if g.Sweep(ctx) {
		t.Fatal("sweep must not suspend after a concurrent request")
	}
	if g.IsIdle() {
		t.Fatal("expected gate to stay active")
	}
	if strings.Contains(buf.String(), "idle gate suspended scheduled work") {
		t.Fatalf("unexpected suspend log: %s", buf.String())
	}
}

func activeTransitions(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "idle_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "to" && l.GetValue() == "active" {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
