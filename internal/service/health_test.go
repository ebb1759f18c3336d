package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"polytun/internal/core"
	"polytun/internal/platform"
)

type failureRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *failureRecorder) record(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *failureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func (r *failureRecorder) first() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reasons) == 0 {
		return ""
	}
	return r.reasons[0]
}

func monitorFor(cfg core.HealthConfig, b *fakeBackend, br *fakeBridge, onFailure func(string)) *HealthMonitor {
	return newHealthMonitor(cfg, []Backend{b}, br, platform.NoopWakeLock{}, onFailure)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestHealthMonitorFailsOnUnhealthyBackend(t *testing.T) {
	log := &eventLog{}
	b := &fakeBackend{name: "b", log: log}
	b.running.Store(true)
	b.healthy.Store(true)
	br := &fakeBridge{log: log}
	br.running.Store(true)

	rec := &failureRecorder{}
	hm := monitorFor(core.HealthConfig{Interval: "5ms", GraceChecks: 1}, b, br, rec.record)
	hm.Start()
	defer hm.Stop()

	// Survive a few healthy rounds first.
	time.Sleep(25 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("healthy session failed: %v", rec.first())
	}

	b.healthy.Store(false)
	waitFor(t, 2*time.Second, func() bool { return rec.count() > 0 })
	if got := rec.first(); got != "b unhealthy" {
		t.Fatalf("reason = %q", got)
	}
}

func TestHealthMonitorFailsOnStoppedBridge(t *testing.T) {
	log := &eventLog{}
	b := &fakeBackend{name: "b", log: log}
	b.running.Store(true)
	b.healthy.Store(true)
	br := &fakeBridge{log: log}
	br.running.Store(true)

	rec := &failureRecorder{}
	hm := monitorFor(core.HealthConfig{Interval: "5ms", GraceChecks: 1}, b, br, rec.record)
	hm.Start()
	defer hm.Stop()

	br.running.Store(false)
	waitFor(t, 2*time.Second, func() bool { return rec.count() > 0 })
	if got := rec.first(); got != "bridge not running" {
		t.Fatalf("reason = %q", got)
	}
}

func TestHealthMonitorStalenessIsAdvisoryOnly(t *testing.T) {
	log := &eventLog{}
	b := &fakeBackend{name: "b", log: log}
	b.running.Store(true)
	b.healthy.Store(true)
	br := &fakeBridge{log: log}
	br.running.Store(true)
	// Counters never move: staleness accrues every round.

	rec := &failureRecorder{}
	hm := monitorFor(core.HealthConfig{Interval: "5ms", GraceChecks: 1, StaleChecks: 2}, b, br, rec.record)
	hm.Start()
	defer hm.Stop()

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("staleness forced a teardown: %v", rec.first())
	}
}

func TestHealthMonitorGracePeriod(t *testing.T) {
	log := &eventLog{}
	b := &fakeBackend{name: "b", log: log}
	// Unhealthy from the start, but the grace period must hold off.
	b.running.Store(true)
	b.healthy.Store(false)
	br := &fakeBridge{log: log}
	br.running.Store(true)

	rec := &failureRecorder{}
	hm := monitorFor(core.HealthConfig{Interval: "20ms", GraceChecks: 3}, b, br, rec.record)
	hm.Start()
	defer hm.Stop()

	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("check fired inside the grace period")
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count() > 0 })
}

func TestHealthProbePanicCountsAsUnhealthy(t *testing.T) {
	if probeHealthy(panickyBackend{}) {
		t.Fatal("panicking probe reported healthy")
	}
}

type panickyBackend struct{}

func (panickyBackend) Start(context.Context) error { return nil }

func (panickyBackend) IsHealthy() bool { panic("ipc gone") }
func (panickyBackend) IsRunning() bool { return true }
func (panickyBackend) Stop() error     { return nil }
func (panickyBackend) Port() uint16    { return 0 }
func (panickyBackend) Name() string    { return "panicky" }
