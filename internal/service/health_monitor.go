package service

import (
	"context"
	"fmt"
	"time"

	"polytun/internal/bridge"
	"polytun/internal/core"
)

// HealthMonitor periodically checks backend liveness and bridge state for
// one session. A failed check fails the session through the onFailure
// callback. Byte-counter staleness is tracked separately and only ever
// logged; it never forces a teardown on its own.
//
// The monitor holds its own references to the legs it watches, captured
// when they came up. A reconnection swaps the session's legs underneath a
// check that is already in flight; reading them off the session here
// would race with that swap.
type HealthMonitor struct {
	interval    time.Duration
	graceChecks int
	staleChecks int

	backends  []Backend
	bridge    PacketBridge
	wake      WakeLock
	onFailure func(reason string)

	ctx    context.Context
	cancel context.CancelFunc

	lastStats  bridge.Stats
	haveStats  bool
	staleCount int
}

func newHealthMonitor(cfg core.HealthConfig, backends []Backend, br PacketBridge, wake WakeLock, onFailure func(string)) *HealthMonitor {
	grace := cfg.GraceChecks
	if grace <= 0 {
		grace = 2
	}
	stale := cfg.StaleChecks
	if stale <= 0 {
		stale = 3
	}
	return &HealthMonitor{
		interval:    core.Duration(cfg.Interval, 5*time.Second),
		graceChecks: grace,
		staleChecks: stale,
		backends:    backends,
		bridge:      br,
		wake:        wake,
		onFailure:   onFailure,
	}
}

// Start begins the periodic check loop.
func (hm *HealthMonitor) Start() {
	hm.ctx, hm.cancel = context.WithCancel(context.Background())
	go hm.loop()
	core.Log.Infof("Health", "Monitor started (interval=%s, grace=%d, stale=%d)",
		hm.interval, hm.graceChecks, hm.staleChecks)
}

// Stop cancels the loop. It does not wait for an in-flight check, because
// the failure callback takes the orchestrator lock that Stop's callers
// already hold; the callback path drops verdicts from a monitor that is no
// longer the installed one instead.
func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
}

func (hm *HealthMonitor) loop() {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			tick++
			if tick <= hm.graceChecks {
				continue
			}
			if reason, ok := hm.check(); !ok {
				metricHealthFailures.Inc()
				hm.onFailure(reason)
				return
			}
		}
	}
}

// check runs one round. Returns ok=false with a reason when the session
// must be failed.
func (hm *HealthMonitor) check() (string, bool) {
	if err := hm.wake.Renew(wakeBound); err != nil {
		core.Log.Debugf("Health", "Wake renew: %v", err)
	}

	for _, b := range hm.backends {
		if !probeHealthy(b) {
			return fmt.Sprintf("%s unhealthy", b.Name()), false
		}
	}

	br := hm.bridge
	if br == nil || !br.IsRunning() {
		return "bridge not running", false
	}

	hm.checkStaleness(br)
	return "", true
}

// checkStaleness compares the cumulative counters against the previous
// round. Advisory only.
func (hm *HealthMonitor) checkStaleness(br PacketBridge) {
	stats, ok := br.Snapshot()
	if !ok {
		return
	}
	if hm.haveStats && stats == hm.lastStats {
		hm.staleCount++
		if hm.staleCount >= hm.staleChecks {
			core.Log.Warnf("Health", "No traffic for %d checks (rx=%d, tx=%d)",
				hm.staleCount, stats.RxBytes, stats.TxBytes)
			hm.staleCount = 0
		}
	} else {
		hm.staleCount = 0
	}
	hm.lastStats = stats
	hm.haveStats = true
}

// probeHealthy shields the monitor loop from a misbehaving backend: a
// panic inside IsHealthy counts as unhealthy.
func probeHealthy(b Backend) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			core.Log.Warnf("Health", "%s health probe panicked: %v", b.Name(), r)
			healthy = false
		}
	}()
	return b.IsHealthy()
}
