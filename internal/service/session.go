package service

import (
	"sync/atomic"

	"polytun/internal/core"
	"polytun/internal/platform"
)

// session is the ephemeral record for one active or attempted connection.
// It exists from the start of connect() until disconnect, connect failure,
// or process teardown. Fields are filled in startup order by runSequence
// so partial failures can roll back exactly what came up.
type session struct {
	profile *core.TunnelProfile
	plan    startPlan

	primary Backend // nil for SshOnly
	ssh     Backend // nil unless the plan has an SSH leg
	dev     TunDevice
	bridge  PacketBridge

	health  *HealthMonitor
	watcher NetWatcher

	// reconnecting drops concurrent network-change triggers while a
	// reconnection replay is already in flight.
	reconnecting atomic.Bool
}

// backends returns the live legs, primary first.
func (s *session) backends() []Backend {
	var out []Backend
	if s.primary != nil {
		out = append(out, s.primary)
	}
	if s.ssh != nil {
		out = append(out, s.ssh)
	}
	return out
}

// stopMonitors halts the health monitor and network watcher.
func (s *session) stopMonitors() {
	if s.health != nil {
		s.health.Stop()
		s.health = nil
	}
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
}

// stopDataPlane stops the bridge and the backends in reverse startup
// order. The interface stays open; reconnect replays on top of it.
func (s *session) stopDataPlane() {
	if s.bridge != nil {
		s.bridge.Stop()
		s.bridge = nil
	}
	if s.ssh != nil {
		s.ssh.Stop()
		s.ssh = nil
	}
	if s.primary != nil {
		s.primary.Stop()
		s.primary = nil
	}
}

// destroy tears the whole session down: monitors, data plane, interface,
// then the process-wide protector.
func (s *session) destroy() {
	s.stopMonitors()
	s.stopDataPlane()
	if s.dev != nil {
		if err := s.dev.Close(); err != nil {
			core.Log.Warnf("Orchestrator", "Interface close: %v", err)
		}
		s.dev = nil
	}
	platform.SetDefaultProtector(nil)
}
