//go:build linux

package service

import (
	"time"

	"polytun/internal/backend"
	"polytun/internal/bridge"
	"polytun/internal/core"
	"polytun/internal/netmon"
	"polytun/internal/platform"
	"polytun/internal/store"
	"polytun/internal/tun"
)

// DefaultDeps wires the orchestrator to the real backends, interface,
// bridge, and watcher.
func DefaultDeps(cfg core.Config, st *store.Store) Deps {
	var wake WakeLock
	if wl, err := platform.NewDBusWakeLock(); err == nil {
		wake = wl
	} else {
		core.Log.Warnf("Orchestrator", "Wake lock unavailable: %v", err)
		wake = platform.NoopWakeLock{}
	}

	return Deps{
		Profiles: st,
		States:   st,
		Hub:      core.NewStateHub(),
		Wake:     wake,

		NewQuic:   func(p *core.TunnelProfile) Backend { return backend.NewQuicTunnel(p) },
		NewDnsTun: func(p *core.TunnelProfile) Backend { return backend.NewDnsTunnel(p) },
		NewDoh:    func(p *core.TunnelProfile) Backend { return backend.NewDohTunnel(p) },
		NewSshLeg: func(p *core.TunnelProfile, viaPort uint16) Backend {
			return backend.NewSshLeg(p, viaPort)
		},

		EstablishTun: func(c tun.Config) (TunDevice, error) {
			return tun.Establish(c)
		},
		NewBridge: func(c bridge.Config) PacketBridge { return bridge.New(c) },
		NewWatcher: func(debounce time.Duration, onChange func()) NetWatcher {
			return netmon.New(debounce, onChange)
		},

		Budgets: DefaultBudgets(),
		Health:  cfg.Health,
		Network: cfg.Network,
	}
}
