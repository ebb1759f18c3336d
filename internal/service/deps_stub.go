//go:build !linux

package service

import (
	"fmt"
	"time"

	"polytun/internal/backend"
	"polytun/internal/bridge"
	"polytun/internal/core"
	"polytun/internal/netmon"
	"polytun/internal/platform"
	"polytun/internal/store"
	"polytun/internal/tun"
)

// DefaultDeps on unsupported platforms wires everything except the
// virtual interface, which cannot be established.
func DefaultDeps(cfg core.Config, st *store.Store) Deps {
	return Deps{
		Profiles: st,
		States:   st,
		Hub:      core.NewStateHub(),
		Wake:     platform.NoopWakeLock{},

		NewQuic:   func(p *core.TunnelProfile) Backend { return backend.NewQuicTunnel(p) },
		NewDnsTun: func(p *core.TunnelProfile) Backend { return backend.NewDnsTunnel(p) },
		NewDoh:    func(p *core.TunnelProfile) Backend { return backend.NewDohTunnel(p) },
		NewSshLeg: func(p *core.TunnelProfile, viaPort uint16) Backend {
			return backend.NewSshLeg(p, viaPort)
		},

		EstablishTun: func(c tun.Config) (TunDevice, error) {
			return nil, fmt.Errorf("virtual interface not supported on this platform")
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
