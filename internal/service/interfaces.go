package service

import (
	"context"
	"time"

	"polytun/internal/backend"
	"polytun/internal/bridge"
	"polytun/internal/core"
	"polytun/internal/store"
	"polytun/internal/tun"
)

// Backend is the lifecycle contract every tunnel backend satisfies. It is
// the same shape the backend package exports; redeclared here so the
// orchestrator (and its tests) depend only on the contract.
type Backend = backend.Backend

// PacketBridge abstracts the packet relay between the virtual interface
// and a local SOCKS endpoint.
type PacketBridge interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	Snapshot() (bridge.Stats, bool)
}

// TunDevice is the established virtual interface as the orchestrator and
// bridge see it.
type TunDevice interface {
	bridge.PacketIO
	Name() string
	Close() error
}

// ProfileStore resolves connection profiles by id.
type ProfileStore interface {
	GetProfile(id string) (*core.TunnelProfile, error)
}

// StateStore persists the tiny resume record.
type StateStore interface {
	LoadLastState() (store.LastState, error)
	SaveLastState(st store.LastState) error
	ClearConnected() error
}

// NetWatcher is the network-change trigger source.
type NetWatcher interface {
	Start(ctx context.Context) error
	Stop()
}

// Budgets bounds the readiness polling loops. Tests inject tiny values;
// production uses DefaultBudgets.
type Budgets struct {
	PollInterval time.Duration // delay between port probes
	DialTimeout  time.Duration // per-probe connect timeout

	PortAttempts      int // general backend port readiness
	SshPortAttempts   int // SSH leg port readiness
	HandshakeAttempts int // best-effort handshake wait
	HandshakeInterval time.Duration

	StrictHandshakeAttempts int // mandatory handshake wait
	StrictHandshakeInterval time.Duration

	SettleDelay     time.Duration // pause after a self-excluded interface comes up
	ReconnectSettle time.Duration // pause before replaying the sequence
}

// DefaultBudgets returns the production polling budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		PollInterval:            100 * time.Millisecond,
		DialTimeout:             250 * time.Millisecond,
		PortAttempts:            20,
		SshPortAttempts:         30,
		HandshakeAttempts:       50,
		HandshakeInterval:       100 * time.Millisecond,
		StrictHandshakeAttempts: 150,
		StrictHandshakeInterval: 200 * time.Millisecond,
		SettleDelay:             300 * time.Millisecond,
		ReconnectSettle:         500 * time.Millisecond,
	}
}

// WakeLock keeps the host from suspending while a session is active.
type WakeLock interface {
	Acquire(d time.Duration) error
	Renew(d time.Duration) error
	Release()
}

// Deps wires the orchestrator's collaborators. Factories exist so tests
// can substitute fakes without touching the sequence logic.
type Deps struct {
	Profiles ProfileStore
	States   StateStore
	Hub      *core.StateHub
	Wake     WakeLock

	NewQuic   func(p *core.TunnelProfile) Backend
	NewDnsTun func(p *core.TunnelProfile) Backend
	NewDoh    func(p *core.TunnelProfile) Backend
	NewSshLeg func(p *core.TunnelProfile, viaPort uint16) Backend

	EstablishTun func(cfg tun.Config) (TunDevice, error)
	NewBridge    func(cfg bridge.Config) PacketBridge
	NewWatcher   func(debounce time.Duration, onChange func()) NetWatcher

	Budgets Budgets
	Health  core.HealthConfig
	Network core.NetworkConfig
}
