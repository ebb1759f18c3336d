// Package backend implements the tunnel transport backends. Every backend
// satisfies the same lifecycle contract and fronts a local SOCKS5 port that
// the packet bridge (or a stacked SSH leg) connects to; the transport
// behind that port is what varies.
package backend

import (
	"context"

	"polytun/internal/platform"
)

// Backend is the uniform lifecycle contract the orchestrator drives.
// Start returns once the backend is launched; port readiness and handshake
// completion are observed by polling, not by blocking in Start.
type Backend interface {
	// Start launches the backend. The context bounds startup only.
	Start(ctx context.Context) error
	// Stop tears the backend down. Safe to call more than once.
	Stop() error
	// IsRunning reports whether the backend process/goroutines are alive.
	IsRunning() bool
	// IsHealthy reports transport-level liveness. Implementations must
	// treat internal errors as unhealthy rather than panicking.
	IsHealthy() bool
	// Port is the advertised local SOCKS port.
	Port() uint16
	// Name identifies the backend in logs.
	Name() string
}

// HandshakeReporter is implemented by backends whose secure session has a
// distinct negotiation phase. Detected by type assertion.
type HandshakeReporter interface {
	IsHandshakeReady() bool
}

// Protectable is implemented by backends that accept a per-socket exclusion
// callback (Class A). Backends without it rely on the orchestrator's
// blanket process exclusion (Class B).
type Protectable interface {
	SetProtector(p platform.SocketProtector)
}
