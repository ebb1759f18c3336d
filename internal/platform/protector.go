// Package platform holds the OS-facing primitives the orchestrator depends
// on: socket protection (keeping backend sockets out of the virtual
// interface's routes) and the suspend-inhibiting wake lock.
package platform

import (
	"sync/atomic"
	"syscall"
)

// SocketProtector is a per-socket exclusion hook, shaped as a
// net.Dialer.Control function. Backends that accept a protector apply it to
// every socket they open so handshake traffic bypasses the tunnel routes.
type SocketProtector func(network, address string, c syscall.RawConn) error

// defaultProtector is the process-wide protector used for blanket
// exclusion: backends without a per-socket callback pick it up through
// DialControl.
var defaultProtector atomic.Pointer[SocketProtector]

// SetDefaultProtector installs (or, with nil, clears) the process-wide
// protector.
func SetDefaultProtector(p SocketProtector) {
	if p == nil {
		defaultProtector.Store(nil)
		return
	}
	defaultProtector.Store(&p)
}

// DialControl returns the currently installed process-wide protector, or
// nil when none is set. Suitable for direct assignment to
// net.Dialer.Control.
func DialControl(network, address string, c syscall.RawConn) error {
	p := defaultProtector.Load()
	if p == nil {
		return nil
	}
	return (*p)(network, address, c)
}
