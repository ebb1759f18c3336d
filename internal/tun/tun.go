// Package tun creates and configures the OS point-to-point virtual
// interface: address, MTU, default-route capture, resolver advertisement
// and, for blanket-exclusion tunnel types, the fwmark escape route that
// keeps the process's own sockets out of the tunnel.
package tun

import "net/netip"

const (
	// Interface geometry. LocalAddr is the device address, PeerAddr is
	// the bridge-side address of the point-to-point pair.
	MTU       = 1400
	LocalAddr = "10.225.0.1"
	PeerAddr  = "10.225.0.2"
	prefixLen = 30

	// ExclusionMark is stamped on protected sockets; the policy rule
	// installed by Establish routes marked traffic via the real NIC.
	ExclusionMark uint32 = 0x70C4

	exclusionTable    = 177
	exclusionPriority = 100
)

// Config controls interface establishment.
type Config struct {
	// Resolvers advertised to the OS for the interface.
	Resolvers []netip.Addr
	// SelfExclude installs a process-wide protector so every socket the
	// process opens afterwards escapes the captured default route.
	// Backends with per-socket protection leave this off.
	SelfExclude bool
}

// SentinelResolver is the non-resolvable placeholder advertised in
// DoH-only mode, where real resolution happens inside the backend.
var SentinelResolver = netip.MustParseAddr("198.18.0.53")
