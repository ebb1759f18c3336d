// Package bridge relays IP packets between the virtual interface and the
// active backend's local SOCKS endpoint. TCP flows are hairpinned through
// an in-process relay listener via a NAT table; UDP flows (when enabled)
// are forwarded over protected sockets. The engine owns the byte counters
// the health monitor reads for staleness.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"polytun/internal/core"
)

// PacketIO is the virtual interface surface the engine needs.
type PacketIO interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) error
}

// Auth carries optional SOCKS credentials for the backend port.
type Auth struct {
	User string
	Pass string
}

// Config parameterizes one engine run.
type Config struct {
	Device     PacketIO
	LocalAddr  netip.Addr // interface address (clients and relay live here)
	BridgeAddr netip.Addr // peer address used as the rewritten client source
	ProxyHost  string
	ProxyPort  uint16
	Auth       *Auth
	UDPEnabled bool
	MTU        int
}

// Stats is a snapshot of cumulative traffic counters.
type Stats struct {
	RxBytes   int64
	TxBytes   int64
	RxPackets int64
	TxPackets int64
}

// natEntry remembers the original destination of a redirected flow,
// keyed by the client's source port.
type natEntry struct {
	dstIP   netip.Addr
	dstPort uint16
}

// Engine is the running bridge. One engine per tunnel session; a
// reconnection tears the old engine down and starts a fresh one.
type Engine struct {
	cfg Config

	relay *tcpRelay
	udp   *udpRelay

	natMu sync.RWMutex
	nat   map[uint16]natEntry

	running atomic.Bool
	done    chan struct{}

	rxBytes   atomic.Int64
	txBytes   atomic.Int64
	rxPackets atomic.Int64
	txPackets atomic.Int64

	// Pre-allocated gopacket layers. Only touched by the read loop.
	ip4     layers.IPv4
	tcp     layers.TCP
	udp4    layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// New creates an engine for the given config.
func New(cfg Config) *Engine {
	e := &Engine{
		cfg:     cfg,
		nat:     make(map[uint16]natEntry),
		decoded: make([]gopacket.LayerType, 0, 4),
	}
	e.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv4,
		&e.ip4, &e.tcp, &e.udp4, &e.payload,
	)
	e.parser.IgnoreUnsupported = true
	return e
}

// Start brings up the relay listener and the packet read loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return fmt.Errorf("bridge already running")
	}

	relay, err := newTCPRelay(e)
	if err != nil {
		return fmt.Errorf("bridge relay: %w", err)
	}
	e.relay = relay

	if e.cfg.UDPEnabled {
		e.udp = newUDPRelay(e)
	}

	e.done = make(chan struct{})
	e.running.Store(true)
	go e.readLoop(ctx)

	core.Log.Infof("Bridge", "Started (proxy=%s:%d, relay=%s, udp=%v)",
		e.cfg.ProxyHost, e.cfg.ProxyPort, relay.addr(), e.cfg.UDPEnabled)
	return nil
}

// Stop halts the read loop and the relays.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	if e.relay != nil {
		e.relay.close()
	}
	if e.udp != nil {
		e.udp.close()
	}
	<-e.done
	core.Log.Infof("Bridge", "Stopped")
}

// IsRunning reports whether the engine loop is alive.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Snapshot returns the cumulative counters. The second value is false if
// the engine never started.
func (e *Engine) Snapshot() (Stats, bool) {
	if e.done == nil {
		return Stats{}, false
	}
	return Stats{
		RxBytes:   e.rxBytes.Load(),
		TxBytes:   e.txBytes.Load(),
		RxPackets: e.rxPackets.Load(),
		TxPackets: e.txPackets.Load(),
	}, true
}

func (e *Engine) readLoop(ctx context.Context) {
	defer close(e.done)

	buf := make([]byte, e.cfg.MTU+4)
	for e.running.Load() {
		n, err := e.cfg.Device.ReadPacket(buf)
		if err != nil {
			if e.running.Load() {
				core.Log.Warnf("Bridge", "Read: %v", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		e.handlePacket(buf[:n])
	}
}

// handlePacket classifies one outbound packet and applies the NAT hairpin.
func (e *Engine) handlePacket(pkt []byte) {
	if err := e.parser.DecodeLayers(pkt, &e.decoded); err != nil {
		return
	}

	var hasTCP, hasUDP bool
	for _, lt := range e.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			hasTCP = true
		case layers.LayerTypeUDP:
			hasUDP = true
		}
	}

	switch {
	case hasTCP:
		e.handleTCP()
	case hasUDP && e.cfg.UDPEnabled:
		e.udp.handle(&e.ip4, &e.udp4)
	}
}

func (e *Engine) handleTCP() {
	srcIP, _ := netip.AddrFromSlice(e.ip4.SrcIP.To4())
	dstIP, _ := netip.AddrFromSlice(e.ip4.DstIP.To4())
	srcPort := uint16(e.tcp.SrcPort)
	dstPort := uint16(e.tcp.DstPort)

	relayPort := e.relay.port

	// Relay → fake client: translate back to the flow's original remote.
	if srcIP == e.cfg.LocalAddr && srcPort == relayPort {
		clientPort := dstPort
		e.natMu.RLock()
		entry, ok := e.nat[clientPort]
		e.natMu.RUnlock()
		if !ok {
			return
		}
		if e.tcp.FIN || e.tcp.RST {
			e.natMu.Lock()
			delete(e.nat, clientPort)
			e.natMu.Unlock()
		}

		e.ip4.SrcIP = entry.dstIP.AsSlice()
		e.ip4.DstIP = e.cfg.LocalAddr.AsSlice()
		e.tcp.SrcPort = layers.TCPPort(entry.dstPort)
		e.tcp.DstPort = layers.TCPPort(clientPort)

		n := e.rewrite()
		e.rxBytes.Add(int64(n))
		e.rxPackets.Add(1)
		metricRxBytes.Add(float64(n))
		metricRxPackets.Inc()
		return
	}

	// Client → remote: record the intent, hairpin into the relay.
	if e.tcp.SYN && !e.tcp.ACK {
		e.natMu.Lock()
		e.nat[srcPort] = natEntry{dstIP: dstIP, dstPort: dstPort}
		e.natMu.Unlock()
	} else {
		e.natMu.RLock()
		_, ok := e.nat[srcPort]
		e.natMu.RUnlock()
		if !ok {
			return
		}
	}

	e.ip4.SrcIP = e.cfg.BridgeAddr.AsSlice()
	e.ip4.DstIP = e.cfg.LocalAddr.AsSlice()
	e.tcp.DstPort = layers.TCPPort(relayPort)

	n := e.rewrite()
	e.txBytes.Add(int64(n))
	e.txPackets.Add(1)
	metricTxBytes.Add(float64(n))
	metricTxPackets.Inc()
}

// rewrite recomputes checksums and writes the mutated packet back into the
// device. Returns the serialized length.
func (e *Engine) rewrite() int {
	e.tcp.SetNetworkLayerForChecksum(&e.ip4)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts,
		&e.ip4, &e.tcp, gopacket.Payload(e.tcp.Payload),
	); err != nil {
		return 0
	}

	data := buf.Bytes()
	if err := e.cfg.Device.WritePacket(data); err != nil {
		return 0
	}
	return len(data)
}

// lookupNAT resolves the original destination for a relay connection.
func (e *Engine) lookupNAT(clientAddr net.Addr) (string, bool) {
	tcpAddr, ok := clientAddr.(*net.TCPAddr)
	if !ok {
		return "", false
	}
	e.natMu.RLock()
	entry, ok := e.nat[uint16(tcpAddr.Port)]
	e.natMu.RUnlock()
	if !ok {
		return "", false
	}
	return netip.AddrPortFrom(entry.dstIP, entry.dstPort).String(), true
}
