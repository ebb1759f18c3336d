package bridge

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"polytun/internal/core"
	"polytun/internal/platform"
)

const udpFlowIdle = 60 * time.Second

// udpFlow is one client datagram stream forwarded over a protected socket.
type udpFlow struct {
	conn     *net.UDPConn
	lastSeen time.Time
}

type udpKey struct {
	srcPort uint16
	dst     netip.AddrPort
}

// udpRelay forwards UDP datagrams over protected sockets that bypass the
// interface. Replies are synthesized back into the device as IPv4/UDP
// packets from the original remote.
type udpRelay struct {
	engine *Engine

	mu     sync.Mutex
	flows  map[udpKey]*udpFlow
	closed bool

	reaper *time.Ticker
	done   chan struct{}
}

func newUDPRelay(e *Engine) *udpRelay {
	r := &udpRelay{
		engine: e,
		flows:  make(map[udpKey]*udpFlow),
		reaper: time.NewTicker(udpFlowIdle / 2),
		done:   make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

func (r *udpRelay) close() {
	r.mu.Lock()
	r.closed = true
	for k, f := range r.flows {
		f.conn.Close()
		delete(r.flows, k)
	}
	r.mu.Unlock()
	r.reaper.Stop()
	close(r.done)
}

func (r *udpRelay) reapLoop() {
	for {
		select {
		case <-r.done:
			return
		case now := <-r.reaper.C:
			r.mu.Lock()
			for k, f := range r.flows {
				if now.Sub(f.lastSeen) > udpFlowIdle {
					f.conn.Close()
					delete(r.flows, k)
				}
			}
			r.mu.Unlock()
		}
	}
}

// handle forwards one outbound datagram, opening the flow socket on first
// sight of the (source port, destination) pair.
func (r *udpRelay) handle(ip *layers.IPv4, udp *layers.UDP) {
	dstIP, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok {
		return
	}
	key := udpKey{
		srcPort: uint16(udp.SrcPort),
		dst:     netip.AddrPortFrom(dstIP, uint16(udp.DstPort)),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	flow := r.flows[key]
	if flow == nil {
		conn, err := r.openFlow(key.dst)
		if err != nil {
			r.mu.Unlock()
			core.Log.Debugf("Bridge", "UDP flow to %s: %v", key.dst, err)
			return
		}
		flow = &udpFlow{conn: conn}
		r.flows[key] = flow
		go r.readFlow(key, flow)
	}
	flow.lastSeen = time.Now()
	r.mu.Unlock()

	n, err := flow.conn.Write(udp.Payload)
	if err != nil {
		return
	}
	r.engine.txBytes.Add(int64(n))
	r.engine.txPackets.Add(1)
	metricTxBytes.Add(float64(n))
	metricTxPackets.Inc()
}

func (r *udpRelay) openFlow(dst netip.AddrPort) (*net.UDPConn, error) {
	d := net.Dialer{Control: platform.DialControl, Timeout: 5 * time.Second}
	conn, err := d.Dial("udp4", dst.String())
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected conn type %T", conn)
	}
	return uc, nil
}

// readFlow pumps replies from the protected socket back into the device.
func (r *udpRelay) readFlow(key udpKey, flow *udpFlow) {
	buf := make([]byte, r.engine.cfg.MTU)
	for {
		n, err := flow.conn.Read(buf)
		if err != nil {
			return
		}
		r.mu.Lock()
		flow.lastSeen = time.Now()
		r.mu.Unlock()
		r.inject(key, buf[:n])
	}
}

// inject builds an IPv4/UDP reply packet and writes it into the device.
func (r *udpRelay) inject(key udpKey, payload []byte) {
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    key.dst.Addr().AsSlice(),
		DstIP:    r.engine.cfg.LocalAddr.AsSlice(),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(key.dst.Port()),
		DstPort: layers.UDPPort(key.srcPort),
	}
	udp.SetNetworkLayerForChecksum(&ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return
	}
	if err := r.engine.cfg.Device.WritePacket(buf.Bytes()); err != nil {
		return
	}
	r.engine.rxBytes.Add(int64(len(buf.Bytes())))
	r.engine.rxPackets.Add(1)
	metricRxBytes.Add(float64(len(buf.Bytes())))
	metricRxPackets.Inc()
}
