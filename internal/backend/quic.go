package backend

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	hyclient "github.com/apernet/hysteria/core/v2/client"

	"polytun/internal/core"
	"polytun/internal/platform"
)

// brutalDefaultTx is the send-rate hint handed to the brutal congestion
// controller when the profile asks for it without specifying bandwidth.
const brutalDefaultTx = 50 * 1024 * 1024 / 8 // 50 Mbps in bytes/sec

// QuicTunnel runs a QUIC transport session and fronts it with a local
// SOCKS port. Class A: it accepts a per-socket protector, so it can start
// before the virtual interface exists and handshake across routing
// changes.
type QuicTunnel struct {
	profile *core.TunnelProfile
	front   socksFront

	mu        sync.RWMutex
	client    hyclient.Client
	protector platform.SocketProtector

	running   atomic.Bool
	handshook atomic.Bool
	lastErr   atomic.Value // string
}

// NewQuicTunnel creates a stopped QUIC backend for the profile.
func NewQuicTunnel(p *core.TunnelProfile) *QuicTunnel {
	q := &QuicTunnel{profile: p}
	q.front = socksFront{
		tag:  q.Name(),
		dial: q.dialUpstream,
		user: p.ProxyUser,
		pass: p.ProxyPass,
	}
	return q
}

// SetProtector installs the per-socket exclusion callback. Must be called
// before Start; cleared with nil.
func (q *QuicTunnel) SetProtector(p platform.SocketProtector) {
	q.mu.Lock()
	q.protector = p
	q.mu.Unlock()
}

// protectedConnFactory opens the QUIC transport socket with the protector
// applied, keeping handshake traffic off the tunnel routes.
type protectedConnFactory struct {
	protector platform.SocketProtector
}

func (f *protectedConnFactory) New(addr net.Addr) (net.PacketConn, error) {
	lc := net.ListenConfig{}
	if f.protector != nil {
		lc.Control = f.protector
	}
	return lc.ListenPacket(context.Background(), "udp", "")
}

// Start opens the local SOCKS port immediately and negotiates the QUIC
// session in the background; IsHandshakeReady flips once negotiation
// completes.
func (q *QuicTunnel) Start(ctx context.Context) error {
	serverAddr, err := net.ResolveUDPAddr("udp", q.profile.Host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", q.profile.Host, err)
	}

	if err := q.front.start(q.profile.LocalProxyHost(), q.profile.ProxyPort); err != nil {
		return err
	}
	q.running.Store(true)

	q.mu.RLock()
	protector := q.protector
	q.mu.RUnlock()

	cfg := &hyclient.Config{
		ConnFactory: &protectedConnFactory{protector: protector},
		ServerAddr:  serverAddr,
		Auth:        q.profile.ProxyPass,
		TLSConfig: hyclient.TLSConfig{
			ServerName:         serverAddr.IP.String(),
			InsecureSkipVerify: true,
		},
		QUICConfig: hyclient.QUICConfig{
			KeepAlivePeriod: q.profile.KeepAlive,
			MaxIdleTimeout:  45 * time.Second,
		},
		FastOpen: true,
	}
	if q.profile.Congestion == "brutal" {
		cfg.BandwidthConfig.MaxTx = brutalDefaultTx
	}

	go q.negotiate(cfg)
	return nil
}

func (q *QuicTunnel) negotiate(cfg *hyclient.Config) {
	c, info, err := hyclient.NewClient(cfg)
	if err != nil {
		q.lastErr.Store(err.Error())
		core.Log.Warnf("Backend", "%s: handshake failed: %v", q.Name(), err)
		// The front stays up; readiness polling sees the missing
		// handshake and fails the attempt.
		return
	}

	q.mu.Lock()
	if !q.running.Load() {
		q.mu.Unlock()
		c.Close()
		return
	}
	q.client = c
	q.mu.Unlock()

	q.handshook.Store(true)
	core.Log.Infof("Backend", "%s: session established (udp=%v)", q.Name(), info.UDPEnabled)
}

func (q *QuicTunnel) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	q.mu.RLock()
	c := q.client
	q.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("%s: session not established", q.Name())
	}
	return c.TCP(addr)
}

// Stop closes the session and the local front.
func (q *QuicTunnel) Stop() error {
	q.running.Store(false)
	q.handshook.Store(false)
	q.front.stop()

	q.mu.Lock()
	c := q.client
	q.client = nil
	q.mu.Unlock()

	if c != nil {
		return c.Close()
	}
	return nil
}

func (q *QuicTunnel) IsRunning() bool { return q.running.Load() }

func (q *QuicTunnel) IsHealthy() bool {
	return q.running.Load() && q.handshook.Load()
}

// IsHandshakeReady reports whether QUIC session negotiation finished.
func (q *QuicTunnel) IsHandshakeReady() bool { return q.handshook.Load() }

func (q *QuicTunnel) Port() uint16 { return q.front.port }

func (q *QuicTunnel) Name() string { return "quic[" + q.profile.Host + "]" }
