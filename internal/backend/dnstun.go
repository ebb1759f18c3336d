package backend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"polytun/internal/core"
	"polytun/internal/platform"
)

const (
	dnstunPollInterval = 200 * time.Millisecond
	dnstunPingInterval = 10 * time.Second
	dnstunStaleAfter   = 30 * time.Second
	dnstunQueryTimeout = 4 * time.Second
)

// DnsTunnel carries TCP streams inside DNS queries against the profile's
// resolver. Class B: it has no per-socket callback, so the virtual
// interface's self-exclusion must already be in place when the first query
// socket opens; its dialer relies on the process-wide protector.
type DnsTunnel struct {
	profile *core.TunnelProfile
	front   socksFront
	codec   dnstunCodec

	resolver string
	client   *dns.Client

	running      atomic.Bool
	lastExchange atomic.Int64 // unix nanos of last successful exchange

	mu      sync.Mutex
	cancel  context.CancelFunc
	streams map[uint32]*dnstunStream
}

// NewDnsTunnel creates a stopped DNS-tunnel backend.
func NewDnsTunnel(p *core.TunnelProfile) *DnsTunnel {
	t := &DnsTunnel{
		profile: p,
		streams: make(map[uint32]*dnstunStream),
	}
	t.codec = dnstunCodec{domain: dns.Fqdn(p.Host)}
	t.front = socksFront{
		tag:  t.Name(),
		dial: t.openStream,
		user: p.ProxyUser,
		pass: p.ProxyPass,
	}
	return t
}

// Start opens the local SOCKS front and the resolver client, then verifies
// the server key digest with a ping exchange in the background.
func (t *DnsTunnel) Start(ctx context.Context) error {
	if len(t.profile.Resolvers) == 0 {
		return fmt.Errorf("%s: no resolver configured", t.Name())
	}
	t.resolver = t.profile.Resolvers[0]
	if _, _, err := net.SplitHostPort(t.resolver); err != nil {
		t.resolver = net.JoinHostPort(t.resolver, "53")
	}

	digest, err := keyDigest(t.profile.DNSPublicKey)
	if err != nil {
		return fmt.Errorf("%s: %w", t.Name(), err)
	}
	t.codec.keyDigest = digest

	t.client = &dns.Client{
		Net:     "udp",
		Timeout: dnstunQueryTimeout,
		Dialer: &net.Dialer{
			Timeout: dnstunQueryTimeout,
			Control: platform.DialControl,
		},
	}

	if err := t.front.start(t.profile.LocalProxyHost(), t.profile.ProxyPort); err != nil {
		return err
	}
	t.running.Store(true)
	t.lastExchange.Store(time.Now().UnixNano())

	pingCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	go t.pingLoop(pingCtx)

	core.Log.Infof("Backend", "%s: started (resolver=%s)", t.Name(), t.resolver)
	return nil
}

// keyDigest turns the 64-hex server public key into the 8-byte session
// verifier carried in every open frame.
func keyDigest(hexKey string) ([8]byte, error) {
	var d [8]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return d, fmt.Errorf("invalid server public key")
	}
	sum := sha256.Sum256(raw)
	copy(d[:], sum[:8])
	return d, nil
}

// Stop closes all streams and the front.
func (t *DnsTunnel) Stop() error {
	t.running.Store(false)

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	streams := make([]*dnstunStream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.streams = make(map[uint32]*dnstunStream)
	t.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	t.front.stop()
	return nil
}

func (t *DnsTunnel) IsRunning() bool { return t.running.Load() }

// IsHealthy reports whether an exchange with the resolver succeeded
// recently. Ping traffic keeps this fresh on an idle tunnel.
func (t *DnsTunnel) IsHealthy() bool {
	if !t.running.Load() {
		return false
	}
	last := time.Unix(0, t.lastExchange.Load())
	return time.Since(last) < dnstunStaleAfter
}

func (t *DnsTunnel) Port() uint16 { return t.front.port }

func (t *DnsTunnel) Name() string { return "dnstun[" + t.profile.Host + "]" }

// exchange sends one frame and returns the decoded downstream payload.
func (t *DnsTunnel) exchange(frame dnstunFrame) ([]byte, error) {
	msg := t.codec.encode(frame)
	resp, _, err := t.client.Exchange(msg, t.resolver)
	if err != nil {
		return nil, err
	}
	payload, err := t.codec.decode(resp)
	if err != nil {
		return nil, err
	}
	t.lastExchange.Store(time.Now().UnixNano())
	return payload, nil
}

func (t *DnsTunnel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(dnstunPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.exchange(dnstunFrame{kind: frameKindPing}); err != nil {
				core.Log.Debugf("Backend", "%s: ping: %v", t.Name(), err)
			}
		}
	}
}

// openStream is the front's DialFunc: one SOCKS CONNECT becomes one tunnel
// stream.
func (t *DnsTunnel) openStream(ctx context.Context, network, addr string) (net.Conn, error) {
	if !t.running.Load() {
		return nil, fmt.Errorf("%s: not running", t.Name())
	}

	var sid uint32
	var sidb [4]byte
	if _, err := rand.Read(sidb[:]); err != nil {
		return nil, err
	}
	sid = binary.BigEndian.Uint32(sidb[:])

	open := dnstunFrame{kind: frameKindOpen, session: sid, payload: []byte(addr)}
	if _, err := t.exchange(open); err != nil {
		return nil, fmt.Errorf("%s: open stream: %w", t.Name(), err)
	}

	s := newDnstunStream(t, sid)
	t.mu.Lock()
	t.streams[sid] = s
	t.mu.Unlock()
	return s, nil
}

func (t *DnsTunnel) dropStream(sid uint32) {
	t.mu.Lock()
	delete(t.streams, sid)
	t.mu.Unlock()
}
