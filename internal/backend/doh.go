package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"polytun/internal/core"
	"polytun/internal/platform"
)

const (
	dohQueryTimeout  = 5 * time.Second
	dohHealthyWindow = 60 * time.Second
	dohProbeInterval = 20 * time.Second
	dohProbeName     = "example.com"
	dohMimeType      = "application/dns-message"
)

// DohTunnel is the DNS-over-HTTPS-only mode: traffic leaves directly, but
// every name is resolved through the profile's DoH endpoint so plaintext
// DNS never touches the wire. Class B; the interface advertises a
// non-resolvable sentinel resolver and the backend's SOCKS front does the
// real resolution.
type DohTunnel struct {
	profile *core.TunnelProfile
	front   socksFront
	httpc   *http.Client

	// probeInterval paces the background resolves that keep an idle
	// tunnel's liveness window fresh.
	probeInterval time.Duration

	running  atomic.Bool
	lastOK   atomic.Int64
	resolveN atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewDohTunnel creates a stopped DoH backend.
func NewDohTunnel(p *core.TunnelProfile) *DohTunnel {
	t := &DohTunnel{profile: p, probeInterval: dohProbeInterval}
	t.front = socksFront{
		tag:  t.Name(),
		dial: t.dialUpstream,
		user: p.ProxyUser,
		pass: p.ProxyPass,
	}
	return t
}

// Start opens the SOCKS front and begins probing the DoH endpoint in the
// background so a dead endpoint shows up in IsHealthy, not as a hang, and
// an idle endpoint does not decay out of its liveness window.
func (t *DohTunnel) Start(ctx context.Context) error {
	dialer := &net.Dialer{
		Timeout: dohQueryTimeout,
		Control: platform.DialControl,
	}
	t.httpc = &http.Client{
		Timeout: dohQueryTimeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 4,
		},
	}

	if err := t.front.start(t.profile.LocalProxyHost(), t.profile.ProxyPort); err != nil {
		return err
	}
	t.running.Store(true)
	t.lastOK.Store(time.Now().UnixNano())

	probeCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	go t.probeLoop(probeCtx)

	core.Log.Infof("Backend", "%s: started (url=%s)", t.Name(), t.profile.DoHURL)
	return nil
}

// probeLoop resolves a well-known name on a timer. On-demand traffic also
// refreshes lastOK; the loop only matters when the tunnel sits idle longer
// than the liveness window.
func (t *DohTunnel) probeLoop(ctx context.Context) {
	if _, err := t.resolve(ctx, dohProbeName); err != nil {
		core.Log.Warnf("Backend", "%s: probe resolve failed: %v", t.Name(), err)
	}

	ticker := time.NewTicker(t.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.resolve(ctx, dohProbeName); err != nil {
				core.Log.Debugf("Backend", "%s: probe: %v", t.Name(), err)
			}
		}
	}
}

// resolve answers one A lookup via the DoH endpoint.
func (t *DohTunnel) resolve(ctx context.Context, name string) (net.IP, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	packed, err := q.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.profile.DoHURL, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dohMimeType)
	req.Header.Set("Accept", dohMimeType)

	resp, err := t.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	answer := new(dns.Msg)
	if err := answer.Unpack(body); err != nil {
		return nil, fmt.Errorf("malformed doh response: %w", err)
	}

	t.lastOK.Store(time.Now().UnixNano())
	t.resolveN.Add(1)

	for _, rr := range answer.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("no A record for %q", name)
}

// dialUpstream resolves the CONNECT target over DoH, then dials directly
// with the process protector applied.
func (t *DohTunnel) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	if net.ParseIP(host) == nil {
		ip, err := t.resolve(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("%s: resolve %q: %w", t.Name(), host, err)
		}
		host = ip.String()
	}

	d := net.Dialer{
		Timeout: dohQueryTimeout,
		Control: platform.DialControl,
	}
	return d.DialContext(ctx, network, net.JoinHostPort(host, port))
}

// Stop halts the probe loop and closes the front.
func (t *DohTunnel) Stop() error {
	t.running.Store(false)
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	t.front.stop()
	if t.httpc != nil {
		t.httpc.CloseIdleConnections()
	}
	return nil
}

func (t *DohTunnel) IsRunning() bool { return t.running.Load() }

// IsHealthy reports a recent successful DoH exchange. An idle tunnel stays
// healthy for dohHealthyWindow after the last one.
func (t *DohTunnel) IsHealthy() bool {
	if !t.running.Load() {
		return false
	}
	return time.Since(time.Unix(0, t.lastOK.Load())) < dohHealthyWindow
}

func (t *DohTunnel) Port() uint16 { return t.front.port }

func (t *DohTunnel) Name() string { return "doh[" + t.profile.Host + "]" }
