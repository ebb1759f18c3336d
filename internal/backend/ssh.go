package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"

	"polytun/internal/core"
	"polytun/internal/platform"
)

// ErrAuthFailed marks an SSH credential rejection, distinguished from
// unreachable-server failures so the orchestrator can surface it as such.
var ErrAuthFailed = errors.New("ssh authentication failed")

const (
	sshDialTimeout   = 15 * time.Second
	sshKeepTimeout   = 10 * time.Second
	sshHealthyWindow = 30 * time.Second
)

// SshLeg runs an SSH session and fronts its direct-tcpip channels with a
// local SOCKS port. With ViaPort set it tunnels the session through the
// SOCKS port of an underlying backend; otherwise it dials the remote host
// directly (Class B, blanket exclusion).
type SshLeg struct {
	profile *core.TunnelProfile
	front   socksFront

	// ViaPort, when non-zero, is the local SOCKS port of the backend the
	// SSH session rides on.
	viaPort uint16
	// listenPort is the front's port; zero picks an ephemeral one so the
	// leg never collides with the backend underneath.
	listenPort uint16

	mu     sync.RWMutex
	client *ssh.Client

	running   atomic.Bool
	lastAlive atomic.Int64
	stopPing  chan struct{}
}

// NewSshLeg creates a stopped SSH leg. viaPort 0 means direct dial.
func NewSshLeg(p *core.TunnelProfile, viaPort uint16) *SshLeg {
	l := &SshLeg{profile: p, viaPort: viaPort}
	if viaPort == 0 {
		l.listenPort = p.ProxyPort
	}
	l.front = socksFront{
		tag:  l.Name(),
		dial: l.dialUpstream,
		user: p.ProxyUser,
		pass: p.ProxyPass,
	}
	return l
}

// Start establishes the SSH session, then opens the local front. Unlike
// the QUIC backend the session is synchronous: the port only opens once
// authentication succeeded, so port-ready implies a usable leg.
func (l *SshLeg) Start(ctx context.Context) error {
	host := l.profile.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}

	raw, err := l.dialTransport(ctx, host)
	if err != nil {
		return fmt.Errorf("%s: dial %s: %w", l.Name(), host, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            l.profile.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.Password(l.profile.SSHPass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	conn, chans, reqs, err := ssh.NewClientConn(raw, host, sshCfg)
	if err != nil {
		raw.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return fmt.Errorf("%s: %w: %v", l.Name(), ErrAuthFailed, err)
		}
		return fmt.Errorf("%s: handshake: %w", l.Name(), err)
	}
	client := ssh.NewClient(conn, chans, reqs)

	l.mu.Lock()
	l.client = client
	l.stopPing = make(chan struct{})
	l.mu.Unlock()

	if err := l.front.start(l.profile.LocalProxyHost(), l.listenPort); err != nil {
		client.Close()
		return err
	}
	l.running.Store(true)
	l.lastAlive.Store(time.Now().UnixNano())
	go l.keepaliveLoop(client, l.stopPing)

	core.Log.Infof("Backend", "%s: session open (via=%d)", l.Name(), l.viaPort)
	return nil
}

// dialTransport opens the raw TCP leg, directly or through the underlying
// backend's SOCKS port.
func (l *SshLeg) dialTransport(ctx context.Context, host string) (net.Conn, error) {
	if l.viaPort != 0 {
		via := net.JoinHostPort(l.profile.LocalProxyHost(), strconv.Itoa(int(l.viaPort)))
		var auth *proxy.Auth
		if l.profile.ProxyUser != "" {
			auth = &proxy.Auth{User: l.profile.ProxyUser, Password: l.profile.ProxyPass}
		}
		d, err := proxy.SOCKS5("tcp", via, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", host)
		}
		return d.Dial("tcp", host)
	}

	d := net.Dialer{
		Timeout: sshDialTimeout,
		Control: platform.DialControl,
	}
	return d.DialContext(ctx, "tcp", host)
}

// keepaliveLoop sends protocol-level keepalives and records liveness.
func (l *SshLeg) keepaliveLoop(client *ssh.Client, stop <-chan struct{}) {
	interval := l.profile.KeepAlive
	if interval <= 0 {
		interval = sshKeepTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				l.lastAlive.Store(time.Now().UnixNano())
			}
		}
	}
}

func (l *SshLeg) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	l.mu.RLock()
	client := l.client
	l.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("%s: session closed", l.Name())
	}
	return client.DialContext(ctx, network, addr)
}

// Stop closes the front and the SSH session.
func (l *SshLeg) Stop() error {
	l.running.Store(false)
	l.front.stop()

	l.mu.Lock()
	client := l.client
	l.client = nil
	if l.stopPing != nil {
		close(l.stopPing)
		l.stopPing = nil
	}
	l.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

func (l *SshLeg) IsRunning() bool { return l.running.Load() }

// IsHealthy reports a recent successful keepalive.
func (l *SshLeg) IsHealthy() bool {
	if !l.running.Load() {
		return false
	}
	return time.Since(time.Unix(0, l.lastAlive.Load())) < sshHealthyWindow
}

func (l *SshLeg) Port() uint16 { return l.front.port }

func (l *SshLeg) Name() string {
	if l.viaPort != 0 {
		return "ssh-over-proxy[" + l.profile.Host + "]"
	}
	return "ssh[" + l.profile.Host + "]"
}
