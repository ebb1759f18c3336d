package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"polytun/internal/backend"
	"polytun/internal/bridge"
	"polytun/internal/core"
	"polytun/internal/platform"
	"polytun/internal/tun"
)

type handshakePolicy int

const (
	handshakeNone handshakePolicy = iota
	handshakeBestEffort
	handshakeStrict
)

// startPlan captures how one tunnel type bootstraps. The six variants are
// near-duplicates of each other; a table plus one executor replaces six
// hand-rolled code paths.
type startPlan struct {
	classA    bool            // per-socket exclusion; backend starts before the interface
	handshake handshakePolicy // primary backend handshake wait
	sshLeg    bool            // SSH-over-proxy leg on top of the primary backend
	sshDirect bool            // SSH is the only leg, dialed directly to the host
	sentinel  bool            // advertise the sentinel resolver instead of profile resolvers
	settle    bool            // pause after interface creation so routing lands before the first query socket
}

func planFor(t core.TunnelType) startPlan {
	switch t {
	case core.TunnelQuic:
		return startPlan{classA: true, handshake: handshakeBestEffort}
	case core.TunnelQuicSSH:
		return startPlan{classA: true, handshake: handshakeStrict, sshLeg: true}
	case core.TunnelDNS:
		return startPlan{settle: true}
	case core.TunnelDNSSSH:
		return startPlan{sshLeg: true, settle: true}
	case core.TunnelSSHOnly:
		return startPlan{sshDirect: true, settle: true}
	case core.TunnelDoH:
		return startPlan{sentinel: true}
	default:
		return startPlan{settle: true}
	}
}

// runSequence drives one connect (or reconnect replay) through the plan.
// With reuseInterface the existing device is kept and only the backend and
// bridge legs are rebuilt. Partially started pieces are recorded on the
// session as they come up; the caller rolls them back on error.
func (c *Connector) runSequence(ctx context.Context, s *session, reuseInterface bool) error {
	p := s.profile
	plan := s.plan

	if plan.classA {
		return c.runClassA(ctx, s, reuseInterface)
	}

	// Class B: the interface must exist, with this process excluded,
	// before the backend opens its first socket.
	if !reuseInterface {
		resolvers := p.ResolverAddrs()
		if plan.sentinel {
			resolvers = []netip.Addr{tun.SentinelResolver}
		}
		dev, err := c.deps.EstablishTun(tun.Config{Resolvers: resolvers, SelfExclude: true})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInterfaceFailed, err)
		}
		s.dev = dev
		if plan.settle {
			c.sleep(ctx, c.deps.Budgets.SettleDelay)
		}
	}

	frontPort, err := c.startBackends(ctx, s)
	if err != nil {
		return err
	}
	return c.startBridge(ctx, s, frontPort)
}

// runClassA starts the backend before the interface so its handshake can
// complete while routing is still untouched.
func (c *Connector) runClassA(ctx context.Context, s *session, reuseInterface bool) error {
	p := s.profile

	s.primary = c.deps.NewQuic(p)
	if prot, ok := s.primary.(backend.Protectable); ok {
		prot.SetProtector(platform.MarkProtector(tun.ExclusionMark))
	}
	if err := s.primary.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", s.primary.Name(), err)
	}
	if err := c.waitPortReady(ctx, p.LocalProxyHost(), s.primary, c.deps.Budgets.PortAttempts); err != nil {
		return err
	}
	if err := c.waitHandshake(ctx, s.primary, s.plan.handshake); err != nil {
		return err
	}

	frontPort := s.primary.Port()
	if s.plan.sshLeg {
		port, err := c.startSshLeg(ctx, s, s.primary.Port())
		if err != nil {
			return err
		}
		frontPort = port
	}

	if !reuseInterface {
		dev, err := c.deps.EstablishTun(tun.Config{Resolvers: p.ResolverAddrs(), SelfExclude: false})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInterfaceFailed, err)
		}
		s.dev = dev
	}
	return c.startBridge(ctx, s, frontPort)
}

// startBackends brings up the Class B leg(s) and returns the port the
// bridge should front.
func (c *Connector) startBackends(ctx context.Context, s *session) (uint16, error) {
	p := s.profile

	if s.plan.sshDirect {
		port, err := c.startSshLeg(ctx, s, 0)
		if err != nil {
			return 0, err
		}
		return port, nil
	}

	if s.plan.sentinel {
		s.primary = c.deps.NewDoh(p)
	} else {
		s.primary = c.deps.NewDnsTun(p)
	}
	if err := s.primary.Start(ctx); err != nil {
		return 0, fmt.Errorf("start %s: %w", s.primary.Name(), err)
	}
	if err := c.waitPortReady(ctx, p.LocalProxyHost(), s.primary, c.deps.Budgets.PortAttempts); err != nil {
		return 0, err
	}

	if s.plan.sshLeg {
		return c.startSshLeg(ctx, s, s.primary.Port())
	}
	return s.primary.Port(), nil
}

func (c *Connector) startSshLeg(ctx context.Context, s *session, viaPort uint16) (uint16, error) {
	s.ssh = c.deps.NewSshLeg(s.profile, viaPort)
	if err := s.ssh.Start(ctx); err != nil {
		if errors.Is(err, backend.ErrAuthFailed) {
			return 0, fmt.Errorf("%w: %v", ErrSshAuth, err)
		}
		return 0, fmt.Errorf("start %s: %w", s.ssh.Name(), err)
	}
	if err := c.waitPortReady(ctx, s.profile.LocalProxyHost(), s.ssh, c.deps.Budgets.SshPortAttempts); err != nil {
		return 0, err
	}
	return s.ssh.Port(), nil
}

func (c *Connector) startBridge(ctx context.Context, s *session, frontPort uint16) error {
	p := s.profile

	var auth *bridge.Auth
	if p.ProxyUser != "" {
		auth = &bridge.Auth{User: p.ProxyUser, Pass: p.ProxyPass}
	}
	s.bridge = c.deps.NewBridge(bridge.Config{
		Device:     s.dev,
		LocalAddr:  netip.MustParseAddr(tun.LocalAddr),
		BridgeAddr: netip.MustParseAddr(tun.PeerAddr),
		ProxyHost:  p.LocalProxyHost(),
		ProxyPort:  frontPort,
		Auth:       auth,
		UDPEnabled: !s.plan.classA,
		MTU:        tun.MTU,
	})
	if err := s.bridge.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeFailed, err)
	}
	return nil
}

// waitPortReady polls the backend's advertised port with short-timeout
// connects against the host the front actually binds. A backend whose
// IsRunning flips false has crashed; fail right away instead of burning
// the rest of the budget.
func (c *Connector) waitPortReady(ctx context.Context, host string, b Backend, attempts int) error {
	budgets := c.deps.Budgets
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !b.IsRunning() {
			return fmt.Errorf("%w: %s", ErrBackendCrashed, b.Name())
		}
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", b.Port()))
		conn, err := net.DialTimeout("tcp", addr, budgets.DialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}
		c.sleep(ctx, budgets.PollInterval)
	}
	return fmt.Errorf("%w: %s on port %d", ErrPortNotListening, b.Name(), b.Port())
}

// waitHandshake polls the backend's handshake signal. Best-effort waits
// log and continue on exhaustion; strict waits fail the attempt.
func (c *Connector) waitHandshake(ctx context.Context, b Backend, policy handshakePolicy) error {
	if policy == handshakeNone {
		return nil
	}
	hr, ok := b.(backend.HandshakeReporter)
	if !ok {
		return nil
	}

	budgets := c.deps.Budgets
	attempts, interval := budgets.HandshakeAttempts, budgets.HandshakeInterval
	if policy == handshakeStrict {
		attempts, interval = budgets.StrictHandshakeAttempts, budgets.StrictHandshakeInterval
	}

	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !b.IsRunning() {
			return fmt.Errorf("%w: %s", ErrBackendCrashed, b.Name())
		}
		if hr.IsHandshakeReady() {
			return nil
		}
		c.sleep(ctx, interval)
	}

	if policy == handshakeStrict {
		return fmt.Errorf("%w: %s", ErrHandshakeTimeout, b.Name())
	}
	core.Log.Warnf("Orchestrator", "%s handshake not confirmed in time, continuing", b.Name())
	return nil
}

// sleep waits for d or until ctx is cancelled.
func (c *Connector) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
