package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"polytun/internal/backend"
	"polytun/internal/bridge"
	"polytun/internal/core"
	"polytun/internal/platform"
	"polytun/internal/store"
	"polytun/internal/tun"
)

// ─── fakes ──────────────────────────────────────────────────────────

// eventLog records the order side effects happen in.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(e string) int {
	for i, got := range l.all() {
		if got == e {
			return i
		}
	}
	return -1
}

type fakeBackend struct {
	name string
	log  *eventLog

	listen    bool   // open a real loopback listener on Start
	host      string // listener host, 127.0.0.1 when empty
	startErr  error  // returned from Start
	blockCtx  bool   // Start blocks until ctx is done
	handshake bool   // handshake becomes ready right away

	mu      sync.Mutex
	ln      net.Listener
	running atomic.Bool
	healthy atomic.Bool
	starts  int
	stops   int
}

func (b *fakeBackend) Start(ctx context.Context) error {
	b.log.add(b.name + ".start")
	b.mu.Lock()
	b.starts++
	b.mu.Unlock()

	if b.blockCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	if b.startErr != nil {
		return b.startErr
	}
	if b.listen {
		host := b.host
		if host == "" {
			host = "127.0.0.1"
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.ln = ln
		b.mu.Unlock()
	}
	b.running.Store(true)
	b.healthy.Store(true)
	return nil
}

func (b *fakeBackend) Stop() error {
	b.log.add(b.name + ".stop")
	b.mu.Lock()
	b.stops++
	if b.ln != nil {
		b.ln.Close()
		b.ln = nil
	}
	b.mu.Unlock()
	b.running.Store(false)
	return nil
}

func (b *fakeBackend) IsRunning() bool { return b.running.Load() }
func (b *fakeBackend) IsHealthy() bool { return b.healthy.Load() }
func (b *fakeBackend) Name() string    { return b.name }

func (b *fakeBackend) Port() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return 1 // nothing listens here
	}
	return uint16(b.ln.Addr().(*net.TCPAddr).Port)
}

func (b *fakeBackend) IsHandshakeReady() bool { return b.handshake }

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// fakeProtectable adds the Class A capability on top of fakeBackend.
type fakeProtectable struct {
	*fakeBackend
	protector platform.SocketProtector
}

func (b *fakeProtectable) SetProtector(p platform.SocketProtector) {
	b.protector = p
	b.log.add(b.name + ".protect")
}

type fakeTun struct {
	log    *eventLog
	cfg    tun.Config
	closed atomic.Bool
}

func (d *fakeTun) ReadPacket(buf []byte) (int, error) { select {} }
func (d *fakeTun) WritePacket(pkt []byte) error       { return nil }
func (d *fakeTun) Name() string                       { return "faketun0" }

func (d *fakeTun) Close() error {
	d.closed.Store(true)
	d.log.add("tun.close")
	return nil
}

type fakeBridge struct {
	log      *eventLog
	startErr error
	running  atomic.Bool
	stats    atomic.Int64 // rx bytes knob for staleness tests
	port     uint16
}

func (b *fakeBridge) Start(ctx context.Context) error {
	b.log.add("bridge.start")
	if b.startErr != nil {
		return b.startErr
	}
	b.running.Store(true)
	return nil
}

func (b *fakeBridge) Stop() {
	b.log.add("bridge.stop")
	b.running.Store(false)
}

func (b *fakeBridge) IsRunning() bool { return b.running.Load() }

func (b *fakeBridge) Snapshot() (bridge.Stats, bool) {
	return bridge.Stats{RxBytes: b.stats.Load()}, true
}

type fakeProfiles map[string]*core.TunnelProfile

func (f fakeProfiles) GetProfile(id string) (*core.TunnelProfile, error) {
	p, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

type fakeStates struct {
	mu    sync.Mutex
	last  store.LastState
	saves int
	clear int
}

func (f *fakeStates) LoadLastState() (store.LastState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

func (f *fakeStates) SaveLastState(st store.LastState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = st
	f.saves++
	return nil
}

func (f *fakeStates) ClearConnected() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last.WasConnected = false
	f.clear++
	return nil
}

func (f *fakeStates) snapshot() (store.LastState, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.saves, f.clear
}

type fakeWatcher struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (w *fakeWatcher) Start(ctx context.Context) error { w.started.Store(true); return nil }
func (w *fakeWatcher) Stop()                           { w.stopped.Store(true) }

// ─── harness ────────────────────────────────────────────────────────

type harness struct {
	log      *eventLog
	deps     Deps
	states   *fakeStates
	quic     *fakeProtectable
	dnstun   *fakeBackend
	doh      *fakeBackend
	ssh      *fakeBackend
	tun      *fakeTun
	bridge   *fakeBridge
	watcher  *fakeWatcher
	onChange func()
	tunCalls atomic.Int32
}

func testBudgets() Budgets {
	return Budgets{
		PollInterval:            time.Millisecond,
		DialTimeout:             20 * time.Millisecond,
		PortAttempts:            3,
		SshPortAttempts:         3,
		HandshakeAttempts:       3,
		HandshakeInterval:       time.Millisecond,
		StrictHandshakeAttempts: 3,
		StrictHandshakeInterval: time.Millisecond,
		SettleDelay:             time.Millisecond,
		ReconnectSettle:         time.Millisecond,
	}
}

func newHarness(profiles ...*core.TunnelProfile) *harness {
	log := &eventLog{}
	h := &harness{
		log:     log,
		states:  &fakeStates{},
		quic:    &fakeProtectable{fakeBackend: &fakeBackend{name: "quic", log: log, listen: true, handshake: true}},
		dnstun:  &fakeBackend{name: "dnstun", log: log, listen: true},
		doh:     &fakeBackend{name: "doh", log: log, listen: true},
		ssh:     &fakeBackend{name: "ssh", log: log, listen: true},
		bridge:  &fakeBridge{log: log},
		watcher: &fakeWatcher{},
	}

	pm := fakeProfiles{}
	for _, p := range profiles {
		pm[p.ID] = p
	}

	h.deps = Deps{
		Profiles:  pm,
		States:    h.states,
		Hub:       core.NewStateHub(),
		Wake:      platform.NoopWakeLock{},
		NewQuic:   func(*core.TunnelProfile) Backend { return h.quic },
		NewDnsTun: func(*core.TunnelProfile) Backend { return h.dnstun },
		NewDoh:    func(*core.TunnelProfile) Backend { return h.doh },
		NewSshLeg: func(p *core.TunnelProfile, viaPort uint16) Backend {
			h.log.add(fmt.Sprintf("ssh.new[via=%d]", viaPort))
			return h.ssh
		},
		EstablishTun: func(cfg tun.Config) (TunDevice, error) {
			h.tunCalls.Add(1)
			h.log.add(fmt.Sprintf("tun.establish[exclude=%v]", cfg.SelfExclude))
			h.tun = &fakeTun{log: log, cfg: cfg}
			return h.tun, nil
		},
		NewBridge: func(cfg bridge.Config) PacketBridge {
			h.bridge.port = cfg.ProxyPort
			return h.bridge
		},
		NewWatcher: func(d time.Duration, onChange func()) NetWatcher {
			h.onChange = onChange
			return h.watcher
		},
		Budgets: testBudgets(),
		Health:  core.HealthConfig{Interval: "20ms", GraceChecks: 1},
	}
	return h
}

func dnsProfile() *core.TunnelProfile {
	return &core.TunnelProfile{
		ID:           "p-dns",
		Name:         "dns test",
		Type:         core.TunnelDNS,
		Host:         "t.example.org",
		Resolvers:    []string{"8.8.8.8:53"},
		DNSPublicKey: strings.Repeat("ab", 32),
	}
}

func quicProfile() *core.TunnelProfile {
	return &core.TunnelProfile{
		ID:        "p-quic",
		Name:      "quic test",
		Type:      core.TunnelQuic,
		Host:      "vpn.example.org:443",
		ProxyPass: "secret",
	}
}

func quicSshProfile() *core.TunnelProfile {
	p := quicProfile()
	p.ID = "p-quic-ssh"
	p.Type = core.TunnelQuicSSH
	p.SSHUser = "u"
	p.SSHPass = "p"
	return p
}

func sshOnlyProfile() *core.TunnelProfile {
	return &core.TunnelProfile{
		ID:      "p-ssh",
		Name:    "ssh test",
		Type:    core.TunnelSSHOnly,
		Host:    "host.example.org:22",
		SSHUser: "u",
		SSHPass: "p",
	}
}

// ─── connect sequences ──────────────────────────────────────────────

func TestConnectDnsTunnelOrder(t *testing.T) {
	h := newHarness(dnsProfile())
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-dns"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if got := c.State().Phase; got != core.PhaseConnected {
		t.Fatalf("phase = %v, want connected", got)
	}

	ifUp := h.log.index("tun.establish[exclude=true]")
	backendStart := h.log.index("dnstun.start")
	bridgeStart := h.log.index("bridge.start")
	if ifUp == -1 || backendStart == -1 || bridgeStart == -1 {
		t.Fatalf("missing events: %v", h.log.all())
	}
	if !(ifUp < backendStart && backendStart < bridgeStart) {
		t.Fatalf("wrong order: %v", h.log.all())
	}

	last, saves, _ := h.states.snapshot()
	if saves != 1 || !last.WasConnected || last.ProfileID != "p-dns" {
		t.Fatalf("durable state = %+v (saves=%d)", last, saves)
	}
	if !h.watcher.started.Load() {
		t.Fatal("network watcher not started")
	}
}

func TestConnectQuicBackendBeforeInterface(t *testing.T) {
	h := newHarness(quicProfile())
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-quic"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	protect := h.log.index("quic.protect")
	start := h.log.index("quic.start")
	ifUp := h.log.index("tun.establish[exclude=false]")
	if protect == -1 || start == -1 || ifUp == -1 {
		t.Fatalf("missing events: %v", h.log.all())
	}
	if !(protect < start && start < ifUp) {
		t.Fatalf("wrong order: %v", h.log.all())
	}
	if h.quic.protector == nil {
		t.Fatal("protector not registered")
	}
}

func TestConnectQuicSshBridgesAtSshPort(t *testing.T) {
	h := newHarness(quicSshProfile())
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-quic-ssh"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if h.bridge.port != h.ssh.Port() {
		t.Fatalf("bridge fronts port %d, want ssh port %d", h.bridge.port, h.ssh.Port())
	}
	if h.log.index(fmt.Sprintf("ssh.new[via=%d]", h.quic.Port())) == -1 {
		t.Fatalf("ssh leg not stacked on quic port: %v", h.log.all())
	}
}

func TestConnectSshOnlyDialsDirect(t *testing.T) {
	h := newHarness(sshOnlyProfile())
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-ssh"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if h.log.index("ssh.new[via=0]") == -1 {
		t.Fatalf("ssh leg not direct: %v", h.log.all())
	}
	ifUp := h.log.index("tun.establish[exclude=true]")
	sshStart := h.log.index("ssh.start")
	if !(ifUp != -1 && sshStart != -1 && ifUp < sshStart) {
		t.Fatalf("interface must exist before the ssh socket: %v", h.log.all())
	}
}

// The readiness poll must dial the host the front binds, not assume
// loopback; a profile with a non-default proxy_host could never connect
// otherwise.
func TestConnectReadinessHonorsProxyHost(t *testing.T) {
	p := dnsProfile()
	p.ProxyHost = "127.0.0.2"
	h := newHarness(p)
	h.dnstun.host = "127.0.0.2"
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-dns"); err != nil {
		t.Fatalf("connect with proxy_host 127.0.0.2: %v", err)
	}
	if got := c.State().Phase; got != core.PhaseConnected {
		t.Fatalf("phase = %v, want connected", got)
	}
}

// The DoH sequence has no settle pause after interface creation; only the
// DNS and SSH sequences wait for routing to land.
func TestDohConnectSkipsInterfaceSettle(t *testing.T) {
	p := &core.TunnelProfile{
		ID: "p-doh", Name: "doh", Type: core.TunnelDoH,
		Host: "doh.example.org", DoHURL: "https://doh.example.org/dns-query",
	}
	h := newHarness(p)
	h.deps.Budgets.SettleDelay = time.Hour // would stall the connect if applied
	c := NewConnector(h.deps)
	defer c.Disconnect()

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "p-doh") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect paused for a settle the sequence does not have")
	}
}

// ─── failures ───────────────────────────────────────────────────────

func TestConnectUnknownProfile(t *testing.T) {
	h := newHarness()
	c := NewConnector(h.deps)

	err := c.Connect(context.Background(), "nope")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("err = %v, want ErrProfileNotFound", err)
	}
	if got := c.State().Phase; got != core.PhaseError {
		t.Fatalf("phase = %v, want error", got)
	}
}

func TestConnectPortNeverOpens(t *testing.T) {
	h := newHarness(dnsProfile())
	h.dnstun.listen = false // running, but nothing listens
	c := NewConnector(h.deps)

	err := c.Connect(context.Background(), "p-dns")
	if !errors.Is(err, ErrPortNotListening) {
		t.Fatalf("err = %v, want ErrPortNotListening", err)
	}

	st := c.State()
	if st.Phase != core.PhaseError || !strings.Contains(st.Message, "port not listening") {
		t.Fatalf("state = %+v", st)
	}
	if h.tun == nil || !h.tun.closed.Load() {
		t.Fatal("interface not rolled back")
	}
	if h.dnstun.IsRunning() {
		t.Fatal("backend not stopped")
	}
}

func TestCrashDuringPollFailsFast(t *testing.T) {
	h := newHarness(dnsProfile())
	h.dnstun.listen = false

	// A huge budget that would take minutes to drain; the loop must bail
	// out as soon as IsRunning flips false instead.
	h.deps.Budgets.PortAttempts = 10000
	h.deps.Budgets.PollInterval = 50 * time.Millisecond
	c := NewConnector(h.deps)

	start := time.Now()
	go func() {
		time.Sleep(5 * time.Millisecond)
		h.dnstun.running.Store(false)
	}()
	err := c.Connect(context.Background(), "p-dns")
	if !errors.Is(err, ErrBackendCrashed) {
		t.Fatalf("err = %v, want ErrBackendCrashed", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("crash detection exhausted the budget")
	}
}

func TestQuicSshHandshakeMandatory(t *testing.T) {
	h := newHarness(quicSshProfile())
	h.quic.handshake = false // never completes
	c := NewConnector(h.deps)

	err := c.Connect(context.Background(), "p-quic-ssh")
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if h.tunCalls.Load() != 0 {
		t.Fatal("interface must never be created when the handshake fails")
	}
	if h.quic.IsRunning() {
		t.Fatal("backend not stopped")
	}
	if got := c.State().Phase; got != core.PhaseError {
		t.Fatalf("phase = %v, want error", got)
	}
}

func TestQuicHandshakeBestEffortContinues(t *testing.T) {
	h := newHarness(quicProfile())
	h.quic.handshake = false
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-quic"); err != nil {
		t.Fatalf("best-effort handshake must not fail connect: %v", err)
	}
	if got := c.State().Phase; got != core.PhaseConnected {
		t.Fatalf("phase = %v, want connected", got)
	}
}

func TestSshAuthFailureSurfaces(t *testing.T) {
	h := newHarness(sshOnlyProfile())
	h.ssh.startErr = fmt.Errorf("handshake: %w", backend.ErrAuthFailed)
	c := NewConnector(h.deps)

	err := c.Connect(context.Background(), "p-ssh")
	if !errors.Is(err, ErrSshAuth) {
		t.Fatalf("err = %v, want ErrSshAuth", err)
	}
}

func TestBridgeFailureRollsBack(t *testing.T) {
	h := newHarness(dnsProfile())
	h.bridge.startErr = errors.New("no relay")
	c := NewConnector(h.deps)

	err := c.Connect(context.Background(), "p-dns")
	if !errors.Is(err, ErrBridgeFailed) {
		t.Fatalf("err = %v, want ErrBridgeFailed", err)
	}
	if h.dnstun.IsRunning() || !h.tun.closed.Load() {
		t.Fatal("rollback incomplete")
	}
}

// ─── disconnect ─────────────────────────────────────────────────────

func TestDisconnectTearsDownAndClearsState(t *testing.T) {
	h := newHarness(dnsProfile())
	c := NewConnector(h.deps)

	if err := c.Connect(context.Background(), "p-dns"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Disconnect()

	if got := c.State().Phase; got != core.PhaseDisconnected {
		t.Fatalf("phase = %v, want disconnected", got)
	}
	last, _, clears := h.states.snapshot()
	if clears == 0 || last.WasConnected {
		t.Fatalf("wasConnected not cleared: %+v", last)
	}
	if h.dnstun.IsRunning() || h.bridge.IsRunning() || !h.tun.closed.Load() {
		t.Fatal("teardown incomplete")
	}
	if !h.watcher.stopped.Load() {
		t.Fatal("watcher not stopped")
	}

	// Teardown order: bridge before backend, backend before interface.
	bridgeStop := h.log.index("bridge.stop")
	backendStop := h.log.index("dnstun.stop")
	tunClose := h.log.index("tun.close")
	if !(bridgeStop < backendStop && backendStop < tunClose) {
		t.Fatalf("wrong teardown order: %v", h.log.all())
	}
}

func TestDisconnectFromIdleState(t *testing.T) {
	h := newHarness()
	c := NewConnector(h.deps)

	c.Disconnect()

	if got := c.State().Phase; got != core.PhaseDisconnected {
		t.Fatalf("phase = %v, want disconnected", got)
	}
	_, _, clears := h.states.snapshot()
	if clears != 1 {
		t.Fatalf("clears = %d, want 1", clears)
	}
}

func TestDisconnectCancelsInflightConnect(t *testing.T) {
	h := newHarness(dnsProfile())
	h.dnstun.blockCtx = true // Start hangs until cancelled
	c := NewConnector(h.deps)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), "p-dns") }()

	// Wait for the attempt to reach the blocking backend start.
	deadline := time.After(2 * time.Second)
	for h.dnstun.startCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("connect never reached backend start")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	c.Disconnect()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled connect returned nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not unwind after disconnect")
	}
	if got := c.State().Phase; got != core.PhaseDisconnected {
		t.Fatalf("phase = %v, want disconnected", got)
	}
}

// ─── reconnection ───────────────────────────────────────────────────

func TestReconnectReusesInterface(t *testing.T) {
	h := newHarness(dnsProfile())
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-dns"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	states := h.deps.Hub.Subscribe()
	defer h.deps.Hub.Unsubscribe(states)
	drain(states)

	h.onChange() // network change trigger, runs the replay inline

	if got := h.tunCalls.Load(); got != 1 {
		t.Fatalf("interface created %d times, want 1", got)
	}
	if got := h.dnstun.startCount(); got != 2 {
		t.Fatalf("backend starts = %d, want 2", got)
	}
	if got := c.State().Phase; got != core.PhaseConnected {
		t.Fatalf("phase = %v, want connected", got)
	}
	// No externally visible transition during a successful replay.
	for _, st := range drain(states) {
		if st.Phase != core.PhaseConnected {
			t.Fatalf("observed %v during successful reconnect", st.Phase)
		}
	}
}

// A monitor check can be in flight while a reconnection swaps the data
// plane out underneath it. Its verdict arrives after the replay succeeded
// and must be dropped, not allowed to destroy the rebuilt session.
func TestStaleHealthVerdictAfterReconnectIsIgnored(t *testing.T) {
	h := newHarness(dnsProfile())
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-dns"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.mu.Lock()
	superseded := c.sess.health
	c.mu.Unlock()

	h.onChange() // successful replay installs a fresh monitor

	superseded.onFailure("bridge not running")

	if got := c.State().Phase; got != core.PhaseConnected {
		t.Fatalf("phase = %v, want connected (superseded verdict acted on)", got)
	}
	c.mu.Lock()
	replaced := c.sess != nil && c.sess.health != superseded
	c.mu.Unlock()
	if !replaced {
		t.Fatal("reconnect did not install a fresh monitor")
	}
}

func TestHealthVerdictFailsCurrentSession(t *testing.T) {
	h := newHarness(dnsProfile())
	c := NewConnector(h.deps)

	if err := c.Connect(context.Background(), "p-dns"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.mu.Lock()
	hm := c.sess.health
	c.mu.Unlock()

	hm.onFailure("dnstun unhealthy")

	st := c.State()
	if st.Phase != core.PhaseError || !strings.Contains(st.Message, "health check") {
		t.Fatalf("state = %+v, want health-check error", st)
	}
	if h.dnstun.IsRunning() || h.bridge.IsRunning() {
		t.Fatal("session not torn down")
	}
}

func TestReconnectFailureFailsSession(t *testing.T) {
	h := newHarness(dnsProfile())
	c := NewConnector(h.deps)

	if err := c.Connect(context.Background(), "p-dns"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h.dnstun.startErr = errors.New("network still down")
	h.onChange()

	st := c.State()
	if st.Phase != core.PhaseError {
		t.Fatalf("phase = %v, want error", st.Phase)
	}
	if !strings.Contains(st.Message, "reconnect") {
		t.Fatalf("message %q does not name the reconnect", st.Message)
	}
}

func TestReconnectReentrancyDropsTriggers(t *testing.T) {
	h := newHarness(dnsProfile())
	c := NewConnector(h.deps)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "p-dns"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	s.reconnecting.Store(true)
	h.onChange() // must be dropped
	s.reconnecting.Store(false)

	if got := h.dnstun.startCount(); got != 1 {
		t.Fatalf("backend starts = %d, want 1 (trigger not dropped)", got)
	}
}

// All six (type × SSH-variant) pairs replay through the same executor;
// make sure each one actually reconnects.
func TestReconnectAllTunnelTypes(t *testing.T) {
	dohProfile := &core.TunnelProfile{
		ID: "p-doh", Name: "doh", Type: core.TunnelDoH,
		Host: "doh.example.org", DoHURL: "https://doh.example.org/dns-query",
	}
	dnsSsh := dnsProfile()
	dnsSsh.ID = "p-dns-ssh"
	dnsSsh.Type = core.TunnelDNSSSH
	dnsSsh.SSHUser, dnsSsh.SSHPass = "u", "p"

	profiles := []*core.TunnelProfile{
		quicProfile(), quicSshProfile(), dnsProfile(), dnsSsh, sshOnlyProfile(), dohProfile,
	}

	for _, p := range profiles {
		t.Run(p.Type.String(), func(t *testing.T) {
			h := newHarness(p)
			c := NewConnector(h.deps)
			defer c.Disconnect()

			if err := c.Connect(context.Background(), p.ID); err != nil {
				t.Fatalf("connect: %v", err)
			}
			tunCalls := h.tunCalls.Load()

			h.onChange()

			if got := c.State().Phase; got != core.PhaseConnected {
				t.Fatalf("phase after reconnect = %v", got)
			}
			if h.tunCalls.Load() != tunCalls {
				t.Fatal("reconnect recreated the interface")
			}
		})
	}
}

func drain(ch chan core.ConnectionState) []core.ConnectionState {
	var out []core.ConnectionState
	for {
		select {
		case st := <-ch:
			out = append(out, st)
		default:
			return out
		}
	}
}
