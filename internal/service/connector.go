package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"polytun/internal/core"
	"polytun/internal/store"
)

// wakeBound is the duration requested from the wake lock; the health
// monitor renews it well inside this window.
const wakeBound = 5 * time.Minute

// Connector is the connection orchestrator: it drives profiles through
// the per-type startup sequence, owns the session, and is the single
// writer of ConnectionState.
type Connector struct {
	deps Deps

	// mu serializes connect/disconnect/reconnect control flow.
	mu   sync.Mutex
	sess *session

	// attemptMu guards the in-flight connect handle so Disconnect and a
	// superseding Connect can cancel-and-await it without holding mu.
	attemptMu   sync.Mutex
	attempt     context.CancelFunc
	attemptDone chan struct{}
}

// NewConnector creates the orchestrator. Deps must be fully populated;
// see DefaultDeps.
func NewConnector(deps Deps) *Connector {
	if deps.Budgets == (Budgets{}) {
		deps.Budgets = DefaultBudgets()
	}
	return &Connector{deps: deps}
}

// Connect establishes a tunnel session for the given profile. Any
// in-flight attempt is cancelled and awaited first; an existing session
// is torn down and replaced. Returns nil once Connected is published.
func (c *Connector) Connect(ctx context.Context, profileID string) error {
	c.cancelAttempt()

	actx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.attemptMu.Lock()
	c.attempt = cancel
	c.attemptDone = done
	c.attemptMu.Unlock()
	defer func() {
		c.attemptMu.Lock()
		if c.attemptDone == done {
			c.attempt = nil
			c.attemptDone = nil
		}
		c.attemptMu.Unlock()
		cancel()
		close(done)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		core.Log.Infof("Orchestrator", "Connect over existing session, replacing")
		c.sess.destroy()
		c.sess = nil
	}
	if actx.Err() != nil {
		return actx.Err()
	}

	profile, err := c.deps.Profiles.GetProfile(profileID)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %s", ErrProfileNotFound, profileID))
	}
	if err := profile.Validate(); err != nil {
		return c.fail(err)
	}

	core.Log.Infof("Orchestrator", "Connecting profile %q (%s)", profile.Name, profile.Type)
	c.deps.Hub.Set(core.ConnectionState{Phase: core.PhaseConnecting, Profile: profile})

	if err := c.deps.Wake.Acquire(wakeBound); err != nil {
		core.Log.Warnf("Orchestrator", "Wake lock: %v", err)
	}

	s := &session{profile: profile, plan: planFor(profile.Type)}
	if err := c.runSequence(actx, s, false); err != nil {
		s.destroy()
		c.deps.Wake.Release()
		if actx.Err() != nil {
			// Superseded or disconnected mid-attempt. Not an error state.
			c.deps.Hub.Set(core.ConnectionState{Phase: core.PhaseDisconnected})
			return actx.Err()
		}
		return c.fail(err)
	}

	if err := c.deps.States.SaveLastState(store.LastState{
		ProfileID:    profile.ID,
		WasConnected: true,
	}); err != nil {
		core.Log.Warnf("Orchestrator", "Persist state: %v", err)
	}

	c.sess = s
	c.startMonitors(s)
	c.deps.Hub.Set(core.ConnectionState{Phase: core.PhaseConnected, Profile: profile})
	core.Log.Infof("Orchestrator", "Connected profile %q", profile.Name)
	return nil
}

// Disconnect tears down the session from any state and always clears the
// durable connected flag.
func (c *Connector) Disconnect() {
	c.cancelAttempt()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.deps.States.ClearConnected(); err != nil {
		core.Log.Warnf("Orchestrator", "Clear state: %v", err)
	}

	if c.sess == nil {
		c.deps.Hub.Set(core.ConnectionState{Phase: core.PhaseDisconnected})
		return
	}

	core.Log.Infof("Orchestrator", "Disconnecting")
	c.deps.Hub.Set(core.ConnectionState{Phase: core.PhaseDisconnecting, Profile: c.sess.profile})
	c.sess.destroy()
	c.sess = nil
	c.deps.Wake.Release()
	c.deps.Hub.Set(core.ConnectionState{Phase: core.PhaseDisconnected})
}

// Close is the bounded process-teardown path: best-effort cleanup that
// still converges the published state.
func (c *Connector) Close() {
	c.Disconnect()
}

// State returns the current published state.
func (c *Connector) State() core.ConnectionState {
	return c.deps.Hub.Current()
}

// Stats returns the active bridge counters, if a session is up.
func (c *Connector) Stats() (rx, tx int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.bridge == nil {
		return 0, 0, false
	}
	st, ok := c.sess.bridge.Snapshot()
	return st.RxBytes, st.TxBytes, ok
}

// cancelAttempt cancels any in-flight connect and waits for it to unwind.
func (c *Connector) cancelAttempt() {
	c.attemptMu.Lock()
	cancel, done := c.attempt, c.attemptDone
	c.attemptMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// fail publishes Error and returns err. The session, if any, is already
// rolled back by the caller.
func (c *Connector) fail(err error) error {
	core.Log.Errorf("Orchestrator", "Connect failed: %v", err)
	c.deps.Hub.Set(core.ConnectionState{Phase: core.PhaseError, Message: err.Error()})
	return err
}

// failSession tears down the live session and publishes Error. Used by
// the health monitor and a failed reconnection. Caller holds mu.
func (c *Connector) failSessionLocked(reason error) {
	if c.sess != nil {
		c.sess.destroy()
		c.sess = nil
	}
	c.deps.Wake.Release()
	core.Log.Errorf("Orchestrator", "Session failed: %v", reason)
	c.deps.Hub.Set(core.ConnectionState{Phase: core.PhaseError, Message: reason.Error()})
}

// startMonitors attaches the health monitor and network watcher to a
// freshly connected session. Caller holds mu.
func (c *Connector) startMonitors(s *session) {
	c.startHealth(s)

	debounce := core.Duration(c.deps.Network.Debounce, 500*time.Millisecond)
	s.watcher = c.deps.NewWatcher(debounce, func() { c.reconnect(s) })
	if err := s.watcher.Start(context.Background()); err != nil {
		core.Log.Warnf("Orchestrator", "Network watcher: %v", err)
	}
}

// startHealth installs a fresh monitor over the session's current legs.
// The failure callback carries the monitor so a verdict from a superseded
// monitor, one whose check was in flight when a reconnection replaced the
// legs, is dropped rather than acted on. Caller holds mu.
func (c *Connector) startHealth(s *session) {
	var hm *HealthMonitor
	hm = newHealthMonitor(c.deps.Health, s.backends(), s.bridge, c.deps.Wake, func(reason string) {
		c.onUnhealthy(s, hm, reason)
	})
	s.health = hm
	hm.Start()
}

// onUnhealthy handles a health monitor verdict: the session fails hard.
// Verdicts are only honored from the monitor that is currently installed
// on the current session.
func (c *Connector) onUnhealthy(s *session, hm *HealthMonitor, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || s.health != hm {
		return
	}
	c.failSessionLocked(fmt.Errorf("health check: %s", reason))
}
