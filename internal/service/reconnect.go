package service

import (
	"context"
	"fmt"

	"polytun/internal/core"
)

// reconnect replays the backend/bridge portion of the startup sequence
// after a network change. The virtual interface is kept and reused; the
// published state does not change unless the replay itself fails.
func (c *Connector) reconnect(s *session) {
	if !s.reconnecting.CompareAndSwap(false, true) {
		core.Log.Debugf("Orchestrator", "Reconnect already in flight, dropping trigger")
		return
	}
	defer s.reconnecting.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != s {
		return
	}
	if c.deps.Hub.Current().Phase != core.PhaseConnected {
		return
	}

	core.Log.Infof("Orchestrator", "Network changed, reconnecting %q", s.profile.Name)

	if s.health != nil {
		s.health.Stop()
		s.health = nil
	}
	s.stopDataPlane()

	ctx := context.Background()
	c.sleep(ctx, core.Duration(c.deps.Network.Settle, c.deps.Budgets.ReconnectSettle))

	if err := c.runSequence(ctx, s, true); err != nil {
		c.failSessionLocked(fmt.Errorf("%w: %v", ErrReconnectFailed, err))
		return
	}

	c.startHealth(s)

	core.Log.Infof("Orchestrator", "Reconnected %q", s.profile.Name)
}
