package core

import "sync"

// ConnPhase is the lifecycle phase of the single managed connection.
type ConnPhase int

const (
	PhaseDisconnected ConnPhase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
	PhaseError
)

func (p ConnPhase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnecting:
		return "disconnecting"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionState is the single externally observable connection state.
// Profile is non-nil only in PhaseConnected; Message is non-empty only in
// PhaseError.
type ConnectionState struct {
	Phase   ConnPhase
	Profile *TunnelProfile
	Message string
}

// StateHub publishes ConnectionState to any number of observers.
// Single writer (the orchestrator), many readers. Subscribers receive the
// current state on subscription and every change afterwards; a slow
// subscriber is skipped rather than blocking the writer.
type StateHub struct {
	mu        sync.RWMutex
	current   ConnectionState
	listeners []chan ConnectionState
}

// NewStateHub creates a hub starting in PhaseDisconnected.
func NewStateHub() *StateHub {
	return &StateHub{current: ConnectionState{Phase: PhaseDisconnected}}
}

// Current returns the latest published state.
func (h *StateHub) Current() ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Set publishes a new state. Transitions are logged; publishing an
// identical phase with identical message is still delivered (callers rely
// on Set being unconditional for teardown convergence).
func (h *StateHub) Set(s ConnectionState) {
	h.mu.Lock()
	old := h.current
	h.current = s
	listeners := make([]chan ConnectionState, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	if old.Phase != s.Phase {
		Log.Infof("Orchestrator", "State %s → %s", old.Phase, s.Phase)
	}

	for _, ch := range listeners {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribe returns a channel receiving state updates. The current state is
// queued immediately.
func (h *StateHub) Subscribe() chan ConnectionState {
	ch := make(chan ConnectionState, 8)
	h.mu.Lock()
	h.listeners = append(h.listeners, ch)
	ch <- h.current
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (h *StateHub) Unsubscribe(ch chan ConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l == ch {
			close(l)
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}
