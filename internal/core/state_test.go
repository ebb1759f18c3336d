package core

import "testing"

func TestStateHubInitialState(t *testing.T) {
	h := NewStateHub()
	if got := h.Current(); got.Phase != PhaseDisconnected {
		t.Errorf("initial phase = %v", got.Phase)
	}
}

func TestStateHubSubscribeReceivesCurrent(t *testing.T) {
	h := NewStateHub()
	h.Set(ConnectionState{Phase: PhaseConnecting})

	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	got := <-ch
	if got.Phase != PhaseConnecting {
		t.Errorf("subscribe delivered %v, want connecting", got.Phase)
	}
}

func TestStateHubDeliversTransitions(t *testing.T) {
	h := NewStateHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)
	<-ch // initial

	p := &TunnelProfile{ID: "p-1"}
	h.Set(ConnectionState{Phase: PhaseConnecting})
	h.Set(ConnectionState{Phase: PhaseConnected, Profile: p})

	if got := <-ch; got.Phase != PhaseConnecting {
		t.Errorf("first update %v, want connecting", got.Phase)
	}
	got := <-ch
	if got.Phase != PhaseConnected || got.Profile != p {
		t.Errorf("second update %+v", got)
	}
}

func TestStateHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewStateHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	// Overflow the buffer; Set must not block.
	for i := 0; i < 32; i++ {
		h.Set(ConnectionState{Phase: PhaseConnecting})
	}
	if got := h.Current(); got.Phase != PhaseConnecting {
		t.Errorf("current = %v", got.Phase)
	}
}

func TestStateHubUnsubscribeCloses(t *testing.T) {
	h := NewStateHub()
	ch := h.Subscribe()
	<-ch
	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	h.Set(ConnectionState{Phase: PhaseError, Message: "x"})
}

func TestConnPhaseStrings(t *testing.T) {
	want := map[ConnPhase]string{
		PhaseDisconnected:  "disconnected",
		PhaseConnecting:    "connecting",
		PhaseConnected:     "connected",
		PhaseDisconnecting: "disconnecting",
		PhaseError:         "error",
	}
	for p, s := range want {
		if p.String() != s {
			t.Errorf("%d.String() = %q, want %q", int(p), p.String(), s)
		}
	}
}
