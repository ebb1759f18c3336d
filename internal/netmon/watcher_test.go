package netmon

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShouldTrigger(t *testing.T) {
	eth := Identity{LinkIndex: 2, Addrs: "192.168.1.10/24"}
	ethRenumbered := Identity{LinkIndex: 2, Addrs: "192.168.1.77/24"}
	wifi := Identity{LinkIndex: 3, Addrs: "10.0.0.5/24"}
	none := Identity{}

	cases := []struct {
		name string
		prev Identity
		next Identity
		want bool
	}{
		{"same network", eth, eth, false},
		{"distinct network", eth, wifi, true},
		{"address set changed", eth, ethRenumbered, true},
		{"loss alone", eth, none, false},
		{"available after loss", none, wifi, true},
		{"still nothing", none, none, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := shouldTrigger(tc.prev, tc.next); got != tc.want {
				t.Errorf("shouldTrigger(%+v, %+v) = %v, want %v", tc.prev, tc.next, got, tc.want)
			}
		})
	}
}

// probeScript feeds a scripted series of identities to kick().
type probeScript struct {
	mu  sync.Mutex
	ids []Identity
}

func (p *probeScript) next() (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.ids[0]
	if len(p.ids) > 1 {
		p.ids = p.ids[1:]
	}
	return id, nil
}

func startScripted(t *testing.T, debounce time.Duration, fired *atomic.Int32, ids ...Identity) *Watcher {
	t.Helper()
	script := &probeScript{ids: ids}
	w := New(debounce, func() { fired.Add(1) })
	w.probe = script.next
	w.listen = func(ctx context.Context) { <-ctx.Done() }
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestDebounceCollapsesBursts(t *testing.T) {
	eth := Identity{LinkIndex: 2, Addrs: "192.168.1.10/24"}
	wifi := Identity{LinkIndex: 3, Addrs: "10.0.0.5/24"}
	lte := Identity{LinkIndex: 4, Addrs: "100.64.0.9/24"}

	var fired atomic.Int32
	w := startScripted(t, 30*time.Millisecond, &fired, eth, wifi, lte)

	// Two distinct-network updates inside the window: one trigger.
	w.kick()
	time.Sleep(5 * time.Millisecond)
	w.kick()

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestRepeatedIdenticalUpdatesDoNotFire(t *testing.T) {
	eth := Identity{LinkIndex: 2, Addrs: "192.168.1.10/24"}

	var fired atomic.Int32
	w := startScripted(t, 10*time.Millisecond, &fired, eth, eth, eth)

	w.kick()
	w.kick()

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times on an unchanged network", got)
	}
}

func TestLossAloneDoesNotFire(t *testing.T) {
	eth := Identity{LinkIndex: 2, Addrs: "192.168.1.10/24"}

	var fired atomic.Int32
	w := startScripted(t, 10*time.Millisecond, &fired, eth, Identity{})

	w.kick() // connectivity gone

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times on loss", got)
	}
}

func TestAvailableAfterLossFires(t *testing.T) {
	eth := Identity{LinkIndex: 2, Addrs: "192.168.1.10/24"}
	wifi := Identity{LinkIndex: 3, Addrs: "10.0.0.5/24"}

	var fired atomic.Int32
	w := startScripted(t, 10*time.Millisecond, &fired, eth, Identity{}, wifi)

	w.kick() // loss: remembered, no fire
	w.kick() // distinct network available

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestStopCancelsPendingTrigger(t *testing.T) {
	eth := Identity{LinkIndex: 2, Addrs: "192.168.1.10/24"}
	wifi := Identity{LinkIndex: 3, Addrs: "10.0.0.5/24"}

	var fired atomic.Int32
	w := startScripted(t, 20*time.Millisecond, &fired, eth, wifi)

	w.kick()
	w.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times after Stop", got)
	}
}
