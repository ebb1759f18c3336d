// Package netmon watches the host's network configuration and announces
// underlying-network changes to the tunnel orchestrator. A change fires
// after a short debounce window so interface flaps collapse into a single
// notification.
package netmon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"polytun/internal/core"
)

// DefaultDebounce collapses rapid consecutive updates into one trigger.
const DefaultDebounce = 500 * time.Millisecond

// Identity describes the network the host currently egresses through:
// the link carrying the default route plus the address set on that link.
type Identity struct {
	LinkIndex int
	Addrs     string
}

// Empty reports whether no default route is present.
func (id Identity) Empty() bool { return id.LinkIndex == 0 && id.Addrs == "" }

// shouldTrigger decides whether moving from prev to next warrants a
// reconnect. Connectivity loss alone does not; a distinct network
// becoming active, or the address set changing, does.
func shouldTrigger(prev, next Identity) bool {
	if next.Empty() {
		return false
	}
	return next != prev
}

// Watcher monitors network configuration updates. OnChange runs on the
// watcher's goroutine after the debounce window closes.
type Watcher struct {
	debounce time.Duration
	onChange func()
	probe    func() (Identity, error)
	listen   func(ctx context.Context)

	mu      sync.Mutex
	last    Identity // last non-empty identity observed
	timer   *time.Timer
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a watcher that calls onChange after a network transition.
func New(debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		debounce: debounce,
		onChange: onChange,
		probe:    probeNetwork,
	}
	w.listen = w.subscribeLoop
	return w
}

// Start records the current network identity and begins listening for
// configuration updates.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}

	id, err := w.probe()
	if err != nil {
		core.Log.Warnf("NetMon", "Initial probe: %v", err)
	}
	w.mu.Lock()
	if !id.Empty() {
		w.last = id
	}
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		w.listen(ctx)
	}()

	core.Log.Infof("NetMon", "Watching (link=%d, debounce=%s)", id.LinkIndex, w.debounce)
	return nil
}

// Stop halts the watcher and cancels any pending trigger.
func (w *Watcher) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	<-w.done
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	core.Log.Infof("NetMon", "Stopped")
}

// kick re-probes the network and schedules a debounced trigger when the
// identity moved to a distinct, usable network.
func (w *Watcher) kick() {
	if !w.running.Load() {
		return
	}
	next, err := w.probe()
	if err != nil {
		core.Log.Debugf("NetMon", "Probe: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !shouldTrigger(w.last, next) {
		if next.Empty() {
			core.Log.Debugf("NetMon", "Connectivity lost, waiting")
		}
		return
	}
	core.Log.Infof("NetMon", "Network changed (link %d -> %d)", w.last.LinkIndex, next.LinkIndex)
	w.last = next

	// Restart-on-trigger debounce: every fresh update pushes the fire
	// time out by the full window.
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if w.running.Load() {
			w.onChange()
		}
	})
}
