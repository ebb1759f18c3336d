//go:build linux

package platform

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"polytun/internal/core"
)

const (
	login1Dest    = "org.freedesktop.login1"
	login1Path    = "/org/freedesktop/login1"
	inhibitMethod = "org.freedesktop.login1.Manager.Inhibit"
)

// DBusWakeLock takes a systemd-logind sleep/idle inhibitor. logind
// inhibitors have no duration of their own, so the bound is enforced with a
// local timer that drops the fd when it fires.
type DBusWakeLock struct {
	mu    sync.Mutex
	conn  *dbus.Conn
	fd    dbus.UnixFD
	held  bool
	timer *time.Timer
}

// NewDBusWakeLock connects to the system bus. Callers should fall back to
// NoopWakeLock on error (headless systems without logind).
func NewDBusWakeLock() (*DBusWakeLock, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &DBusWakeLock{conn: conn, fd: -1}, nil
}

// Acquire takes the inhibitor with the given bound.
func (w *DBusWakeLock) Acquire(d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquireLocked(d)
}

func (w *DBusWakeLock) acquireLocked(d time.Duration) error {
	if w.held {
		w.resetTimerLocked(d)
		return nil
	}
	var fd dbus.UnixFD
	obj := w.conn.Object(login1Dest, login1Path)
	err := obj.Call(inhibitMethod, 0, "sleep:idle", "polytun", "tunnel session active", "block").Store(&fd)
	if err != nil {
		return fmt.Errorf("logind inhibit: %w", err)
	}
	w.fd = fd
	w.held = true
	w.resetTimerLocked(d)
	core.Log.Debugf("Orchestrator", "Wake lock acquired (bound %s)", d)
	return nil
}

// Renew extends the bound, re-acquiring if the timer already released.
func (w *DBusWakeLock) Renew(d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquireLocked(d)
}

// Release drops the inhibitor.
func (w *DBusWakeLock) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseLocked()
}

func (w *DBusWakeLock) releaseLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.held {
		if w.fd >= 0 {
			unix.Close(int(w.fd))
		}
		w.fd = -1
		w.held = false
		core.Log.Debugf("Orchestrator", "Wake lock released")
	}
}

func (w *DBusWakeLock) resetTimerLocked(d time.Duration) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		core.Log.Warnf("Orchestrator", "Wake lock bound expired without renewal")
		w.releaseLocked()
	})
}
