package platform

import "time"

// WakeLock prevents the OS from suspending while a tunnel session is
// active. Acquire takes a bound: the lock self-releases after d unless
// renewed, so a wedged session can never pin the machine awake.
type WakeLock interface {
	Acquire(d time.Duration) error
	Renew(d time.Duration) error
	Release()
}

// NoopWakeLock is used where no inhibitor service is available.
type NoopWakeLock struct{}

func (NoopWakeLock) Acquire(time.Duration) error { return nil }
func (NoopWakeLock) Renew(time.Duration) error   { return nil }
func (NoopWakeLock) Release()                    {}
