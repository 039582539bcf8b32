package flow

import (
	"sync"
	"time"
)

// Timer is a pending delayed callback.
type Timer interface {
	// Stop prevents the callback from firing. Safe to call multiple times.
	Stop()
}

// TimerFunc schedules onFire after d.
type TimerFunc func(d time.Duration, onFire func()) Timer

// DelayTimer fires a callback after a duration unless stopped.
// It is safe for concurrent use.
type DelayTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDelayTimer creates and starts a timer that calls onFire after d.
// onFire is called in a separate goroutine.
//
// Precondition: d > 0; onFire must not be nil.
// Postcondition: onFire will be called unless Stop is called first.
func NewDelayTimer(d time.Duration, onFire func()) *DelayTimer {
	dt := &DelayTimer{}
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.timer = time.AfterFunc(d, func() {
		dt.mu.Lock()
		stopped := dt.stopped
		dt.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return dt
}

// Stop prevents the callback from firing.
//
// Postcondition: onFire will not be called after Stop returns, unless it had
// already begun.
func (dt *DelayTimer) Stop() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.stopped = true
	dt.timer.Stop()
}

func newDelayTimer(d time.Duration, onFire func()) Timer {
	return NewDelayTimer(d, onFire)
}
