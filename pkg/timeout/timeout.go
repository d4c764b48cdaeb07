// Package timeout implements the advisory inactivity timer attached to each
// socket. Firing only notifies; it never closes anything.
package timeout

import (
	"sync"
	"time"

	"tcpbridge/pkg/clock"
)

// Controller owns at most one pending deadline.
type Controller struct {
	clock     clock.Clock
	onTimeout func()

	mu       sync.Mutex
	duration time.Duration
	timer    clock.Timer
	gen      uint64
}

func New(c clock.Clock, onTimeout func()) *Controller {
	if c == nil {
		c = clock.Real()
	}
	return &Controller{clock: c, onTimeout: onTimeout}
}

// Arm cancels any pending deadline and schedules a new one d from now.
// A non-positive d disarms.
func (t *Controller) Arm(d time.Duration) {
	if d <= 0 {
		t.Disarm()
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schedule(d)
}

// Touch pushes the deadline back by the configured duration. It does
// nothing when no deadline is active.
func (t *Controller) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return
	}
	t.schedule(t.duration)
}

// Disarm cancels the pending deadline, if any.
func (t *Controller) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop()
	t.duration = 0
}

func (t *Controller) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Duration is the inactivity window of the active deadline, or zero.
func (t *Controller) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// must hold t.mu
func (t *Controller) schedule(d time.Duration) {
	t.stop()
	t.duration = d
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() { t.fire(gen) })
}

// must hold t.mu
func (t *Controller) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *Controller) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		// rearmed or disarmed while this timer was firing
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.duration = 0
	t.gen++
	t.mu.Unlock()

	if t.onTimeout != nil {
		t.onTimeout()
	}
}
