package clock

import (
	"sync"
	"time"

	"tcpbridge/pkg/pqueue"
)

// FakeClock only moves when Advance is called. Callbacks fire synchronously
// inside Advance in deadline order, ties broken by scheduling order.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters *pqueue.PriorityQueue[*fakeTimer]
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      uint64
	callback func()
	done     bool // fired or stopped
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{
		current: initial,
		waiters: pqueue.New(func(a, b *fakeTimer) bool {
			if a.deadline.Equal(b.deadline) {
				return a.seq < b.seq
			}
			return a.deadline.Before(b.deadline)
		}),
	}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), seq: c.seq, callback: f}
	c.waiters.Push(t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Pending reports how many timers are scheduled and not yet stopped or fired.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	// stopped timers stay in the heap until they reach the root
	var keep []*fakeTimer
	for c.waiters.Len() > 0 {
		t, _ := c.waiters.Pop()
		if !t.done {
			n++
			keep = append(keep, t)
		}
	}
	for _, t := range keep {
		c.waiters.Push(t)
	}
	return n
}

// Advance moves the clock forward by d, firing every timer whose deadline
// is reached. Callbacks may schedule new timers; those fire too if they
// fall inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		t, ok := c.waiters.Look()
		if !ok || t.deadline.After(target) {
			break
		}
		c.waiters.Pop()
		if t.done {
			continue
		}
		t.done = true
		if t.deadline.After(c.current) {
			c.current = t.deadline
		}
		c.mu.Unlock()
		t.callback()
		c.mu.Lock()
	}
	c.current = target
	c.mu.Unlock()
}
