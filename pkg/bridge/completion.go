package bridge

import (
	"context"
	"sync"
)

// Completion is the outcome of one asynchronous operation. It completes
// exactly once; later calls to Complete are ignored.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed returns a Completion that has already finished with err.
func Completed(err error) *Completion {
	c := NewCompletion()
	c.Complete(err)
	return c
}

// Complete records err and wakes waiters. It reports whether this call was
// the one that completed c.
func (c *Completion) Complete(err error) bool {
	completed := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		completed = true
	})
	return completed
}

func (c *Completion) Done() <-chan struct{} { return c.done }

// Err returns the outcome, or nil while c is still pending.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until c completes or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
