package socket

import "sync"

// timeline runs posted functions one at a time in post order. post never
// blocks; a goroutine drains the queue while it is non-empty.
type timeline struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (t *timeline) post(fn func()) {
	t.mu.Lock()
	t.queue = append(t.queue, fn)
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()
	go t.drain()
}

func (t *timeline) drain() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.running = false
			t.mu.Unlock()
			return
		}
		fn := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()
		fn()
	}
}
