// Package stream adapts the push-style chunks arriving from the transport
// into a pull-style reader, and serializes writes going the other way.
package stream

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"tcpbridge/pkg/bridge"
	"tcpbridge/pkg/orderedmap"
)

// DefaultHighWaterMark is the number of bytes buffered for the consumer
// before the adapter stops accepting more into its read buffer.
const DefaultHighWaterMark = 16 * 1024

// SendFunc issues one write command carrying an encoded payload.
type SendFunc func(payload string) *bridge.Completion

type pendingWrite struct {
	size     int
	done     *bridge.Completion
	finished bool
	err      error
}

// Adapter is safe for one producer, any number of readers and writers.
type Adapter struct {
	Logger *slog.Logger

	// OnWritten is called once per write, in issue order, just before its
	// completion is released. It must not call back into the Adapter.
	OnWritten func(n int, err error)

	mu      sync.Mutex
	cond    *sync.Cond
	ring    *ringbuffer.RingBuffer
	pending [][]byte // chunks that did not fit into ring yet
	reading bool
	paused  bool
	eof     bool
	readErr error

	submitMu sync.Mutex // keeps sequence order equal to command order
	wmu      sync.Mutex
	nextSeq  uint64
	writes   *orderedmap.OrderedMap[uint64, *pendingWrite]
}

func New(highWaterMark int, logger *slog.Logger) *Adapter {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	a := &Adapter{
		Logger:  logger,
		ring:    ringbuffer.New(highWaterMark),
		reading: true,
		writes:  orderedmap.New[uint64, *pendingWrite](),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Push queues a received chunk. It never blocks. Chunks pushed after the
// read side closed are dropped.
func (a *Adapter) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eof || a.readErr != nil {
		return
	}
	a.pending = append(a.pending, chunk)
	a.fill()
	a.cond.Broadcast()
}

// fill moves pending bytes into the ring while it has room and updates the
// reading flag. must hold a.mu
func (a *Adapter) fill() {
	if !a.paused {
		for len(a.pending) > 0 {
			free := a.ring.Free()
			if free == 0 {
				break
			}
			chunk := a.pending[0]
			n := min(free, len(chunk))
			written, _ := a.ring.Write(chunk[:n])
			if written < len(chunk) {
				a.pending[0] = chunk[written:]
				break
			}
			a.pending[0] = nil
			a.pending = a.pending[1:]
		}
	}
	reading := !a.paused && len(a.pending) == 0
	if reading != a.reading {
		a.reading = reading
		if reading {
			a.logger().Debug("read side resumed")
		} else {
			a.logger().Debug("read side saturated", "queued", a.queuedLocked())
		}
	}
}

// must hold a.mu
func (a *Adapter) queuedLocked() int {
	n := 0
	for _, c := range a.pending {
		n += len(c)
	}
	return n
}

// Read blocks until at least one byte is available, the read side ends, or
// it fails. After a clean end buffered bytes are still returned before
// io.EOF.
func (a *Adapter) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.ring.IsEmpty() && a.readErr == nil && !(a.eof && len(a.pending) == 0) {
		if a.paused || len(a.pending) == 0 {
			a.cond.Wait()
			continue
		}
		a.fill()
	}
	if a.readErr != nil {
		return 0, a.readErr
	}
	if a.ring.IsEmpty() {
		return 0, io.EOF
	}
	n, _ := a.ring.Read(p)
	a.fill() // demand: pull more in
	return n, nil
}

// Pause stops moving queued chunks into the read buffer until Resume.
func (a *Adapter) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
	a.fill()
}

func (a *Adapter) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
	a.fill()
	a.cond.Broadcast()
}

// Reading is false while the consumer is saturated or paused.
func (a *Adapter) Reading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reading
}

// Buffered is the number of received bytes not yet read.
func (a *Adapter) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ring.Length() + a.queuedLocked()
}

// CloseRead ends the read side. A nil err is a clean end: readers drain
// what is buffered and then see io.EOF. The first call wins.
func (a *Adapter) CloseRead(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eof || a.readErr != nil {
		return
	}
	if err != nil {
		a.readErr = err
	} else {
		a.eof = true
	}
	a.paused = false
	a.cond.Broadcast()
}

// Abort ends the read side and discards everything buffered.
func (a *Adapter) Abort(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.readErr == nil {
		a.readErr = err
	}
	a.pending = nil
	a.ring.Reset()
	a.cond.Broadcast()
}

// Submit issues p as a single write command through send and returns a
// completion that is released only after every earlier write's.
func (a *Adapter) Submit(p []byte, send SendFunc) *bridge.Completion {
	done := bridge.NewCompletion()

	a.submitMu.Lock()
	a.wmu.Lock()
	seq := a.nextSeq
	a.nextSeq++
	a.writes.Set(seq, &pendingWrite{size: len(p), done: done}, time.Now())
	a.wmu.Unlock()
	result := send(bridge.EncodePayload(p))
	a.submitMu.Unlock()

	go func() {
		<-result.Done()
		a.finishWrite(seq, result.Err())
	}()
	return done
}

func (a *Adapter) finishWrite(seq uint64, err error) {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	w, ok := a.writes.Get(seq)
	if !ok {
		// already failed by FailWrites
		return
	}
	w.finished = true
	w.err = err
	a.releaseLocked()
}

// releaseLocked pops finished writes off the front. must hold a.wmu
func (a *Adapter) releaseLocked() {
	for {
		seq, w, ok := a.writes.Front()
		if !ok || !w.finished {
			return
		}
		if issued, ok := a.writes.GetTime(seq); ok {
			a.logger().Debug("write completed", "seq", seq, "bytes", w.size, "elapsed", time.Since(issued), "err", w.err)
		}
		a.writes.Pop()
		a.release(w)
	}
}

// must hold a.wmu
func (a *Adapter) release(w *pendingWrite) {
	if a.OnWritten != nil {
		a.OnWritten(w.size, w.err)
	}
	w.done.Complete(w.err)
}

// FailWrites completes every outstanding write with err, oldest first.
func (a *Adapter) FailWrites(err error) {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	for a.writes.Len() > 0 {
		_, w, _ := a.writes.Pop()
		if !w.finished {
			w.err = err
		}
		a.release(w)
	}
}

// Outstanding is the number of writes whose completion has not been
// released yet.
func (a *Adapter) Outstanding() int {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	return a.writes.Len()
}
