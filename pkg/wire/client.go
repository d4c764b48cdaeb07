package wire

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
)

var (
	ErrSessionClosed   = errors.New("bridge session closed")
	ErrVersionMismatch = errors.New("bridge protocol version mismatch")
)

// RemoteError is a failure reported by the other end of a session.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

type ClientOptions struct {
	// Compress enables lz4 for frames this side sends. The server decodes
	// either form.
	Compress bool
	Logger   *slog.Logger
}

// Client implements bridge.Transport over one session. Events are handed to
// the sink from a single reader goroutine in the order they arrive.
type Client struct {
	log  *slog.Logger
	nc   net.Conn
	conn *conn

	// sendMu keeps frame order identical to call order
	sendMu sync.Mutex

	mu      sync.Mutex
	sink    bridge.Sink
	seq     uint64
	pending map[uint64]*bridge.Completion
	open    map[bridge.ID]bool // true while a listen is unconfirmed
	closed  bool
	err     error

	writeChunk int

	done chan struct{}
}

var _ bridge.Transport = (*Client)(nil)

// Dial connects to a Server at address on network ("unix" or "tcp").
func Dial(ctx context.Context, network, address string, opts ClientOptions) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrap(err, "dial bridge")
	}
	c, err := NewClient(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the hello exchange on nc and starts reading events.
func NewClient(ctx context.Context, nc net.Conn, opts ClientOptions) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		log:     log.With("session", nc.RemoteAddr().String()),
		nc:      nc,
		conn:    newConn(nc, opts.Compress),
		pending: make(map[uint64]*bridge.Completion),
		open:    make(map[bridge.ID]bool),
		done:    make(chan struct{}),

		writeChunk: MaxWritePayload,
	}

	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}
	if err := c.conn.send(&frame{Op: opHello, Version: ProtocolVersion}); err != nil {
		return nil, errors.Wrap(err, "hello")
	}
	reply, err := c.conn.recv()
	if err != nil {
		return nil, errors.Wrap(err, "hello")
	}
	if reply.Op != opHello {
		return nil, errors.Errorf("hello: unexpected %s frame", reply.Op)
	}
	if reply.Version != ProtocolVersion || reply.Error != "" {
		return nil, errors.Wrapf(ErrVersionMismatch, "server speaks version %d", reply.Version)
	}
	nc.SetDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

func (c *Client) Subscribe(sink bridge.Sink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *Client) Listen(id bridge.ID, host string, port int, opts bridge.ListenOptions) {
	c.track(id, true)
	c.command(&frame{Op: opListen, ID: id, Host: host, Port: port, Listen: &opts})
}

func (c *Client) Connect(id bridge.ID, host string, port int, opts bridge.ConnectOptions) {
	c.track(id, false)
	c.command(&frame{Op: opConnect, ID: id, Host: host, Port: port, Connect: &opts})
}

// Write sends payload as one or more write frames. The completion reports
// the first failure among them, once all have been answered.
func (c *Client) Write(id bridge.ID, payload string) *bridge.Completion {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	chunks := splitPayload(payload, c.writeChunk)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return bridge.Completed(ErrSessionClosed)
	}
	seqs := make([]uint64, len(chunks))
	parts := make([]*bridge.Completion, len(chunks))
	for i := range chunks {
		c.seq++
		seqs[i] = c.seq
		parts[i] = bridge.NewCompletion()
		c.pending[c.seq] = parts[i]
	}
	c.mu.Unlock()

	for i, chunk := range chunks {
		if err := c.conn.send(&frame{Op: opWrite, ID: id, Seq: seqs[i], Payload: chunk}); err != nil {
			c.abort(err)
			break
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return joinCompletions(parts)
}

func splitPayload(payload string, size int) []string {
	size -= size % 4
	if size <= 0 || len(payload) <= size {
		return []string{payload}
	}
	chunks := make([]string, 0, (len(payload)+size-1)/size)
	for len(payload) > size {
		chunks = append(chunks, payload[:size])
		payload = payload[size:]
	}
	return append(chunks, payload)
}

func joinCompletions(parts []*bridge.Completion) *bridge.Completion {
	done := bridge.NewCompletion()
	go func() {
		var first error
		for _, p := range parts {
			<-p.Done()
			if err := p.Err(); err != nil && first == nil {
				first = err
			}
		}
		done.Complete(first)
	}()
	return done
}

func (c *Client) End(id bridge.ID) {
	c.command(&frame{Op: opEnd, ID: id})
}

func (c *Client) Destroy(id bridge.ID) {
	c.command(&frame{Op: opDestroy, ID: id})
}

func (c *Client) SetOptions(id bridge.ID, opts bridge.SocketOptions) {
	c.command(&frame{Op: opOptions, ID: id, Options: &opts})
}

// Close ends the session. Pending writes fail and every open id gets an
// error followed by a close.
func (c *Client) Close() error {
	c.abort(ErrSessionClosed)
	<-c.done
	return nil
}

// Done is closed once the session has ended and its events are delivered.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the reason the session ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) track(id bridge.ID, listener bool) {
	c.mu.Lock()
	if !c.closed {
		c.open[id] = listener
	}
	c.mu.Unlock()
}

func (c *Client) command(f *frame) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		c.log.Debug("command after session end", "op", f.Op, "id", f.ID)
		return
	}
	if err := c.conn.send(f); err != nil {
		c.abort(err)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// abort closes the connection; readLoop does the cleanup.
func (c *Client) abort(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.nc.Close()
}

func (c *Client) readLoop() {
	defer close(c.done)
	var err error
	for {
		var f *frame
		if f, err = c.conn.recv(); err != nil {
			break
		}
		switch f.Op {
		case opWritten:
			c.written(f)
		case opEvent:
			ev, evErr := f.event()
			if evErr != nil {
				c.log.Warn("dropping bad event", "err", evErr)
				continue
			}
			c.observe(ev)
			c.deliver(ev)
		default:
			c.log.Warn("unexpected frame", "op", f.Op)
		}
	}
	c.shutdown(err)
}

func (c *Client) written(f *frame) {
	c.mu.Lock()
	done, ok := c.pending[f.Seq]
	delete(c.pending, f.Seq)
	c.mu.Unlock()
	if !ok {
		c.log.Warn("completion for unknown write", "seq", f.Seq)
		return
	}
	if f.Error != "" {
		done.Complete(&RemoteError{Message: f.Error})
		return
	}
	done.Complete(nil)
}

// observe keeps the set of ids that would need a close if the session died.
func (c *Client) observe(ev bridge.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev := ev.(type) {
	case bridge.ConnectionEvent:
		c.open[ev.Info.ID] = false
	case bridge.ListeningEvent:
		c.open[ev.ID] = false
	case bridge.ErrorEvent:
		// failed listens are not followed by a close
		if c.open[ev.ID] {
			delete(c.open, ev.ID)
		}
	case bridge.CloseEvent:
		delete(c.open, ev.ID)
	}
}

func (c *Client) deliver(ev bridge.Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		c.log.Debug("no subscriber, dropping event", "id", ev.SocketID(), "kind", ev.Kind())
		return
	}
	sink(ev)
}

func (c *Client) shutdown(cause error) {
	c.nc.Close()

	c.mu.Lock()
	c.closed = true
	if c.err == nil {
		c.err = cause
	}
	pending := c.pending
	c.pending = make(map[uint64]*bridge.Completion)
	ids := make([]bridge.ID, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	clear(c.open)
	c.mu.Unlock()

	c.log.Debug("session ended", "err", cause, "pending_writes", len(pending), "open", len(ids))
	seqs := make([]uint64, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	for _, seq := range seqs {
		pending[seq].Complete(ErrSessionClosed)
	}
	slices.Sort(ids)
	for _, id := range ids {
		c.deliver(bridge.ErrorEvent{ID: id, Error: ErrSessionClosed.Error()})
		c.deliver(bridge.CloseEvent{ID: id, HadError: true})
	}
}
