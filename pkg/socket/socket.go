package socket

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
	"tcpbridge/pkg/stream"
	"tcpbridge/pkg/timeout"
)

type State int32

const (
	DISCONNECTED State = 0
	CONNECTING   State = 1
	CONNECTED    State = 2
)

func (s State) String() string {
	switch s {
	case DISCONNECTED:
		return "DISCONNECTED"
	case CONNECTING:
		return "CONNECTING"
	case CONNECTED:
		return "CONNECTED"
	}
	return "UNKNOWN"
}

type ConnectOptions struct {
	Host         string // defaults to localhost
	Port         int
	LocalAddress string
	LocalPort    int

	// Timeout arms the inactivity timer once the connect is issued.
	Timeout time.Duration

	NoDelay         bool
	KeepAlive       bool
	KeepAlivePeriod time.Duration
}

// Socket is one bridged TCP connection. Its notifications run one at a
// time, in the order the transport raised the events behind them.
type Socket struct {
	id      bridge.ID
	net     *Network
	log     *slog.Logger
	state   int32
	stream  *stream.Adapter
	timeout *timeout.Controller
	events  timeline

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	mu         sync.Mutex
	local      bridge.Address
	remote     bridge.Address
	registered bool
	ended      bool
	destroyed  bool
	closed     bool
	hadError   bool
	err        error
	done       chan struct{}
	sockOpts   *bridge.SocketOptions

	onConnect []func()
	onClose   []func(hadError bool)
	onError   []func(error)
	onTimeout []func()

	// set on a server's control socket
	onConnection func(*Socket)
	onListening  func(bridge.Address)
}

func newSocket(n *Network, id bridge.ID) *Socket {
	s := &Socket{
		id:   id,
		net:  n,
		log:  n.logger().With("id", id),
		done: make(chan struct{}),
	}
	s.stream = stream.New(n.highWaterMark, s.log)
	s.stream.OnWritten = s.written
	s.timeout = timeout.New(n.clock, s.timedOut)
	return s
}

func (s *Socket) ID() bridge.ID { return s.id }

func (s *Socket) GetState() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Socket) setState(state State) {
	atomic.StoreInt32(&s.state, int32(state))
}

func (s *Socket) LocalAddress() bridge.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Socket) RemoteAddress() bridge.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Done is closed once the socket has delivered its close notification.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err is the error that brought the socket down, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Socket) BytesRead() int64    { return s.bytesRead.Load() }
func (s *Socket) BytesWritten() int64 { return s.bytesWritten.Load() }

// Buffered is the number of received bytes waiting to be read.
func (s *Socket) Buffered() int { return s.stream.Buffered() }

// Connect validates opts and issues a connect command. Validation failures
// are returned here and nothing is sent; connection failures arrive later
// as an error notification followed by close.
func (s *Socket) Connect(opts ConnectOptions) error {
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	if err := checkPort("port", opts.Port); err != nil {
		return err
	}
	if opts.LocalAddress != "" {
		if err := checkIP("localAddress", opts.LocalAddress); err != nil {
			return err
		}
	}
	if err := checkPort("localPort", opts.LocalPort); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return &StateError{Op: "connect", State: s.GetState(), Err: ErrDestroyed}
	case s.closed:
		s.mu.Unlock()
		return &StateError{Op: "connect", State: s.GetState(), Err: ErrClosed}
	case s.GetState() != DISCONNECTED || s.registered:
		s.mu.Unlock()
		return &StateError{Op: "connect", State: s.GetState(), Err: ErrAlreadyConnected}
	}
	if err := s.net.registry.Register(s.id, s); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "connect")
	}
	s.registered = true
	s.setState(CONNECTING)
	if opts.NoDelay || opts.KeepAlive {
		if s.sockOpts == nil {
			s.sockOpts = &bridge.SocketOptions{}
		}
		if opts.NoDelay {
			s.sockOpts.NoDelay = boolPtr(true)
		}
		if opts.KeepAlive {
			s.sockOpts.KeepAlive = boolPtr(true)
			s.sockOpts.KeepAlivePeriod = opts.KeepAlivePeriod
		}
	}
	sockOpts := s.sockOpts
	s.mu.Unlock()

	if opts.Timeout > 0 {
		s.timeout.Arm(opts.Timeout)
	} else {
		s.timeout.Touch()
	}
	s.log.Debug("connecting", "host", host, "port", opts.Port)
	s.net.transport.Connect(s.id, host, opts.Port, bridge.ConnectOptions{
		LocalAddress: opts.LocalAddress,
		LocalPort:    opts.LocalPort,
	})
	if sockOpts != nil {
		s.net.transport.SetOptions(s.id, *sockOpts)
	}
	return nil
}

// listen registers a server's control socket and issues the listen command.
func (s *Socket) listen(host string, port int, opts bridge.ListenOptions) error {
	s.mu.Lock()
	if err := s.net.registry.Register(s.id, s); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "listen")
	}
	s.registered = true
	s.mu.Unlock()
	s.net.transport.Listen(s.id, host, port, opts)
	return nil
}

// must hold s.mu
func (s *Socket) writableLocked(op string) error {
	var err error
	switch {
	case s.destroyed:
		err = ErrDestroyed
	case s.ended:
		err = ErrWriteAfterEnd
	case s.closed:
		err = ErrClosed
	case s.GetState() == DISCONNECTED:
		err = ErrNotConnected
	default:
		return nil
	}
	return &StateError{Op: op, State: s.GetState(), Err: err}
}

// Send issues p as one write command. The returned completion is released
// after every earlier write's, exactly once. An error return means no
// command was issued.
func (s *Socket) Send(p []byte) (*bridge.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked("write"); err != nil {
		return nil, err
	}
	return s.submitLocked(p), nil
}

// must hold s.mu so the command lands before any later end or destroy
func (s *Socket) submitLocked(p []byte) *bridge.Completion {
	return s.stream.Submit(p, func(payload string) *bridge.Completion {
		return s.net.transport.Write(s.id, payload)
	})
}

// Write sends p and waits for its completion.
func (s *Socket) Write(p []byte) (int, error) {
	c, err := s.Send(p)
	if err != nil {
		return 0, err
	}
	if err := c.Wait(context.Background()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read blocks until received data is available. It returns io.EOF after
// the peer closed and everything buffered was read.
func (s *Socket) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// End sends final, if any, then half-closes the connection. Calling it
// again does nothing. The close notification follows once the native side
// reports the connection done.
func (s *Socket) End(final []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.destroyed || s.closed {
		return nil
	}
	if len(final) > 0 {
		if err := s.writableLocked("end"); err != nil {
			return err
		}
		s.submitLocked(final)
	}
	s.ended = true
	if s.registered {
		s.net.transport.End(s.id)
	}
	return nil
}

func (s *Socket) CloseWrite() error { return s.End(nil) }

// Destroy tears the socket down immediately. Unflushed writes fail with
// ErrDestroyed and nothing more is heard from the transport for this id.
func (s *Socket) Destroy() { s.destroy(nil) }

// Close is Destroy, for io.Closer.
func (s *Socket) Close() error {
	s.Destroy()
	return nil
}

func (s *Socket) destroy(cause error) {
	s.mu.Lock()
	if s.destroyed || s.closed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	registered := s.registered
	s.mu.Unlock()

	s.timeout.Disarm()
	s.net.registry.Unregister(s.id)
	if registered {
		s.net.transport.Destroy(s.id)
	}
	abortErr := cause
	if abortErr == nil {
		abortErr = ErrDestroyed
	}
	s.stream.Abort(abortErr)
	s.stream.FailWrites(abortErr)
	s.events.post(func() { s.finish(cause != nil, cause) })
}

// finish delivers the terminal close. Runs on the timeline.
func (s *Socket) finish(hadError bool, cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.hadError = hadError
	if cause != nil && s.err == nil {
		s.err = cause
	}
	s.registered = false
	s.setState(DISCONNECTED)
	callbacks := s.onClose
	s.onClose = nil
	close(s.done)
	s.mu.Unlock()

	s.net.registry.Unregister(s.id)
	s.timeout.Disarm()
	readErr := cause
	if readErr == nil && hadError {
		readErr = io.ErrUnexpectedEOF
	}
	s.stream.CloseRead(readErr)
	s.stream.FailWrites(ErrClosed)
	s.log.Debug("closed", "had_error", hadError)
	for _, fn := range callbacks {
		fn(hadError)
	}
}

// SetTimeout arms the inactivity timer. Zero or less disarms it.
func (s *Socket) SetTimeout(d time.Duration) {
	s.timeout.Arm(d)
}

func (s *Socket) SetNoDelay(noDelay bool) {
	s.setOptions(bridge.SocketOptions{NoDelay: boolPtr(noDelay)})
}

func (s *Socket) SetKeepAlive(enable bool, period time.Duration) {
	s.setOptions(bridge.SocketOptions{KeepAlive: boolPtr(enable), KeepAlivePeriod: period})
}

func (s *Socket) setOptions(opts bridge.SocketOptions) {
	s.mu.Lock()
	if !s.registered {
		// applied when connect is issued
		if s.sockOpts == nil {
			s.sockOpts = &bridge.SocketOptions{}
		}
		mergeOptions(s.sockOpts, opts)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.net.transport.SetOptions(s.id, opts)
}

func mergeOptions(dst *bridge.SocketOptions, src bridge.SocketOptions) {
	if src.NoDelay != nil {
		dst.NoDelay = src.NoDelay
	}
	if src.KeepAlive != nil {
		dst.KeepAlive = src.KeepAlive
		dst.KeepAlivePeriod = src.KeepAlivePeriod
	}
}

func boolPtr(b bool) *bool { return &b }

// Pause stops moving received data toward readers until Resume.
func (s *Socket) Pause() { s.stream.Pause() }

func (s *Socket) Resume() { s.stream.Resume() }

// OnConnect registers fn for the connect notification.
func (s *Socket) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// OnClose registers fn for the close notification. If the socket already
// closed fn runs right away.
func (s *Socket) OnClose(fn func(hadError bool)) {
	s.mu.Lock()
	if s.closed {
		hadError := s.hadError
		s.mu.Unlock()
		fn(hadError)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *Socket) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
}

func (s *Socket) OnTimeout(fn func()) {
	s.mu.Lock()
	s.onTimeout = append(s.onTimeout, fn)
	s.mu.Unlock()
}

// isFinished reports whether transport events may no longer reach callbacks.
// A destroyed socket still has its own close queued on the timeline.
func (s *Socket) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.destroyed
}

func (s *Socket) timedOut() {
	s.events.post(func() {
		s.mu.Lock()
		if s.closed || s.destroyed {
			s.mu.Unlock()
			return
		}
		callbacks := append([]func(){}, s.onTimeout...)
		s.mu.Unlock()
		s.log.Debug("timeout")
		for _, fn := range callbacks {
			fn()
		}
	})
}

func (s *Socket) written(n int, err error) {
	if err != nil {
		return
	}
	s.bytesWritten.Add(int64(n))
	s.timeout.Touch()
}

// HandleEvent is called by the registry on the transport's goroutine.
func (s *Socket) HandleEvent(ev bridge.Event) {
	if ce, ok := ev.(bridge.ConnectionEvent); ok {
		s.accept(ce.Info)
		return
	}
	s.events.post(func() { s.handle(ev) })
}

func (s *Socket) handle(ev bridge.Event) {
	if s.isFinished() {
		return
	}
	switch ev := ev.(type) {
	case bridge.ConnectEvent:
		s.connected(ev)
	case bridge.DataEvent:
		data, err := bridge.DecodePayload(ev.Data)
		if err != nil {
			s.log.Warn("bad data payload", "err", err)
			s.destroy(&TransportError{ID: s.id, Message: err.Error()})
			return
		}
		s.bytesRead.Add(int64(len(data)))
		s.timeout.Touch()
		s.stream.Push(data)
	case bridge.CloseEvent:
		s.finish(ev.HadError, nil)
	case bridge.ErrorEvent:
		s.failed(&TransportError{ID: s.id, Message: ev.Error})
	case bridge.ListeningEvent:
		s.mu.Lock()
		s.local = ev.Address
		fn := s.onListening
		s.mu.Unlock()
		if fn != nil {
			fn(ev.Address)
		}
	}
}

func (s *Socket) connected(ev bridge.ConnectEvent) {
	s.mu.Lock()
	if s.destroyed || s.GetState() != CONNECTING {
		s.mu.Unlock()
		return
	}
	s.setState(CONNECTED)
	s.remote = ev.Address
	s.local = ev.Local
	callbacks := append([]func(){}, s.onConnect...)
	s.mu.Unlock()

	s.timeout.Touch()
	s.log.Debug("connected", "remote", ev.Address)
	for _, fn := range callbacks {
		fn()
	}
}

func (s *Socket) failed(err *TransportError) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	callbacks := append([]func(error){}, s.onError...)
	s.mu.Unlock()

	if len(callbacks) == 0 {
		s.log.Warn("unhandled socket error", "err", err)
	}
	for _, fn := range callbacks {
		fn(err)
	}
	s.destroy(err)
}

// accept runs on the transport's goroutine so the new socket is registered
// before any of its own events can be dispatched.
func (s *Socket) accept(info bridge.ConnectionInfo) {
	child, err := s.net.adopt(info)
	if err != nil {
		s.log.Error("cannot adopt accepted connection", "conn", info.ID, "err", err)
		s.net.transport.Destroy(info.ID)
		return
	}
	s.events.post(func() {
		s.mu.Lock()
		fn := s.onConnection
		closed := s.closed
		s.mu.Unlock()
		if closed || fn == nil {
			child.Destroy()
			return
		}
		fn(child)
	})
}
