// Package tcpstack is the native side of the bridge. It owns real OS
// sockets, runs the accept, receive and send loops for them, and reports
// everything that happens as bridge events.
package tcpstack

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
)

const (
	CLOSED      TCPState = 0
	LISTEN      TCPState = 1
	SYN_SENT    TCPState = 2
	ESTABLISHED TCPState = 4
	FIN_WAIT_1  TCPState = 5 // write side shut down, still reading

	DefaultReceiveBufferSize = 1024
)

var (
	ErrUnknownSocket = errors.New("unable to find socket")
	ErrClosed        = errors.New("socket closed")
	ErrStackClosed   = errors.New("stack closed")
)

type TCPState int32

func (s TCPState) String() string {
	switch s {
	case CLOSED:
		return "CLOSED"
	case LISTEN:
		return "LISTEN"
	case SYN_SENT:
		return "SYN_SENT"
	case ESTABLISHED:
		return "ESTABLISHED"
	case FIN_WAIT_1:
		return "FIN_WAIT_1"
	}
	return "UNKNOWN"
}

// Tracer observes traffic on bridged connections.
type Tracer interface {
	Opened(id bridge.ID, local, remote netip.AddrPort, outbound bool)
	Segment(id bridge.ID, outbound bool, payload []byte)
	Closed(id bridge.ID)
}

type Config struct {
	// ReceiveBufferSize bounds the bytes read per data event.
	ReceiveBufferSize int
	// AcceptedIDBase is the first id given to an accepted connection.
	AcceptedIDBase bridge.ID
	DialTimeout    time.Duration
	Logger         *slog.Logger
	Tracer         Tracer
}

// TCPStack implements bridge.Transport over the host's TCP stack.
type TCPStack struct {
	Socks     map[bridge.ID]*TCPSocket
	Listeners map[bridge.ID]*Listener
	SocksLock sync.Mutex
	NextSock  bridge.ID

	cfg    Config
	sink   atomic.Pointer[bridge.Sink]
	wg     sync.WaitGroup
	closed bool
}

var _ bridge.Transport = (*TCPStack)(nil)

func New(cfg Config) *TCPStack {
	if cfg.ReceiveBufferSize <= 0 {
		cfg.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if cfg.AcceptedIDBase <= 0 {
		cfg.AcceptedIDBase = bridge.DefaultAcceptedIDBase
	}
	return &TCPStack{
		Socks:     make(map[bridge.ID]*TCPSocket),
		Listeners: make(map[bridge.ID]*Listener),
		NextSock:  cfg.AcceptedIDBase,
		cfg:       cfg,
	}
}

func (stack *TCPStack) logger() *slog.Logger {
	if stack.cfg.Logger != nil {
		return stack.cfg.Logger
	}
	return slog.Default()
}

func (stack *TCPStack) Subscribe(sink bridge.Sink) {
	stack.sink.Store(&sink)
}

func (stack *TCPStack) emit(ev bridge.Event) {
	sink := stack.sink.Load()
	if sink == nil {
		stack.logger().Debug("no subscriber, dropping event", "id", ev.SocketID(), "kind", ev.Kind())
		return
	}
	(*sink)(ev)
}

// emitAsync delivers ev off the caller's goroutine. Commands use it so a
// sink is never re-entered from inside a command call.
func (stack *TCPStack) emitAsync(ev bridge.Event) {
	stack.wg.Add(1)
	go func() {
		defer stack.wg.Done()
		stack.emit(ev)
	}()
}

func (stack *TCPStack) addToTable(socket *TCPSocket) error {
	stack.SocksLock.Lock()
	defer stack.SocksLock.Unlock()
	if stack.closed {
		return ErrStackClosed
	}
	if _, exists := stack.Socks[socket.ID]; exists {
		return errors.Errorf("id %d already in use", socket.ID)
	}
	if _, exists := stack.Listeners[socket.ID]; exists {
		return errors.Errorf("id %d already in use", socket.ID)
	}
	stack.Socks[socket.ID] = socket
	return nil
}

func (stack *TCPStack) removeFromTable(id bridge.ID) {
	stack.SocksLock.Lock()
	delete(stack.Socks, id)
	delete(stack.Listeners, id)
	stack.SocksLock.Unlock()
}

func (stack *TCPStack) lookup(id bridge.ID) (*TCPSocket, *Listener) {
	stack.SocksLock.Lock()
	defer stack.SocksLock.Unlock()
	return stack.Socks[id], stack.Listeners[id]
}

func (stack *TCPStack) nextAcceptedID() bridge.ID {
	stack.SocksLock.Lock()
	defer stack.SocksLock.Unlock()
	id := stack.NextSock
	stack.NextSock++
	return id
}

// Connect dials host:port. Writes issued before the dial completes are
// queued and sent once it does.
func (stack *TCPStack) Connect(id bridge.ID, host string, port int, opts bridge.ConnectOptions) {
	socket := newSocket(id, SYN_SENT)
	if err := stack.addToTable(socket); err != nil {
		stack.logger().Warn("connect rejected", "id", id, "err", err)
		stack.emitAsync(bridge.ErrorEvent{ID: id, Error: err.Error()})
		return
	}
	stack.wg.Add(2)
	go socket.sendingThread(stack)
	go stack.dial(socket, host, port, opts)
}

func (stack *TCPStack) dial(socket *TCPSocket, host string, port int, opts bridge.ConnectOptions) {
	defer stack.wg.Done()
	d := net.Dialer{Timeout: stack.cfg.DialTimeout}
	if opts.LocalAddress != "" || opts.LocalPort != 0 {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress), Port: opts.LocalPort}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := d.DialContext(socket.ctx, "tcp", addr)
	if err != nil {
		if socket.ctx.Err() != nil {
			return // destroyed while dialing
		}
		stack.fail(socket, errors.Wrapf(err, "connect %s", addr))
		return
	}
	if !socket.establish(conn) {
		conn.Close()
		return
	}

	local, remote := addrPort(conn.LocalAddr()), addrPort(conn.RemoteAddr())
	socket.emitLock.Lock()
	if socket.closed {
		socket.emitLock.Unlock()
		return
	}
	if stack.cfg.Tracer != nil {
		stack.cfg.Tracer.Opened(socket.ID, local, remote, true)
	}
	stack.logger().Debug("connected", "id", socket.ID, "remote", remote)
	stack.emit(bridge.ConnectEvent{ID: socket.ID, Address: bridge.AddressOf(remote), Local: bridge.AddressOf(local)})
	socket.emitLock.Unlock()

	stack.wg.Add(1)
	go socket.receivingThread(stack)
}

func addrPort(a net.Addr) netip.AddrPort {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	return netip.AddrPort{}
}

// Write queues payload behind every earlier write on id.
func (stack *TCPStack) Write(id bridge.ID, payload string) *bridge.Completion {
	data, err := bridge.DecodePayload(payload)
	if err != nil {
		return bridge.Completed(err)
	}
	socket, _ := stack.lookup(id)
	if socket == nil {
		return bridge.Completed(errors.Wrapf(ErrUnknownSocket, "write %d", id))
	}
	done := bridge.NewCompletion()
	if !socket.enqueue(op{kind: opWrite, data: data, done: done}) {
		done.Complete(ErrClosed)
	}
	return done
}

// End half-closes a connection once its queued writes are sent, or stops
// a listener.
func (stack *TCPStack) End(id bridge.ID) {
	socket, listener := stack.lookup(id)
	switch {
	case listener != nil:
		listener.close()
	case socket != nil:
		socket.enqueue(op{kind: opEnd})
	default:
		stack.emitAsync(bridge.ErrorEvent{ID: id, Error: ErrUnknownSocket.Error()})
	}
}

// Destroy closes id immediately, abandoning queued writes. Unknown ids are
// ignored.
func (stack *TCPStack) Destroy(id bridge.ID) {
	socket, listener := stack.lookup(id)
	if listener != nil {
		listener.close()
	}
	if socket != nil {
		socket.cancel()
		stack.wg.Add(1)
		go func() {
			defer stack.wg.Done()
			stack.closeSocket(socket, false)
		}()
	}
}

func (stack *TCPStack) SetOptions(id bridge.ID, opts bridge.SocketOptions) {
	socket, _ := stack.lookup(id)
	if socket == nil {
		stack.logger().Debug("options for unknown socket", "id", id)
		return
	}
	socket.enqueue(op{kind: opOptions, opts: opts})
}

// fail reports err for socket and then force-closes it.
func (stack *TCPStack) fail(socket *TCPSocket, err error) {
	socket.emitLock.Lock()
	if socket.closed {
		socket.emitLock.Unlock()
		return
	}
	stack.logger().Debug("socket error", "id", socket.ID, "err", err)
	stack.emit(bridge.ErrorEvent{ID: socket.ID, Error: err.Error()})
	// same lock hold: no data may slip between the error and the close
	stack.closeSocketLocked(socket, true)
	socket.emitLock.Unlock()
}

// closeSocket emits the single close event for socket.
func (stack *TCPStack) closeSocket(socket *TCPSocket, hadError bool) {
	socket.emitLock.Lock()
	defer socket.emitLock.Unlock()
	if socket.closed {
		return
	}
	stack.closeSocketLocked(socket, hadError)
}

// closeSocketLocked requires socket.emitLock and an open socket.
func (stack *TCPStack) closeSocketLocked(socket *TCPSocket, hadError bool) {
	socket.closed = true
	socket.shutdown()
	stack.removeFromTable(socket.ID)
	if stack.cfg.Tracer != nil {
		stack.cfg.Tracer.Closed(socket.ID)
	}
	stack.logger().Debug("closed", "id", socket.ID, "had_error", hadError)
	stack.emit(bridge.CloseEvent{ID: socket.ID, HadError: hadError})
}

// Close tears down every listener and connection and waits for their
// goroutines to exit.
func (stack *TCPStack) Close() error {
	stack.SocksLock.Lock()
	stack.closed = true
	sockets := make([]*TCPSocket, 0, len(stack.Socks))
	for _, s := range stack.Socks {
		sockets = append(sockets, s)
	}
	listeners := make([]*Listener, 0, len(stack.Listeners))
	for _, l := range stack.Listeners {
		listeners = append(listeners, l)
	}
	stack.SocksLock.Unlock()

	for _, l := range listeners {
		l.close()
	}
	for _, s := range sockets {
		s.cancel()
		stack.closeSocket(s, false)
	}
	stack.wg.Wait()
	return nil
}

// Stats is a point-in-time count of the stack's table.
func (stack *TCPStack) Stats() (connections, listeners int) {
	stack.SocksLock.Lock()
	defer stack.SocksLock.Unlock()
	return len(stack.Socks), len(stack.Listeners)
}

func newContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
