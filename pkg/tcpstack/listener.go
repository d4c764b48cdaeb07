package tcpstack

import (
	"context"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"tcpbridge/pkg/bridge"
)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Listener is a listening socket and its accept loop.
type Listener struct {
	ID bridge.ID

	lock      sync.Mutex
	ln        net.Listener
	closing   bool
	closeOnce sync.Once
}

// close stops the listener. If it is still binding, the bind goroutine
// notices and closes it.
func (l *Listener) close() {
	l.lock.Lock()
	l.closing = true
	ln := l.ln
	l.lock.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (l *Listener) isClosing() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.closing
}

// Listen binds asynchronously. A bind failure is reported as an error
// event only, since no connection exists to close.
func (stack *TCPStack) Listen(id bridge.ID, host string, port int, opts bridge.ListenOptions) {
	l := &Listener{ID: id}
	stack.SocksLock.Lock()
	_, dupSock := stack.Socks[id]
	_, dupListener := stack.Listeners[id]
	closed := stack.closed
	if !dupSock && !dupListener && !closed {
		stack.Listeners[id] = l
	}
	stack.SocksLock.Unlock()
	if closed {
		stack.emitAsync(bridge.ErrorEvent{ID: id, Error: ErrStackClosed.Error()})
		return
	}
	if dupSock || dupListener {
		stack.emitAsync(bridge.ErrorEvent{ID: id, Error: errors.Errorf("id %d already in use", id).Error()})
		return
	}

	stack.wg.Add(1)
	go stack.bind(l, host, port, opts)
}

func (stack *TCPStack) bind(l *Listener, host string, port int, opts bridge.ListenOptions) {
	defer stack.wg.Done()
	lc := net.ListenConfig{}
	if opts.ReusePort {
		lc.Control = reusePortControl
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		stack.removeFromTable(l.ID)
		stack.logger().Warn("listen failed", "id", l.ID, "address", addr, "err", err)
		stack.emit(bridge.ErrorEvent{ID: l.ID, Error: errors.Wrapf(err, "listen %s", addr).Error()})
		return
	}

	l.lock.Lock()
	if l.closing {
		l.lock.Unlock()
		ln.Close()
		stack.closeListener(l, false)
		return
	}
	l.ln = ln
	l.lock.Unlock()

	bound := bridge.AddressFromNet(ln.Addr())
	stack.logger().Info("listening", "id", l.ID, "address", bound)
	stack.emit(bridge.ListeningEvent{ID: l.ID, Address: bound})
	stack.acceptLoop(l)
}

func (stack *TCPStack) closeListener(l *Listener, hadError bool) {
	l.closeOnce.Do(func() {
		stack.removeFromTable(l.ID)
		stack.logger().Debug("listener closed", "id", l.ID, "had_error", hadError)
		stack.emit(bridge.CloseEvent{ID: l.ID, HadError: hadError})
	})
}

func (stack *TCPStack) acceptLoop(l *Listener) {
	var tempDelay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosing() {
				stack.closeListener(l, false)
				return
			}
			if isTransientAcceptError(err) {
				tempDelay = nextBackoff(tempDelay)
				stack.logger().Warn("accept error, retrying", "id", l.ID, "err", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			stack.emit(bridge.ErrorEvent{ID: l.ID, Error: errors.Wrap(err, "accept").Error()})
			l.close()
			stack.closeListener(l, true)
			return
		}
		tempDelay = 0
		stack.accepted(l, conn)
	}
}

// accepted registers conn under a fresh id and announces it on the
// listener before any of its own events can be emitted.
func (stack *TCPStack) accepted(l *Listener, conn net.Conn) {
	socket := newSocket(stack.nextAcceptedID(), ESTABLISHED)
	socket.conn = conn
	if err := stack.addToTable(socket); err != nil {
		stack.logger().Warn("dropping accepted connection", "id", socket.ID, "err", err)
		conn.Close()
		return
	}

	local, remote := addrPort(conn.LocalAddr()), addrPort(conn.RemoteAddr())
	if stack.cfg.Tracer != nil {
		stack.cfg.Tracer.Opened(socket.ID, local, remote, false)
	}
	stack.logger().Debug("accepted", "listener", l.ID, "id", socket.ID, "remote", remote)
	stack.emit(bridge.ConnectionEvent{ID: l.ID, Info: bridge.ConnectionInfo{
		ID:      socket.ID,
		Address: bridge.AddressOf(remote),
		Local:   bridge.AddressOf(local),
	}})

	stack.wg.Add(2)
	go socket.sendingThread(stack)
	go socket.receivingThread(stack)
}

func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

// nextBackoff doubles the delay up to acceptBackoffMax and adds up to 50%
// jitter.
func nextBackoff(prev time.Duration) time.Duration {
	d := prev * 2
	if d == 0 {
		d = acceptBackoffMin
	}
	if d > acceptBackoffMax {
		d = acceptBackoffMax
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}
