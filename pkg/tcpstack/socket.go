package tcpstack

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
)

type opKind int

const (
	opWrite opKind = iota
	opEnd
	opOptions
)

type op struct {
	kind opKind
	data []byte
	done *bridge.Completion
	opts bridge.SocketOptions
}

type (
	TCPSocket struct {
		ID      bridge.ID
		State   int32
		SendBuf SendQueue

		conn   net.Conn
		ctx    context.Context
		cancel context.CancelFunc

		emitLock sync.Mutex
		closed   bool // close event emitted
	}
	// SendQueue holds the commands waiting for the sending thread.
	SendQueue struct {
		Ops  []op
		Lock sync.Mutex
		Cond *sync.Cond
	}
)

func newSocket(id bridge.ID, state TCPState) *TCPSocket {
	ctx, cancel := newContext()
	socket := &TCPSocket{ID: id, State: int32(state), ctx: ctx, cancel: cancel}
	socket.SendBuf.Cond = sync.NewCond(&socket.SendBuf.Lock)
	return socket
}

func (socket *TCPSocket) GetState() TCPState {
	return TCPState(atomic.LoadInt32(&socket.State))
}

func (socket *TCPSocket) setState(state TCPState) {
	atomic.StoreInt32(&socket.State, int32(state))
}

// establish attaches the dialed conn. It fails if the socket was closed
// while dialing.
func (socket *TCPSocket) establish(conn net.Conn) bool {
	socket.SendBuf.Lock.Lock()
	defer socket.SendBuf.Lock.Unlock()
	if socket.GetState() == CLOSED {
		return false
	}
	socket.conn = conn
	socket.setState(ESTABLISHED)
	socket.SendBuf.Cond.Broadcast()
	return true
}

func (socket *TCPSocket) enqueue(o op) bool {
	socket.SendBuf.Lock.Lock()
	defer socket.SendBuf.Lock.Unlock()
	if socket.GetState() == CLOSED {
		return false
	}
	socket.SendBuf.Ops = append(socket.SendBuf.Ops, o)
	socket.SendBuf.Cond.Broadcast()
	return true
}

// shutdown marks the socket closed, closes its conn and wakes the sending
// thread so it can fail whatever is still queued.
func (socket *TCPSocket) shutdown() {
	socket.cancel()
	socket.SendBuf.Lock.Lock()
	socket.setState(CLOSED)
	conn := socket.conn
	socket.SendBuf.Cond.Broadcast()
	socket.SendBuf.Lock.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (socket *TCPSocket) sendingThread(stack *TCPStack) {
	defer stack.wg.Done()
	socket.SendBuf.Lock.Lock()
	for {
		state := socket.GetState()
		if state == CLOSED {
			pending := socket.SendBuf.Ops
			socket.SendBuf.Ops = nil
			socket.SendBuf.Lock.Unlock()
			for _, o := range pending {
				if o.done != nil {
					o.done.Complete(ErrClosed)
				}
			}
			return
		}
		if state == SYN_SENT || len(socket.SendBuf.Ops) == 0 {
			socket.SendBuf.Cond.Wait()
			continue
		}
		o := socket.SendBuf.Ops[0]
		socket.SendBuf.Ops[0] = op{}
		socket.SendBuf.Ops = socket.SendBuf.Ops[1:]
		conn := socket.conn
		socket.SendBuf.Lock.Unlock()

		switch o.kind {
		case opWrite:
			if _, err := conn.Write(o.data); err != nil {
				o.done.Complete(err)
				stack.fail(socket, errors.Wrap(err, "write"))
			} else {
				if stack.cfg.Tracer != nil {
					stack.cfg.Tracer.Segment(socket.ID, true, o.data)
				}
				o.done.Complete(nil)
			}
		case opEnd:
			if err := closeWrite(conn); err != nil {
				stack.fail(socket, errors.Wrap(err, "end"))
			} else if socket.GetState() == ESTABLISHED {
				socket.setState(FIN_WAIT_1)
			}
		case opOptions:
			if err := applyOptions(conn, o.opts); err != nil {
				stack.logger().Warn("set socket options", "id", socket.ID, "err", err)
			}
		}
		socket.SendBuf.Lock.Lock()
	}
}

func closeWrite(conn net.Conn) error {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return conn.Close()
}

func applyOptions(conn net.Conn, opts bridge.SocketOptions) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if opts.NoDelay != nil {
		if err := tcp.SetNoDelay(*opts.NoDelay); err != nil {
			return errors.Wrap(err, "no delay")
		}
	}
	if opts.KeepAlive != nil {
		if err := tcp.SetKeepAlive(*opts.KeepAlive); err != nil {
			return errors.Wrap(err, "keep alive")
		}
		if *opts.KeepAlive && opts.KeepAlivePeriod > 0 {
			if err := tcp.SetKeepAlivePeriod(opts.KeepAlivePeriod); err != nil {
				return errors.Wrap(err, "keep alive period")
			}
		}
	}
	return nil
}

// receivingThread turns every read into a data event. A clean end of
// stream, or the socket being closed locally, ends it with a close event;
// any other failure is reported first.
func (socket *TCPSocket) receivingThread(stack *TCPStack) {
	defer stack.wg.Done()
	buf := make([]byte, stack.cfg.ReceiveBufferSize)
	for {
		n, err := socket.conn.Read(buf)
		if n > 0 {
			socket.emitLock.Lock()
			if socket.closed {
				socket.emitLock.Unlock()
				return
			}
			if stack.cfg.Tracer != nil {
				stack.cfg.Tracer.Segment(socket.ID, false, buf[:n])
			}
			stack.emit(bridge.DataEvent{ID: socket.ID, Data: bridge.EncodePayload(buf[:n])})
			socket.emitLock.Unlock()
		}
		switch {
		case err == nil && n > 0:
			continue
		case err == nil, errors.Is(err, io.EOF), socket.GetState() == CLOSED:
			stack.closeSocket(socket, false)
		default:
			stack.fail(socket, errors.Wrap(err, "read"))
		}
		return
	}
}
