package wire

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
	"tcpbridge/pkg/tcpstack"
)

// Server runs the native side for remote clients. Every session gets its
// own tcpstack, torn down when the session ends.
type Server struct {
	// Stack configures each session's tcpstack.
	Stack    tcpstack.Config
	Compress bool
	Logger   *slog.Logger

	// NewTracer, if set, supplies the tracer of each new session. Tracers
	// that are io.Closers are closed when their session ends.
	NewTracer func() (tcpstack.Tracer, error)

	wg sync.WaitGroup
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Serve accepts sessions until ctx is done or ln fails, then waits for the
// sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept session")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, nc); err != nil {
				s.logger().Warn("session failed", "err", err)
			}
		}()
	}
}

type session struct {
	log   *slog.Logger
	conn  *conn
	stack *tcpstack.TCPStack
	wg    sync.WaitGroup
}

// ServeConn runs one session on nc and closes it when done.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	defer nc.Close()
	sess := &session{
		log:  s.logger().With("session", nc.RemoteAddr().String()),
		conn: newConn(nc, s.Compress),
	}

	hello, err := sess.conn.recv()
	if err != nil {
		return errors.Wrap(err, "hello")
	}
	if hello.Op != opHello {
		return errors.Errorf("hello: unexpected %s frame", hello.Op)
	}
	if hello.Version != ProtocolVersion {
		sess.conn.send(&frame{Op: opHello, Version: ProtocolVersion, Error: ErrVersionMismatch.Error()})
		return errors.Wrapf(ErrVersionMismatch, "client speaks version %d", hello.Version)
	}
	if err := sess.conn.send(&frame{Op: opHello, Version: ProtocolVersion}); err != nil {
		return err
	}

	cfg := s.Stack
	if cfg.Logger == nil {
		cfg.Logger = sess.log
	}
	if s.NewTracer != nil {
		tracer, err := s.NewTracer()
		if err != nil {
			sess.log.Warn("session runs without trace", "err", err)
		} else {
			cfg.Tracer = tracer
			if closer, ok := tracer.(io.Closer); ok {
				defer closer.Close()
			}
		}
	}
	sess.stack = tcpstack.New(cfg)
	sess.stack.Subscribe(sess.emit)
	sess.log.Info("session started")

	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	err = sess.serve()
	sess.stack.Close()
	sess.wg.Wait()
	sess.log.Info("session ended")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (sess *session) emit(ev bridge.Event) {
	if err := sess.conn.send(eventFrame(ev)); err != nil {
		sess.log.Debug("cannot relay event", "id", ev.SocketID(), "kind", ev.Kind(), "err", err)
	}
}

func (sess *session) serve() error {
	for {
		f, err := sess.conn.recv()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isEOF(err) {
				return nil
			}
			return err
		}
		switch f.Op {
		case opListen:
			sess.stack.Listen(f.ID, f.Host, f.Port, deref(f.Listen))
		case opConnect:
			sess.stack.Connect(f.ID, f.Host, f.Port, deref(f.Connect))
		case opWrite:
			sess.write(f)
		case opEnd:
			sess.stack.End(f.ID)
		case opDestroy:
			sess.stack.Destroy(f.ID)
		case opOptions:
			sess.stack.SetOptions(f.ID, deref(f.Options))
		default:
			sess.log.Warn("unexpected frame", "op", f.Op, "id", f.ID)
		}
	}
}

func (sess *session) write(f *frame) {
	done := sess.stack.Write(f.ID, f.Payload)
	reply := func() {
		out := &frame{Op: opWritten, ID: f.ID, Seq: f.Seq}
		if err := done.Err(); err != nil {
			out.Error = err.Error()
		}
		if err := sess.conn.send(out); err != nil {
			sess.log.Debug("cannot relay write outcome", "id", f.ID, "seq", f.Seq, "err", err)
		}
	}
	select {
	case <-done.Done():
		reply()
		return
	default:
	}
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		<-done.Done()
		reply()
	}()
}
