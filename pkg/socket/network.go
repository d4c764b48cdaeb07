// Package socket is the host-facing half of the bridge: Socket and Server
// objects whose operations become transport commands and whose state is
// driven by the events the transport sends back.
package socket

import (
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
	"tcpbridge/pkg/clock"
	"tcpbridge/pkg/registry"
	"tcpbridge/pkg/stream"
)

type Options struct {
	Clock         clock.Clock
	Logger        *slog.Logger
	HighWaterMark int
}

// Network owns the registry shared by every socket created through it and
// the transport they issue commands on.
type Network struct {
	Logger *slog.Logger

	transport     bridge.Transport
	registry      *registry.Registry
	clock         clock.Clock
	highWaterMark int
	lastID        atomic.Int64
}

// NewNetwork subscribes to transport's events. A transport should be used
// by one Network only.
func NewNetwork(transport bridge.Transport, opts Options) *Network {
	n := &Network{
		Logger:        opts.Logger,
		transport:     transport,
		clock:         opts.Clock,
		highWaterMark: opts.HighWaterMark,
	}
	if n.clock == nil {
		n.clock = clock.Real()
	}
	if n.highWaterMark <= 0 {
		n.highWaterMark = stream.DefaultHighWaterMark
	}
	n.registry = registry.New(n.logger())
	transport.Subscribe(func(ev bridge.Event) { n.registry.Dispatch(ev) })
	return n
}

func (n *Network) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// NewSocket returns a disconnected socket with a fresh id.
func (n *Network) NewSocket() *Socket {
	return newSocket(n, bridge.ID(n.lastID.Add(1)))
}

// Connect creates a socket and starts connecting it. onConnect, if not nil,
// is registered before the connect command is issued.
func (n *Network) Connect(opts ConnectOptions, onConnect func()) (*Socket, error) {
	s := n.NewSocket()
	if onConnect != nil {
		s.OnConnect(onConnect)
	}
	if err := s.Connect(opts); err != nil {
		return nil, err
	}
	return s, nil
}

// adopt creates the socket for a connection the native side accepted. The
// socket is registered before adopt returns so none of its events are lost.
func (n *Network) adopt(info bridge.ConnectionInfo) (*Socket, error) {
	s := newSocket(n, info.ID)
	s.setState(CONNECTED)
	s.remote = info.Address
	s.local = info.Local
	s.registered = true
	if err := n.registry.Register(info.ID, s); err != nil {
		return nil, errors.Wrap(err, "adopt accepted connection")
	}
	return s, nil
}

// Socket looks up a live socket by id.
func (n *Network) Socket(id bridge.ID) (*Socket, bool) {
	h, ok := n.registry.Lookup(id)
	if !ok {
		return nil, false
	}
	s, ok := h.(*Socket)
	return s, ok
}

// Sockets returns every registered socket, listeners included, by id.
func (n *Network) Sockets() []*Socket {
	var out []*Socket
	for _, id := range n.registry.IDs() {
		if s, ok := n.Socket(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// Close destroys every registered socket.
func (n *Network) Close() {
	for _, s := range n.Sockets() {
		s.Destroy()
	}
}
