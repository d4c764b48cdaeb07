package socket

import (
	"strconv"
	"sync"

	"tcpbridge/pkg/bridge"
)

type ListenOptions struct {
	Host      string // empty listens on every interface
	Port      int
	ReusePort bool
}

// Server accepts inbound connections through a control socket registered
// under its own id.
type Server struct {
	// MaxConnections, when positive, caps live connections. Connections
	// arriving over the cap are destroyed and not counted.
	MaxConnections int

	net          *Network
	onConnection func(*Socket)

	mu          sync.Mutex
	control     *Socket
	listening   bool
	closing     bool // Close was called on the current control socket
	address     bridge.Address
	connections int
	onListening []func(bridge.Address)
	onClose     []func()
	onError     []func(error)
}

// NewServer returns a server that hands every accepted socket to
// onConnection.
func (n *Network) NewServer(onConnection func(*Socket)) *Server {
	return &Server{net: n, onConnection: onConnection}
}

// Listen starts listening. It is legal once per listening session: a
// second call before Close fails with ErrAlreadyListening. Bind failures
// arrive through OnError.
func (srv *Server) Listen(opts ListenOptions) error {
	if !IsLegalPort(opts.Port) {
		return &ValidationError{Option: "port", Value: strconv.Itoa(opts.Port), Reason: "must be >= 0 and <= 65535"}
	}

	srv.mu.Lock()
	if srv.control != nil {
		srv.mu.Unlock()
		return &StateError{Op: "listen", State: DISCONNECTED, Err: ErrAlreadyListening}
	}
	control := srv.net.NewSocket()
	control.onConnection = srv.handleConnection
	control.onListening = srv.handleListening
	control.OnError(srv.handleError)
	control.OnClose(func(bool) { srv.handleControlClose(control) })
	srv.control = control
	srv.mu.Unlock()

	if err := control.listen(opts.Host, opts.Port, bridge.ListenOptions{ReusePort: opts.ReusePort}); err != nil {
		srv.mu.Lock()
		srv.control = nil
		srv.mu.Unlock()
		return err
	}
	return nil
}

// Close stops accepting. Established connections are left alone. Calling
// it more than once, or on a server that is not listening, does nothing.
func (srv *Server) Close() error {
	srv.mu.Lock()
	control := srv.control
	if control != nil {
		srv.closing = true
	}
	srv.mu.Unlock()
	if control == nil {
		return nil
	}
	return control.End(nil)
}

// Connections is the number of accepted connections still open.
func (srv *Server) Connections() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.connections
}

func (srv *Server) Listening() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.listening
}

// Address is the bound address once listening.
func (srv *Server) Address() bridge.Address {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.address
}

// ID is the control socket's id, or zero when not listening.
func (srv *Server) ID() bridge.ID {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.control == nil {
		return 0
	}
	return srv.control.id
}

func (srv *Server) OnListening(fn func(bridge.Address)) {
	srv.mu.Lock()
	srv.onListening = append(srv.onListening, fn)
	srv.mu.Unlock()
}

// OnClose registers fn for the end of a listening session. It is not
// called when listening failed before the server was bound, unless Close
// had already been called.
func (srv *Server) OnClose(fn func()) {
	srv.mu.Lock()
	srv.onClose = append(srv.onClose, fn)
	srv.mu.Unlock()
}

func (srv *Server) OnError(fn func(error)) {
	srv.mu.Lock()
	srv.onError = append(srv.onError, fn)
	srv.mu.Unlock()
}

func (srv *Server) handleListening(addr bridge.Address) {
	srv.mu.Lock()
	srv.listening = true
	srv.address = addr
	callbacks := append([]func(bridge.Address){}, srv.onListening...)
	srv.mu.Unlock()
	srv.net.logger().Info("listening", "id", srv.ID(), "address", addr)
	for _, fn := range callbacks {
		fn(addr)
	}
}

func (srv *Server) handleConnection(child *Socket) {
	srv.mu.Lock()
	if srv.MaxConnections > 0 && srv.connections >= srv.MaxConnections {
		srv.mu.Unlock()
		srv.net.logger().Debug("rejecting connection over limit", "conn", child.id, "max", srv.MaxConnections)
		child.Destroy()
		return
	}
	srv.connections++
	srv.mu.Unlock()

	child.OnClose(func(bool) {
		srv.mu.Lock()
		srv.connections--
		srv.mu.Unlock()
	})
	if srv.onConnection != nil {
		srv.onConnection(child)
	}
}

func (srv *Server) handleError(err error) {
	srv.mu.Lock()
	callbacks := append([]func(error){}, srv.onError...)
	srv.mu.Unlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (srv *Server) handleControlClose(control *Socket) {
	srv.mu.Lock()
	if srv.control != control {
		srv.mu.Unlock()
		return
	}
	notify := srv.listening || srv.closing
	srv.control = nil
	srv.listening = false
	srv.closing = false
	callbacks := append([]func(){}, srv.onClose...)
	srv.mu.Unlock()

	if !notify {
		return
	}
	for _, fn := range callbacks {
		fn()
	}
}
