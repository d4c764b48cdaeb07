// Package bridge defines the boundary between the host-side socket objects
// and the native side that owns the OS sockets: the commands the host
// issues, the events the native side emits back, and the text-safe payload
// encoding used for data crossing it.
package bridge

import (
	"net"
	"net/netip"
	"strconv"
	"time"
)

// ID identifies one connection or listener on both sides of the boundary.
type ID int

// DefaultAcceptedIDBase is where the native side starts numbering accepted
// connections. Host-initiated ids count up from 1, so the two ranges stay
// apart for any realistic number of host sockets.
const DefaultAcceptedIDBase ID = 1 << 30

const (
	FamilyIPv4 = "IPv4"
	FamilyIPv6 = "IPv6"
)

// Address describes one end of a connection.
type Address struct {
	IP     string `cbor:"ip" json:"ip"`
	Family string `cbor:"family" json:"family"`
	Port   int    `cbor:"port" json:"port"`
}

// AddressOf converts a resolved endpoint.
func AddressOf(ap netip.AddrPort) Address {
	addr := ap.Addr().Unmap()
	family := FamilyIPv4
	if addr.Is6() {
		family = FamilyIPv6
	}
	return Address{IP: addr.String(), Family: family, Port: int(ap.Port())}
}

// AddressFromNet converts a net.Addr, returning the zero Address for
// anything that is not a TCP endpoint.
func AddressFromNet(a net.Addr) Address {
	tcp, ok := a.(*net.TCPAddr)
	if !ok || tcp == nil {
		return Address{}
	}
	return AddressOf(tcp.AddrPort())
}

// AddrPort parses the address back. ok is false for the zero Address.
func (a Address) AddrPort() (netip.AddrPort, bool) {
	addr, err := netip.ParseAddr(a.IP)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, uint16(a.Port)), true
}

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) String() string {
	if a.IsZero() {
		return "-"
	}
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// ListenOptions are passed along with a listen command.
type ListenOptions struct {
	ReusePort bool `cbor:"reuse_port,omitempty"`
}

// ConnectOptions are passed along with a connect command. LocalAddress has
// already been validated as an IP literal by the host.
type ConnectOptions struct {
	LocalAddress string `cbor:"local_address,omitempty"`
	LocalPort    int    `cbor:"local_port,omitempty"`
}

// SocketOptions adjusts an established connection. Nil fields are left alone.
type SocketOptions struct {
	NoDelay         *bool         `cbor:"no_delay,omitempty"`
	KeepAlive       *bool         `cbor:"keep_alive,omitempty"`
	KeepAlivePeriod time.Duration `cbor:"keep_alive_period,omitempty"`
}

// Sink receives events from the native side. Implementations must not block.
type Sink func(Event)

// Transport is the command surface of the native side. Every command is
// fire-and-forget: failures come back as events, except for Write, whose
// outcome is reported through the returned Completion.
type Transport interface {
	// Subscribe sets the sink every subsequent event is delivered to.
	Subscribe(sink Sink)

	Listen(id ID, host string, port int, opts ListenOptions)
	Connect(id ID, host string, port int, opts ConnectOptions)
	Write(id ID, payload string) *Completion
	End(id ID)
	Destroy(id ID)
	SetOptions(id ID, opts SocketOptions)
}
