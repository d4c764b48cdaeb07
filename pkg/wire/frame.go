// Package wire carries the bridge between processes. A Client implements
// bridge.Transport over a stream connection, and a Server answers it with
// one tcpstack per session.
package wire

import (
	"fmt"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
)

// ProtocolVersion is exchanged in the hello frames. Peers with different
// versions refuse each other.
const ProtocolVersion = 1

type opcode uint8

const (
	opHello opcode = iota + 1
	opListen
	opConnect
	opWrite
	opEnd
	opDestroy
	opOptions
	opWritten
	opEvent
)

var opNames = map[opcode]string{
	opHello:   "hello",
	opListen:  "listen",
	opConnect: "connect",
	opWrite:   "write",
	opEnd:     "end",
	opDestroy: "destroy",
	opOptions: "options",
	opWritten: "written",
	opEvent:   "event",
}

func (o opcode) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", o)
}

// frame is the single message shape in both directions. Which fields are
// meaningful depends on Op and, for events, on Event.
type frame struct {
	Op      opcode    `cbor:"op"`
	ID      bridge.ID `cbor:"id,omitempty"`
	Seq     uint64    `cbor:"seq,omitempty"`
	Version int       `cbor:"version,omitempty"`

	Host    string                 `cbor:"host,omitempty"`
	Port    int                    `cbor:"port,omitempty"`
	Listen  *bridge.ListenOptions  `cbor:"listen,omitempty"`
	Connect *bridge.ConnectOptions `cbor:"connect,omitempty"`
	Options *bridge.SocketOptions  `cbor:"options,omitempty"`
	Payload string                 `cbor:"payload,omitempty"`
	Error   string                 `cbor:"error,omitempty"`

	Event    bridge.Kind            `cbor:"event,omitempty"`
	Address  *bridge.Address        `cbor:"address,omitempty"`
	Local    *bridge.Address        `cbor:"local,omitempty"`
	Info     *bridge.ConnectionInfo `cbor:"info,omitempty"`
	HadError bool                   `cbor:"had_error,omitempty"`
}

func eventFrame(ev bridge.Event) *frame {
	f := &frame{Op: opEvent, ID: ev.SocketID(), Event: ev.Kind()}
	switch ev := ev.(type) {
	case bridge.ConnectEvent:
		f.Address, f.Local = &ev.Address, &ev.Local
	case bridge.ConnectionEvent:
		f.Info = &ev.Info
	case bridge.DataEvent:
		f.Payload = ev.Data
	case bridge.CloseEvent:
		f.HadError = ev.HadError
	case bridge.ErrorEvent:
		f.Error = ev.Error
	case bridge.ListeningEvent:
		f.Address = &ev.Address
	}
	return f
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func (f *frame) event() (bridge.Event, error) {
	switch f.Event {
	case bridge.KindConnect:
		return bridge.ConnectEvent{ID: f.ID, Address: deref(f.Address), Local: deref(f.Local)}, nil
	case bridge.KindConnection:
		if f.Info == nil {
			return nil, errors.New("connection event without info")
		}
		return bridge.ConnectionEvent{ID: f.ID, Info: *f.Info}, nil
	case bridge.KindData:
		return bridge.DataEvent{ID: f.ID, Data: f.Payload}, nil
	case bridge.KindClose:
		return bridge.CloseEvent{ID: f.ID, HadError: f.HadError}, nil
	case bridge.KindError:
		return bridge.ErrorEvent{ID: f.ID, Error: f.Error}, nil
	case bridge.KindListening:
		return bridge.ListeningEvent{ID: f.ID, Address: deref(f.Address)}, nil
	}
	return nil, errors.Errorf("unknown event %s", f.Event)
}
