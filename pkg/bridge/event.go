package bridge

import "fmt"

// Kind tags each event variant on the wire.
type Kind uint8

const (
	KindConnect Kind = iota + 1
	KindConnection
	KindData
	KindClose
	KindError
	KindListening
)

var kindNames = map[Kind]string{
	KindConnect:    "connect",
	KindConnection: "connection",
	KindData:       "data",
	KindClose:      "close",
	KindError:      "error",
	KindListening:  "listening",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Event is one notification from the native side. The set of variants is
// closed: only the types in this file implement it.
type Event interface {
	SocketID() ID
	Kind() Kind
	event()
}

// ConnectEvent reports that an outbound connection was established.
type ConnectEvent struct {
	ID      ID
	Address Address // remote end
	Local   Address
}

// ConnectionInfo describes a connection accepted by a listener.
type ConnectionInfo struct {
	ID      ID
	Address Address // remote end
	Local   Address
}

// ConnectionEvent is raised on the listener's id for every accepted
// connection. No event for Info.ID is emitted before it.
type ConnectionEvent struct {
	ID   ID
	Info ConnectionInfo
}

// DataEvent carries one received chunk, base64 encoded.
type DataEvent struct {
	ID   ID
	Data string
}

// CloseEvent is the terminal event for an id.
type CloseEvent struct {
	ID       ID
	HadError bool
}

// ErrorEvent reports a transport failure. Except for listen failures it is
// always followed by a CloseEvent for the same id.
type ErrorEvent struct {
	ID    ID
	Error string
}

// ListeningEvent reports that a listener is bound.
type ListeningEvent struct {
	ID      ID
	Address Address
}

func (e ConnectEvent) SocketID() ID    { return e.ID }
func (e ConnectionEvent) SocketID() ID { return e.ID }
func (e DataEvent) SocketID() ID       { return e.ID }
func (e CloseEvent) SocketID() ID      { return e.ID }
func (e ErrorEvent) SocketID() ID      { return e.ID }
func (e ListeningEvent) SocketID() ID  { return e.ID }

func (ConnectEvent) Kind() Kind    { return KindConnect }
func (ConnectionEvent) Kind() Kind { return KindConnection }
func (DataEvent) Kind() Kind       { return KindData }
func (CloseEvent) Kind() Kind      { return KindClose }
func (ErrorEvent) Kind() Kind      { return KindError }
func (ListeningEvent) Kind() Kind  { return KindListening }

func (ConnectEvent) event()    {}
func (ConnectionEvent) event() {}
func (DataEvent) event()       {}
func (CloseEvent) event()      {}
func (ErrorEvent) event()      {}
func (ListeningEvent) event()  {}
