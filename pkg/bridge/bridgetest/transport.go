// Package bridgetest provides an in-memory bridge.Transport that records
// commands and lets tests inject events.
package bridgetest

import (
	"sync"

	"tcpbridge/pkg/bridge"
)

// Command is one recorded call on the transport.
type Command struct {
	Op      string
	ID      bridge.ID
	Host    string
	Port    int
	Payload string
	Listen  bridge.ListenOptions
	Connect bridge.ConnectOptions
	Options bridge.SocketOptions
}

// Transport records every command. Writes complete immediately unless
// HoldWrites is set, in which case tests finish them with CompleteWrite.
type Transport struct {
	HoldWrites bool

	mu       sync.Mutex
	sink     bridge.Sink
	commands []Command
	writes   []*bridge.Completion
	changed  chan struct{}
}

func New() *Transport {
	return &Transport{changed: make(chan struct{}, 1)}
}

func (t *Transport) Subscribe(sink bridge.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Emit delivers ev to the subscribed sink on the calling goroutine.
func (t *Transport) Emit(ev bridge.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (t *Transport) record(c Command) {
	t.mu.Lock()
	t.commands = append(t.commands, c)
	t.mu.Unlock()
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *Transport) Listen(id bridge.ID, host string, port int, opts bridge.ListenOptions) {
	t.record(Command{Op: "listen", ID: id, Host: host, Port: port, Listen: opts})
}

func (t *Transport) Connect(id bridge.ID, host string, port int, opts bridge.ConnectOptions) {
	t.record(Command{Op: "connect", ID: id, Host: host, Port: port, Connect: opts})
}

func (t *Transport) Write(id bridge.ID, payload string) *bridge.Completion {
	c := bridge.NewCompletion()
	t.mu.Lock()
	hold := t.HoldWrites
	t.writes = append(t.writes, c)
	t.mu.Unlock()
	t.record(Command{Op: "write", ID: id, Payload: payload})
	if !hold {
		c.Complete(nil)
	}
	return c
}

func (t *Transport) End(id bridge.ID) {
	t.record(Command{Op: "end", ID: id})
}

func (t *Transport) Destroy(id bridge.ID) {
	t.record(Command{Op: "destroy", ID: id})
}

func (t *Transport) SetOptions(id bridge.ID, opts bridge.SocketOptions) {
	t.record(Command{Op: "options", ID: id, Options: opts})
}

// Commands returns a copy of everything recorded so far.
func (t *Transport) Commands() []Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Command, len(t.commands))
	copy(out, t.commands)
	return out
}

// Ops returns just the operation names, in order.
func (t *Transport) Ops() []string {
	var ops []string
	for _, c := range t.Commands() {
		ops = append(ops, c.Op)
	}
	return ops
}

// CompleteWrite finishes the i-th write issued (zero based).
func (t *Transport) CompleteWrite(i int, err error) {
	t.mu.Lock()
	c := t.writes[i]
	t.mu.Unlock()
	c.Complete(err)
}

// Changed is signalled after each recorded command.
func (t *Transport) Changed() <-chan struct{} { return t.changed }
