// Package registry routes events coming off the transport to the socket
// that owns their id.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
)

var ErrDuplicateIdentifier = errors.New("duplicate connection identifier")

// Handler receives the events of one id. HandleEvent is called on the
// transport's goroutine and must not block.
type Handler interface {
	HandleEvent(ev bridge.Event)
}

type Registry struct {
	Logger *slog.Logger

	mu      sync.RWMutex
	entries map[bridge.ID]Handler
}

func New(logger *slog.Logger) *Registry {
	return &Registry{Logger: logger, entries: make(map[bridge.ID]Handler)}
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Register binds id to h. Registering the same handler again is a no-op;
// binding a different handler to a live id fails.
func (r *Registry) Register(id bridge.ID, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[id]; ok {
		if existing == h {
			return nil
		}
		return errors.Wrapf(ErrDuplicateIdentifier, "id %d", id)
	}
	r.entries[id] = h
	return nil
}

// Unregister removes id. Unknown ids are ignored.
func (r *Registry) Unregister(id bridge.ID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

func (r *Registry) Lookup(id bridge.ID) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[id]
	return h, ok
}

// Dispatch hands ev to the handler registered for its id. Events for
// unknown ids are dropped. Reports whether a handler received ev.
func (r *Registry) Dispatch(ev bridge.Event) bool {
	h, ok := r.Lookup(ev.SocketID())
	if !ok {
		r.logger().Debug("dropping event for unknown id", "id", ev.SocketID(), "kind", ev.Kind())
		return false
	}
	h.HandleEvent(ev)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs lists registered ids in ascending order.
func (r *Registry) IDs() []bridge.ID {
	r.mu.RLock()
	ids := make([]bridge.ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
