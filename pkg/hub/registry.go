package hub

import (
	"errors"
	"sort"
	"sync"

	"aibridge/pkg/metrics"
)

// ErrRegistryClosed is returned by Register once the leader has released the endpoint.
var ErrRegistryClosed = errors.New("connection registry closed")

// Registry is the leader's set of live connections. Register and Unregister are
// serialized with the idle timer so every empty/non-empty transition arms or
// cancels it exactly once.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	idle   *ShutdownScheduler
}

// NewRegistry creates an empty registry driving idle.
func NewRegistry(idle *ShutdownScheduler) *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		idle:  idle,
	}
}

// Register opens c and cancels any pending idle shutdown.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.conns[c.id] = c
	c.setState(StateOpen)
	r.idle.Cancel()
	metrics.HubConnections.Set(float64(len(r.conns)))
	return nil
}

// Unregister removes c and arms the idle shutdown when the registry becomes
// empty. It reports whether c was registered.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return false
	}
	delete(r.conns, c.id)
	metrics.HubConnections.Set(float64(len(r.conns)))
	if len(r.conns) == 0 && !r.closed {
		r.idle.Arm()
	}
	return true
}

// All returns the registered connections, oldest first.
func (r *Registry) All() []*Conn {
	r.mu.Lock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Closed reports whether the registry stopped accepting connections.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// closeIfIdle closes the registry if it is still empty and token is still the
// idle timer's current generation.
func (r *Registry) closeIfIdle(token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.conns) > 0 || !r.idle.Current(token) {
		return false
	}
	r.closed = true
	return true
}

// Clear closes the registry and hands back every connection it held.
func (r *Registry) Clear() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.idle.Cancel()
	out := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, c)
		delete(r.conns, id)
	}
	metrics.HubConnections.Set(0)
	return out
}
