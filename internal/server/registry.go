package server

import (
	"sync"
	"sync/atomic"
)

// Registry tracks live connections and the presence counter derived from
// them. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	count   atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Connect adds c and returns its connection id. Registering the same client
// twice is a no-op.
func (r *Registry) Connect(c *Client) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c.id]; !exists {
		r.clients[c.id] = c
		r.count.Add(1)
	}
	return c.id
}

// Disconnect removes the connection and returns it. ok is false when id was
// not connected, in which case the counter is untouched.
func (r *Registry) Disconnect(id string) (c *Client, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok = r.clients[id]
	if ok {
		delete(r.clients, id)
		r.count.Add(-1)
	}
	return c, ok
}

// Count is the presence counter.
func (r *Registry) Count() int64 {
	return r.count.Load()
}

// Online is true while at least two participants are connected. It is
// computed from the counter on every call.
func (r *Registry) Online() bool {
	return r.Count() > 1
}

func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Snapshot returns the connected clients in no particular order.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// deliver queues payload on c's send buffer without blocking. The read lock
// is held across the send so Disconnect cannot close the channel mid-send.
func (r *Registry) deliver(c *Client, payload []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if current, exists := r.clients[c.id]; !exists || current != c {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}
