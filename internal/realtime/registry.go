package realtime

import "sync"

// Registry is the process-local set of live connections and their channel memberships.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	channels map[string]map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*Conn),
		channels: make(map[string]map[string]*Conn),
	}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Remove drops the connection and all of its memberships. It reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	for name, members := range r.channels {
		delete(members, id)
		if len(members) == 0 {
			delete(r.channels, name)
		}
	}
	return true
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Join is a no-op for unknown connections.
func (r *Registry) Join(id, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]*Conn)
		r.channels[channel] = members
	}
	members[id] = c
	return true
}

func (r *Registry) Leave(id, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

// Snapshot copies the live set so fan-out never holds the lock while sending.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) ChannelCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.channels))
	for name, members := range r.channels {
		out[name] = len(members)
	}
	return out
}
