package gateway

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

const TopicDriverAvailable = "driver.available"

func OrderTopic(orderID string) string  { return "order:" + orderID }
func DriverTopic(driverID string) string { return "driver:" + driverID }

// Registry holds the live connections and their topic subscriptions.
// Nothing in it survives a dropped socket.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	topics map[string]map[string]*Conn
	joined map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		topics: make(map[string]map[string]*Conn),
		joined: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	r.joined[c.ID] = make(map[string]struct{})
}

// Remove drops c and every subscription it held.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.joined[c.ID] {
		r.leaveLocked(c.ID, topic)
	}
	delete(r.joined, c.ID)
	delete(r.conns, c.ID)
}

// Join subscribes c to topic and reports whether it was newly joined.
func (r *Registry) Join(c *Conn, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.joined[c.ID]
	if !ok {
		return false
	}
	if _, already := set[topic]; already {
		return false
	}
	set[topic] = struct{}{}
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]*Conn)
	}
	r.topics[topic][c.ID] = c
	return true
}

func (r *Registry) Leave(c *Conn, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.joined[c.ID][topic]; !ok {
		return false
	}
	r.leaveLocked(c.ID, topic)
	delete(r.joined[c.ID], topic)
	return true
}

func (r *Registry) leaveLocked(connID, topic string) {
	if set := r.topics[topic]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
}

func (r *Registry) Subscribers(topic string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.topics[topic]))
	for _, c := range r.topics[topic] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) ByRole(role models.Role) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.Identity.Role == role {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Topics(c *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.joined[c.ID]))
	for t := range r.joined[c.ID] {
		out = append(out, t)
	}
	return out
}

func (r *Registry) All() []*Conn {
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
