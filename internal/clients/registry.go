package clients

import (
	"regexp"
	"sync"
)

// Conn is a live push channel to one client.
type Conn interface {
	// Send enqueues v for delivery and reports whether it was accepted.
	Send(v any) bool
	Close() error
}

var unsafeClientIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeClientID strips characters outside [A-Za-z0-9_-].
func SanitizeClientID(raw string) (string, bool) {
	clean := unsafeClientIDChars.ReplaceAllString(raw, "")
	return clean, clean != raw
}

// Registry maps client ids to their live connection.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	onChange func(count int)
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// SetChangeHook is called with the new connection count after every
// register or unregister.
func (r *Registry) SetChangeHook(hook func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = hook
}

// Register replaces any prior connection for clientID; the old one is closed.
func (r *Registry) Register(clientID string, conn Conn) {
	r.mu.Lock()
	prev := r.conns[clientID]
	r.conns[clientID] = conn
	count := len(r.conns)
	hook := r.onChange
	r.mu.Unlock()

	if prev != nil && prev != conn {
		_ = prev.Close()
	}
	if hook != nil {
		hook(count)
	}
}

// Unregister removes clientID only while it still maps to conn, so a
// replaced connection shutting down cannot evict its successor.
func (r *Registry) Unregister(clientID string, conn Conn) {
	r.mu.Lock()
	cur, ok := r.conns[clientID]
	if !ok || cur != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, clientID)
	count := len(r.conns)
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook(count)
	}
}

// Send is best effort: without a live connection the event is dropped.
func (r *Registry) Send(clientID string, v any) bool {
	r.mu.RLock()
	conn := r.conns[clientID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	return conn.Send(v)
}

func (r *Registry) IsConnected(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[clientID]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
