package engine

import (
	"fmt"
	"sync"
)

// Registry tracks the active sessions by namespace and routes inbound
// events to them. It is an explicit object passed by reference, so tests
// and multiple pipeline instances each get their own.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register claims a namespace for a session. A namespace is never reused
// while its session is registered; reuse is safe only after Unregister.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.Namespace()]; exists {
		return fmt.Errorf("namespace %s already in use", s.Namespace())
	}
	r.sessions[s.Namespace()] = s
	return nil
}

// Unregister releases a namespace
func (r *Registry) Unregister(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, namespace)
}

// Dispatch routes one event to the session owning its namespace. Events for
// unknown or torn-down namespaces are dropped silently; a session that
// outlives its teardown must never corrupt another session's state.
func (r *Registry) Dispatch(ev *Event) {
	r.mu.RLock()
	s := r.sessions[ev.Namespace]
	r.mu.RUnlock()
	if s == nil {
		return
	}
	s.HandleEvent(ev)
}

// Len reports the number of active sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
