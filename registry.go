package wsgate

import "fmt"

// Registry maps transport connections to their sessions.
//
// A connection is present in the registry from its open event until its close
// event is processed. Registry does no locking.
type Registry struct {
	sessions map[Conn]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[Conn]*Session),
	}
}

// Attach creates and stores a new session for c.
// It returns ErrDuplicateConnection if c is already registered.
func (r *Registry) Attach(c Conn) (*Session, error) {
	if _, has := r.sessions[c]; has {
		return nil, fmt.Errorf("attach %v: %w", c, ErrDuplicateConnection)
	}
	s := newSession(c)
	r.sessions[c] = s
	return s, nil
}

// Lookup returns session for c.
// It returns ErrUnknownConnection if c is not registered.
func (r *Registry) Lookup(c Conn) (*Session, error) {
	s, has := r.sessions[c]
	if !has {
		return nil, fmt.Errorf("lookup %v: %w", c, ErrUnknownConnection)
	}
	return s, nil
}

// Detach removes session of c from the registry and returns it.
// It returns ErrUnknownConnection if c is not registered.
func (r *Registry) Detach(c Conn) (*Session, error) {
	s, has := r.sessions[c]
	if !has {
		return nil, fmt.Errorf("detach %v: %w", c, ErrUnknownConnection)
	}
	delete(r.sessions, c)
	return s, nil
}

// Len returns number of registered connections.
func (r *Registry) Len() int {
	return len(r.sessions)
}
