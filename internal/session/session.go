// Package session provides the in-memory registry of per-assistant session state.
package session

import (
	"sort"
	"sync"
	"time"
)

// Status is the externally visible connection state of a session.
type Status string

const (
	StatusLoading      Status = "loading"
	StatusQR           Status = "qr"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Session is the registry entry for one assistant.
type Session struct {
	AssistantID string    `json:"assistantId"`
	Status      Status    `json:"status"`
	QR          string    `json:"qr,omitempty"`
	Handle      string    `json:"handle"`
	LastError   string    `json:"lastError,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Registry maps assistant IDs to session state.
//
// Writes for a given assistant come from the connection manager only. Every
// conditional write carries the handle that was current when the caller
// acquired it, so a torn-down session cannot be resurrected by a late event.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get returns a copy of the session for id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Upsert creates the entry if needed and applies fn to it.
func (r *Registry) Upsert(id string, fn func(*Session)) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{AssistantID: id}
		r.sessions[id] = s
	}
	fn(s)
	s.UpdatedAt = r.now()
	return *s
}

// UpdateIf applies fn only when the entry exists and its handle matches.
// It reports whether the mutation was applied.
func (r *Registry) UpdateIf(id, handle string, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Handle != handle {
		return false
	}
	fn(s)
	s.UpdatedAt = r.now()
	return true
}

// Remove deletes the entry for id unconditionally.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// RemoveIf deletes the entry only when its handle matches.
func (r *Registry) RemoveIf(id, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Handle != handle {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns copies of all entries ordered by assistant ID.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AssistantID < out[j].AssistantID })
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
