package credstore

import (
	"bytes"
	"sort"
	"sync"
)

// AuthState is the working copy of a credential record. It remembers what
// changed since the last successful Save so that saves stay incremental.
// It is safe for concurrent use.
type AuthState struct {
	mu         sync.Mutex
	creds      []byte
	keys       map[string][]byte
	dirtyCreds bool
	dirtyKeys  map[string]struct{}
	removed    map[string]struct{}
}

// NewAuthState returns an empty state for an assistant that has never paired.
func NewAuthState() *AuthState {
	return &AuthState{
		keys:      make(map[string][]byte),
		dirtyKeys: make(map[string]struct{}),
		removed:   make(map[string]struct{}),
	}
}

func newLoadedAuthState(creds []byte, keys map[string][]byte) *AuthState {
	st := NewAuthState()
	st.creds = creds
	st.keys = keys
	return st
}

// Creds returns a copy of the primary identity blob.
func (a *AuthState) Creds() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bytes.Clone(a.creds)
}

// SetCreds replaces the primary blob. Unchanged content is not marked dirty.
func (a *AuthState) SetCreds(creds []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds != nil && bytes.Equal(a.creds, creds) {
		return
	}
	a.creds = bytes.Clone(creds)
	a.dirtyCreds = true
}

// Key returns a copy of one auxiliary key.
func (a *AuthState) Key(name string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.keys[name]
	return bytes.Clone(v), ok
}

// SetKey adds or replaces an auxiliary key.
func (a *AuthState) SetKey(name string, value []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.keys[name]; ok && bytes.Equal(old, value) {
		return
	}
	a.keys[name] = bytes.Clone(value)
	a.dirtyKeys[name] = struct{}{}
	delete(a.removed, name)
}

// RemoveKey drops an auxiliary key; the next Save deletes it durably.
func (a *AuthState) RemoveKey(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.keys[name]; !ok {
		return
	}
	delete(a.keys, name)
	delete(a.dirtyKeys, name)
	a.removed[name] = struct{}{}
}

// KeyNames returns the auxiliary key names in sorted order.
func (a *AuthState) KeyNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.keys))
	for name := range a.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Record returns a deep copy of the current material.
func (a *AuthState) Record() Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make(map[string][]byte, len(a.keys))
	for k, v := range a.keys {
		keys[k] = bytes.Clone(v)
	}
	return Record{Creds: bytes.Clone(a.creds), Keys: keys}
}

// Dirty reports whether anything changed since the last successful Save.
func (a *AuthState) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirtyCreds || len(a.dirtyKeys) > 0 || len(a.removed) > 0
}

// Empty reports whether the state holds no creds blob.
func (a *AuthState) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.creds) == 0
}

func (a *AuthState) pending() (creds []byte, dirtyCreds bool, dirty map[string][]byte, removed []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dirty = make(map[string][]byte, len(a.dirtyKeys))
	for name := range a.dirtyKeys {
		dirty[name] = bytes.Clone(a.keys[name])
	}
	for name := range a.removed {
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return bytes.Clone(a.creds), a.dirtyCreds, dirty, removed
}

// The mark* helpers clear a dirty marker only if the value is still the one
// that was written, so a concurrent update stays pending.

func (a *AuthState) markCredsClean(written []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bytes.Equal(a.creds, written) {
		a.dirtyCreds = false
	}
}

func (a *AuthState) markKeyClean(name string, written []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.keys[name]; ok && bytes.Equal(cur, written) {
		delete(a.dirtyKeys, name)
	}
}

func (a *AuthState) markRemovalDone(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, back := a.keys[name]; !back {
		delete(a.removed, name)
	}
}
