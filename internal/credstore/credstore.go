// Package credstore persists per-assistant WhatsApp auth material so that
// sessions survive process restarts.
//
// A record is a primary creds blob plus a map of auxiliary keys. Each blob is
// stored as its own object:
//
//	<assistantId>/creds
//	<assistantId>/keys/<name>
//
// so saving a new key never rewrites the ones written before it.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/KafClaw/wagateway/internal/secrets"
)

// ErrNotFound is returned when no durable record exists for an assistant.
var ErrNotFound = errors.New("credential record not found")

// ErrInvalidID is returned for assistant IDs that cannot be used as object prefixes.
var ErrInvalidID = errors.New("invalid assistant id")

const (
	credsObject = "creds"
	keysPrefix  = "keys/"
)

// Backend is key-value object storage for opaque blobs.
// Get returns ErrNotFound for missing keys. List returns keys in ascending order.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// prefixScanner is implemented by backends that can fetch a whole prefix in one query.
type prefixScanner interface {
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Record is the durable credential material for one assistant.
type Record struct {
	Creds []byte
	Keys  map[string][]byte
}

// ValidateID rejects IDs that would escape their object prefix or work directory.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" || id != strings.TrimSpace(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Store loads, saves and deletes credential records on a Backend.
type Store struct {
	backend Backend
	cipher  *secrets.Cipher
	workDir string
	durable bool
}

// Option configures a Store.
type Option func(*Store)

// WithCipher seals every blob before it reaches the backend.
func WithCipher(c *secrets.Cipher) Option {
	return func(s *Store) { s.cipher = c }
}

// WithWorkDir sets the directory holding per-assistant working files.
// Delete removes <workDir>/<assistantId>.
func WithWorkDir(dir string) Option {
	return func(s *Store) { s.workDir = dir }
}

// New creates a Store over the given backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, durable: true}
	if _, ok := backend.(*MemoryBackend); ok {
		s.durable = false
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Durable reports whether records survive a process restart.
func (s *Store) Durable() bool { return s.durable }

// WorkDir returns the working directory for one assistant, or "" when unset.
func (s *Store) WorkDir(id string) string {
	if s.workDir == "" {
		return ""
	}
	return filepath.Join(s.workDir, id)
}

// Load fetches the durable record and materialises it as a clean AuthState.
func (s *Store) Load(ctx context.Context, id string) (*AuthState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	credsKey := objectKey(id, credsObject)
	raw, err := s.backend.Get(ctx, credsKey)
	if err != nil {
		return nil, err
	}
	creds, err := s.open(credsKey, raw)
	if err != nil {
		return nil, fmt.Errorf("open creds for %s: %w", id, err)
	}

	prefix := objectKey(id, keysPrefix)
	objects, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys for %s: %w", id, err)
	}
	keys := make(map[string][]byte, len(objects))
	for objKey, value := range objects {
		plain, err := s.open(objKey, value)
		if err != nil {
			return nil, fmt.Errorf("open key %s: %w", objKey, err)
		}
		keys[strings.TrimPrefix(objKey, prefix)] = plain
	}
	return newLoadedAuthState(creds, keys), nil
}

// Save merges the dirty parts of st into the durable record. Keys the state
// never touched are left alone; keys removed from the state are deleted.
// Dirty markers are cleared only for writes that succeeded.
//
// An AuthState is bound to the assistant it was loaded or created for: once
// saved under one id it has nothing pending, so saving it under another id
// writes nothing.
func (s *Store) Save(ctx context.Context, id string, st *AuthState) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("nil auth state")
	}
	creds, dirtyCreds, dirty, removed := st.pending()

	if dirtyCreds {
		credsKey := objectKey(id, credsObject)
		sealed, err := s.seal(credsKey, creds)
		if err != nil {
			return err
		}
		if err := s.backend.Put(ctx, credsKey, sealed); err != nil {
			return fmt.Errorf("put creds for %s: %w", id, err)
		}
		st.markCredsClean(creds)
	}
	for name, value := range dirty {
		objKey := objectKey(id, keysPrefix+name)
		sealed, err := s.seal(objKey, value)
		if err != nil {
			return err
		}
		if err := s.backend.Put(ctx, objKey, sealed); err != nil {
			return fmt.Errorf("put key %s: %w", objKey, err)
		}
		st.markKeyClean(name, value)
	}
	for _, name := range removed {
		objKey := objectKey(id, keysPrefix+name)
		if err := s.backend.Delete(ctx, objKey); err != nil {
			return fmt.Errorf("delete key %s: %w", objKey, err)
		}
		st.markRemovalDone(name)
	}
	return nil
}

// Delete removes the durable record and the assistant's local working files.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	keys, err := s.backend.List(ctx, id+"/")
	if err != nil {
		return fmt.Errorf("list %s: %w", id, err)
	}
	var errs []error
	for _, key := range keys {
		if err := s.backend.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if dir := s.WorkDir(id); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove work dir: %w", err))
		}
	}
	return errors.Join(errs...)
}

// List returns the IDs of assistants that have a durable creds blob.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	suffix := "/" + credsObject
	for _, key := range keys {
		if id, ok := strings.CutSuffix(key, suffix); ok && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	if sc, ok := s.backend.(prefixScanner); ok {
		return sc.Scan(ctx, prefix)
	}
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, err := s.backend.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func (s *Store) seal(key string, plain []byte) ([]byte, error) {
	if s.cipher == nil {
		return plain, nil
	}
	sealed, err := s.cipher.Seal(plain, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", key, err)
	}
	return sealed, nil
}

func (s *Store) open(key string, data []byte) ([]byte, error) {
	if s.cipher == nil || len(data) == 0 {
		return data, nil
	}
	return s.cipher.Open(data, []byte(key))
}

func objectKey(id, name string) string {
	return id + "/" + name
}
