// Package devicekeys provides a per-namespace, non-extractable device KEK,
// backed by a pluggable origin-bound key database with an in-process cache
// and an in-memory fallback. Grounded on the teacher's
// internal/platform.Keychain interface shape (internal/platform/keychain.go)
// and the wrap/rotate discipline of internal/vault.Vault.RotateMaster.
package devicekeys

import (
	"context"
	"errors"
	"sync"

	"github.com/chehab-vault/secvault/internal/aead"
)

// Config names a device-key namespace: (dbName, storeName, keyId).
type Config struct {
	DBName    string
	StoreName string
	KeyID     string
}

func (c Config) namespace() string {
	return c.DBName + "::" + c.StoreName + "::" + c.KeyID
}

// Backend persists one key record per namespace in an origin-bound key
// database (IndexedDB, in the original browser system). A Store with a nil
// Backend runs in pure in-memory mode, per spec.md §4.3.
type Backend interface {
	Load(ctx context.Context, namespace string) (key []byte, found bool, err error)
	Store(ctx context.Context, namespace string, key []byte) error
	Delete(ctx context.Context, namespace string) error
}

// Store is the process-wide device-key provider. One Store may serve many
// facade instances; the namespace map is shared across them, matching
// spec.md §5's "Device key store is shared across facade instances with the
// same namespace" requirement.
type Store struct {
	mu      sync.Mutex
	backend Backend
	cache   map[string][]byte
}

// New constructs a Store. Pass a nil backend to run in pure in-memory mode
// (spec.md's NotSupportedError-adjacent degraded mode); the Store remains
// fully functional, it simply never survives process restart.
func New(backend Backend) *Store {
	return &Store{backend: backend, cache: make(map[string][]byte)}
}

// ErrBackendUnavailable names the condition of a configured backend that
// fails to persist. Store does not return it: GetKey and RotateKey discard
// backend write errors and still succeed in memory.
var ErrBackendUnavailable = errors.New("devicekeys: backend unavailable, running in-memory only")

// GetKey returns the cached handle for cfg's namespace if present; otherwise
// it loads the persisted record, or — failing that — generates a fresh
// non-extractable KEK and attempts to persist it. Persistence failure is
// swallowed here (the degraded-mode rule in spec.md §4.3); the caller who
// wants to surface NotSupportedError should check Degraded().
func (s *Store) GetKey(ctx context.Context, cfg Config) ([]byte, error) {
	ns := cfg.namespace()

	s.mu.Lock()
	if k, ok := s.cache[ns]; ok {
		out := append([]byte(nil), k...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	if s.backend != nil {
		if k, found, err := s.backend.Load(ctx, ns); err == nil && found {
			s.cacheKey(ns, k)
			return append([]byte(nil), k...), nil
		}
	}

	key, err := aead.GenerateKey()
	if err != nil {
		return nil, err
	}
	if s.backend != nil {
		_ = s.backend.Store(ctx, ns, key) // best-effort; in-process cache still populated on failure
	}
	s.cacheKey(ns, key)
	return append([]byte(nil), key...), nil
}

// RotateKey always generates a fresh KEK for cfg's namespace, persists it
// (best-effort) and replaces the in-process cache entry. The old key is
// zeroed and unlocked from memory.
func (s *Store) RotateKey(ctx context.Context, cfg Config) ([]byte, error) {
	ns := cfg.namespace()
	key, err := aead.GenerateKey()
	if err != nil {
		return nil, err
	}
	if s.backend != nil {
		_ = s.backend.Store(ctx, ns, key)
	}
	s.cacheKey(ns, key)
	return append([]byte(nil), key...), nil
}

// DeletePersistent removes the namespace's persisted record and in-process
// cache entry. A surgical delete of a single record within a shared backend,
// per spec.md §4.3.
func (s *Store) DeletePersistent(ctx context.Context, cfg Config) error {
	ns := cfg.namespace()
	s.mu.Lock()
	if old, ok := s.cache[ns]; ok {
		_ = unlockMemory(old)
		aead.Zero(old)
		delete(s.cache, ns)
	}
	s.mu.Unlock()

	if s.backend != nil {
		return s.backend.Delete(ctx, ns)
	}
	return nil
}

// Degraded reports whether this Store has no persistent backend at all
// (always in-memory) as opposed to a backend that happens to be failing.
func (s *Store) Degraded() bool {
	return s.backend == nil
}

func (s *Store) cacheKey(ns string, key []byte) {
	cp := append([]byte(nil), key...)
	_ = lockMemory(cp) // best-effort; absence of mlock support is not fatal

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.cache[ns]; ok {
		_ = unlockMemory(old)
		aead.Zero(old)
	}
	s.cache[ns] = cp
}

// MemBackend is a process-local Backend used by tests and by embedders that
// have no origin-bound key database at all but still want the Store/Backend
// seam (e.g. to swap in a real backend later without changing call sites).
type MemBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string][]byte)}
}

func (m *MemBackend) Load(_ context.Context, namespace string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), k...), true, nil
}

func (m *MemBackend) Store(_ context.Context, namespace string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[namespace] = append([]byte(nil), key...)
	return nil
}

func (m *MemBackend) Delete(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespace)
	return nil
}
