// Package kv implements the single-string-slot persistence store spec.md
// calls KVStore: get/set/clear of one value keyed by a storage key, with
// quota and integrity classification on write. Grounded on the teacher's
// internal/storage/file_store.go (file-backed blob persistence) and
// internal/vault/storage.go (write-then-readback discipline).
package kv

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KV is a single-string-slot store. Get returns (value, found, error); a
// malformed or unreadable slot should be reported by the caller's JSON
// parse step as absent, per spec.md §4.4 and §7(c) — this package itself
// only ever deals in raw bytes/strings, never bundle semantics.
type KV interface {
	Get(ctx context.Context) (value string, found bool, err error)
	Set(ctx context.Context, value string) error
	Clear(ctx context.Context) error
}

// ErrQuota is returned by Set when the underlying medium rejects the write
// for being over capacity. Detected by matching known quota signatures in
// the error message; numeric error codes are not inspected.
var ErrQuota = errors.New("kv: storage quota exceeded")

// ErrIntegrity is returned by Set when a post-write readback does not match
// what was written.
var ErrIntegrity = errors.New("kv: write integrity check failed")

// AttemptedBytes, when a Set fails with ErrQuota, is threaded back to the
// caller via QuotaError so it can report the attempted byte count.
type QuotaError struct {
	AttemptedBytes int
	Err            error
}

func (e *QuotaError) Error() string { return ErrQuota.Error() }
func (e *QuotaError) Unwrap() error { return ErrQuota }

// looksLikeQuotaError reports whether err's message contains a well-known
// quota error name or a disk-full phrase. It does not inspect numeric error
// codes (such as 22 or 1014); an error recognisable only by its code is not
// classified as a quota error.
func looksLikeQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	signatures := []string{
		"QuotaExceededError",
		"NS_ERROR_DOM_QUOTA_REACHED",
		"no space left on device",
		"disk full",
		"quota",
	}
	for _, sig := range signatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// FileKV persists the slot as a single file on disk.
type FileKV struct {
	mu   sync.Mutex
	path string
}

func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

func (f *FileKV) Get(_ context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(b), true, nil
}

func (f *FileKV) Set(_ context.Context, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "." {
		_ = os.MkdirAll(dir, 0o700)
	}

	if err := os.WriteFile(f.path, []byte(value), 0o600); err != nil {
		if looksLikeQuotaError(err) {
			return &QuotaError{AttemptedBytes: len(value), Err: err}
		}
		return err
	}

	back, err := os.ReadFile(f.path)
	if err != nil || !bytes.Equal(back, []byte(value)) {
		return ErrIntegrity
	}
	return nil
}

func (f *FileKV) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return nil // best-effort: clear() never throws, per spec.md §4.4
	}
	return nil
}

// MemKV is an in-memory KV used by tests and embedders without a real file
// system slot. An optional MaxBytes simulates a quota for testing
// StorageFullError handling end to end.
type MemKV struct {
	mu       sync.Mutex
	value    string
	present  bool
	MaxBytes int // 0 means unlimited
}

func NewMemKV() *MemKV { return &MemKV{} }

func (m *MemKV) Get(_ context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.present, nil
}

func (m *MemKV) Set(_ context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MaxBytes > 0 && len(value) > m.MaxBytes {
		return &QuotaError{AttemptedBytes: len(value)}
	}
	m.value = value
	m.present = true
	return nil
}

func (m *MemKV) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = ""
	m.present = false
	return nil
}
