// Package secdata implements the wrapper strategy spec.md §9 prescribes for
// a "dynamic proxy view" in a systems language: a small struct owning the
// decrypted payload bytes plus a cleared flag, with accessors that fail once
// cleared instead of a source-language Proxy trap. Grounded on the teacher's
// crypto/memguard.go pattern of a byte-owning type with an explicit wipe
// method, generalized from raw bytes to a parsed JSON object view.
package secdata

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/chehab-vault/secvault/internal/coreerr"
)

// View is a read-only, wipeable view over a decrypted payload. It owns the
// decoded fields; Clear zeroes its memory and makes every subsequent
// accessor return a LockedError.
type View struct {
	mu      sync.Mutex
	fields  map[string]json.RawMessage
	raw     []byte
	cleared bool
}

// New decodes plaintext (a JSON object's UTF-8 bytes) into a View. plaintext
// is consumed: the view keeps its own copy and the caller should not retain
// references to it.
func New(plaintext []byte) (*View, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, coreerr.NewValidation("decrypted payload is not a JSON object", err)
	}
	v := &View{
		fields: fields,
		raw:    append([]byte(nil), plaintext...),
	}
	return v, nil
}

// Keys enumerates the payload's own keys plus the literal "clear", per
// spec.md §9 point 4.
func (v *View) Keys() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cleared {
		return nil, coreerr.NewLocked("view has been cleared")
	}
	keys := make([]string, 0, len(v.fields)+1)
	for k := range v.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return append(keys, "clear"), nil
}

// Has reports whether key is present in the payload (the literal "clear" is
// always considered present, since it names an accessor every view exposes).
func (v *View) Has(key string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cleared {
		return false, coreerr.NewLocked("view has been cleared")
	}
	if key == "clear" {
		return true, nil
	}
	_, ok := v.fields[key]
	return ok, nil
}

// Get decodes the field named key into out (a pointer), mirroring a
// source-language proxy's property read.
func (v *View) Get(key string, out interface{}) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cleared {
		return coreerr.NewLocked("view has been cleared")
	}
	raw, ok := v.fields[key]
	if !ok {
		return coreerr.NewValidation("no such field: "+key, nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return coreerr.NewValidation("field could not be decoded", err)
	}
	return nil
}

// Unmarshal decodes the whole payload into out, the common case for typed
// getData[T]() callers.
func (v *View) Unmarshal(out interface{}) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cleared {
		return coreerr.NewLocked("view has been cleared")
	}
	if err := json.Unmarshal(v.raw, out); err != nil {
		return coreerr.NewValidation("payload could not be decoded", err)
	}
	return nil
}

// Clear zeroes the owned plaintext and marks the view permanently locked.
// Idempotent.
func (v *View) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.raw {
		v.raw[i] = 0
	}
	for _, f := range v.fields {
		for i := range f {
			f[i] = 0
		}
	}
	v.raw = nil
	v.fields = nil
	v.cleared = true
}

// Cleared reports whether Clear has been called.
func (v *View) Cleared() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cleared
}
