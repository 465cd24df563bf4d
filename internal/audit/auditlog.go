// Package audit records the rotation history a Store exposes alongside
// spec.md's core operations: every master-password and device-key rotation,
// and every mode transition, hash-chained so a caller can detect a gap or
// reordering in the in-memory history. Adapted from the teacher's
// internal/audit/auditlog.go hash-chained Log, narrowed from a general
// append-only audit trail to the rotation-event feed this module surfaces
// as RotationHistory().
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Kind names the class of rotation event being recorded.
type Kind string

const (
	KindDeviceKeyRotation     Kind = "device-key-rotation"
	KindMasterPasswordSet     Kind = "master-password-set"
	KindMasterPasswordRemoved Kind = "master-password-removed"
	KindMasterPasswordRotated Kind = "master-password-rotated"
	KindMigrationV2ToV3       Kind = "migration-v2-to-v3"
)

// Event is one hash-chained rotation-history entry. ID is a caller-facing
// handle (e.g. to mark one entry as acknowledged in a UI) independent of
// position in the slice, which shifts as Events grows.
type Event struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Kind      Kind   `json:"kind"`
	Hash      string `json:"hash"`
}

// Log is an in-memory, hash-chained sequence of rotation Events. It does
// not persist across process restarts; it exists so an embedding
// application can surface "when did this store last rotate its keys" in a
// UI without re-deriving it from the bundle history.
type Log struct {
	lastHash []byte
	events   []Event
}

func New() *Log { return &Log{} }

// Append records a new event, chaining its hash to the previous entry's.
func (l *Log) Append(kind Kind) Event {
	h := sha256.New()
	h.Write(l.lastHash)
	h.Write([]byte(kind))
	sum := h.Sum(nil)
	l.lastHash = sum

	e := Event{ID: uuid.NewString(), Timestamp: time.Now().Unix(), Kind: kind, Hash: hex.EncodeToString(sum)}
	l.events = append(l.events, e)
	return e
}

// Verify walks the chain and reports whether every entry's hash is
// consistent with its predecessor. It returns false on the first mismatch,
// which would indicate the in-memory slice was tampered with or corrupted.
func (l *Log) Verify() bool {
	var prev []byte
	for _, e := range l.events {
		h := sha256.New()
		h.Write(prev)
		h.Write([]byte(e.Kind))
		sum := h.Sum(nil)
		if hex.EncodeToString(sum) != e.Hash {
			return false
		}
		prev = sum
	}
	return true
}

// Events returns a copy of the recorded history, oldest first.
func (l *Log) Events() []Event {
	return append([]Event(nil), l.events...)
}
