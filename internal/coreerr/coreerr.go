// Package coreerr is the typed error taxonomy shared by every layer of the
// module (spec.md §7). Internal packages construct these directly so a
// LockedError raised deep inside, say, a wiped SecureDataView carries the
// same identity as one raised by the facade. Grounded on the Error{Code,
// Message} pattern in vettid's vault lifecycle code, split into one
// distinguishable Go type per taxonomy kind so callers can errors.As against
// a specific class instead of string-matching a code.
package coreerr

import "fmt"

// Kind names one of the nine taxonomy entries in spec.md §7.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindLocked       Kind = "locked"
	KindMode         Kind = "mode"
	KindStorageFull  Kind = "storage_full"
	KindPersistence  Kind = "persistence"
	KindCrypto       Kind = "crypto"
	KindImport       Kind = "import"
	KindExport       Kind = "export"
	KindNotSupported Kind = "not_supported"
)

// base is the common root every typed error embeds, giving them a shared
// Error/Unwrap/Kind implementation.
type base struct {
	kind Kind
	msg  string
	err  error
}

func (e *base) Error() string {
	if e.err != nil {
		return fmt.Sprintf("secvault: %s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("secvault: %s: %s", e.kind, e.msg)
}

func (e *base) Unwrap() error { return e.err }

// Kind reports which taxonomy entry this error belongs to.
func (e *base) Kind() Kind { return e.kind }

// ValidationError: bad argument type, wrong shape, malformed base64/JSON,
// wrong key length, decrypted payload not a plain object.
type ValidationError struct{ *base }

// LockedError: operation requires an unlocked session, or SecureDataView
// access after it has been wiped.
type LockedError struct{ *base }

// ModeError: operation is incompatible with the current device/master mode.
type ModeError struct{ *base }

// StorageFullError: the underlying KV rejected a write for quota reasons.
type StorageFullError struct {
	*base
	AttemptedBytes int
}

// PersistenceError: KV integrity check failed, or an unclassified write
// error occurred.
type PersistenceError struct{ *base }

// CryptoError: AEAD authentication failure, KDF failure, or a primitive
// rejection not caused by argument shape.
type CryptoError struct{ *base }

// ImportError: any structural, semantic, size, or authentication failure
// while importing a bundle.
type ImportError struct{ *base }

// ExportError: exportData was called without a required password, or the
// password was blank.
type ExportError struct{ *base }

// NotSupportedError: the device key store is unavailable beyond the
// in-memory fallback.
type NotSupportedError struct{ *base }

func NewValidation(msg string, cause error) *ValidationError {
	return &ValidationError{&base{kind: KindValidation, msg: msg, err: cause}}
}

func NewLocked(msg string) *LockedError {
	return &LockedError{&base{kind: KindLocked, msg: msg}}
}

func NewMode(msg string) *ModeError {
	return &ModeError{&base{kind: KindMode, msg: msg}}
}

func NewStorageFull(msg string, attempted int, cause error) *StorageFullError {
	return &StorageFullError{base: &base{kind: KindStorageFull, msg: msg, err: cause}, AttemptedBytes: attempted}
}

func NewPersistence(msg string, cause error) *PersistenceError {
	return &PersistenceError{&base{kind: KindPersistence, msg: msg, err: cause}}
}

func NewCrypto(msg string, cause error) *CryptoError {
	return &CryptoError{&base{kind: KindCrypto, msg: msg, err: cause}}
}

func NewImport(msg string, cause error) *ImportError {
	return &ImportError{&base{kind: KindImport, msg: msg, err: cause}}
}

func NewExport(msg string) *ExportError {
	return &ExportError{&base{kind: KindExport, msg: msg}}
}

func NewNotSupported(msg string, cause error) *NotSupportedError {
	return &NotSupportedError{&base{kind: KindNotSupported, msg: msg, err: cause}}
}
