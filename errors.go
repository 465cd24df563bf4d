package secvault

import "github.com/chehab-vault/secvault/internal/coreerr"

// The error taxonomy (spec.md §7) is defined once in internal/coreerr so
// every layer of the module — including internal/secdata's post-wipe
// LockedError — constructs the same public types without importing this
// package (which would create an import cycle, since this package imports
// internal/secdata to hand back views). These aliases are the public name.
type (
	ValidationError   = coreerr.ValidationError
	LockedError       = coreerr.LockedError
	ModeError         = coreerr.ModeError
	StorageFullError  = coreerr.StorageFullError
	PersistenceError  = coreerr.PersistenceError
	CryptoError       = coreerr.CryptoError
	ImportError       = coreerr.ImportError
	ExportError       = coreerr.ExportError
	NotSupportedError = coreerr.NotSupportedError
)
