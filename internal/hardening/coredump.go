// Package hardening applies best-effort OS-level measures that reduce the
// chance of key material or decrypted payload surfacing outside process
// memory. Adapted from the teacher's internal/platform/coredump.go.
package hardening

import "golang.org/x/sys/unix"

// DisableCoreDumps sets RLIMIT_CORE to zero so a crash never writes process
// memory — including unwrapped DEKs and decrypted payload bytes — to disk.
// Best effort: callers should log a failure, not treat it as fatal.
func DisableCoreDumps() error {
	rlim := unix.Rlimit{Cur: 0, Max: 0}
	return unix.Setrlimit(unix.RLIMIT_CORE, &rlim)
}
