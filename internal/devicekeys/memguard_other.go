//go:build !(linux || darwin)

package devicekeys

// lockMemory/unlockMemory are no-ops on platforms without mlock/munlock.
// The teacher never shipped this half of the build-tag pair; completed here
// so the package builds everywhere instead of only linux/darwin.
func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
