// Package kdf derives a non-extractable password KEK via Argon2id, fixed to
// the parameters spec.md mandates. Grounded on the teacher's
// internal/crypto/kdf_argon2id.go and internal/auth/password.go, both of
// which call golang.org/x/crypto/argon2.IDKey the same way.
package kdf

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/chehab-vault/secvault/internal/aead"
)

const (
	// SaltSize is the required salt length for password-derived KEKs.
	SaltSize = 16
	// DefaultRounds is used whenever a caller doesn't pin a specific cost.
	DefaultRounds = 20
	// MinRounds and MaxRounds bound the accepted `rounds` argument.
	MinRounds = 1
	MaxRounds = 64

	argonMemoryKiB   = 64 * 1024
	argonParallelism = 1
	argonKeyLen      = aead.KeySize
)

var (
	// ErrEmptyPassword is returned when the password is blank.
	ErrEmptyPassword = errors.New("kdf: password must not be empty")
	// ErrBadSaltLength is returned when the salt is not exactly SaltSize bytes.
	ErrBadSaltLength = errors.New("kdf: salt must be 16 bytes")
	// ErrBadRounds is returned when rounds falls outside [MinRounds, MaxRounds].
	ErrBadRounds = errors.New("kdf: rounds must be an integer in [1, 64]")
)

// DeriveKEK runs Argon2id(password, salt, rounds) and returns a 32-byte KEK.
// The password is never trimmed here — trimming is a validation-only
// concern handled by callers before reaching the KDF (see SPEC_FULL.md,
// Open Question 2).
func DeriveKEK(password string, salt []byte, rounds int) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if len(salt) != SaltSize {
		return nil, ErrBadSaltLength
	}
	if rounds < MinRounds || rounds > MaxRounds {
		return nil, ErrBadRounds
	}

	key := argon2.IDKey([]byte(password), salt, uint32(rounds), argonMemoryKiB, argonParallelism, argonKeyLen)
	if len(key) != argonKeyLen {
		return nil, fmt.Errorf("kdf: unexpected argon2 output length %d", len(key))
	}
	return key, nil
}

// RandomSalt draws a fresh SaltSize-byte salt for a new password wrap.
func RandomSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("kdf: failed to draw random salt: %w", err)
	}
	return salt, nil
}
