// Package aead implements the envelope's sole cryptographic primitive:
// AES-256-GCM with 96-bit nonces, used both to encrypt the user payload and
// to wrap/unwrap key material. It validates arguments before ever touching
// the primitive, distinguishing shape errors (ValidationError-worthy) from
// primitive failures (CryptoError-worthy) for the caller to classify.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the only supported symmetric key length: AES-256.
	KeySize = 32
	// NonceSize is the GCM nonce length mandated by spec: 96 bits.
	NonceSize = 12
)

var (
	// ErrBadKeySize is returned when a key is not exactly KeySize bytes.
	ErrBadKeySize = errors.New("aead: key must be 32 bytes (AES-256)")
	// ErrBadNonceSize is returned when an IV/nonce is not exactly NonceSize bytes.
	ErrBadNonceSize = errors.New("aead: nonce must be 12 bytes")
	// ErrEmptyCiphertext is returned when ciphertext/iv is missing where required.
	ErrEmptyCiphertext = errors.New("aead: empty iv or ciphertext")
	// ErrAuth is returned when the GCM authentication tag fails to verify.
	ErrAuth = errors.New("aead: authentication failed")
)

// GenerateKey returns KeySize fresh random bytes suitable for use as a DEK or KEK.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("aead: generate key: %w", err)
	}
	return k, nil
}

// GenerateNonce returns NonceSize fresh random bytes.
func GenerateNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("aead: generate nonce: %w", err)
	}
	return n, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key with a freshly generated nonce, binding
// aad (which may be nil) into the authentication tag. Returns the nonce and
// the ciphertext (which includes the GCM tag) separately, matching the
// bundle's split iv/ciphertext fields.
func Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = GenerateNonce()
	if err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext under key and nonce, verifying aad. Returns
// ErrAuth on tag mismatch (never leaks partial plaintext).
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}
	if len(nonce) != NonceSize {
		return nil, ErrBadNonceSize
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}

// Wrap encrypts raw key material (a DEK) under a KEK, returning a fresh
// wrap nonce and the wrapped bytes. It is Seal specialized to key bytes as
// the plaintext, kept as a distinct name because spec.md treats wrap/unwrap
// as a separate operation from payload encrypt/decrypt (different usage
// discipline even though the underlying primitive call is identical).
func Wrap(kek, dek, aad []byte) (ivWrap, wrapped []byte, err error) {
	if len(dek) != KeySize {
		return nil, nil, ErrBadKeySize
	}
	return Seal(kek, dek, aad)
}

// Unwrap recovers a DEK previously produced by Wrap.
func Unwrap(kek, ivWrap, wrapped, aad []byte) (dek []byte, err error) {
	dek, err = Open(kek, ivWrap, wrapped, aad)
	if err != nil {
		return nil, err
	}
	if len(dek) != KeySize {
		return nil, ErrBadKeySize
	}
	return dek, nil
}

// Zero overwrites b with zeros. Grounded on the teacher's internal/crypto.Zero.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
