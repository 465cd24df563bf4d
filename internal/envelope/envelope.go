// Package envelope is the DEK/KEK orchestration layer: building a fresh
// bundle, unwrapping an existing one's DEK, and re-encrypting a bundle's
// payload under a new KEK and AAD context during a mode transition. All
// functions here are stateless, consumed by internal/statemachine.
//
// Grounded on the teacher's internal/vault/vault.go Create/Unlock
// (generate-key, wrap-under-KEK, assemble-header sequence), collapsed from
// the teacher's three-tier KEK→VRK→DEK hierarchy to the two-tier DEK/KEK
// model this module's data format uses: every wrap call here targets the
// DEK directly, there is no intermediate vault-root key.
package envelope

import (
	"encoding/base64"

	"github.com/chehab-vault/secvault/internal/aead"
	"github.com/chehab-vault/secvault/internal/bundle"
	"github.com/chehab-vault/secvault/internal/coreerr"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string, field string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, coreerr.NewValidation("malformed base64 in "+field, err)
	}
	return b, nil
}

// CreateEmpty generates a fresh DEK, wraps it under kek with store-wrap AAD,
// encrypts an empty object under store-data AAD, and assembles a V3 device
// bundle (rounds=1, salt="").
func CreateEmpty(kek []byte, storageKey string) (bundle.Bundle, []byte, error) {
	dek, err := aead.GenerateKey()
	if err != nil {
		return bundle.Bundle{}, nil, coreerr.NewCrypto("failed to generate data key", err)
	}

	b, err := wrapAndEncrypt(dek, kek, storageKey, bundle.CtxStore, 1, "", []byte("{}"))
	if err != nil {
		aead.Zero(dek)
		return bundle.Bundle{}, nil, err
	}
	return b, dek, nil
}

// ReEncrypt decrypts old's payload under its own AAD (or treats an empty
// data block as "{}"), then wraps dek under newKEK and re-encrypts the same
// plaintext under the new header's data AAD. dek is the already-unwrapped
// DEK for old; it is not regenerated. The returned bundle always has
// ctx==newCtx and v==3.
func ReEncrypt(dek []byte, old bundle.Bundle, newKEK []byte, storageKey string, newCtx string, newRounds int, newSaltB64 string, masterProtected *bool) (bundle.Bundle, error) {
	plaintext, err := DecryptPayload(dek, old, storageKey)
	if err != nil {
		return bundle.Bundle{}, err
	}

	nb, err := wrapAndEncrypt(dek, newKEK, storageKey, newCtx, newRounds, newSaltB64, plaintext)
	if err != nil {
		return bundle.Bundle{}, err
	}
	nb.Header.MPw = masterProtected
	return nb, nil
}

func wrapAndEncrypt(dek, kek []byte, storageKey, ctx string, rounds int, saltB64 string, plaintext []byte) (bundle.Bundle, error) {
	wrapAAD := bundle.BuildWrapAAD(ctx, bundle.V3, storageKey)
	ivWrap, wrappedKey, err := aead.Wrap(kek, dek, wrapAAD)
	if err != nil {
		return bundle.Bundle{}, coreerr.NewCrypto("failed to wrap data key", err)
	}

	h := bundle.Header{
		V:          bundle.V3,
		Salt:       saltB64,
		Rounds:     rounds,
		IV:         b64(ivWrap),
		WrappedKey: b64(wrappedKey),
		Ctx:        ctx,
	}

	dataAAD := bundle.BuildDataAAD(ctx, bundle.V3, storageKey, h.IV, h.WrappedKey)
	ivData, ciphertext, err := aead.Seal(dek, plaintext, dataAAD)
	if err != nil {
		return bundle.Bundle{}, coreerr.NewCrypto("failed to encrypt payload", err)
	}

	return bundle.Bundle{
		Header: h,
		Data: bundle.Data{
			IV:         b64(ivData),
			Ciphertext: b64(ciphertext),
		},
	}, nil
}

// EnsureLoaded unwraps b's DEK using kek, the caller having already chosen
// the session KEK (master mode) or the device KEK (device mode).
func EnsureLoaded(kek []byte, b bundle.Bundle, storageKey string) ([]byte, error) {
	ivWrap, err := unb64(b.Header.IV, "header.iv")
	if err != nil {
		return nil, err
	}
	wrappedKey, err := unb64(b.Header.WrappedKey, "header.wrappedKey")
	if err != nil {
		return nil, err
	}

	var wrapAAD []byte
	if aad, ok := bundle.AADFor(bundle.AADWrap, b, storageKey); ok {
		wrapAAD = aad
	}

	dek, err := aead.Unwrap(kek, ivWrap, wrappedKey, wrapAAD)
	if err != nil {
		return nil, coreerr.NewCrypto("failed to unwrap data key", err)
	}
	return dek, nil
}

// DecryptPayload decrypts b's data block under dek and b's own data AAD. An
// empty data block (fresh, never-written bundle) decrypts to "{}" without
// touching the cipher.
func DecryptPayload(dek []byte, b bundle.Bundle, storageKey string) ([]byte, error) {
	if b.Data.IV == "" && b.Data.Ciphertext == "" {
		return []byte("{}"), nil
	}

	ivData, err := unb64(b.Data.IV, "data.iv")
	if err != nil {
		return nil, err
	}
	ciphertext, err := unb64(b.Data.Ciphertext, "data.ciphertext")
	if err != nil {
		return nil, err
	}

	var dataAAD []byte
	if aad, ok := bundle.AADFor(bundle.AADData, b, storageKey); ok {
		dataAAD = aad
	}

	plaintext, err := aead.Open(dek, ivData, ciphertext, dataAAD)
	if err != nil {
		return nil, coreerr.NewCrypto("failed to decrypt payload", err)
	}
	return plaintext, nil
}

// WrapFresh wraps dek under kek and encrypts plaintext under the resulting
// header, producing a brand-new V3 bundle. Used by a device-key rotation,
// which regenerates both the DEK and the device KEK while carrying the
// decrypted payload forward unchanged.
func WrapFresh(dek, kek []byte, storageKey, ctx string, rounds int, saltB64 string, plaintext []byte) (bundle.Bundle, error) {
	return wrapAndEncrypt(dek, kek, storageKey, ctx, rounds, saltB64, plaintext)
}

// EncryptPayload re-encrypts plaintext in place under the bundle's existing
// header (same dek, same AAD-determining fields), used by setData when the
// header itself does not change.
func EncryptPayload(dek []byte, b bundle.Bundle, storageKey string, plaintext []byte) (bundle.Bundle, error) {
	var dataAAD []byte
	if aad, ok := bundle.AADFor(bundle.AADData, b, storageKey); ok {
		dataAAD = aad
	}
	ivData, ciphertext, err := aead.Seal(dek, plaintext, dataAAD)
	if err != nil {
		return bundle.Bundle{}, coreerr.NewCrypto("failed to encrypt payload", err)
	}
	b.Data = bundle.Data{IV: b64(ivData), Ciphertext: b64(ciphertext)}
	return b, nil
}
