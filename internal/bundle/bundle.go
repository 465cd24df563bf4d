// Package bundle is the VersionManager: the data model for persisted and
// exported envelopes (V2 legacy, V3 current), their validation per
// spec.md §3's invariants, and the AAD byte strings that bind ciphertext to
// header and storage context. Grounded on the teacher's
// internal/vault/file_format.go header typing (JSON-tagged structs mapping
// 1:1 onto an on-disk format) generalized from the teacher's single-version
// Header to the spec's V2/V3 pair.
package bundle

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Version tags recognized by the envelope.
const (
	V2 = 2
	V3 = 3
)

// AAD context roots, spec.md §3.
const (
	CtxStore  = "store"
	CtxExport = "export"
)

// Size guards, spec.md §3 invariants 7-8 (Open Question 1 resolved in
// SPEC_FULL.md: the module fixes 2 MiB, not the legacy code's alternate
// 15 MiB figure).
const (
	MaxBundleBytes = 2 << 20 // 2 MiB
	MaxFieldBytes  = 1 << 20 // 1 MiB, applied to each base64 field before decode
)

var (
	ErrTooLarge           = errors.New("bundle: serialized bundle exceeds maximum accepted length")
	ErrFieldTooLarge      = errors.New("bundle: base64 field exceeds maximum accepted length")
	ErrMalformedJSON      = errors.New("bundle: malformed JSON")
	ErrUnsupportedVersion = errors.New("bundle: unsupported version")
	ErrMissingHeaderData  = errors.New("bundle: missing header or data object")
	ErrInvalidRounds      = errors.New("bundle: rounds must be a positive integer")
	ErrInvalidSaltShape   = errors.New("bundle: salt presence must match rounds (rounds==1 <=> salt empty)")
	ErrInvalidField       = errors.New("bundle: field is not valid non-empty base64")
	ErrPartialPayload     = errors.New("bundle: data.iv and data.ciphertext must both be empty or both be set")
	ErrInvalidCtx         = errors.New("bundle: ctx must be \"store\" or \"export\" for v3")
	ErrCtxMustBeStore     = errors.New("bundle: a bundle persisted locally must have ctx==\"store\"")
)

// Header is the wrap header shared by V2 and V3 bundles. Ctx is the empty
// string for V2 (which has no AAD concept at all).
type Header struct {
	V          int    `json:"v"`
	Salt       string `json:"salt"`
	Rounds     int    `json:"rounds"`
	IV         string `json:"iv"`
	WrappedKey string `json:"wrappedKey"`
	MPw        *bool  `json:"mPw,omitempty"`
	Ctx        string `json:"ctx,omitempty"`
}

// Data is the encrypted payload block.
type Data struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Bundle is a persisted-or-exported envelope: header plus encrypted data.
type Bundle struct {
	Header Header `json:"header"`
	Data   Data   `json:"data"`
}

// Parse enforces the serialized-length guard before unmarshaling, per
// spec.md §3 invariant 7.
func Parse(raw string) (Bundle, error) {
	if len(raw) > MaxBundleBytes {
		return Bundle{}, ErrTooLarge
	}
	var b Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return b, nil
}

// Marshal serializes a bundle back to its on-disk/export JSON form.
func Marshal(b Bundle) (string, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeB64(field string) ([]byte, error) {
	if len(field) == 0 || len(field) > MaxFieldBytes {
		return nil, ErrInvalidField
	}
	b, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	return b, nil
}

// Validate checks every invariant in spec.md §3. requireStoreCtx should be
// true for bundles read from (or about to be written to) local KV storage,
// and false for bundles arriving as an export/import payload.
func Validate(b Bundle, requireStoreCtx bool) error {
	if b.Header.V != V2 && b.Header.V != V3 {
		return ErrUnsupportedVersion
	}

	if b.Header.Rounds <= 0 {
		return ErrInvalidRounds
	}
	if b.Header.Rounds == 1 {
		if b.Header.Salt != "" {
			return ErrInvalidSaltShape
		}
	} else {
		if b.Header.Salt == "" {
			return ErrInvalidSaltShape
		}
		if _, err := decodeB64(b.Header.Salt); err != nil {
			return err
		}
	}

	if _, err := decodeB64(b.Header.IV); err != nil {
		return err
	}
	if _, err := decodeB64(b.Header.WrappedKey); err != nil {
		return err
	}

	dataEmpty := b.Data.IV == "" && b.Data.Ciphertext == ""
	dataFull := b.Data.IV != "" && b.Data.Ciphertext != ""
	if !dataEmpty && !dataFull {
		return ErrPartialPayload
	}
	if dataFull {
		if _, err := decodeB64(b.Data.IV); err != nil {
			return err
		}
		if _, err := decodeB64(b.Data.Ciphertext); err != nil {
			return err
		}
	}

	if b.Header.V == V3 {
		if b.Header.Ctx != CtxStore && b.Header.Ctx != CtxExport {
			return ErrInvalidCtx
		}
		if requireStoreCtx && b.Header.Ctx != CtxStore {
			return ErrCtxMustBeStore
		}
	}

	return nil
}

func IsV2(b Bundle) bool { return b.Header.V == V2 }
func IsV3(b Bundle) bool { return b.Header.V == V3 }

// Protection is the derived classification of a bundle's key provenance,
// spec.md §3 "Protection classification".
type Protection int

const (
	ProtectionDevice Protection = iota
	ProtectionMasterPassword
	ProtectionCustomExport
)

// Classify derives a bundle's protection mode. isExport distinguishes an
// export bundle (where an explicit mPw==false custom-export password is a
// meaningful state) from a persisted one (where it is not).
func Classify(b Bundle, isExport bool) Protection {
	mpwTrue := b.Header.MPw != nil && *b.Header.MPw
	mpwFalse := b.Header.MPw != nil && !*b.Header.MPw

	if mpwTrue || (b.Header.Rounds > 1 && !mpwFalse) {
		return ProtectionMasterPassword
	}
	if isExport && b.Header.Rounds > 1 && mpwFalse {
		return ProtectionCustomExport
	}
	return ProtectionDevice
}

// BuildWrapAAD returns the wrap-AAD byte string, spec.md §3:
// "sls|wrap|v<version>|<root>" where root is storageKey for ctx=="store" or
// the literal "export" otherwise.
func BuildWrapAAD(ctx string, v int, storageKey string) []byte {
	root := storageKey
	if ctx == CtxExport {
		root = CtxExport
	}
	return []byte(fmt.Sprintf("sls|wrap|v%d|%s", v, root))
}

// BuildDataAAD returns the data-AAD byte string, spec.md §3:
// "sls|data|v<version>|<root>|<ivWrap>|<wrappedKey>".
func BuildDataAAD(ctx string, v int, storageKey, ivWrapB64, wrappedKeyB64 string) []byte {
	root := storageKey
	if ctx == CtxExport {
		root = CtxExport
	}
	return []byte(fmt.Sprintf("sls|data|v%d|%s|%s|%s", v, root, ivWrapB64, wrappedKeyB64))
}

// AADKind selects which of the two AAD byte strings AADFor builds.
type AADKind int

const (
	AADWrap AADKind = iota
	AADData
)

// AADFor returns the appropriate AAD for kind given a bundle's own header
// fields, or ok=false for V2 (which has no AAD at all).
func AADFor(kind AADKind, b Bundle, storageKey string) (aad []byte, ok bool) {
	if b.Header.V != V3 {
		return nil, false
	}
	switch kind {
	case AADWrap:
		return BuildWrapAAD(b.Header.Ctx, b.Header.V, storageKey), true
	case AADData:
		return BuildDataAAD(b.Header.Ctx, b.Header.V, storageKey, b.Header.IV, b.Header.WrappedKey), true
	default:
		return nil, false
	}
}
