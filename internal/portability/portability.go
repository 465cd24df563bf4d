// Package portability builds export bundles and ingests import bundles,
// including the V2→V3 migration that runs on initial device-mode load or
// on unlock. Grounded on the teacher's internal/crypto/legacy_xchacha.go
// OpenAny fallback-decrypt pattern (try the current cipher, fall back to a
// legacy one, then re-wrap under the current scheme) generalized to the
// module's V2/V3 bundle versions, and on internal/vault/vault.go's
// RotateMaster re-wrap sequence for the export/import re-wrap steps.
package portability

import (
	"encoding/base64"
	"strings"

	"github.com/chehab-vault/secvault/internal/bundle"
	"github.com/chehab-vault/secvault/internal/coreerr"
	"github.com/chehab-vault/secvault/internal/envelope"
	"github.com/chehab-vault/secvault/internal/kdf"
)

// Classification strings returned by Import, matching the public API's
// importData return value.
const (
	ClassMasterPassword = "masterPassword"
	ClassCustomExport   = "customExportPassword"
)

// Export builds a V3, ctx="export" bundle carrying the same plaintext as
// current. With customPassword nil, it reuses sessionKEK and current's own
// salt/rounds (master-mode reuse, mPw=true); otherwise it derives a fresh
// KEK from customPassword with a new salt and the default round count
// (mPw=false).
func Export(dek []byte, current bundle.Bundle, storageKey string, sessionKEK []byte, customPassword *string) (string, error) {
	var (
		kek     []byte
		rounds  int
		saltB64 string
		mpw     bool
		err     error
	)

	if customPassword == nil {
		if len(sessionKEK) == 0 {
			return "", coreerr.NewExport("exporting without a custom password requires an active master-password session")
		}
		kek = sessionKEK
		rounds = current.Header.Rounds
		saltB64 = current.Header.Salt
		mpw = true
	} else {
		trimmed := strings.TrimSpace(*customPassword)
		if trimmed == "" {
			return "", coreerr.NewExport("export password must not be blank")
		}
		salt, saltErr := kdf.RandomSalt()
		if saltErr != nil {
			return "", coreerr.NewCrypto("failed to draw export salt", saltErr)
		}
		rounds = kdf.DefaultRounds
		kek, err = kdf.DeriveKEK(*customPassword, salt, rounds)
		if err != nil {
			return "", coreerr.NewCrypto("failed to derive export password key", err)
		}
		saltB64 = base64.StdEncoding.EncodeToString(salt)
		mpw = false
	}

	nb, err := envelope.ReEncrypt(dek, current, kek, storageKey, bundle.CtxExport, rounds, saltB64, &mpw)
	if err != nil {
		return "", err
	}
	out, err := bundle.Marshal(nb)
	if err != nil {
		return "", coreerr.NewExport("failed to serialize export bundle")
	}
	return out, nil
}

// Import runs the twelve-step ingest procedure. deviceKEK is used only for
// the custom-export-password branch, where the DEK is re-wrapped under the
// local device key. localStorageKey is the root used to rebuild store-ctx
// AAD once the bundle is re-wrapped for local persistence.
func Import(raw string, password *string, localStorageKey string, deviceKEK []byte) (bundle.Bundle, []byte, string, error) {
	b, err := bundle.Parse(raw)
	if err != nil {
		return bundle.Bundle{}, nil, "", coreerr.NewImport("could not parse import payload", err)
	}

	if err := bundle.Validate(b, false); err != nil {
		return bundle.Bundle{}, nil, "", coreerr.NewImport("import payload failed validation", err)
	}

	protection := bundle.Classify(b, true)
	class := ClassMasterPassword
	if protection == bundle.ProtectionCustomExport {
		class = ClassCustomExport
	}

	if password == nil || strings.TrimSpace(*password) == "" {
		return bundle.Bundle{}, nil, "", coreerr.NewImport(passwordRequiredMessage(class), nil)
	}

	salt, err := base64.StdEncoding.DecodeString(b.Header.Salt)
	if err != nil {
		return bundle.Bundle{}, nil, "", coreerr.NewImport("malformed salt in import payload", err)
	}
	kek, err := kdf.DeriveKEK(*password, salt, b.Header.Rounds)
	if err != nil {
		return bundle.Bundle{}, nil, "", coreerr.NewImport("failed to derive key from supplied password", err)
	}

	dek, err := envelope.EnsureLoaded(kek, b, localStorageKey)
	if err != nil {
		return bundle.Bundle{}, nil, "", coreerr.NewImport("import payload did not authenticate under the supplied password", err)
	}

	switch protection {
	case bundle.ProtectionMasterPassword:
		if bundle.IsV3(b) && b.Header.Ctx == bundle.CtxStore {
			return b, dek, class, nil
		}
		mpw := true
		nb, err := envelope.ReEncrypt(dek, b, kek, localStorageKey, bundle.CtxStore, b.Header.Rounds, b.Header.Salt, &mpw)
		if err != nil {
			return bundle.Bundle{}, nil, "", err
		}
		return nb, dek, class, nil

	default: // ProtectionCustomExport
		if len(deviceKEK) == 0 {
			return bundle.Bundle{}, nil, "", coreerr.NewNotSupported("device key unavailable for custom-export import", nil)
		}
		nb, err := envelope.ReEncrypt(dek, b, deviceKEK, localStorageKey, bundle.CtxStore, 1, "", nil)
		if err != nil {
			return bundle.Bundle{}, nil, "", err
		}
		return nb, dek, class, nil
	}
}

func passwordRequiredMessage(class string) string {
	if class == ClassCustomExport {
		return "this bundle requires the custom export password it was created with"
	}
	return "this bundle requires the master password it was protected with"
}

// MigrateV2toV3 decrypts a legacy V2 bundle without AAD and re-wraps/
// re-encrypts it as a V3 store-context bundle under the same KEK, keeping
// the source's salt and rounds.
func MigrateV2toV3(dek []byte, v2 bundle.Bundle, kek []byte, storageKey string) (bundle.Bundle, error) {
	var mpw *bool
	if v2.Header.MPw != nil {
		v := *v2.Header.MPw
		mpw = &v
	}
	return envelope.ReEncrypt(dek, v2, kek, storageKey, bundle.CtxStore, v2.Header.Rounds, v2.Header.Salt, mpw)
}
