// Package statemachine is the four-state engine (Initial, DeviceMode,
// Locked, MasterMode) gating which operations are legal, per spec.md
// §4.8. It owns the current bundle, the unwrapped DEK while unlocked, and
// delegates cryptographic work to internal/envelope and
// internal/portability. Grounded on the teacher's internal/vault.vault
// struct (unlocked bool + cached key material guarding its methods),
// generalized from a single locked/unlocked bit to the full four-state
// table.
package statemachine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"

	"github.com/chehab-vault/secvault/internal/aead"
	"github.com/chehab-vault/secvault/internal/bundle"
	"github.com/chehab-vault/secvault/internal/coreerr"
	"github.com/chehab-vault/secvault/internal/devicekeys"
	"github.com/chehab-vault/secvault/internal/envelope"
	"github.com/chehab-vault/secvault/internal/kdf"
	"github.com/chehab-vault/secvault/internal/kv"
	"github.com/chehab-vault/secvault/internal/portability"
	"github.com/chehab-vault/secvault/internal/secdata"
	"github.com/chehab-vault/secvault/internal/session"
)

// State is one of the four lifecycle states spec.md §4.8 names.
type State int

const (
	Initial State = iota
	DeviceMode
	Locked
	MasterMode
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case DeviceMode:
		return "device-mode"
	case Locked:
		return "locked"
	case MasterMode:
		return "master-mode"
	default:
		return "unknown"
	}
}

// ResetReason records why Initialize created a fresh store instead of
// adopting what was found in the KV slot.
type ResetReason string

const (
	ResetNone               ResetReason = ""
	ResetInvalidConfig      ResetReason = "invalid-config"
	ResetDeviceKEKMismatch  ResetReason = "device-kek-mismatch"
)

// Machine is the per-namespace state engine. One Machine serves one
// (storageKey, device-key-namespace) pair; a caller embedding this module
// more than once per page uses one Machine per instance.
type Machine struct {
	mu sync.Mutex

	storageKey string
	devCfg     devicekeys.Config

	kv       kv.KV
	devices  *devicekeys.Store
	sessions *session.Cache

	state       State
	current     bundle.Bundle
	dek         []byte
	resetReason ResetReason

	onMigrate func()
}

// New constructs a Machine. It does not touch the KV or device key store;
// call Initialize to run the readiness sequence.
func New(storageKey string, devCfg devicekeys.Config, kvStore kv.KV, devices *devicekeys.Store, sessions *session.Cache) *Machine {
	return &Machine{
		storageKey: storageKey,
		devCfg:     devCfg,
		kv:         kvStore,
		devices:    devices,
		sessions:   sessions,
		state:      Initial,
	}
}

// SetMigrationHook registers a callback invoked each time a V2 bundle is
// migrated to V3, on either load path (adoptLocked or Unlock). Used by the
// facade to record the migration in its rotation history.
func (m *Machine) SetMigrationHook(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMigrate = fn
}

// State reports the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsLocked reports whether the facade requires unlock(password) before
// getData/setData/rotateKeys will succeed. Undefined (reports false) before
// Initialize completes.
func (m *Machine) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Locked
}

// IsUsingMasterPassword reports whether the store is password-protected
// (Locked or MasterMode), as opposed to device-bound.
func (m *Machine) IsUsingMasterPassword() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Locked || m.state == MasterMode
}

// ResetReason reports why the most recent Initialize created a fresh store,
// or ResetNone if the persisted bundle was adopted as-is.
func (m *Machine) ResetReason() ResetReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetReason
}

// Initialize runs the readiness sequence: load the KV slot, validate it,
// and land in DeviceMode (fresh or adopted) or Locked. forceFresh skips
// straight to creating a new device-mode store, used by clear().
func (m *Machine) Initialize(ctx context.Context, forceFresh bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(ctx, forceFresh)
}

func (m *Machine) initializeLocked(ctx context.Context, forceFresh bool) error {
	if !forceFresh {
		raw, found, err := m.kv.Get(ctx)
		if err == nil && found {
			b, perr := bundle.Parse(raw)
			if perr == nil {
				if verr := bundle.Validate(b, true); verr == nil {
					return m.adoptLocked(ctx, b)
				}
			}
		}
	}

	m.resetReason = ResetInvalidConfig
	if forceFresh {
		m.resetReason = ResetNone
	}
	return m.createFreshLocked(ctx)
}

func (m *Machine) adoptLocked(ctx context.Context, b bundle.Bundle) error {
	if b.Header.Rounds > 1 {
		m.current = b
		m.state = Locked
		m.resetReason = ResetNone
		return nil
	}

	deviceKEK, err := m.devices.GetKey(ctx, m.devCfg)
	if err != nil {
		return coreerr.NewNotSupported("device key store unavailable", err)
	}
	dek, err := envelope.EnsureLoaded(deviceKEK, b, m.storageKey)
	if err != nil {
		m.resetReason = ResetDeviceKEKMismatch
		return m.createFreshLocked(ctx)
	}

	if bundle.IsV2(b) {
		migrated, merr := portability.MigrateV2toV3(dek, b, deviceKEK, m.storageKey)
		if merr != nil {
			return merr
		}
		if serr := m.persistLocked(ctx, migrated); serr != nil {
			return serr
		}
		b = migrated
		if m.onMigrate != nil {
			m.onMigrate()
		}
	}

	m.current = b
	m.dek = dek
	m.state = DeviceMode
	m.resetReason = ResetNone
	return nil
}

func (m *Machine) createFreshLocked(ctx context.Context) error {
	deviceKEK, err := m.devices.GetKey(ctx, m.devCfg)
	if err != nil {
		return coreerr.NewNotSupported("device key store unavailable", err)
	}
	b, dek, err := envelope.CreateEmpty(deviceKEK, m.storageKey)
	if err != nil {
		return err
	}
	if err := m.persistLocked(ctx, b); err != nil {
		return err
	}
	m.current = b
	m.dek = dek
	m.state = DeviceMode
	return nil
}

func (m *Machine) persistLocked(ctx context.Context, b bundle.Bundle) error {
	raw, err := bundle.Marshal(b)
	if err != nil {
		return coreerr.NewPersistence("failed to serialize bundle", err)
	}
	if err := m.kv.Set(ctx, raw); err != nil {
		var qe *kv.QuotaError
		if asQuotaError(err, &qe) {
			return coreerr.NewStorageFull("storage quota exceeded", qe.AttemptedBytes, err)
		}
		return coreerr.NewPersistence("failed to persist bundle", err)
	}
	return nil
}

func asQuotaError(err error, target **kv.QuotaError) bool {
	qe, ok := err.(*kv.QuotaError)
	if ok {
		*target = qe
	}
	return ok
}

// Unlock authenticates password against the Locked bundle and transitions
// to MasterMode, migrating a V2 bundle to V3 along the way. No-op in
// DeviceMode and MasterMode.
//
// A wrong password surfaces as CryptoError (an auth-tag mismatch on DEK
// unwrap), per spec.md §7's general classification of auth-tag failures.
// spec.md's own S2 scenario instead names ValidationError for this case;
// that's the one place the spec's error table and its scenario text
// disagree, and §7's classification is the one followed here.
func (m *Machine) Unlock(ctx context.Context, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case DeviceMode, MasterMode:
		return nil
	case Initial:
		return coreerr.NewMode("store is not yet initialized")
	}

	salt, err := base64.StdEncoding.DecodeString(m.current.Header.Salt)
	if err != nil {
		return coreerr.NewValidation("malformed salt in persisted bundle", err)
	}
	kek, err := kdf.DeriveKEK(password, salt, m.current.Header.Rounds)
	if err != nil {
		return coreerr.NewCrypto("failed to derive password key", err)
	}
	dek, err := envelope.EnsureLoaded(kek, m.current, m.storageKey)
	if err != nil {
		return coreerr.NewCrypto("incorrect password", err)
	}

	current := m.current
	if bundle.IsV2(current) {
		migrated, merr := portability.MigrateV2toV3(dek, current, kek, m.storageKey)
		if merr != nil {
			return merr
		}
		if serr := m.persistLocked(ctx, migrated); serr != nil {
			return serr
		}
		current = migrated
		if m.onMigrate != nil {
			m.onMigrate()
		}
	}

	m.current = current
	m.dek = dek
	m.sessions.Set(kek, m.current.Header.Salt, m.current.Header.Rounds)
	m.state = MasterMode
	return nil
}

// Lock discards the in-RAM DEK and session KEK. No-op outside MasterMode.
func (m *Machine) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MasterMode {
		return
	}
	m.sessions.Clear()
	aead.Zero(m.dek)
	m.dek = nil
	m.state = Locked
}

// SetMasterPassword switches a device-mode store to password protection.
func (m *Machine) SetMasterPassword(ctx context.Context, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Initial:
		return coreerr.NewMode("store is not yet initialized")
	case Locked:
		return coreerr.NewLocked("unlock before changing the master password")
	case MasterMode:
		return coreerr.NewMode("a master password is already set")
	}

	return m.installMasterPasswordLocked(ctx, password)
}

func (m *Machine) installMasterPasswordLocked(ctx context.Context, password string) error {
	if strings.TrimSpace(password) == "" {
		return coreerr.NewValidation("password must not be blank", nil)
	}
	salt, err := kdf.RandomSalt()
	if err != nil {
		return coreerr.NewCrypto("failed to draw salt", err)
	}
	kek, err := kdf.DeriveKEK(password, salt, kdf.DefaultRounds)
	if err != nil {
		return coreerr.NewCrypto("failed to derive password key", err)
	}
	mpw := true
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	nb, err := envelope.ReEncrypt(m.dek, m.current, kek, m.storageKey, bundle.CtxStore, kdf.DefaultRounds, saltB64, &mpw)
	if err != nil {
		return err
	}
	if err := m.persistLocked(ctx, nb); err != nil {
		return err
	}
	m.current = nb
	m.sessions.Set(kek, saltB64, kdf.DefaultRounds)
	m.state = MasterMode
	return nil
}

// RemoveMasterPassword switches a master-mode store back to device
// protection.
func (m *Machine) RemoveMasterPassword(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Initial:
		return coreerr.NewMode("store is not yet initialized")
	case DeviceMode:
		return coreerr.NewMode("no master password is set")
	case Locked:
		return coreerr.NewLocked("unlock before removing the master password")
	}

	deviceKEK, err := m.devices.GetKey(ctx, m.devCfg)
	if err != nil {
		return coreerr.NewNotSupported("device key store unavailable", err)
	}
	nb, err := envelope.ReEncrypt(m.dek, m.current, deviceKEK, m.storageKey, bundle.CtxStore, 1, "", nil)
	if err != nil {
		return err
	}
	if err := m.persistLocked(ctx, nb); err != nil {
		return err
	}
	m.current = nb
	m.sessions.Clear()
	m.state = DeviceMode
	return nil
}

// RotateMasterPassword authenticates with oldPassword and re-wraps under
// newPassword. In DeviceMode there is no existing master password, so this
// behaves like SetMasterPassword(newPassword) and oldPassword is ignored.
func (m *Machine) RotateMasterPassword(ctx context.Context, oldPassword, newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Initial:
		return coreerr.NewMode("store is not yet initialized")
	case DeviceMode:
		return m.installMasterPasswordLocked(ctx, newPassword)
	}

	salt, err := base64.StdEncoding.DecodeString(m.current.Header.Salt)
	if err != nil {
		return coreerr.NewValidation("malformed salt in persisted bundle", err)
	}
	oldKEK, err := kdf.DeriveKEK(oldPassword, salt, m.current.Header.Rounds)
	if err != nil {
		return coreerr.NewCrypto("failed to derive old password key", err)
	}
	dek, err := envelope.EnsureLoaded(oldKEK, m.current, m.storageKey)
	if err != nil {
		return coreerr.NewCrypto("incorrect current password", err)
	}

	if strings.TrimSpace(newPassword) == "" {
		return coreerr.NewValidation("new password must not be blank", nil)
	}
	newSalt, err := kdf.RandomSalt()
	if err != nil {
		return coreerr.NewCrypto("failed to draw salt", err)
	}
	newKEK, err := kdf.DeriveKEK(newPassword, newSalt, kdf.DefaultRounds)
	if err != nil {
		return coreerr.NewCrypto("failed to derive new password key", err)
	}
	mpw := true
	newSaltB64 := base64.StdEncoding.EncodeToString(newSalt)
	nb, err := envelope.ReEncrypt(dek, m.current, newKEK, m.storageKey, bundle.CtxStore, kdf.DefaultRounds, newSaltB64, &mpw)
	if err != nil {
		return err
	}
	if err := m.persistLocked(ctx, nb); err != nil {
		return err
	}
	m.current = nb
	m.dek = dek
	m.sessions.Set(newKEK, newSaltB64, kdf.DefaultRounds)
	m.state = MasterMode
	return nil
}

// RotateKeys regenerates the DEK and (in device mode) the device KEK
// identity, re-wrapping and re-encrypting the existing payload. Only legal
// in DeviceMode.
func (m *Machine) RotateKeys(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Initial:
		return coreerr.NewMode("store is not yet initialized")
	case Locked:
		return coreerr.NewLocked("unlock before rotating keys")
	case MasterMode:
		return coreerr.NewMode("rotateKeys is only valid in device mode")
	}

	plaintext, err := envelope.DecryptPayload(m.dek, m.current, m.storageKey)
	if err != nil {
		return err
	}

	newDEK, err := aead.GenerateKey()
	if err != nil {
		return coreerr.NewCrypto("failed to generate data key", err)
	}
	newDeviceKEK, err := m.devices.RotateKey(ctx, m.devCfg)
	if err != nil {
		return coreerr.NewNotSupported("device key store unavailable", err)
	}

	nb, err := envelope.WrapFresh(newDEK, newDeviceKEK, m.storageKey, bundle.CtxStore, 1, "", plaintext)
	if err != nil {
		aead.Zero(newDEK)
		return err
	}
	if err := m.persistLocked(ctx, nb); err != nil {
		aead.Zero(newDEK)
		return err
	}

	aead.Zero(m.dek)
	m.current = nb
	m.dek = newDEK
	return nil
}

// GetData decrypts the current payload into a read-only, wipeable view.
func (m *Machine) GetData(ctx context.Context) (*secdata.View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Initial:
		return nil, coreerr.NewMode("store is not yet initialized")
	case Locked:
		return nil, coreerr.NewLocked("store is locked")
	}

	plaintext, err := envelope.DecryptPayload(m.dek, m.current, m.storageKey)
	if err != nil {
		return nil, err
	}
	return secdata.New(plaintext)
}

// SetData re-encrypts value (marshaled to JSON) under the current header
// and persists it.
func (m *Machine) SetData(ctx context.Context, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Initial:
		return coreerr.NewMode("store is not yet initialized")
	case Locked:
		return coreerr.NewLocked("store is locked")
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return coreerr.NewValidation("value could not be serialized to JSON", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &probe); err != nil {
		return coreerr.NewValidation("value must serialize to a plain JSON object", err)
	}
	if probe == nil {
		// json.Unmarshal("null", &probe) succeeds and leaves probe nil; null
		// is valid JSON but not a plain object, so it must be rejected here
		// rather than silently persisted.
		return coreerr.NewValidation("value must serialize to a plain JSON object", nil)
	}

	nb, err := envelope.EncryptPayload(m.dek, m.current, m.storageKey, plaintext)
	if err != nil {
		return err
	}
	if err := m.persistLocked(ctx, nb); err != nil {
		return err
	}
	m.current = nb
	return nil
}

// ExportData builds a portable bundle. A nil customPassword reuses the
// active master-mode session; it is an error outside MasterMode.
func (m *Machine) ExportData(ctx context.Context, customPassword *string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Initial:
		return "", coreerr.NewMode("store is not yet initialized")
	case Locked:
		return "", coreerr.NewLocked("store is locked")
	case DeviceMode:
		if customPassword == nil {
			return "", coreerr.NewExport("exporting from device mode requires a custom export password")
		}
	}

	var sessionKEK []byte
	if m.state == MasterMode && customPassword == nil {
		sessionKEK = m.sessions.Match(m.current.Header.Salt, m.current.Header.Rounds)
	}
	return portability.Export(m.dek, m.current, m.storageKey, sessionKEK, customPassword)
}

// ImportData ingests a serialized bundle, legal in every state (including
// Initial once Initialize has run).
func (m *Machine) ImportData(ctx context.Context, raw string, password *string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceKEK, err := m.devices.GetKey(ctx, m.devCfg)
	if err != nil {
		return "", coreerr.NewNotSupported("device key store unavailable", err)
	}

	nb, dek, class, err := portability.Import(raw, password, m.storageKey, deviceKEK)
	if err != nil {
		return "", err
	}
	if err := m.persistLocked(ctx, nb); err != nil {
		return "", err
	}

	aead.Zero(m.dek)
	m.sessions.Clear()
	m.current = nb

	switch class {
	case portability.ClassMasterPassword:
		m.dek = nil
		aead.Zero(dek)
		m.state = Locked
	default:
		m.dek = dek
		m.state = DeviceMode
	}
	return class, nil
}

// Clear deletes the device-key record and the KV slot, then reinitializes
// to a brand-new device-mode store.
func (m *Machine) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	aead.Zero(m.dek)
	m.dek = nil
	m.sessions.Clear()
	m.current = bundle.Bundle{}
	m.state = Initial

	if err := m.devices.DeletePersistent(ctx, m.devCfg); err != nil {
		return coreerr.NewNotSupported("failed to delete device key", err)
	}
	if err := m.kv.Clear(ctx); err != nil {
		return coreerr.NewPersistence("failed to clear storage slot", err)
	}
	return m.initializeLocked(ctx, true)
}
