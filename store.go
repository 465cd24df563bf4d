// Package secvault provides at-rest encryption for a single JSON object
// persisted in a caller-supplied key/value store, defending against
// passive exfiltration of that store. Two protection modes are offered: a
// device-bound mode wrapping the data key with a key kept in a device key
// store, and a master-password mode deriving the wrapping key from a user
// passphrase via Argon2id. The package also supports portable export and
// import, password rotation, mode transitions, and versioned upgrade of the
// on-disk bundle format.
package secvault

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chehab-vault/secvault/internal/audit"
	"github.com/chehab-vault/secvault/internal/bundle"
	"github.com/chehab-vault/secvault/internal/devicekeys"
	"github.com/chehab-vault/secvault/internal/hardening"
	"github.com/chehab-vault/secvault/internal/kv"
	"github.com/chehab-vault/secvault/internal/secdata"
	"github.com/chehab-vault/secvault/internal/session"
	"github.com/chehab-vault/secvault/internal/statemachine"
)

// DataVersion is the current on-disk bundle version this module emits.
// Existing V2 bundles are migrated to this version on first device-mode
// load or on unlock.
const DataVersion = bundle.V3

// Store is the public facade: constructor records configuration and begins
// asynchronous initialization; a readiness barrier resolves when the
// internal state machine leaves its Initial state. Every operation except
// Lock, IsLocked, IsUsingMasterPassword, and RotationHistory awaits that
// barrier before delegating to the current state.
type Store struct {
	machine    *statemachine.Machine
	logger     zerolog.Logger
	storageKey string

	ready   chan struct{}
	initErr error

	rotMu   sync.Mutex
	rotLog  *audit.Log
}

// New constructs a Store and kicks off initialization in the background.
// kvStore is the caller-supplied string KV slot; deviceBackend is the
// caller-supplied origin-bound key database, or nil to run the device key
// store in pure in-memory mode.
func New(opts Options, kvStore kv.KV, deviceBackend devicekeys.Backend) *Store {
	opts.setDefaults()

	devCfg := devicekeys.Config{
		DBName:    opts.DeviceKeyConfig.DBName,
		StoreName: opts.DeviceKeyConfig.StoreName,
		KeyID:     opts.DeviceKeyConfig.KeyID,
	}
	machine := statemachine.New(opts.StorageKey, devCfg, kvStore, devicekeys.New(deviceBackend), session.New())

	s := &Store{
		machine:    machine,
		logger:     *opts.Logger,
		storageKey: opts.StorageKey,
		ready:      make(chan struct{}),
		rotLog:     audit.New(),
	}
	machine.SetMigrationHook(func() { s.record(audit.KindMigrationV2ToV3) })

	if err := hardening.DisableCoreDumps(); err != nil {
		s.logger.Debug().Err(err).Msg("secvault: could not disable core dumps")
	}

	go s.initialize()
	return s
}

func (s *Store) initialize() {
	defer close(s.ready)
	if err := s.machine.Initialize(context.Background(), false); err != nil {
		s.initErr = err
		s.logger.Error().Err(err).Msg("secvault: initialization failed")
		return
	}
	if reason := s.machine.ResetReason(); reason != statemachine.ResetNone {
		s.logger.Warn().Str("reason", string(reason)).Msg("secvault: fresh store created")
	}
}

// LastResetReason reports why the most recent initialization created a
// fresh store, or the empty string if the persisted bundle was adopted.
func (s *Store) LastResetReason(ctx context.Context) (string, error) {
	if err := s.awaitReady(ctx); err != nil {
		return "", err
	}
	return string(s.machine.ResetReason()), nil
}

func (s *Store) awaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) record(kind audit.Kind) {
	s.rotMu.Lock()
	defer s.rotMu.Unlock()
	s.rotLog.Append(kind)
}

// RotationHistory returns the in-memory, hash-chained log of master
// password and device key rotations and mode transitions observed by this
// Store since construction. It does not persist across process restarts.
func (s *Store) RotationHistory() []audit.Event {
	s.rotMu.Lock()
	defer s.rotMu.Unlock()
	return s.rotLog.Events()
}

// Unlock authenticates password against a Locked store and transitions to
// MasterMode. No-op in DeviceMode and MasterMode.
func (s *Store) Unlock(ctx context.Context, password string) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	wasLocked := s.machine.State() == statemachine.Locked
	if err := s.machine.Unlock(ctx, password); err != nil {
		return err
	}
	if wasLocked {
		s.logger.Info().Msg("secvault: unlocked")
	}
	return nil
}

// Lock discards the in-RAM data key and session key. Does not await the
// readiness barrier.
func (s *Store) Lock() {
	wasMaster := s.machine.State() == statemachine.MasterMode
	s.machine.Lock()
	if wasMaster {
		s.logger.Info().Msg("secvault: locked")
	}
}

// IsLocked reports whether getData/setData/rotateKeys currently require
// Unlock. Does not await the readiness barrier.
func (s *Store) IsLocked() bool { return s.machine.IsLocked() }

// IsUsingMasterPassword reports whether the store is password-protected.
// Does not await the readiness barrier.
func (s *Store) IsUsingMasterPassword() bool { return s.machine.IsUsingMasterPassword() }

// SetMasterPassword switches a device-mode store to password protection.
func (s *Store) SetMasterPassword(ctx context.Context, password string) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	if err := s.machine.SetMasterPassword(ctx, password); err != nil {
		return err
	}
	s.record(audit.KindMasterPasswordSet)
	s.logger.Info().Msg("secvault: master password set")
	return nil
}

// RemoveMasterPassword switches a master-mode store back to device
// protection.
func (s *Store) RemoveMasterPassword(ctx context.Context) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	if err := s.machine.RemoveMasterPassword(ctx); err != nil {
		return err
	}
	s.record(audit.KindMasterPasswordRemoved)
	s.logger.Info().Msg("secvault: master password removed")
	return nil
}

// RotateMasterPassword authenticates with oldPassword and re-wraps under
// newPassword.
func (s *Store) RotateMasterPassword(ctx context.Context, oldPassword, newPassword string) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	if err := s.machine.RotateMasterPassword(ctx, oldPassword, newPassword); err != nil {
		return err
	}
	s.record(audit.KindMasterPasswordRotated)
	s.logger.Info().Msg("secvault: master password rotated")
	return nil
}

// RotateKeys regenerates the data key and device key identity, re-wrapping
// the existing payload. Only legal in DeviceMode.
func (s *Store) RotateKeys(ctx context.Context) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	if err := s.machine.RotateKeys(ctx); err != nil {
		return err
	}
	s.record(audit.KindDeviceKeyRotation)
	s.logger.Info().Msg("secvault: keys rotated")
	return nil
}

// GetData decrypts the current payload into a read-only, wipeable view.
func (s *Store) GetData(ctx context.Context) (*secdata.View, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	return s.machine.GetData(ctx)
}

// SetData serializes value to JSON and persists it encrypted. value must
// marshal to a JSON object.
func (s *Store) SetData(ctx context.Context, value interface{}) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	return s.machine.SetData(ctx, value)
}

// Clear deletes the device key record and the KV slot, then reinitializes
// to a brand-new device-mode store.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	return s.machine.Clear(ctx)
}

// ExportData builds a portable bundle. A nil customPassword reuses the
// active master-mode session; it is required in DeviceMode.
func (s *Store) ExportData(ctx context.Context, customPassword *string) (string, error) {
	if err := s.awaitReady(ctx); err != nil {
		return "", err
	}
	out, err := s.machine.ExportData(ctx, customPassword)
	if err != nil {
		s.logger.Warn().Err(err).Msg("secvault: export failed")
		return "", err
	}
	s.logger.Info().Msg("secvault: export succeeded")
	return out, nil
}

// ImportData ingests a serialized bundle and returns "masterPassword" or
// "customExportPassword" depending on how it was classified.
func (s *Store) ImportData(ctx context.Context, serialized string, password *string) (string, error) {
	if err := s.awaitReady(ctx); err != nil {
		return "", err
	}
	class, err := s.machine.ImportData(ctx, serialized, password)
	if err != nil {
		s.logger.Warn().Err(err).Msg("secvault: import failed")
		return "", err
	}
	s.logger.Info().Str("class", class).Msg("secvault: import succeeded")
	return class, nil
}
