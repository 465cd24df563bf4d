package statemachine

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/chehab-vault/secvault/internal/aead"
	"github.com/chehab-vault/secvault/internal/bundle"
	"github.com/chehab-vault/secvault/internal/coreerr"
	"github.com/chehab-vault/secvault/internal/devicekeys"
	"github.com/chehab-vault/secvault/internal/kv"
	"github.com/chehab-vault/secvault/internal/session"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	devices := devicekeys.New(devicekeys.NewMemBackend())
	cfg := devicekeys.Config{DBName: "app", StoreName: "keys", KeyID: "default"}
	m := New("test-store", cfg, kv.NewMemKV(), devices, session.New())
	if err := m.Initialize(context.Background(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m
}

func TestFreshStoreLandsInDeviceMode(t *testing.T) {
	m := newMachine(t)
	if m.State() != DeviceMode {
		t.Fatalf("got state %v", m.State())
	}
	if m.IsLocked() || m.IsUsingMasterPassword() {
		t.Fatal("fresh device store should not be locked or master-protected")
	}
}

func TestSetDataThenGetDataRoundTrips(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)

	if err := m.SetData(ctx, map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	view, err := m.GetData(ctx)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	var got map[string]string
	if err := view.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["hello"] != "world" {
		t.Fatalf("got %v", got)
	}
}

func TestSetDataRejectsNonObjectRoots(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)

	if err := m.SetData(ctx, nil); err == nil {
		t.Fatal("expected rejection of a null root")
	}
	if err := m.SetData(ctx, []int{1, 2, 3}); err == nil {
		t.Fatal("expected rejection of an array root")
	}
	if err := m.SetData(ctx, "just a string"); err == nil {
		t.Fatal("expected rejection of a scalar root")
	}
}

func TestSetMasterPasswordThenLockThenUnlock(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	if err := m.SetData(ctx, map[string]string{"a": "1"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	if err := m.SetMasterPassword(ctx, "correct horse battery staple"); err != nil {
		t.Fatalf("SetMasterPassword: %v", err)
	}
	if m.State() != MasterMode {
		t.Fatalf("got state %v", m.State())
	}

	m.Lock()
	if m.State() != Locked || !m.IsLocked() {
		t.Fatalf("expected locked, got %v", m.State())
	}
	if _, err := m.GetData(ctx); err == nil {
		t.Fatal("expected LockedError while locked")
	}

	err := m.Unlock(ctx, "wrong password")
	if err == nil {
		t.Fatal("expected auth failure for wrong password")
	}
	if _, ok := err.(*coreerr.CryptoError); !ok {
		t.Fatalf("expected CryptoError for wrong password, got %T", err)
	}
	if err := m.Unlock(ctx, "correct horse battery staple"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if m.State() != MasterMode {
		t.Fatalf("got state %v", m.State())
	}

	view, err := m.GetData(ctx)
	if err != nil {
		t.Fatalf("GetData after unlock: %v", err)
	}
	var got map[string]string
	if err := view.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["a"] != "1" {
		t.Fatalf("data lost across lock/unlock: %v", got)
	}
}

func TestRemoveMasterPasswordReturnsToDeviceMode(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	if err := m.SetMasterPassword(ctx, "a-strong-password"); err != nil {
		t.Fatalf("SetMasterPassword: %v", err)
	}
	if err := m.RemoveMasterPassword(ctx); err != nil {
		t.Fatalf("RemoveMasterPassword: %v", err)
	}
	if m.State() != DeviceMode {
		t.Fatalf("got state %v", m.State())
	}
}

func TestRotateKeysOnlyLegalInDeviceMode(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	if err := m.SetData(ctx, map[string]string{"x": "y"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	oldBundle := m.current

	if err := m.RotateKeys(ctx); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if m.current.Header.IV == oldBundle.Header.IV && m.current.Header.WrappedKey == oldBundle.Header.WrappedKey {
		t.Fatal("expected header fields to change after key rotation")
	}
	view, err := m.GetData(ctx)
	if err != nil {
		t.Fatalf("GetData after rotation: %v", err)
	}
	var got map[string]string
	_ = view.Unmarshal(&got)
	if got["x"] != "y" {
		t.Fatalf("payload lost across key rotation: %v", got)
	}

	if err := m.SetMasterPassword(ctx, "pw"); err != nil {
		t.Fatalf("SetMasterPassword: %v", err)
	}
	if err := m.RotateKeys(ctx); err == nil {
		t.Fatal("expected ModeError for rotateKeys in master mode")
	}
}

func TestExportImportCustomPasswordRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	if err := m.SetData(ctx, map[string]string{"secret": "42"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}

	pw := "export-pw"
	out, err := m.ExportData(ctx, &pw)
	if err != nil {
		t.Fatalf("ExportData: %v", err)
	}

	m2 := newMachine(t)
	class, err := m2.ImportData(ctx, out, &pw)
	if err != nil {
		t.Fatalf("ImportData: %v", err)
	}
	if class != "customExportPassword" {
		t.Fatalf("got class %q", class)
	}
	if m2.State() != DeviceMode {
		t.Fatalf("got state %v", m2.State())
	}

	view, err := m2.GetData(ctx)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	var got map[string]string
	_ = view.Unmarshal(&got)
	if got["secret"] != "42" {
		t.Fatalf("data lost across export/import: %v", got)
	}
}

func TestImportMasterProtectedBundleLandsLocked(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	if err := m.SetMasterPassword(ctx, "master-pw"); err != nil {
		t.Fatalf("SetMasterPassword: %v", err)
	}
	if err := m.SetData(ctx, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	out, err := m.ExportData(ctx, nil)
	if err != nil {
		t.Fatalf("ExportData: %v", err)
	}

	m2 := newMachine(t)
	pw := "master-pw"
	class, err := m2.ImportData(ctx, out, &pw)
	if err != nil {
		t.Fatalf("ImportData: %v", err)
	}
	if class != "masterPassword" {
		t.Fatalf("got class %q", class)
	}
	if m2.State() != Locked {
		t.Fatalf("expected Locked immediately after importing a master-protected bundle, got %v", m2.State())
	}
	if err := m2.Unlock(ctx, "master-pw"); err != nil {
		t.Fatalf("Unlock after import: %v", err)
	}
	view, err := m2.GetData(ctx)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	var got map[string]string
	_ = view.Unmarshal(&got)
	if got["k"] != "v" {
		t.Fatalf("data lost across export/import of master bundle: %v", got)
	}
}

func TestV2BundleMigratesToV3OnDeviceModeLoad(t *testing.T) {
	ctx := context.Background()
	devices := devicekeys.New(devicekeys.NewMemBackend())
	cfg := devicekeys.Config{DBName: "app", StoreName: "keys", KeyID: "default"}
	kvStore := kv.NewMemKV()

	seed := New("ns", cfg, kvStore, devices, session.New())
	if err := seed.Initialize(ctx, false); err != nil {
		t.Fatalf("Initialize seed: %v", err)
	}
	if err := seed.SetData(ctx, map[string]string{"b": "2"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	// Replace the persisted bundle with a legacy v2 one under the same device
	// KEK: v2 carries no AAD on either the key wrap or the payload.
	deviceKEK, err := devices.GetKey(ctx, cfg)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	dek, err := aead.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ivWrap, wrapped, err := aead.Wrap(deviceKEK, dek, nil)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	ivData, ct, err := aead.Seal(dek, []byte(`{"b":"2"}`), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	enc := base64.StdEncoding.EncodeToString
	b := bundle.Bundle{
		Header: bundle.Header{V: bundle.V2, Rounds: 1, IV: enc(ivWrap), WrappedKey: enc(wrapped)},
		Data:   bundle.Data{IV: enc(ivData), Ciphertext: enc(ct)},
	}
	out, _ := bundle.Marshal(b)
	_ = kvStore.Set(ctx, out)

	loaded := New("ns", cfg, kvStore, devices, session.New())
	if err := loaded.Initialize(ctx, false); err != nil {
		t.Fatalf("Initialize loaded: %v", err)
	}
	if loaded.ResetReason() != ResetNone {
		t.Fatalf("expected the v2 bundle to be adopted, got reset reason %q", loaded.ResetReason())
	}
	if loaded.State() != DeviceMode {
		t.Fatalf("got state %v", loaded.State())
	}
	if !bundle.IsV3(loaded.current) || loaded.current.Header.Ctx != bundle.CtxStore {
		t.Fatalf("expected migrated v3 store bundle, got %+v", loaded.current.Header)
	}
}

func TestClearResetsToFreshDeviceStore(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t)
	if err := m.SetData(ctx, map[string]string{"a": "1"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if m.State() != DeviceMode {
		t.Fatalf("got state %v", m.State())
	}
	view, err := m.GetData(ctx)
	if err != nil {
		t.Fatalf("GetData after clear: %v", err)
	}
	var got map[string]string
	_ = view.Unmarshal(&got)
	if len(got) != 0 {
		t.Fatalf("expected empty payload after clear, got %v", got)
	}
}
