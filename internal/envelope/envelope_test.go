package envelope

import (
	"bytes"
	"testing"

	"github.com/chehab-vault/secvault/internal/aead"
	"github.com/chehab-vault/secvault/internal/bundle"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	k, err := aead.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func TestCreateEmptyRoundTrips(t *testing.T) {
	kek := mustKey(t)
	b, dek, err := CreateEmpty(kek, "my-store")
	if err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	if !bundle.IsV3(b) || b.Header.Ctx != bundle.CtxStore || b.Header.Rounds != 1 || b.Header.Salt != "" {
		t.Fatalf("unexpected header: %+v", b.Header)
	}
	if err := bundle.Validate(b, true); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	plaintext, err := DecryptPayload(dek, b, "my-store")
	if err != nil {
		t.Fatalf("DecryptPayload: %v", err)
	}
	if string(plaintext) != "{}" {
		t.Fatalf("got %q", plaintext)
	}

	gotDEK, err := EnsureLoaded(kek, b, "my-store")
	if err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	if !bytes.Equal(gotDEK, dek) {
		t.Fatal("EnsureLoaded did not return the same DEK")
	}
}

func TestEncryptPayloadThenDecrypt(t *testing.T) {
	kek := mustKey(t)
	b, dek, err := CreateEmpty(kek, "store-key")
	if err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	b, err = EncryptPayload(dek, b, "store-key", []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	pt, err := DecryptPayload(dek, b, "store-key")
	if err != nil {
		t.Fatalf("DecryptPayload: %v", err)
	}
	if string(pt) != `{"hello":"world"}` {
		t.Fatalf("got %q", pt)
	}
}

func TestReEncryptPreservesPlaintextUnderNewKEK(t *testing.T) {
	oldKEK := mustKey(t)
	b, dek, err := CreateEmpty(oldKEK, "ns")
	if err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	b, err = EncryptPayload(dek, b, "ns", []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}

	newKEK := mustKey(t)
	masterTrue := true
	nb, err := ReEncrypt(dek, b, newKEK, "ns", bundle.CtxStore, 20, "c29tZXNhbHQ=", &masterTrue)
	if err != nil {
		t.Fatalf("ReEncrypt: %v", err)
	}
	if nb.Header.Rounds != 20 || nb.Header.Salt == "" || nb.Header.MPw == nil || !*nb.Header.MPw {
		t.Fatalf("unexpected new header: %+v", nb.Header)
	}

	newDEK, err := EnsureLoaded(newKEK, nb, "ns")
	if err != nil {
		t.Fatalf("EnsureLoaded with new KEK: %v", err)
	}
	pt, err := DecryptPayload(newDEK, nb, "ns")
	if err != nil {
		t.Fatalf("DecryptPayload with new DEK: %v", err)
	}
	if string(pt) != `{"x":1}` {
		t.Fatalf("got %q", pt)
	}

	if _, err := EnsureLoaded(oldKEK, nb, "ns"); err == nil {
		t.Fatal("expected old KEK to no longer unwrap the re-wrapped bundle")
	}
}

func TestEnsureLoadedRejectsWrongStorageKey(t *testing.T) {
	kek := mustKey(t)
	b, _, err := CreateEmpty(kek, "root-a")
	if err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	if _, err := EnsureLoaded(kek, b, "root-b"); err == nil {
		t.Fatal("expected AAD mismatch to fail unwrap when storageKey differs")
	}
}
