package kv

import (
	"context"
	"path/filepath"
	"testing"
)

func TestFileKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "slot.json")
	f := NewFileKV(path)

	if _, found, err := f.Get(ctx); err != nil || found {
		t.Fatalf("expected absent slot, got found=%v err=%v", found, err)
	}

	if err := f.Set(ctx, `{"a":1}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, found, err := f.Get(ctx)
	if err != nil || !found {
		t.Fatalf("expected present slot, got found=%v err=%v", found, err)
	}
	if v != `{"a":1}` {
		t.Fatalf("got %q", v)
	}

	if err := f.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, found, _ := f.Get(ctx); found {
		t.Fatal("expected absent slot after Clear")
	}
}

func TestMemKVQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemKV()
	m.MaxBytes = 4
	err := m.Set(ctx, "way too long")
	if err == nil {
		t.Fatal("expected quota error")
	}
	var qe *QuotaError
	if !asQuotaError(err, &qe) {
		t.Fatalf("expected *QuotaError, got %T: %v", err, err)
	}
	if qe.AttemptedBytes != len("way too long") {
		t.Fatalf("AttemptedBytes = %d", qe.AttemptedBytes)
	}
}

func asQuotaError(err error, target **QuotaError) bool {
	if qe, ok := err.(*QuotaError); ok {
		*target = qe
		return true
	}
	return false
}

func TestClearOnAbsentSlotNeverErrors(t *testing.T) {
	ctx := context.Background()
	f := NewFileKV(filepath.Join(t.TempDir(), "nope.json"))
	if err := f.Clear(ctx); err != nil {
		t.Fatalf("Clear on absent slot must never error, got %v", err)
	}
}
