package audit

import "testing"

func TestAppendChainsHashes(t *testing.T) {
	l := New()
	e1 := l.Append(KindMasterPasswordSet)
	e2 := l.Append(KindDeviceKeyRotation)
	if e1.Hash == e2.Hash {
		t.Fatal("expected distinct hashes for distinct events")
	}
	if !l.Verify() {
		t.Fatal("expected freshly-built chain to verify")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := New()
	l.Append(KindMasterPasswordSet)
	l.Append(KindMasterPasswordRotated)
	l.events[0].Hash = "tampered"
	if l.Verify() {
		t.Fatal("expected tampered chain to fail verification")
	}
}

func TestEventsReturnsDefensiveCopy(t *testing.T) {
	l := New()
	l.Append(KindMasterPasswordSet)
	events := l.Events()
	events[0].Kind = "mutated"
	if l.events[0].Kind == "mutated" {
		t.Fatal("Events() should return a copy, not a view onto internal state")
	}
}
