package hashing

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func testFacts() SessionFacts {
	return SessionFacts{
		SessionID:       uuid.MustParse("5f6f7cfa-6b3e-4f5a-9f55-7d8f9e0a1b2c"),
		HelperIDHash:    "helper-hash",
		RecipientIDHash: "recipient-hash",
		StartTime:       time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC),
		EndTime:         time.Date(2026, time.March, 14, 10, 30, 0, 0, time.UTC),
		LocationHash:    "location-hash",
		TaskType:        "companionship",
	}
}

func TestContentHashDeterministic(t *testing.T) {
	facts := testFacts()
	first := ContentHash(facts)
	second := ContentHash(facts)
	if first != second {
		t.Fatalf("expected identical inputs to hash identically: %s != %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected a hex sha-256 digest, got %q", first)
	}
}

func TestContentHashSensitiveToEveryField(t *testing.T) {
	base := ContentHash(testFacts())
	mutations := []func(*SessionFacts){
		func(f *SessionFacts) { f.SessionID = uuid.New() },
		func(f *SessionFacts) { f.HelperIDHash = "other" },
		func(f *SessionFacts) { f.RecipientIDHash = "other" },
		func(f *SessionFacts) { f.StartTime = f.StartTime.Add(time.Second) },
		func(f *SessionFacts) { f.EndTime = f.EndTime.Add(time.Second) },
		func(f *SessionFacts) { f.LocationHash = "other" },
		func(f *SessionFacts) { f.TaskType = "transportation" },
	}
	for i, mutate := range mutations {
		facts := testFacts()
		mutate(&facts)
		if ContentHash(facts) == base {
			t.Fatalf("mutation %d did not change the hash", i)
		}
	}
}

func TestContentHashTimezoneIndependent(t *testing.T) {
	facts := testFacts()
	shifted := facts
	shifted.StartTime = facts.StartTime.In(time.FixedZone("EST", -5*3600))
	shifted.EndTime = facts.EndTime.In(time.FixedZone("JST", 9*3600))
	if ContentHash(facts) != ContentHash(shifted) {
		t.Fatal("expected the hash to depend on the instant, not the zone")
	}
}

func TestVerifyContentHash(t *testing.T) {
	facts := testFacts()
	hash := ContentHash(facts)
	if !VerifyContentHash(facts, hash) {
		t.Fatal("expected a matching hash to verify")
	}
	if VerifyContentHash(facts, hash[:63]+"0") {
		t.Fatal("expected a tampered hash to fail verification")
	}
	facts.TaskType = "other"
	if VerifyContentHash(facts, hash) {
		t.Fatal("expected changed facts to fail verification")
	}
}

func TestMaskPartyIDDeterministicPerSalt(t *testing.T) {
	id := uuid.New()
	a := NewMasker("salt-one")
	b := NewMasker("salt-two")

	if a.MaskPartyID(id) != a.MaskPartyID(id) {
		t.Fatal("expected the same salt to mask deterministically")
	}
	if a.MaskPartyID(id) == b.MaskPartyID(id) {
		t.Fatal("expected different salts to produce different masks")
	}
	if a.MaskPartyID(id) == id.String() {
		t.Fatal("expected the mask to differ from the raw id")
	}
}

func TestMaskLocationRoundsBeforeHashing(t *testing.T) {
	m := NewMasker("salt")

	// Within the same 3-decimal cell.
	near := m.MaskLocation(40.71281, -74.00601, DefaultLocationPrecision)
	nearer := m.MaskLocation(40.71279, -74.00599, DefaultLocationPrecision)
	if near != nearer {
		t.Fatal("expected coordinates in the same cell to mask identically")
	}

	far := m.MaskLocation(40.714, -74.006, DefaultLocationPrecision)
	if near == far {
		t.Fatal("expected a different cell to mask differently")
	}

	// Negative precision falls back to the default.
	if m.MaskLocation(40.7128, -74.0060, -1) != m.MaskLocation(40.7128, -74.0060, DefaultLocationPrecision) {
		t.Fatal("expected negative precision to use the default")
	}
}
