package escrow

import (
	"errors"
	"testing"
)

func testRoster(t *testing.T, threshold uint8) *Roster {
	t.Helper()
	r, err := NewRoster([][20]byte{testOracleA, testOracleB, testOracleC}, threshold)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	return r
}

func TestNewRosterValidation(t *testing.T) {
	if _, err := NewRoster(nil, 1); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("empty roster: %v", err)
	}
	if _, err := NewRoster([][20]byte{testOracleA}, 0); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("zero threshold: %v", err)
	}
	if _, err := NewRoster([][20]byte{testOracleA}, 2); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("threshold over roster: %v", err)
	}
	if _, err := NewRoster([][20]byte{testOracleA, testOracleA}, 1); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("duplicate member: %v", err)
	}
	if _, err := NewRoster([][20]byte{{}}, 1); !errors.Is(err, ErrUnauthorizedActor) {
		t.Fatalf("zero identity: %v", err)
	}

	full := make([][20]byte, MaxOracles+1)
	for i := range full {
		full[i] = addr(byte(i + 1))
	}
	if _, err := NewRoster(full, 1); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("oversized roster: %v", err)
	}
	if _, err := NewRoster(full[:MaxOracles], MaxOracles); err != nil {
		t.Fatalf("max roster rejected: %v", err)
	}
}

func TestSatisfiedThreshold(t *testing.T) {
	r := testRoster(t, 2)

	if err := r.Satisfied([][20]byte{testOracleA, testOracleB}); err != nil {
		t.Fatalf("exact quorum: %v", err)
	}
	if err := r.Satisfied([][20]byte{testOracleA, testOracleB, testOracleC}); err != nil {
		t.Fatalf("over quorum: %v", err)
	}
	if err := r.Satisfied([][20]byte{testOracleA}); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("below quorum: %v", err)
	}
	if err := r.Satisfied(nil); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("empty endorsements: %v", err)
	}
}

func TestSatisfiedRejectsDuplicatesAndStrangers(t *testing.T) {
	r := testRoster(t, 2)

	// Duplicates never count toward quorum, they invalidate the set.
	if err := r.Satisfied([][20]byte{testOracleA, testOracleA, testOracleB}); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("duplicate endorsement: %v", err)
	}
	if err := r.Satisfied([][20]byte{testOracleA, testOracleB, addr(0x99)}); !errors.Is(err, ErrUnauthorizedActor) {
		t.Fatalf("foreign endorser: %v", err)
	}
}

func TestRosterAccessors(t *testing.T) {
	r := testRoster(t, 3)
	if r.Threshold() != 3 {
		t.Fatalf("threshold = %d", r.Threshold())
	}
	if !r.Contains(testOracleB) || r.Contains(addr(0x99)) {
		t.Fatal("membership check wrong")
	}

	members := r.Members()
	members[0] = addr(0x99)
	if r.Contains(addr(0x99)) {
		t.Fatal("Members leaked internal slice")
	}
}
