package escrow

import (
	"math/big"
	"testing"
)

func createWithDeadline(t *testing.T, engine *Engine, state *mockState, projectID uint64, verifyBy int64) *Escrow {
	t.Helper()
	p := defaultCreateParams()
	p.ProjectID = projectID
	p.Buyer = addr(byte(projectID))
	esc := mustCreate(t, engine, state, p)
	if verifyBy > 0 {
		if err := engine.SetDeadlines(esc.ID, p.Buyer, verifyBy, verifyBy+1000); err != nil {
			t.Fatalf("deadlines: %v", err)
		}
	}
	return esc
}

func TestProcessTimeoutsRefundsLapsedOnly(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	lapsed := createWithDeadline(t, engine, state, 1, testNow+100)
	pending := createWithDeadline(t, engine, state, 2, testNow+10_000)
	noDeadline := createWithDeadline(t, engine, state, 3, 0)

	engine.SetNowFunc(func() int64 { return testNow + 200 })
	processed, err := engine.ProcessTimeouts(testNow+200, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	stored, _ := state.EscrowGet(lapsed.ID)
	if stored.State != StateRefunded {
		t.Fatalf("lapsed escrow state = %s", stored.State)
	}
	if got := state.accountBalance(addr(1), "USDC"); got.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("buyer refunded %s", got)
	}
	for _, esc := range []*Escrow{pending, noDeadline} {
		stored, _ := state.EscrowGet(esc.ID)
		if stored.State != StateOpen {
			t.Fatalf("escrow %d swept early: %s", stored.ProjectID, stored.State)
		}
	}
}

func TestProcessTimeoutsHonorsBatchLimit(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	for pid := uint64(1); pid <= 5; pid++ {
		createWithDeadline(t, engine, state, pid, testNow+100)
	}

	engine.SetNowFunc(func() int64 { return testNow + 200 })
	processed, err := engine.ProcessTimeouts(testNow+200, 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}

	// The next sweep picks up where the limit cut off.
	processed, err = engine.ProcessTimeouts(testNow+200, 10)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if processed != 3 {
		t.Fatalf("second sweep processed = %d, want 3", processed)
	}
}

func TestProcessTimeoutsSkipsNonOpenStates(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	esc := createWithDeadline(t, engine, state, 1, testNow+100)
	if err := engine.VerifyDelivery(esc.ID, [][20]byte{testOracleA, testOracleB}); err != nil {
		t.Fatalf("verify: %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 200 })
	processed, err := engine.ProcessTimeouts(testNow+200, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0", processed)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.State != StateVerified {
		t.Fatalf("verified escrow swept: %s", stored.State)
	}
}

func TestProcessTimeoutsSkipsGuardedEscrow(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	esc := createWithDeadline(t, engine, state, 1, testNow+100)

	stored, _ := state.EscrowGet(esc.ID)
	stored.InTransfer = true
	if err := state.EscrowPut(stored); err != nil {
		t.Fatalf("put: %v", err)
	}

	processed, err := engine.ProcessTimeouts(testNow+200, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0", processed)
	}
}
