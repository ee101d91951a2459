package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func openTestDispute(t *testing.T, engine *Engine, id [32]byte) {
	t.Helper()
	if err := engine.OpenDispute(id, testBuyer, 3, [32]byte{0xd1}); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
}

func TestOpenDisputeFreezesReleases(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	esc := mustCreate(t, engine, state, defaultCreateParams())
	addTestMilestone(t, engine, esc.ID, 40_000_000)
	if err := engine.VerifyMilestone(esc.ID, 0, [][20]byte{testOracleA, testOracleB}); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := engine.OpenDispute(esc.ID, addr(0x77), 1, [32]byte{}); !errors.Is(err, ErrUnauthorizedActor) {
		t.Fatalf("stranger opened dispute: %v", err)
	}
	openTestDispute(t, engine, esc.ID)

	stored, _ := state.EscrowGet(esc.ID)
	if stored.State != StateDispute || !stored.DisputeOpen || stored.DisputeReason != 3 {
		t.Fatalf("dispute not recorded: %+v", stored)
	}
	if !emitter.has(EventTypeDisputeOpened) {
		t.Fatalf("events = %v", emitter.eventTypes())
	}

	if err := engine.OpenDispute(esc.ID, testSeller, 1, [32]byte{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second dispute: %v", err)
	}
	if err := engine.ReleaseForMilestone(esc.ID, testBuyer, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release during dispute: %v", err)
	}
	if err := engine.ReleasePayment(esc.ID, testBuyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("payment during dispute: %v", err)
	}
	if err := engine.VerifyDelivery(esc.ID, [][20]byte{testOracleA, testOracleB}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("verify during dispute: %v", err)
	}

	// The retention holdback belongs to the contested balance too: even an
	// elapsed warranty window does not open it while the dispute is live.
	engine.SetNowFunc(func() int64 { return testNow + 30*24*60*60 })
	if err := engine.ReleaseRetention(esc.ID, testSeller); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("retention during dispute: %v", err)
	}
	if got := state.accountBalance(testSeller, "USDC"); got.Sign() != 0 {
		t.Fatalf("seller drew %s from a frozen escrow", got)
	}
}

func TestResolveDisputeArbiterOnly(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	esc := mustCreate(t, engine, state, defaultCreateParams())
	openTestDispute(t, engine, esc.ID)

	if err := engine.ResolveDispute(esc.ID, testBuyer, DisputeOutcomeRefund, 0); !errors.Is(err, ErrUnauthorizedActor) {
		t.Fatalf("buyer resolved: %v", err)
	}
	if err := engine.ResolveDispute(esc.ID, testArbiter, DisputeOutcome(9), 0); err == nil {
		t.Fatal("invalid outcome accepted")
	}
}

func TestResolveDisputeRefund(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	esc := mustCreate(t, engine, state, defaultCreateParams())
	openTestDispute(t, engine, esc.ID)

	if err := engine.ResolveDispute(esc.ID, testArbiter, DisputeOutcomeRefund, 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := state.accountBalance(testBuyer, "USDC"); got.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("buyer refunded %s", got)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.State != StateRefunded || stored.DisputeOpen {
		t.Fatalf("state %s disputeOpen %v", stored.State, stored.DisputeOpen)
	}
	if err := engine.ResolveDispute(esc.ID, testArbiter, DisputeOutcomeRefund, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second resolution: %v", err)
	}
}

func TestResolveDisputeRelease(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	esc := mustCreate(t, engine, state, defaultCreateParams())
	openTestDispute(t, engine, esc.ID)

	if err := engine.ResolveDispute(esc.ID, testArbiter, DisputeOutcomeRelease, 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Full 100_000_000 seller-bound: 1_000_000 fee, 500_000 insurance.
	if got := state.accountBalance(testSeller, "USDC"); got.Cmp(big.NewInt(98_500_000)) != 0 {
		t.Fatalf("seller received %s", got)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.State != StateReleased {
		t.Fatalf("state = %s", stored.State)
	}
	if !stored.RetentionReleased {
		t.Fatal("retention survived resolution")
	}
}

func TestResolveDisputeSplitTaxesSellerShareOnly(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	esc := mustCreate(t, engine, state, defaultCreateParams())

	// Drain half the vault first so the split runs on a 50_000_000 remainder.
	addTestMilestone(t, engine, esc.ID, 50_000_000)
	if err := engine.VerifyMilestone(esc.ID, 0, [][20]byte{testOracleA, testOracleB}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := engine.ReleaseForMilestone(esc.ID, testBuyer, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	sellerBefore := state.accountBalance(testSeller, "USDC")
	treasuryBefore := state.accountBalance(testTreasury, "USDC")
	openTestDispute(t, engine, esc.ID)

	if err := engine.ResolveDispute(esc.ID, testArbiter, DisputeOutcomeSplit, 6000); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Seller-bound 30_000_000: 300_000 fee, 150_000 insurance, 29_550_000 net.
	// Buyer share 20_000_000 moves untaxed.
	sellerDelta := new(big.Int).Sub(state.accountBalance(testSeller, "USDC"), sellerBefore)
	if sellerDelta.Cmp(big.NewInt(29_550_000)) != 0 {
		t.Fatalf("seller delta %s", sellerDelta)
	}
	treasuryDelta := new(big.Int).Sub(state.accountBalance(testTreasury, "USDC"), treasuryBefore)
	if treasuryDelta.Cmp(big.NewInt(300_000)) != 0 {
		t.Fatalf("treasury delta %s", treasuryDelta)
	}
	if got := state.accountBalance(testBuyer, "USDC"); got.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("buyer received %s", got)
	}
	bal, _ := state.EscrowBalance(esc.ID, "USDC")
	if bal.Sign() != 0 {
		t.Fatalf("vault not drained: %s", bal)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.State != StateReleased {
		t.Fatalf("state = %s", stored.State)
	}
	if !emitter.has(EventTypeDisputeResolved) {
		t.Fatalf("events = %v", emitter.eventTypes())
	}
}

func TestResolveDisputeSplitBoundsPercentage(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	esc := mustCreate(t, engine, state, defaultCreateParams())
	openTestDispute(t, engine, esc.ID)

	if err := engine.ResolveDispute(esc.ID, testArbiter, DisputeOutcomeSplit, 10_001); err == nil {
		t.Fatal("out-of-range percentage accepted")
	}
}
