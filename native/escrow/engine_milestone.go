package escrow

import (
	"fmt"
	"math/big"
)

// AddMilestone commits a partial deliverable to the escrow sub-ledger. The
// cumulative milestone amount may never exceed the escrow total, and the
// ledger is a bounded array.
func (e *Engine) AddMilestone(id [32]byte, caller [20]byte, amount *big.Int, evidenceHash [32]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.State != StateOpen && esc.State != StateVerified {
		return fmt.Errorf("%w: milestones added only while open or verified, not %s", ErrInvalidState, esc.State)
	}
	if len(esc.Milestones) >= MaxMilestones {
		return fmt.Errorf("%w: %d milestone slots", ErrCapacityExceeded, MaxMilestones)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("escrow: milestone amount must be positive")
	}
	committed := new(big.Int).Add(esc.MilestoneTotal(), amt)
	if committed.Cmp(esc.Amount) > 0 {
		return fmt.Errorf("%w: milestones exceed escrow total", ErrAmountOverflow)
	}
	m := Milestone{
		Index:        uint8(len(esc.Milestones)),
		Amount:       amt,
		EvidenceHash: evidenceHash,
	}
	esc.Milestones = append(esc.Milestones, m)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewMilestoneAddedEvent(esc, &m))
	return nil
}

// VerifyMilestone marks a milestone verified once its oracle endorsements
// reach quorum. An open escrow moves to Verified.
func (e *Engine) VerifyMilestone(id [32]byte, index uint8, endorsements [][20]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if int(index) >= len(esc.Milestones) {
		return fmt.Errorf("%w: milestone %d out of range", ErrInvalidState, index)
	}
	if esc.State.Terminal() || esc.State == StateDispute {
		return fmt.Errorf("%w: cannot verify in %s", ErrInvalidState, esc.State)
	}
	m := &esc.Milestones[index]
	if m.Verified {
		return fmt.Errorf("%w: milestone %d already verified", ErrAlreadyFinalized, index)
	}
	roster, err := esc.roster()
	if err != nil {
		return err
	}
	if err := roster.Satisfied(endorsements); err != nil {
		return err
	}
	m.Verified = true
	m.VerifiedAt = e.now()
	if esc.State == StateOpen {
		esc.State = StateVerified
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewMilestoneVerifiedEvent(esc, m))
	return nil
}

// ReleaseForMilestone pays out a verified, unreleased milestone net of fee,
// insurance and any late penalty. The released flag makes the payout
// idempotent; a second call fails without moving funds. The escrow ends up
// Released when the vault is drained down to the unreleased retention share,
// otherwise PartiallyReleased.
func (e *Engine) ReleaseForMilestone(id [32]byte, caller [20]byte, index uint8) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if int(index) >= len(esc.Milestones) {
		return fmt.Errorf("%w: milestone %d out of range", ErrInvalidState, index)
	}
	if esc.State.Terminal() || esc.State == StateDispute {
		return fmt.Errorf("%w: cannot release in %s", ErrInvalidState, esc.State)
	}
	m := &esc.Milestones[index]
	if !m.Verified || m.Released {
		return fmt.Errorf("%w: milestone %d not releasable", ErrInvalidState, index)
	}
	cfg, err := e.marketConfig()
	if err != nil {
		return err
	}
	now := e.now()
	if err := e.beginTransfer(esc); err != nil {
		return err
	}
	defer e.releaseGuard(esc)
	disb, err := e.disburseToSeller(esc, cfg, cloneBigInt(m.Amount), now, true)
	if err != nil {
		return err
	}
	esc.InTransfer = false
	m.Released = true
	esc.ReleasedAt = now

	remaining, err := e.state.EscrowBalance(id, esc.Asset)
	if err != nil {
		return err
	}
	if remaining.Cmp(esc.retentionHold()) <= 0 {
		esc.State = StateReleased
	} else {
		esc.State = StatePartiallyReleased
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewMilestoneReleasedEvent(esc, m, disb))
	return nil
}
