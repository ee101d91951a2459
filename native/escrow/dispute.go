package escrow

import (
	"fmt"
	"math/big"
)

// DisputeOutcome selects how the arbiter divides the undisbursed balance.
type DisputeOutcome uint8

const (
	// DisputeOutcomeRefund returns the full remaining balance to the buyer.
	DisputeOutcomeRefund DisputeOutcome = 1
	// DisputeOutcomeRelease pays the full remaining balance to the seller.
	DisputeOutcomeRelease DisputeOutcome = 2
	// DisputeOutcomeSplit divides the balance by a seller percentage in
	// basis points.
	DisputeOutcomeSplit DisputeOutcome = 3
)

// String returns the canonical lowercase outcome name.
func (o DisputeOutcome) String() string {
	switch o {
	case DisputeOutcomeRefund:
		return "refund"
	case DisputeOutcomeRelease:
		return "release"
	case DisputeOutcomeSplit:
		return "split"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// ResolveDispute is the arbiter-only override that forces a terminal split of
// the remaining undisbursed balance. Fee and insurance apply to the
// seller-bound portion only; the buyer share is refunded untaxed. The dispute
// flag is checked and cleared in the same atomic operation as the
// disbursement, so resolution is one-shot. Resolution also drains the vault
// in full, retention included: the warranty timer does not survive a dispute.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, outcome DisputeOutcome, sellerPctBps uint32) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	cfg, err := e.marketConfig()
	if err != nil {
		return err
	}
	if caller != cfg.Arbiter {
		return fmt.Errorf("%w: dispute resolution requires the arbiter", ErrUnauthorizedActor)
	}
	if !esc.DisputeOpen || esc.State != StateDispute {
		return fmt.Errorf("%w: no open dispute", ErrInvalidState)
	}
	balance, err := e.state.EscrowBalance(id, esc.Asset)
	if err != nil {
		return err
	}
	if balance.Sign() <= 0 {
		return fmt.Errorf("%w: nothing to disburse", ErrAmountOverflow)
	}

	var buyerAmt, sellerAmt *big.Int
	switch outcome {
	case DisputeOutcomeRefund:
		buyerAmt, sellerAmt = cloneBigInt(balance), big.NewInt(0)
	case DisputeOutcomeRelease:
		buyerAmt, sellerAmt = big.NewInt(0), cloneBigInt(balance)
	case DisputeOutcomeSplit:
		if sellerPctBps > 10_000 {
			return fmt.Errorf("escrow: seller percentage out of range")
		}
		sellerAmt = mulBps(balance, sellerPctBps)
		buyerAmt = new(big.Int).Sub(balance, sellerAmt)
	default:
		return fmt.Errorf("escrow: invalid dispute outcome %d", outcome)
	}

	now := e.now()
	if err := e.beginTransfer(esc); err != nil {
		return err
	}
	defer e.releaseGuard(esc)

	vault, err := e.state.EscrowVaultAddress(esc.Asset)
	if err != nil {
		return err
	}
	if buyerAmt.Sign() > 0 {
		if err := e.transferAsset(vault, esc.Buyer, esc.Asset, buyerAmt); err != nil {
			return err
		}
		if err := e.state.EscrowDebit(id, esc.Asset, buyerAmt); err != nil {
			return err
		}
	}
	disb := &Disbursement{Gross: big.NewInt(0), Fee: big.NewInt(0), Insurance: big.NewInt(0), Penalty: big.NewInt(0), SellerNet: big.NewInt(0)}
	if sellerAmt.Sign() > 0 {
		disb, err = e.disburseToSeller(esc, cfg, sellerAmt, now, false)
		if err != nil {
			return err
		}
	}

	esc.InTransfer = false
	esc.DisputeOpen = false
	esc.RetentionReleased = true
	esc.ReleasedAt = now
	if sellerAmt.Sign() > 0 {
		esc.State = StateReleased
	} else {
		esc.State = StateRefunded
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(esc, outcome, buyerAmt.String(), disb))
	return nil
}
