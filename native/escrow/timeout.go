package escrow

// ProcessTimeouts sweeps open escrows whose verify-by deadline has lapsed
// without verification and refunds the buyer, applying the same transition as
// ExpireAndRefund. Ineligible escrows (already verified, terminal, disputed,
// deadline-less or transfer-guarded) are skipped, not failed. The sweep
// stops after limit refunds (limit <= 0 means unbounded) and reports how many
// it processed. Re-running is safe: a refund flips the state, so a resumed
// sweep can never refund the same escrow twice.
func (e *Engine) ProcessTimeouts(now int64, limit int) (int, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	ids, err := e.state.EscrowList()
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, id := range ids {
		if limit > 0 && processed >= limit {
			break
		}
		esc, ok := e.state.EscrowGet(id)
		if !ok {
			continue
		}
		if esc.State != StateOpen || esc.InTransfer {
			continue
		}
		if esc.VerifyBy <= 0 || now <= esc.VerifyBy {
			continue
		}
		if err := e.expireEscrow(esc, now); err != nil {
			// A single stuck escrow must not wedge the batch.
			continue
		}
		processed++
	}
	return processed, nil
}
