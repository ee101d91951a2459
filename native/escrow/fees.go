package escrow

import "math/big"

var bpsDenominator = big.NewInt(10_000)

// mulBps computes amount * bps / 10000 with truncating integer division.
// All fee, insurance, penalty and retention arithmetic flows through here so
// rounding is consistent everywhere.
func mulBps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return out.Div(out, bpsDenominator)
}

// feeSplits computes the platform fee and insurance cuts for a gross payout.
func feeSplits(amount *big.Int, feeBps, insuranceBps uint32) (*big.Int, *big.Int) {
	return mulBps(amount, feeBps), mulBps(amount, insuranceBps)
}

// retentionAmount computes the warranty holdback share of the escrow total.
func retentionAmount(total *big.Int, retentionBps uint32) *big.Int {
	return mulBps(total, retentionBps)
}
