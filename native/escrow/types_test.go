package escrow

import (
	"math/big"
	"testing"
)

func TestEscrowIDDeterministic(t *testing.T) {
	a := EscrowID(7, testBuyer, testSeller, "USDC")
	b := EscrowID(7, testBuyer, testSeller, "USDC")
	if a != b {
		t.Fatal("same inputs produced different ids")
	}
	if EscrowID(8, testBuyer, testSeller, "USDC") == a {
		t.Fatal("project id not bound into the key")
	}
	if EscrowID(7, testSeller, testBuyer, "USDC") == a {
		t.Fatal("party order not bound into the key")
	}
	if EscrowID(7, testBuyer, testSeller, "DAI") == a {
		t.Fatal("asset not bound into the key")
	}
}

func TestNormalizeAsset(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"USDC", "USDC", true},
		{"usdc", "USDC", true},
		{"  dai ", "DAI", true},
		{"USDT2", "USDT2", true},
		{"", "", false},
		{"   ", "", false},
		{"usd coin", "", false},
		{"usd-c", "", false},
		{"ABCDEFGHIJKLMNOPQ", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeAsset(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("NormalizeAsset(%q) = %q, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("NormalizeAsset(%q) accepted", tc.in)
		}
	}
}

func TestStateTransitionsAndLabels(t *testing.T) {
	terminal := map[State]bool{
		StateOpen:              false,
		StateVerified:          false,
		StatePartiallyReleased: false,
		StateReleased:          true,
		StateRefunded:          true,
		StateDispute:           false,
	}
	for state, want := range terminal {
		if !state.Valid() {
			t.Fatalf("%s not valid", state)
		}
		if state.Terminal() != want {
			t.Fatalf("%s terminal = %v", state, state.Terminal())
		}
	}
	if State(0).Valid() || State(7).Valid() {
		t.Fatal("out-of-range state valid")
	}
}

func TestCloneIsDeep(t *testing.T) {
	esc := &Escrow{
		ID:      [32]byte{0x01},
		Asset:   "USDC",
		Amount:  big.NewInt(100),
		State:   StateOpen,
		Oracles: [][20]byte{testOracleA},
		Milestones: []Milestone{
			{Index: 0, Amount: big.NewInt(40)},
		},
		LastEvidenceURI: []byte("ipfs://x"),
	}
	clone := esc.Clone()
	clone.Amount.SetInt64(999)
	clone.Oracles[0] = addr(0x99)
	clone.Milestones[0].Amount.SetInt64(999)
	clone.LastEvidenceURI[0] = 'z'

	if esc.Amount.Int64() != 100 || esc.Milestones[0].Amount.Int64() != 40 {
		t.Fatal("clone shares amount pointers")
	}
	if esc.Oracles[0] != testOracleA {
		t.Fatal("clone shares oracle slice")
	}
	if esc.LastEvidenceURI[0] != 'i' {
		t.Fatal("clone shares uri bytes")
	}
}

func TestSanitizeEscrowRules(t *testing.T) {
	base := func() *Escrow {
		return &Escrow{
			ID:     [32]byte{0x01},
			Asset:  "usdc",
			Amount: big.NewInt(100),
			State:  StateOpen,
		}
	}

	clean, err := SanitizeEscrow(base())
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if clean.Asset != "USDC" {
		t.Fatalf("asset = %q", clean.Asset)
	}

	nilAmount := base()
	nilAmount.Amount = nil
	clean, err = SanitizeEscrow(nilAmount)
	if err != nil || clean.Amount.Sign() != 0 {
		t.Fatalf("nil amount: %v %v", clean, err)
	}

	negative := base()
	negative.Amount = big.NewInt(-1)
	if _, err := SanitizeEscrow(negative); err == nil {
		t.Fatal("negative amount accepted")
	}

	badState := base()
	badState.State = State(9)
	if _, err := SanitizeEscrow(badState); err == nil {
		t.Fatal("invalid state accepted")
	}

	badBps := base()
	badBps.FeeBps = 10_001
	if _, err := SanitizeEscrow(badBps); err == nil {
		t.Fatal("out-of-range bps accepted")
	}

	longURI := base()
	longURI.LastEvidenceURI = make([]byte, MaxEvidenceURI+10)
	clean, err = SanitizeEscrow(longURI)
	if err != nil || len(clean.LastEvidenceURI) != MaxEvidenceURI {
		t.Fatalf("uri truncation: %d %v", len(clean.LastEvidenceURI), err)
	}
}

func TestMilestoneTotal(t *testing.T) {
	esc := &Escrow{
		Milestones: []Milestone{
			{Amount: big.NewInt(40)},
			{Amount: big.NewInt(60)},
			{Amount: nil},
		},
	}
	if got := esc.MilestoneTotal(); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("total = %s", got)
	}
	if got := (*Escrow)(nil).MilestoneTotal(); got.Sign() != 0 {
		t.Fatalf("nil total = %s", got)
	}
}
