package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// MaxOracles bounds the verifier roster attached to an escrow.
	MaxOracles = 8
	// MaxMilestones bounds the milestone sub-ledger of an escrow.
	MaxMilestones = 10
	// MaxEvidenceURI bounds the stored evidence URI prefix in bytes.
	MaxEvidenceURI = 96
)

// State represents the lifecycle states of a staged-delivery escrow.
type State uint8

const (
	StateOpen              State = 1
	StateVerified          State = 2
	StatePartiallyReleased State = 3
	StateReleased          State = 4
	StateRefunded          State = 5
	StateDispute           State = 6
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	return s >= StateOpen && s <= StateDispute
}

// Terminal reports whether the state accepts no further funds movement.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded
}

// String returns the canonical lowercase state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateVerified:
		return "verified"
	case StatePartiallyReleased:
		return "partially_released"
	case StateReleased:
		return "released"
	case StateRefunded:
		return "refunded"
	case StateDispute:
		return "dispute"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Milestone is a partial deliverable tracked inside an escrow. Verified and
// Released are one-way flags; release is rejected unless Verified is set.
type Milestone struct {
	Index        uint8
	Amount       *big.Int
	Verified     bool
	Released     bool
	VerifiedAt   int64
	EvidenceHash [32]byte
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Escrow captures the full settlement record for a single staged-delivery
// project. Fee, insurance and retention basis points are snapshotted from the
// market config at creation and never change afterwards.
type Escrow struct {
	ID        [32]byte
	ProjectID uint64
	Buyer     [20]byte
	Seller    [20]byte
	Asset     string

	Amount           *big.Int
	FeeBps           uint32
	InsuranceBps     uint32
	RetentionBps     uint32
	LatePenaltyBps   uint32
	PriceSnapshot1e6 uint64

	QuorumM uint8
	Oracles [][20]byte

	State       State
	CreatedAt   int64
	VerifiedAt  int64
	ReleasedAt  int64
	VerifyBy    int64
	DeliverBy   int64
	WarrantyEnd int64

	Milestones []Milestone

	LastEvidenceHash [32]byte
	LastEvidenceURI  []byte
	AttestationCount uint32

	CancelRequestedBy [20]byte
	DisputeOpen       bool
	DisputeReason     uint16

	ReceiptEnabled   bool
	ReceiptRef       [32]byte
	ReceiptFinalized bool

	InProgress        bool
	InTransfer        bool
	RetentionReleased bool
}

// Attestation is an append-only evidentiary note attached to an escrow. It is
// distinct from the quorum endorsements that drive state transitions and is
// never mutated after it is written.
type Attestation struct {
	Escrow    [32]byte
	Attester  [20]byte
	Hash      [32]byte
	URI       []byte
	Timestamp int64
}

// ProjectIndex maps a project identifier to its escrow record key. Written
// once alongside the escrow and immutable thereafter.
type ProjectIndex struct {
	ProjectID uint64
	Escrow    [32]byte
}

// EscrowID derives the deterministic record key for an escrow from its
// project identifier, counterparties and settlement asset.
func EscrowID(projectID uint64, buyer, seller [20]byte, asset string) [32]byte {
	var pid [8]byte
	binary.BigEndian.PutUint64(pid[:], projectID)
	return ethcrypto.Keccak256Hash([]byte("escrow"), pid[:], buyer[:], seller[:], []byte(asset))
}

// NormalizeAsset canonicalises a settlement asset identifier: trimmed,
// uppercase, alphanumeric, at most 16 characters.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" || len(trimmed) > 16 {
		return "", fmt.Errorf("escrow: unsupported settlement asset %q", symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("escrow: unsupported settlement asset %q", symbol)
		}
	}
	return trimmed, nil
}

// TruncateURI copies at most MaxEvidenceURI bytes of the supplied URI.
func TruncateURI(uri []byte) []byte {
	if len(uri) > MaxEvidenceURI {
		uri = uri[:MaxEvidenceURI]
	}
	return append([]byte(nil), uri...)
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if len(e.Oracles) > 0 {
		clone.Oracles = make([][20]byte, len(e.Oracles))
		copy(clone.Oracles, e.Oracles)
	}
	if len(e.Milestones) > 0 {
		clone.Milestones = make([]Milestone, len(e.Milestones))
		for i := range e.Milestones {
			clone.Milestones[i] = *e.Milestones[i].Clone()
		}
	}
	if len(e.LastEvidenceURI) > 0 {
		clone.LastEvidenceURI = append([]byte(nil), e.LastEvidenceURI...)
	}
	return &clone
}

// MilestoneTotal reports the cumulative committed milestone amount.
func (e *Escrow) MilestoneTotal() *big.Int {
	total := big.NewInt(0)
	if e == nil {
		return total
	}
	for i := range e.Milestones {
		if e.Milestones[i].Amount != nil {
			total.Add(total, e.Milestones[i].Amount)
		}
	}
	return total
}

func (e *Escrow) roster() (*Roster, error) {
	return NewRoster(e.Oracles, e.QuorumM)
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with canonical asset casing and non-nil amount
// fields. The original value is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := e.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if clone.Amount == nil {
		clone.Amount = big.NewInt(0)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amount must be non-negative")
	}
	if clone.FeeBps > 10_000 || clone.InsuranceBps > 10_000 || clone.RetentionBps > 10_000 || clone.LatePenaltyBps > 10_000 {
		return nil, fmt.Errorf("escrow: basis points out of range")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("escrow: invalid state %d", clone.State)
	}
	if len(clone.Oracles) > MaxOracles {
		return nil, fmt.Errorf("%w: oracle roster holds %d members", ErrCapacityExceeded, len(clone.Oracles))
	}
	if len(clone.Milestones) > MaxMilestones {
		return nil, fmt.Errorf("%w: %d milestones", ErrCapacityExceeded, len(clone.Milestones))
	}
	if len(clone.LastEvidenceURI) > MaxEvidenceURI {
		clone.LastEvidenceURI = clone.LastEvidenceURI[:MaxEvidenceURI]
	}
	for i := range clone.Milestones {
		if clone.Milestones[i].Amount == nil {
			clone.Milestones[i].Amount = big.NewInt(0)
		}
		if clone.Milestones[i].Amount.Sign() < 0 {
			return nil, fmt.Errorf("escrow: milestone amount must be non-negative")
		}
	}
	return clone, nil
}
