// Package state persists the settlement records (escrows, the project
// index, attestations, accounts and vault sub-balances) in a flat keyed
// store. Keys are keccak-derived from typed prefixes so any record is
// addressable without scans, which is the contract the engine expects.
package state

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"buildescrow/core/types"
	"buildescrow/native/escrow"
	"buildescrow/native/market"
	"buildescrow/storage"
)

// Manager implements the engine's and the market store's state contracts on
// top of a storage.Database.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// RLP has no signed integers, so timestamps are mirrored as uint64 on disk.
type storedMilestone struct {
	Index        uint8
	Amount       *big.Int
	Verified     bool
	Released     bool
	VerifiedAt   uint64
	EvidenceHash [32]byte
}

type storedEscrow struct {
	ID                [32]byte
	ProjectID         uint64
	Buyer             [20]byte
	Seller            [20]byte
	Asset             string
	Amount            *big.Int
	FeeBps            uint32
	InsuranceBps      uint32
	RetentionBps      uint32
	LatePenaltyBps    uint32
	PriceSnapshot1e6  uint64
	QuorumM           uint8
	Oracles           [][20]byte
	State             uint8
	CreatedAt         uint64
	VerifiedAt        uint64
	ReleasedAt        uint64
	VerifyBy          uint64
	DeliverBy         uint64
	WarrantyEnd       uint64
	Milestones        []storedMilestone
	LastEvidenceHash  [32]byte
	LastEvidenceURI   []byte
	AttestationCount  uint32
	CancelRequestedBy [20]byte
	DisputeOpen       bool
	DisputeReason     uint16
	ReceiptEnabled    bool
	ReceiptRef        [32]byte
	ReceiptFinalized  bool
	InProgress        bool
	InTransfer        bool
	RetentionReleased bool
}

type storedAttestation struct {
	Escrow    [32]byte
	Attester  [20]byte
	Hash      [32]byte
	URI       []byte
	Timestamp uint64
}

type storedProjectIndex struct {
	ProjectID uint64
	Escrow    [32]byte
}

func toStoredEscrow(e *escrow.Escrow) *storedEscrow {
	stored := &storedEscrow{
		ID:                e.ID,
		ProjectID:         e.ProjectID,
		Buyer:             e.Buyer,
		Seller:            e.Seller,
		Asset:             e.Asset,
		Amount:            e.Amount,
		FeeBps:            e.FeeBps,
		InsuranceBps:      e.InsuranceBps,
		RetentionBps:      e.RetentionBps,
		LatePenaltyBps:    e.LatePenaltyBps,
		PriceSnapshot1e6:  e.PriceSnapshot1e6,
		QuorumM:           e.QuorumM,
		Oracles:           e.Oracles,
		State:             uint8(e.State),
		CreatedAt:         uint64(e.CreatedAt),
		VerifiedAt:        uint64(e.VerifiedAt),
		ReleasedAt:        uint64(e.ReleasedAt),
		VerifyBy:          uint64(e.VerifyBy),
		DeliverBy:         uint64(e.DeliverBy),
		WarrantyEnd:       uint64(e.WarrantyEnd),
		LastEvidenceHash:  e.LastEvidenceHash,
		LastEvidenceURI:   e.LastEvidenceURI,
		AttestationCount:  e.AttestationCount,
		CancelRequestedBy: e.CancelRequestedBy,
		DisputeOpen:       e.DisputeOpen,
		DisputeReason:     e.DisputeReason,
		ReceiptEnabled:    e.ReceiptEnabled,
		ReceiptRef:        e.ReceiptRef,
		ReceiptFinalized:  e.ReceiptFinalized,
		InProgress:        e.InProgress,
		InTransfer:        e.InTransfer,
		RetentionReleased: e.RetentionReleased,
	}
	for i := range e.Milestones {
		m := &e.Milestones[i]
		stored.Milestones = append(stored.Milestones, storedMilestone{
			Index:        m.Index,
			Amount:       m.Amount,
			Verified:     m.Verified,
			Released:     m.Released,
			VerifiedAt:   uint64(m.VerifiedAt),
			EvidenceHash: m.EvidenceHash,
		})
	}
	return stored
}

func fromStoredEscrow(s *storedEscrow) *escrow.Escrow {
	e := &escrow.Escrow{
		ID:                s.ID,
		ProjectID:         s.ProjectID,
		Buyer:             s.Buyer,
		Seller:            s.Seller,
		Asset:             s.Asset,
		Amount:            s.Amount,
		FeeBps:            s.FeeBps,
		InsuranceBps:      s.InsuranceBps,
		RetentionBps:      s.RetentionBps,
		LatePenaltyBps:    s.LatePenaltyBps,
		PriceSnapshot1e6:  s.PriceSnapshot1e6,
		QuorumM:           s.QuorumM,
		Oracles:           s.Oracles,
		State:             escrow.State(s.State),
		CreatedAt:         int64(s.CreatedAt),
		VerifiedAt:        int64(s.VerifiedAt),
		ReleasedAt:        int64(s.ReleasedAt),
		VerifyBy:          int64(s.VerifyBy),
		DeliverBy:         int64(s.DeliverBy),
		WarrantyEnd:       int64(s.WarrantyEnd),
		LastEvidenceHash:  s.LastEvidenceHash,
		LastEvidenceURI:   s.LastEvidenceURI,
		AttestationCount:  s.AttestationCount,
		CancelRequestedBy: s.CancelRequestedBy,
		DisputeOpen:       s.DisputeOpen,
		DisputeReason:     s.DisputeReason,
		ReceiptEnabled:    s.ReceiptEnabled,
		ReceiptRef:        s.ReceiptRef,
		ReceiptFinalized:  s.ReceiptFinalized,
		InProgress:        s.InProgress,
		InTransfer:        s.InTransfer,
		RetentionReleased: s.RetentionReleased,
	}
	for _, m := range s.Milestones {
		e.Milestones = append(e.Milestones, escrow.Milestone{
			Index:        m.Index,
			Amount:       m.Amount,
			Verified:     m.Verified,
			Released:     m.Released,
			VerifiedAt:   int64(m.VerifiedAt),
			EvidenceHash: m.EvidenceHash,
		})
	}
	return e
}

func (m *Manager) has(key []byte) bool {
	ok, err := m.db.Has(key)
	return err == nil && ok
}

// EscrowPut sanitizes and persists an escrow record, registering a new id in
// the escrow index on first write.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	key := escrowKey(sanitized.ID)
	isNew := !m.has(key)
	encoded, err := rlp.EncodeToBytes(toStoredEscrow(sanitized))
	if err != nil {
		return fmt.Errorf("state: encode escrow: %w", err)
	}
	if err := m.db.Put(key, encoded); err != nil {
		return err
	}
	if isNew {
		return m.appendEscrowID(sanitized.ID)
	}
	return nil
}

// EscrowGet loads an escrow record by id.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	key := escrowKey(id)
	if !m.has(key) {
		return nil, false
	}
	data, err := m.db.Get(key)
	if err != nil {
		return nil, false
	}
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return fromStoredEscrow(stored), true
}

func (m *Manager) appendEscrowID(id [32]byte) error {
	list, err := m.EscrowList()
	if err != nil {
		return err
	}
	list = append(list, id)
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return fmt.Errorf("state: encode escrow list: %w", err)
	}
	return m.db.Put(escrowListKeyBytes, encoded)
}

// EscrowList returns the ids of all persisted escrows in insertion order.
// The timeout sweep iterates this index.
func (m *Manager) EscrowList() ([][32]byte, error) {
	if !m.has(escrowListKeyBytes) {
		return nil, nil
	}
	data, err := m.db.Get(escrowListKeyBytes)
	if err != nil {
		return nil, err
	}
	var list [][32]byte
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, fmt.Errorf("state: decode escrow list: %w", err)
	}
	return list, nil
}

// ProjectIndexPut writes the project-id lookup entry. The entry is written
// once with the escrow and never changes afterwards.
func (m *Manager) ProjectIndexPut(idx *escrow.ProjectIndex) error {
	if idx == nil {
		return fmt.Errorf("state: nil project index")
	}
	key := projectIndexKey(idx.ProjectID)
	if m.has(key) {
		if existing, ok := m.ProjectIndexGet(idx.ProjectID); ok && existing == idx.Escrow {
			return nil
		}
		return fmt.Errorf("state: project %d already indexed", idx.ProjectID)
	}
	encoded, err := rlp.EncodeToBytes(&storedProjectIndex{ProjectID: idx.ProjectID, Escrow: idx.Escrow})
	if err != nil {
		return fmt.Errorf("state: encode project index: %w", err)
	}
	return m.db.Put(key, encoded)
}

// ProjectIndexGet resolves a project identifier to its escrow record key.
func (m *Manager) ProjectIndexGet(projectID uint64) ([32]byte, bool) {
	key := projectIndexKey(projectID)
	if !m.has(key) {
		return [32]byte{}, false
	}
	data, err := m.db.Get(key)
	if err != nil {
		return [32]byte{}, false
	}
	stored := new(storedProjectIndex)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return [32]byte{}, false
	}
	return stored.Escrow, true
}

// AttestationPut appends an attestation under the next per-escrow sequence
// number. Existing entries are never touched.
func (m *Manager) AttestationPut(a *escrow.Attestation) error {
	if a == nil {
		return fmt.Errorf("state: nil attestation")
	}
	seq, err := m.attestationCount(a.Escrow)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(&storedAttestation{
		Escrow:    a.Escrow,
		Attester:  a.Attester,
		Hash:      a.Hash,
		URI:       a.URI,
		Timestamp: uint64(a.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("state: encode attestation: %w", err)
	}
	if err := m.db.Put(attestationKey(a.Escrow, seq), encoded); err != nil {
		return err
	}
	countEncoded, err := rlp.EncodeToBytes(seq + 1)
	if err != nil {
		return err
	}
	return m.db.Put(attestationCountKey(a.Escrow), countEncoded)
}

// AttestationGet loads the attestation at the given per-escrow sequence.
func (m *Manager) AttestationGet(escrowID [32]byte, seq uint32) (*escrow.Attestation, bool) {
	key := attestationKey(escrowID, seq)
	if !m.has(key) {
		return nil, false
	}
	data, err := m.db.Get(key)
	if err != nil {
		return nil, false
	}
	stored := new(storedAttestation)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return &escrow.Attestation{
		Escrow:    stored.Escrow,
		Attester:  stored.Attester,
		Hash:      stored.Hash,
		URI:       stored.URI,
		Timestamp: int64(stored.Timestamp),
	}, true
}

func (m *Manager) attestationCount(escrowID [32]byte) (uint32, error) {
	key := attestationCountKey(escrowID)
	if !m.has(key) {
		return 0, nil
	}
	data, err := m.db.Get(key)
	if err != nil {
		return 0, err
	}
	var count uint32
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, fmt.Errorf("state: decode attestation count: %w", err)
	}
	return count, nil
}

// EscrowCredit adds to the per-escrow vault sub-balance.
func (m *Manager) EscrowCredit(id [32]byte, asset string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid credit amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	current, err := m.EscrowBalance(id, asset)
	if err != nil {
		return err
	}
	return m.putBalance(id, asset, new(big.Int).Add(current, amt))
}

// EscrowDebit removes from the per-escrow vault sub-balance; it can never go
// negative.
func (m *Manager) EscrowDebit(id [32]byte, asset string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid debit amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	current, err := m.EscrowBalance(id, asset)
	if err != nil {
		return err
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("state: vault sub-balance below debit")
	}
	return m.putBalance(id, asset, new(big.Int).Sub(current, amt))
}

// EscrowBalance reports the per-escrow vault sub-balance, never nil.
func (m *Manager) EscrowBalance(id [32]byte, asset string) (*big.Int, error) {
	key := vaultBalanceKey(id, asset)
	if !m.has(key) {
		return big.NewInt(0), nil
	}
	data, err := m.db.Get(key)
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, fmt.Errorf("state: decode vault balance: %w", err)
	}
	return balance, nil
}

func (m *Manager) putBalance(id [32]byte, asset string, balance *big.Int) error {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return fmt.Errorf("state: encode vault balance: %w", err)
	}
	return m.db.Put(vaultBalanceKey(id, asset), encoded)
}

// EscrowVaultAddress returns the deterministic custody address for an asset.
func (m *Manager) EscrowVaultAddress(asset string) ([20]byte, error) {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return [20]byte{}, err
	}
	return VaultAddress(normalized), nil
}

// GetAccount loads a participant account, returning an empty account when
// none exists yet. Accounts carry map-shaped balances, so they are stored as
// JSON rather than RLP.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	key := accountKey(addr)
	if !m.has(key) {
		return &types.Account{Balances: make(map[string]*big.Int)}, nil
	}
	data, err := m.db.Get(key)
	if err != nil {
		return nil, err
	}
	acc := new(types.Account)
	if err := json.Unmarshal(data, acc); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc, nil
}

// PutAccount persists a participant account.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	return m.db.Put(accountKey(addr), data)
}

// MarketConfigSet persists the singleton market config. Map-free struct, but
// JSON keeps it aligned with governance tooling payloads.
func (m *Manager) MarketConfigSet(cfg *market.Config) error {
	if cfg == nil {
		return fmt.Errorf("state: nil market config")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("state: encode market config: %w", err)
	}
	return m.db.Put(marketConfigKeyBytes, data)
}

// MarketConfigGet loads the singleton market config.
func (m *Manager) MarketConfigGet() (*market.Config, bool, error) {
	if !m.has(marketConfigKeyBytes) {
		return nil, false, nil
	}
	data, err := m.db.Get(marketConfigKeyBytes)
	if err != nil {
		return nil, false, err
	}
	cfg := new(market.Config)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, false, fmt.Errorf("state: decode market config: %w", err)
	}
	return cfg, true, nil
}
