package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"buildescrow/core/events"
	"buildescrow/core/types"
	"buildescrow/native/market"
)

var (
	errNilState       = errors.New("escrow engine: state not configured")
	errNilMarket      = errors.New("escrow engine: market config not configured")
	errEscrowNotFound = errors.New("escrow engine: escrow not found")
)

// engineState is the contract with the external keyed store and ledger. The
// engine computes exact amounts and issues transfer instructions; it never
// assumes balances beyond what these calls report.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowList() ([][32]byte, error)
	EscrowCredit(id [32]byte, asset string, amt *big.Int) error
	EscrowDebit(id [32]byte, asset string, amt *big.Int) error
	EscrowBalance(id [32]byte, asset string) (*big.Int, error)
	EscrowVaultAddress(asset string) ([20]byte, error)
	ProjectIndexPut(*ProjectIndex) error
	ProjectIndexGet(projectID uint64) ([32]byte, bool)
	AttestationPut(*Attestation) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// MarketSource exposes the current market configuration snapshot.
type MarketSource interface {
	Current() (*market.Config, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the settlement business logic with external state, market
// configuration, receipt issuance and event emitters. Each exported operation
// runs as one atomic unit relative to the escrow it touches; the host is
// trusted to serialize operations per record.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	market   MarketSource
	receipts ReceiptIssuer
	nowFn    func() int64
}

// NewEngine creates a settlement engine with a no-op emitter and a no-op
// receipt issuer. Callers override collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		receipts: NoopIssuer{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetMarket configures the market config source used for parameter snapshots,
// treasury routing and arbiter checks.
func (e *Engine) SetMarket(src MarketSource) { e.market = src }

// SetReceiptIssuer configures the external receipt-asset collaborator.
// Passing nil resets it to the no-op issuer.
func (e *Engine) SetReceiptIssuer(issuer ReceiptIssuer) {
	if issuer == nil {
		e.receipts = NoopIssuer{}
		return
	}
	e.receipts = issuer
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balances: make(map[string]*big.Int)}
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc
}

func (e *Engine) marketConfig() (*market.Config, error) {
	if e == nil || e.market == nil {
		return nil, errNilMarket
	}
	return e.market.Current()
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, errEscrowNotFound
	}
	return esc, nil
}

// loadMutable fetches the escrow and rejects any transition attempted while
// the transfer guard is held.
func (e *Engine) loadMutable(id [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.InTransfer {
		return nil, fmt.Errorf("%w: transfer in flight", ErrReentrancyDetected)
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// beginTransfer sets and persists the reentrancy guard before the first
// external transfer effect of a funds-moving operation.
func (e *Engine) beginTransfer(esc *Escrow) error {
	if esc.InTransfer {
		return fmt.Errorf("%w: transfer in flight", ErrReentrancyDetected)
	}
	esc.InTransfer = true
	return e.storeEscrow(esc)
}

// releaseGuard clears the persisted guard on error exits. The success path
// clears the flag itself before the final store.
func (e *Engine) releaseGuard(esc *Escrow) {
	if esc != nil && esc.InTransfer {
		esc.InTransfer = false
		_ = e.storeEscrow(esc)
	}
}

func (e *Engine) transferAsset(from, to [20]byte, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	balance := fromAcc.Balance(asset)
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient %s balance", ErrAmountOverflow, asset)
	}
	fromAcc.SetBalance(asset, new(big.Int).Sub(balance, amt))
	toAcc.SetBalance(asset, new(big.Int).Add(toAcc.Balance(asset), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

func isCounterparty(esc *Escrow, caller [20]byte) bool {
	return caller == esc.Buyer || caller == esc.Seller
}

func requireCounterparty(esc *Escrow, caller [20]byte) error {
	if !isCounterparty(esc, caller) {
		return fmt.Errorf("%w: caller is neither buyer nor seller", ErrUnauthorizedActor)
	}
	return nil
}

// Disbursement records the exact integer amounts of one seller-bound payout:
// gross debit, fee and insurance cuts, late penalty routed to the buyer and
// the net credited to the seller.
type Disbursement struct {
	Gross     *big.Int
	Fee       *big.Int
	Insurance *big.Int
	Penalty   *big.Int
	SellerNet *big.Int
}

func (d *Disbursement) annotate(evt *types.Event) {
	if d == nil || evt == nil {
		return
	}
	evt.Attributes["gross"] = d.Gross.String()
	evt.Attributes["feeCut"] = d.Fee.String()
	evt.Attributes["insuranceCut"] = d.Insurance.String()
	evt.Attributes["penalty"] = d.Penalty.String()
	evt.Attributes["sellerReceived"] = d.SellerNet.String()
}

// disburseToSeller moves a gross amount out of the vault: fee and insurance
// cuts to the treasuries, a late penalty back to the buyer when the delivery
// deadline has lapsed, and the remainder to the seller. The vault sub-ledger
// is debited by the full gross amount.
func (e *Engine) disburseToSeller(esc *Escrow, cfg *market.Config, gross *big.Int, now int64, applyPenalty bool) (*Disbursement, error) {
	vault, err := e.state.EscrowVaultAddress(esc.Asset)
	if err != nil {
		return nil, err
	}
	balance, err := e.state.EscrowBalance(esc.ID, esc.Asset)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(gross) < 0 {
		return nil, fmt.Errorf("%w: vault balance below payout", ErrAmountOverflow)
	}
	fee, insurance := feeSplits(gross, esc.FeeBps, esc.InsuranceBps)
	sellerAmt := new(big.Int).Sub(gross, new(big.Int).Add(fee, insurance))
	penalty := big.NewInt(0)
	if applyPenalty && esc.DeliverBy > 0 && now > esc.DeliverBy {
		penalty = mulBps(sellerAmt, esc.LatePenaltyBps)
		sellerAmt = new(big.Int).Sub(sellerAmt, penalty)
	}
	if penalty.Sign() > 0 {
		if err := e.transferAsset(vault, esc.Buyer, esc.Asset, penalty); err != nil {
			return nil, err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transferAsset(vault, cfg.Treasury, esc.Asset, fee); err != nil {
			return nil, err
		}
	}
	if insurance.Sign() > 0 {
		if err := e.transferAsset(vault, cfg.InsuranceTreasury, esc.Asset, insurance); err != nil {
			return nil, err
		}
	}
	if sellerAmt.Sign() > 0 {
		if err := e.transferAsset(vault, esc.Seller, esc.Asset, sellerAmt); err != nil {
			return nil, err
		}
	}
	if err := e.state.EscrowDebit(esc.ID, esc.Asset, gross); err != nil {
		return nil, err
	}
	return &Disbursement{Gross: gross, Fee: fee, Insurance: insurance, Penalty: penalty, SellerNet: sellerAmt}, nil
}

// refundFromVault returns the remaining vault balance to the buyer untaxed.
func (e *Engine) refundFromVault(esc *Escrow) (*big.Int, error) {
	vault, err := e.state.EscrowVaultAddress(esc.Asset)
	if err != nil {
		return nil, err
	}
	balance, err := e.state.EscrowBalance(esc.ID, esc.Asset)
	if err != nil {
		return nil, err
	}
	if balance.Sign() <= 0 {
		return nil, fmt.Errorf("%w: nothing to refund", ErrAmountOverflow)
	}
	if err := e.transferAsset(vault, esc.Buyer, esc.Asset, balance); err != nil {
		return nil, err
	}
	if err := e.state.EscrowDebit(esc.ID, esc.Asset, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// retentionHold reports the share of the vault balance that must stay behind
// for the warranty window.
func (esc *Escrow) retentionHold() *big.Int {
	if esc.RetentionReleased {
		return big.NewInt(0)
	}
	return retentionAmount(esc.Amount, esc.RetentionBps)
}

// CreateParams bundles the caller-supplied definition of a new escrow.
// Fee, insurance and retention basis points are never part of it; they are
// snapshotted from the market config.
type CreateParams struct {
	ProjectID        uint64
	Buyer            [20]byte
	Seller           [20]byte
	Asset            string
	Amount           *big.Int
	LatePenaltyBps   uint32
	PriceSnapshot1e6 uint64
	Oracles          [][20]byte
	QuorumM          uint8
	ReceiptEnabled   bool
}

// Create initialises and persists a new escrow, pulls the full amount from
// the buyer into the vault and writes the project index entry. Calling it
// again with an identical definition is idempotent; a conflicting definition
// for the same key is rejected.
func (e *Engine) Create(p CreateParams) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	asset, err := NormalizeAsset(p.Asset)
	if err != nil {
		return nil, err
	}
	amount := cloneBigInt(p.Amount)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	if p.Buyer == ([20]byte{}) || p.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: buyer and seller required", ErrUnauthorizedActor)
	}
	if p.Buyer == p.Seller {
		return nil, fmt.Errorf("%w: buyer and seller must be distinct", ErrUnauthorizedActor)
	}
	if p.LatePenaltyBps > 10_000 {
		return nil, fmt.Errorf("escrow: late penalty bps out of range")
	}
	cfg, err := e.marketConfig()
	if err != nil {
		return nil, err
	}
	quorum := p.QuorumM
	if quorum == 0 {
		quorum = cfg.QuorumM
	}
	roster, err := NewRoster(p.Oracles, quorum)
	if err != nil {
		return nil, err
	}

	id := EscrowID(p.ProjectID, p.Buyer, p.Seller, asset)
	vault, err := e.state.EscrowVaultAddress(asset)
	if err != nil {
		return nil, err
	}
	if existing, ok := e.state.EscrowGet(id); ok {
		if existing.ProjectID != p.ProjectID || existing.Buyer != p.Buyer || existing.Seller != p.Seller ||
			existing.Asset != asset || existing.Amount.Cmp(amount) != 0 {
			return nil, fmt.Errorf("escrow: identifier already exists with different definition")
		}
		// A record may predate its funding. The retry is only a no-op once
		// the vault actually holds the escrowed amount.
		if existing.State == StateOpen {
			balance, err := e.state.EscrowBalance(id, asset)
			if err != nil {
				return nil, err
			}
			if deficit := new(big.Int).Sub(amount, balance); deficit.Sign() > 0 {
				if err := e.transferAsset(p.Buyer, vault, asset, deficit); err != nil {
					return nil, err
				}
				if err := e.state.EscrowCredit(id, asset, deficit); err != nil {
					return nil, err
				}
			}
		}
		return existing, nil
	}
	if indexed, ok := e.state.ProjectIndexGet(p.ProjectID); ok && indexed != id {
		return nil, fmt.Errorf("escrow: project %d already indexed", p.ProjectID)
	}

	now := e.now()
	esc := &Escrow{
		ID:               id,
		ProjectID:        p.ProjectID,
		Buyer:            p.Buyer,
		Seller:           p.Seller,
		Asset:            asset,
		Amount:           amount,
		FeeBps:           cfg.FeeBps,
		InsuranceBps:     cfg.InsuranceBps,
		RetentionBps:     cfg.RetentionBps,
		LatePenaltyBps:   p.LatePenaltyBps,
		PriceSnapshot1e6: p.PriceSnapshot1e6,
		QuorumM:          roster.Threshold(),
		Oracles:          roster.Members(),
		State:            StateOpen,
		CreatedAt:        now,
		WarrantyEnd:      now + cfg.WarrantyDays*24*60*60,
		ReceiptEnabled:   p.ReceiptEnabled,
	}

	// Funds move before the record is written: a buyer who cannot cover the
	// amount must leave no escrow behind.
	if err := e.transferAsset(p.Buyer, vault, asset, amount); err != nil {
		return nil, err
	}
	if err := e.state.EscrowCredit(id, asset, amount); err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.state.ProjectIndexPut(&ProjectIndex{ProjectID: p.ProjectID, Escrow: id}); err != nil {
		return nil, err
	}
	if p.ReceiptEnabled {
		ref, err := e.receipts.Issue(id, p.ProjectID, p.Buyer)
		if err != nil {
			return nil, fmt.Errorf("escrow: receipt issuance: %w", err)
		}
		esc.ReceiptRef = ref
		if err := e.storeEscrow(esc); err != nil {
			return nil, err
		}
		e.emit(NewReceiptIssuedEvent(esc))
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// SetDeadlines fixes the verify-by and deliver-by timestamps. Either
// counterparty may set them, only while the escrow is still open, and they
// must be strictly increasing.
func (e *Engine) SetDeadlines(id [32]byte, caller [20]byte, verifyBy, deliverBy int64) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.State != StateOpen {
		return fmt.Errorf("%w: deadlines fixed only while open, not %s", ErrInvalidState, esc.State)
	}
	if verifyBy <= 0 || deliverBy <= verifyBy {
		return fmt.Errorf("%w: verify-by must precede deliver-by", ErrDeadlineViolation)
	}
	esc.VerifyBy = verifyBy
	esc.DeliverBy = deliverBy
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDeadlinesSetEvent(esc))
	return nil
}

// MarkInProgress records that the seller has started work. Informational
// only; no escrowed amount changes.
func (e *Engine) MarkInProgress(id [32]byte, caller [20]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: only the seller marks progress", ErrUnauthorizedActor)
	}
	if esc.State != StateOpen {
		return fmt.Errorf("%w: cannot mark progress in %s", ErrInvalidState, esc.State)
	}
	esc.InProgress = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewProgressMarkedEvent(esc))
	return nil
}

// AttachEvidence records the latest evidence hash and a truncated URI on the
// escrow. Allowed in any non-terminal state.
func (e *Engine) AttachEvidence(id [32]byte, caller [20]byte, hash [32]byte, uri []byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.State.Terminal() {
		return fmt.Errorf("%w: escrow is %s", ErrInvalidState, esc.State)
	}
	esc.LastEvidenceHash = hash
	esc.LastEvidenceURI = TruncateURI(uri)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewEvidenceAttachedEvent(esc))
	return nil
}

// AddAttestation appends a third-party evidentiary record to the escrow.
// Attestations are never mutated or deleted.
func (e *Engine) AddAttestation(id [32]byte, attester [20]byte, hash [32]byte, uri []byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if esc.State.Terminal() {
		return fmt.Errorf("%w: escrow is %s", ErrInvalidState, esc.State)
	}
	if attester == ([20]byte{}) {
		return fmt.Errorf("%w: attester required", ErrUnauthorizedActor)
	}
	att := &Attestation{
		Escrow:    id,
		Attester:  attester,
		Hash:      hash,
		URI:       TruncateURI(uri),
		Timestamp: e.now(),
	}
	if err := e.state.AttestationPut(att); err != nil {
		return err
	}
	esc.AttestationCount++
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewAttestedEvent(esc, att))
	return nil
}

// VerifyDelivery checks the supplied oracle endorsements against the roster
// quorum and records overall delivery verification. An open escrow moves to
// Verified; a partially released one keeps its state but gets the timestamp.
func (e *Engine) VerifyDelivery(id [32]byte, endorsements [][20]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if esc.State != StateOpen && esc.State != StatePartiallyReleased {
		return fmt.Errorf("%w: cannot verify in %s", ErrInvalidState, esc.State)
	}
	if esc.VerifiedAt != 0 {
		return fmt.Errorf("%w: delivery already verified", ErrAlreadyFinalized)
	}
	roster, err := esc.roster()
	if err != nil {
		return err
	}
	if err := roster.Satisfied(endorsements); err != nil {
		return err
	}
	if esc.State == StateOpen {
		esc.State = StateVerified
	}
	esc.VerifiedAt = e.now()
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDeliveryVerifiedEvent(esc, len(endorsements)))
	return nil
}

// ReleasePayment transfers all remaining non-retention balance to the seller,
// net of fee, insurance and any late penalty. Requires overall delivery to be
// verified. The retention share stays in the vault for the warranty window.
func (e *Engine) ReleasePayment(id [32]byte, caller [20]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.State != StateVerified && esc.State != StatePartiallyReleased {
		return fmt.Errorf("%w: cannot release in %s", ErrInvalidState, esc.State)
	}
	cfg, err := e.marketConfig()
	if err != nil {
		return err
	}
	balance, err := e.state.EscrowBalance(id, esc.Asset)
	if err != nil {
		return err
	}
	remaining := new(big.Int).Sub(balance, esc.retentionHold())
	if remaining.Sign() <= 0 {
		return fmt.Errorf("%w: nothing to release", ErrAmountOverflow)
	}
	now := e.now()
	if err := e.beginTransfer(esc); err != nil {
		return err
	}
	defer e.releaseGuard(esc)
	disb, err := e.disburseToSeller(esc, cfg, remaining, now, true)
	if err != nil {
		return err
	}
	esc.InTransfer = false
	esc.State = StateReleased
	esc.ReleasedAt = now
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewPaymentReleasedEvent(esc, disb))
	return nil
}

// ReleaseRetention settles the warranty holdback to the seller exactly once,
// after the warranty window has elapsed. Only a released escrow carries a
// settleable holdback: an open or disputed one still owes its balance to
// other paths. Fee and insurance still apply; no late penalty, the warranty
// has passed.
func (e *Engine) ReleaseRetention(id [32]byte, caller [20]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.State != StateReleased || esc.DisputeOpen {
		return fmt.Errorf("%w: retention settles only once released, not %s", ErrInvalidState, esc.State)
	}
	if esc.RetentionReleased {
		return fmt.Errorf("%w: retention already released", ErrAlreadyFinalized)
	}
	now := e.now()
	if now < esc.WarrantyEnd {
		return fmt.Errorf("%w: warranty runs until %d", ErrDeadlineViolation, esc.WarrantyEnd)
	}
	cfg, err := e.marketConfig()
	if err != nil {
		return err
	}
	retention := retentionAmount(esc.Amount, esc.RetentionBps)
	if retention.Sign() <= 0 {
		return fmt.Errorf("%w: no retention held", ErrAmountOverflow)
	}
	if err := e.beginTransfer(esc); err != nil {
		return err
	}
	defer e.releaseGuard(esc)
	disb, err := e.disburseToSeller(esc, cfg, retention, now, false)
	if err != nil {
		return err
	}
	esc.InTransfer = false
	esc.RetentionReleased = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewRetentionReleasedEvent(esc, disb))
	return nil
}

// ExpireAndRefund refunds the buyer in full when the verify-by deadline has
// lapsed without delivery verification. Anyone may invoke the transition.
func (e *Engine) ExpireAndRefund(id [32]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	return e.expireEscrow(esc, e.now())
}

func (e *Engine) expireEscrow(esc *Escrow, now int64) error {
	if esc.State != StateOpen {
		return fmt.Errorf("%w: cannot expire in %s", ErrInvalidState, esc.State)
	}
	if esc.VerifyBy <= 0 || now <= esc.VerifyBy {
		return fmt.Errorf("%w: verify-by deadline not lapsed", ErrDeadlineViolation)
	}
	if err := e.beginTransfer(esc); err != nil {
		return err
	}
	defer e.releaseGuard(esc)
	refunded, err := e.refundFromVault(esc)
	if err != nil {
		return err
	}
	esc.InTransfer = false
	esc.State = StateRefunded
	esc.ReleasedAt = now
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewExpiredRefundedEvent(esc, refunded.String()))
	return nil
}

// RequestCancel records the calling counterparty as the cancel requester.
func (e *Engine) RequestCancel(id [32]byte, caller [20]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.State != StateOpen {
		return fmt.Errorf("%w: cancel only while open, not %s", ErrInvalidState, esc.State)
	}
	if esc.CancelRequestedBy != ([20]byte{}) {
		return fmt.Errorf("%w: cancel already requested", ErrInvalidState)
	}
	esc.CancelRequestedBy = caller
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCancelRequestedEvent(esc))
	return nil
}

// ApproveCancel completes a mutual cancellation: the counterparty of the
// requester approves, the buyer is refunded in full and the escrow ends
// Refunded.
func (e *Engine) ApproveCancel(id [32]byte, caller [20]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.State != StateOpen {
		return fmt.Errorf("%w: cancel only while open, not %s", ErrInvalidState, esc.State)
	}
	if esc.CancelRequestedBy == ([20]byte{}) {
		return fmt.Errorf("%w: cancel not requested", ErrInvalidState)
	}
	if caller == esc.CancelRequestedBy {
		return fmt.Errorf("%w: counterparty approval required", ErrUnauthorizedActor)
	}
	now := e.now()
	if err := e.beginTransfer(esc); err != nil {
		return err
	}
	defer e.releaseGuard(esc)
	refunded, err := e.refundFromVault(esc)
	if err != nil {
		return err
	}
	esc.InTransfer = false
	esc.State = StateRefunded
	esc.ReleasedAt = now
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(esc, refunded.String()))
	return nil
}

// OpenDispute freezes all release paths and records the dispute evidence.
func (e *Engine) OpenDispute(id [32]byte, caller [20]byte, reasonCode uint16, evidenceHash [32]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.DisputeOpen {
		return fmt.Errorf("%w: dispute already open", ErrInvalidState)
	}
	switch esc.State {
	case StateOpen, StateVerified, StatePartiallyReleased:
	default:
		return fmt.Errorf("%w: cannot dispute in %s", ErrInvalidState, esc.State)
	}
	esc.DisputeOpen = true
	esc.DisputeReason = reasonCode
	esc.LastEvidenceHash = evidenceHash
	esc.State = StateDispute
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputeOpenedEvent(esc))
	return nil
}

// UpdateOracles replaces the verifier roster and quorum threshold. Allowed to
// either counterparty while the escrow is still open and nothing has been
// verified yet.
func (e *Engine) UpdateOracles(id [32]byte, caller [20]byte, oracles [][20]byte, quorumM uint8) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if esc.State != StateOpen {
		return fmt.Errorf("%w: roster fixed once %s", ErrInvalidState, esc.State)
	}
	if esc.VerifiedAt != 0 {
		return fmt.Errorf("%w: delivery already verified", ErrAlreadyFinalized)
	}
	roster, err := NewRoster(oracles, quorumM)
	if err != nil {
		return err
	}
	esc.Oracles = roster.Members()
	esc.QuorumM = roster.Threshold()
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewOraclesUpdatedEvent(esc))
	return nil
}

// UpdateSellerDestination redirects future payouts to a new seller identity.
// Seller-only, and never after the escrow is terminal.
func (e *Engine) UpdateSellerDestination(id [32]byte, caller, newSeller [20]byte) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: only the seller updates the payout destination", ErrUnauthorizedActor)
	}
	if esc.State.Terminal() {
		return fmt.Errorf("%w: escrow is %s", ErrInvalidState, esc.State)
	}
	if newSeller == ([20]byte{}) {
		return fmt.Errorf("%w: new seller required", ErrUnauthorizedActor)
	}
	esc.Seller = newSeller
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewSellerUpdatedEvent(esc))
	return nil
}

// FinalizeReceipt hands the finalize instruction for the receipt asset to the
// external issuer once the escrow is released. One-shot.
func (e *Engine) FinalizeReceipt(id [32]byte, caller [20]byte, burn bool) error {
	esc, err := e.loadMutable(id)
	if err != nil {
		return err
	}
	if err := requireCounterparty(esc, caller); err != nil {
		return err
	}
	if !esc.ReceiptEnabled || esc.ReceiptRef == ([32]byte{}) {
		return fmt.Errorf("%w: no receipt asset issued", ErrInvalidState)
	}
	if esc.State != StateReleased {
		return fmt.Errorf("%w: receipt finalizes only once released", ErrInvalidState)
	}
	if esc.ReceiptFinalized {
		return fmt.Errorf("%w: receipt already finalized", ErrAlreadyFinalized)
	}
	if err := e.receipts.Finalize(id, esc.ReceiptRef, burn); err != nil {
		return fmt.Errorf("escrow: receipt finalize: %w", err)
	}
	esc.ReceiptFinalized = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewReceiptFinalizedEvent(esc, burn))
	return nil
}
