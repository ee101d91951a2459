package escrow

import (
	"encoding/hex"
	"strconv"

	"buildescrow/core/types"
)

const (
	EventTypeEscrowCreated     = "escrow.created"
	EventTypeDeadlinesSet      = "escrow.deadlines_set"
	EventTypeProgressMarked    = "escrow.progress_marked"
	EventTypeDeliveryVerified  = "escrow.delivery_verified"
	EventTypeMilestoneAdded    = "escrow.milestone_added"
	EventTypeMilestoneVerified = "escrow.milestone_verified"
	EventTypeMilestoneReleased = "escrow.milestone_released"
	EventTypePaymentReleased   = "escrow.payment_released"
	EventTypeRetentionReleased = "escrow.retention_released"
	EventTypeExpiredRefunded   = "escrow.expired_refunded"
	EventTypeCancelRequested   = "escrow.cancel_requested"
	EventTypeCancelled         = "escrow.cancelled"
	EventTypeDisputeOpened     = "escrow.dispute_opened"
	EventTypeDisputeResolved   = "escrow.dispute_resolved"
	EventTypeEvidenceAttached  = "escrow.evidence_attached"
	EventTypeAttested          = "escrow.attested"
	EventTypeOraclesUpdated    = "escrow.oracles_updated"
	EventTypeSellerUpdated     = "escrow.seller_updated"
	EventTypeReceiptIssued     = "escrow.receipt_issued"
	EventTypeReceiptFinalized  = "escrow.receipt_finalized"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewDeadlinesSetEvent returns the payload emitted when the verify/deliver
// deadlines are fixed.
func NewDeadlinesSetEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeDeadlinesSet, e)
	evt.Attributes["verifyBy"] = strconv.FormatInt(e.VerifyBy, 10)
	evt.Attributes["deliverBy"] = strconv.FormatInt(e.DeliverBy, 10)
	return evt
}

// NewProgressMarkedEvent returns the payload emitted when the seller flags
// work in progress.
func NewProgressMarkedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeProgressMarked, e)
}

// NewDeliveryVerifiedEvent returns the payload emitted when overall delivery
// reaches quorum.
func NewDeliveryVerifiedEvent(e *Escrow, votes int) *types.Event {
	evt := newEscrowEvent(EventTypeDeliveryVerified, e)
	evt.Attributes["quorumVotes"] = strconv.Itoa(votes)
	evt.Attributes["verifiedAt"] = strconv.FormatInt(e.VerifiedAt, 10)
	return evt
}

// NewMilestoneAddedEvent returns the payload emitted when a milestone is
// committed to the sub-ledger.
func NewMilestoneAddedEvent(e *Escrow, m *Milestone) *types.Event {
	evt := newEscrowEvent(EventTypeMilestoneAdded, e)
	evt.Attributes["milestone"] = strconv.Itoa(int(m.Index))
	evt.Attributes["milestoneAmount"] = m.Amount.String()
	evt.Attributes["evidenceHash"] = hex.EncodeToString(m.EvidenceHash[:])
	return evt
}

// NewMilestoneVerifiedEvent returns the payload emitted when a milestone
// reaches quorum.
func NewMilestoneVerifiedEvent(e *Escrow, m *Milestone) *types.Event {
	evt := newEscrowEvent(EventTypeMilestoneVerified, e)
	evt.Attributes["milestone"] = strconv.Itoa(int(m.Index))
	evt.Attributes["verifiedAt"] = strconv.FormatInt(m.VerifiedAt, 10)
	return evt
}

// NewMilestoneReleasedEvent returns the payload emitted when milestone funds
// leave the vault.
func NewMilestoneReleasedEvent(e *Escrow, m *Milestone, d *Disbursement) *types.Event {
	evt := newEscrowEvent(EventTypeMilestoneReleased, e)
	evt.Attributes["milestone"] = strconv.Itoa(int(m.Index))
	d.annotate(evt)
	return evt
}

// NewPaymentReleasedEvent returns the payload emitted when the remaining
// non-retention balance is released to the seller.
func NewPaymentReleasedEvent(e *Escrow, d *Disbursement) *types.Event {
	evt := newEscrowEvent(EventTypePaymentReleased, e)
	d.annotate(evt)
	return evt
}

// NewRetentionReleasedEvent returns the payload emitted when the warranty
// holdback is settled.
func NewRetentionReleasedEvent(e *Escrow, d *Disbursement) *types.Event {
	evt := newEscrowEvent(EventTypeRetentionReleased, e)
	d.annotate(evt)
	return evt
}

// NewExpiredRefundedEvent returns the payload emitted when an unverified
// escrow lapses past its verify-by deadline.
func NewExpiredRefundedEvent(e *Escrow, refunded string) *types.Event {
	evt := newEscrowEvent(EventTypeExpiredRefunded, e)
	evt.Attributes["refunded"] = refunded
	return evt
}

// NewCancelRequestedEvent returns the payload emitted when a counterparty
// records a cancel request.
func NewCancelRequestedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeCancelRequested, e)
	evt.Attributes["requestedBy"] = hex.EncodeToString(e.CancelRequestedBy[:])
	return evt
}

// NewCancelledEvent returns the payload emitted on mutual cancellation.
func NewCancelledEvent(e *Escrow, refunded string) *types.Event {
	evt := newEscrowEvent(EventTypeCancelled, e)
	evt.Attributes["refunded"] = refunded
	return evt
}

// NewDisputeOpenedEvent returns the payload emitted when either party opens a
// dispute.
func NewDisputeOpenedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeDisputeOpened, e)
	evt.Attributes["reasonCode"] = strconv.Itoa(int(e.DisputeReason))
	evt.Attributes["evidenceHash"] = hex.EncodeToString(e.LastEvidenceHash[:])
	return evt
}

// NewDisputeResolvedEvent returns the payload emitted when the arbiter forces
// a terminal outcome.
func NewDisputeResolvedEvent(e *Escrow, outcome DisputeOutcome, buyerAmt string, d *Disbursement) *types.Event {
	evt := newEscrowEvent(EventTypeDisputeResolved, e)
	evt.Attributes["outcome"] = outcome.String()
	evt.Attributes["buyerReceived"] = buyerAmt
	d.annotate(evt)
	return evt
}

// NewEvidenceAttachedEvent returns the payload emitted on evidence updates.
func NewEvidenceAttachedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEvidenceAttached, e)
	evt.Attributes["evidenceHash"] = hex.EncodeToString(e.LastEvidenceHash[:])
	return evt
}

// NewAttestedEvent returns the payload emitted when an attestation record is
// appended.
func NewAttestedEvent(e *Escrow, a *Attestation) *types.Event {
	evt := newEscrowEvent(EventTypeAttested, e)
	evt.Attributes["attester"] = hex.EncodeToString(a.Attester[:])
	evt.Attributes["evidenceHash"] = hex.EncodeToString(a.Hash[:])
	return evt
}

// NewOraclesUpdatedEvent returns the payload emitted when the roster changes.
func NewOraclesUpdatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeOraclesUpdated, e)
	evt.Attributes["quorumM"] = strconv.Itoa(int(e.QuorumM))
	evt.Attributes["oracleCount"] = strconv.Itoa(len(e.Oracles))
	return evt
}

// NewSellerUpdatedEvent returns the payload emitted when the seller payout
// destination changes.
func NewSellerUpdatedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeSellerUpdated, e)
}

// NewReceiptIssuedEvent returns the payload emitted when a receipt asset is
// requested from the external issuer.
func NewReceiptIssuedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeReceiptIssued, e)
	evt.Attributes["receiptRef"] = hex.EncodeToString(e.ReceiptRef[:])
	return evt
}

// NewReceiptFinalizedEvent returns the payload emitted when the finalize
// instruction is handed to the issuer.
func NewReceiptFinalizedEvent(e *Escrow, burned bool) *types.Event {
	evt := newEscrowEvent(EventTypeReceiptFinalized, e)
	evt.Attributes["receiptRef"] = hex.EncodeToString(e.ReceiptRef[:])
	evt.Attributes["burned"] = strconv.FormatBool(burned)
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["projectId"] = strconv.FormatUint(e.ProjectID, 10)
	attrs["buyer"] = hex.EncodeToString(e.Buyer[:])
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["asset"] = e.Asset
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	attrs["state"] = e.State.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
