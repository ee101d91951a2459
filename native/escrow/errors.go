package escrow

import "errors"

// Error kinds surfaced by the settlement engine. Every failed operation
// leaves the escrow record unchanged and wraps one of these sentinels so
// callers can branch with errors.Is.
var (
	// ErrInvalidState marks an operation that is not valid for the escrow's
	// current lifecycle state.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrQuorumNotMet marks a verification attempt whose distinct roster
	// endorsements fall short of the configured threshold.
	ErrQuorumNotMet = errors.New("escrow: quorum not met")
	// ErrUnauthorizedActor marks a caller lacking the required role
	// (buyer, seller, arbiter, authority or oracle).
	ErrUnauthorizedActor = errors.New("escrow: unauthorized actor")
	// ErrDeadlineViolation marks a deadline ordering or expiry check failure.
	ErrDeadlineViolation = errors.New("escrow: deadline violation")
	// ErrCapacityExceeded marks a full milestone list or oracle roster.
	ErrCapacityExceeded = errors.New("escrow: capacity exceeded")
	// ErrAmountOverflow marks a disbursement that would exceed the escrowed
	// total or drain a balance that is not there.
	ErrAmountOverflow = errors.New("escrow: amount overflow")
	// ErrAlreadyFinalized marks an idempotence violation such as releasing
	// retention twice or re-verifying a delivery.
	ErrAlreadyFinalized = errors.New("escrow: already finalized")
	// ErrReentrancyDetected marks an operation attempted while a transfer
	// guard is held on the same escrow.
	ErrReentrancyDetected = errors.New("escrow: reentrancy detected")
)
