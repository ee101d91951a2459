package escrow

// ReceiptIssuer abstracts the external receipt-asset service. The engine only
// records intent: it asks for issuance when an escrow opts in at creation and
// emits a finalize instruction once the escrow is released. Minting, freezing
// and burning are the issuer's business.
type ReceiptIssuer interface {
	Issue(escrowID [32]byte, projectID uint64, buyer [20]byte) ([32]byte, error)
	Finalize(escrowID [32]byte, ref [32]byte, burn bool) error
}

// NoopIssuer satisfies ReceiptIssuer for deployments without receipt assets.
type NoopIssuer struct{}

// Issue returns a zero reference.
func (NoopIssuer) Issue([32]byte, uint64, [20]byte) ([32]byte, error) { return [32]byte{}, nil }

// Finalize does nothing.
func (NoopIssuer) Finalize([32]byte, [32]byte, bool) error { return nil }
