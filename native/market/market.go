// Package market holds the process-wide settlement configuration: fee,
// insurance and retention splits, the warranty window, the default quorum
// threshold and the privileged identities (authority, arbiter, treasuries).
// Escrows snapshot the economic parameters at creation, so later updates here
// never reprice an existing escrow.
package market

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when the config record has not been
	// bootstrapped yet.
	ErrNotInitialized = errors.New("market: config not initialized")
	// ErrAlreadyInitialized is returned on a second Init attempt.
	ErrAlreadyInitialized = errors.New("market: config already initialized")
	// ErrUnauthorized is returned when the caller is not the identity the
	// operation is gated on.
	ErrUnauthorized = errors.New("market: unauthorized")
	// ErrInvalidConfig is returned when a config record fails validation.
	ErrInvalidConfig = errors.New("market: invalid config")
)

// Config is the singleton market record. Mutated only through the Store
// operations below, never directly.
type Config struct {
	Authority         [20]byte
	PendingAuthority  [20]byte
	Treasury          [20]byte
	InsuranceTreasury [20]byte
	Arbiter           [20]byte

	FeeBps       uint32
	InsuranceBps uint32
	RetentionBps uint32
	WarrantyDays int64
	QuorumM      uint8
}

// Clone returns a copy safe for modification.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Validate checks the structural invariants of the config record. The
// combined deduction rate is bounded here, at configuration time, so
// disbursement arithmetic can never go negative.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidConfig)
	}
	if c.Authority == ([20]byte{}) {
		return fmt.Errorf("%w: authority required", ErrInvalidConfig)
	}
	if c.Arbiter == ([20]byte{}) {
		return fmt.Errorf("%w: arbiter required", ErrInvalidConfig)
	}
	if c.FeeBps > 10_000 || c.InsuranceBps > 10_000 || c.RetentionBps > 10_000 {
		return fmt.Errorf("%w: basis points out of range", ErrInvalidConfig)
	}
	if c.FeeBps+c.InsuranceBps+c.RetentionBps > 10_000 {
		return fmt.Errorf("%w: fee, insurance and retention exceed 100%%", ErrInvalidConfig)
	}
	if c.WarrantyDays < 0 {
		return fmt.Errorf("%w: negative warranty window", ErrInvalidConfig)
	}
	if c.QuorumM == 0 {
		return fmt.Errorf("%w: quorum threshold must be at least 1", ErrInvalidConfig)
	}
	return nil
}
