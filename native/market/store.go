package market

import "fmt"

// StoreState captures the subset of state manager capabilities the config
// helpers need.
type StoreState interface {
	MarketConfigSet(*Config) error
	MarketConfigGet() (*Config, bool, error)
}

// Store provides the authority-gated operations over the singleton config
// record.
type Store struct {
	state StoreState
}

// NewStore constructs a config store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("market: state not configured")
	}
	return s.state, nil
}

func (s *Store) load() (*Config, error) {
	state, err := s.withState()
	if err != nil {
		return nil, err
	}
	cfg, ok, err := state.MarketConfigGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

// Init bootstraps the config record exactly once.
func (s *Store) Init(cfg *Config) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	if _, ok, err := state.MarketConfigGet(); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	stored := cfg.Clone()
	stored.PendingAuthority = [20]byte{}
	return state.MarketConfigSet(stored)
}

// Initialized reports whether the config record exists.
func (s *Store) Initialized() (bool, error) {
	state, err := s.withState()
	if err != nil {
		return false, err
	}
	_, ok, err := state.MarketConfigGet()
	return ok, err
}

// Current returns a copy of the active config record.
func (s *Store) Current() (*Config, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// UpdateFeeSplits adjusts the fee and insurance basis points. Only the
// current authority may call it; the combined-rate invariant is re-checked
// against the unchanged retention share.
func (s *Store) UpdateFeeSplits(caller [20]byte, feeBps, insuranceBps uint32) error {
	cfg, err := s.load()
	if err != nil {
		return err
	}
	if caller != cfg.Authority {
		return fmt.Errorf("%w: fee split update requires the market authority", ErrUnauthorized)
	}
	updated := cfg.Clone()
	updated.FeeBps = feeBps
	updated.InsuranceBps = insuranceBps
	if err := updated.Validate(); err != nil {
		return err
	}
	return s.state.MarketConfigSet(updated)
}

// ProposeAuthority records the first half of the two-phase authority
// transfer. A later proposal overwrites an unaccepted earlier one.
func (s *Store) ProposeAuthority(caller, newAuthority [20]byte) error {
	cfg, err := s.load()
	if err != nil {
		return err
	}
	if caller != cfg.Authority {
		return fmt.Errorf("%w: authority transfer requires the market authority", ErrUnauthorized)
	}
	if newAuthority == ([20]byte{}) {
		return fmt.Errorf("%w: proposed authority required", ErrInvalidConfig)
	}
	updated := cfg.Clone()
	updated.PendingAuthority = newAuthority
	return s.state.MarketConfigSet(updated)
}

// AcceptAuthority completes the handshake. Only the proposed identity may
// accept, which rules out lost-update races with a competing proposal.
func (s *Store) AcceptAuthority(caller [20]byte) error {
	cfg, err := s.load()
	if err != nil {
		return err
	}
	if cfg.PendingAuthority == ([20]byte{}) || caller != cfg.PendingAuthority {
		return fmt.Errorf("%w: caller is not the proposed authority", ErrUnauthorized)
	}
	updated := cfg.Clone()
	updated.Authority = cfg.PendingAuthority
	updated.PendingAuthority = [20]byte{}
	return s.state.MarketConfigSet(updated)
}
