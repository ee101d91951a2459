package escrow

import "fmt"

// Roster is the fixed set of authorized verifier identities for an escrow
// together with the M-of-N threshold. It is pure identity-set logic; signature
// verification happens upstream and the engine only ever sees identities that
// already authenticated.
type Roster struct {
	members   [][20]byte
	threshold uint8
}

// NewRoster validates the member set (bounded, distinct, non-zero) and the
// threshold (1 <= M <= len(members)).
func NewRoster(members [][20]byte, threshold uint8) (*Roster, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: empty oracle roster", ErrQuorumNotMet)
	}
	if len(members) > MaxOracles {
		return nil, fmt.Errorf("%w: oracle roster holds %d members, max %d", ErrCapacityExceeded, len(members), MaxOracles)
	}
	if threshold == 0 || int(threshold) > len(members) {
		return nil, fmt.Errorf("%w: threshold %d over roster of %d", ErrQuorumNotMet, threshold, len(members))
	}
	seen := make(map[[20]byte]struct{}, len(members))
	copied := make([][20]byte, len(members))
	for i, member := range members {
		if member == ([20]byte{}) {
			return nil, fmt.Errorf("%w: zero oracle identity", ErrUnauthorizedActor)
		}
		if _, dup := seen[member]; dup {
			return nil, fmt.Errorf("%w: duplicate oracle identity", ErrQuorumNotMet)
		}
		seen[member] = struct{}{}
		copied[i] = member
	}
	return &Roster{members: copied, threshold: threshold}, nil
}

// Members returns a copy of the roster membership.
func (r *Roster) Members() [][20]byte {
	out := make([][20]byte, len(r.members))
	copy(out, r.members)
	return out
}

// Threshold returns the quorum threshold M.
func (r *Roster) Threshold() uint8 { return r.threshold }

// Contains reports whether the identity is a roster member.
func (r *Roster) Contains(id [20]byte) bool {
	for _, member := range r.members {
		if member == id {
			return true
		}
	}
	return false
}

// Satisfied checks the presented endorsements against the roster. Rules apply
// in order: a duplicated identity rejects the whole set, a non-member entry
// rejects the whole set, and the remaining distinct member count must reach
// the threshold. Endorsement order carries no meaning.
func (r *Roster) Satisfied(endorsements [][20]byte) error {
	seen := make(map[[20]byte]struct{}, len(endorsements))
	for _, id := range endorsements {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate endorsement", ErrQuorumNotMet)
		}
		seen[id] = struct{}{}
		if !r.Contains(id) {
			return fmt.Errorf("%w: endorser is not a roster member", ErrUnauthorizedActor)
		}
	}
	if len(seen) < int(r.threshold) {
		return fmt.Errorf("%w: %d of %d endorsements", ErrQuorumNotMet, len(seen), r.threshold)
	}
	return nil
}
