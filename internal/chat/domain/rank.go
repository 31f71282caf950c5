package domain

// Rank orders chat authority. The numeric values are wire-visible and match
// the values persisted on accounts, so they are stable identifiers rather
// than an ordering.
type Rank int

const (
	// RankMainOwner is the top rank; main owners can moderate anyone.
	RankMainOwner Rank = 1
	// RankModerator is the lowest staff rank.
	RankModerator Rank = 2
	// RankMember is a registered, non-staff participant.
	RankMember Rank = 3
	// RankOwner sits below main owner and can moderate everyone else.
	RankOwner Rank = 4
	// RankGuest is an unregistered participant.
	RankGuest Rank = 5
)

// String returns the lowercase rank name.
func (r Rank) String() string {
	switch r {
	case RankMainOwner:
		return "mainowner"
	case RankOwner:
		return "owner"
	case RankModerator:
		return "moderator"
	case RankMember:
		return "member"
	case RankGuest:
		return "guest"
	default:
		return "unknown"
	}
}

// Valid reports whether r is a known rank.
func (r Rank) Valid() bool {
	switch r {
	case RankMainOwner, RankOwner, RankModerator, RankMember, RankGuest:
		return true
	}
	return false
}

// IsStaff reports whether r carries moderation authority.
func (r Rank) IsStaff() bool {
	switch r {
	case RankMainOwner, RankOwner, RankModerator:
		return true
	}
	return false
}

// CanModerate reports whether a holder of r may act against a holder of
// target based on rank alone. Room ownership grants are layered on top by
// the moderation engine.
func (r Rank) CanModerate(target Rank) bool {
	switch r {
	case RankMainOwner:
		return true
	case RankOwner:
		return target != RankMainOwner
	case RankModerator:
		return target == RankMember || target == RankGuest
	default:
		return false
	}
}
