package domain

// IdentityKind tags the authentication state of a connection.
type IdentityKind int

const (
	// IdentityAnonymous is a connection that has not authenticated yet.
	IdentityAnonymous IdentityKind = iota
	// IdentityGuest is an unregistered participant, optionally mirrored to
	// a persistent guest record.
	IdentityGuest
	// IdentityMember is an authenticated account holder.
	IdentityMember
)

// Identity describes who a connection speaks for. Only the fields valid for
// the Kind are populated.
type Identity struct {
	Kind     IdentityKind
	UserID   string
	Username string // members only
	Nickname string
	Rank     Rank
	Avatar   string

	// ReattachID keys the persistent guest mirror; empty for ephemeral
	// guests and members.
	ReattachID string
	// Persistent is false when guest creation against storage failed and
	// the identity lives only for this connection.
	Persistent bool
}

// Registered reports whether the identity belongs to an account.
func (i Identity) Registered() bool {
	return i.Kind == IdentityMember
}

// Unregistered reports whether the identity is an anonymous or guest
// participant subject to raid protection.
func (i Identity) Unregistered() bool {
	return i.Kind == IdentityGuest && i.Rank == RankGuest
}

// LoginNonce is the opaque key/time/shift triple attached at authentication.
// It exists for client-side obfuscation only and carries no security weight.
type LoginNonce struct {
	Key   int64
	Time  int64
	Shift int
}
