package domain

// ActionType names a moderation action kind.
type ActionType string

const (
	ActionWarning ActionType = "warning"
	ActionMute    ActionType = "mute"
	ActionKick    ActionType = "kick"
	ActionBan     ActionType = "ban"
	ActionUnmute  ActionType = "unmute"
	ActionUnban   ActionType = "unban"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionWarning, ActionMute, ActionKick, ActionBan, ActionUnmute, ActionUnban:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a moderation action. Transitions are
// active→expired and active→revoked; both end states are terminal.
type ActionStatus string

const (
	StatusActive  ActionStatus = "active"
	StatusExpired ActionStatus = "expired"
	StatusRevoked ActionStatus = "revoked"
)
