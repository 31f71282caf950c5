// Package errors provides structured error handling for the chat core.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authentication errors
	CodeAuthInvalidToken      Code = "AUTH_INVALID_TOKEN"
	CodeAuthAccountDisabled   Code = "AUTH_ACCOUNT_DISABLED"
	CodeAuthGuestCreateFailed Code = "AUTH_GUEST_CREATE_FAILED"

	// Capability errors
	CodePowerNotFound     Code = "POWER_NOT_FOUND"
	CodePowerAlreadyOwned Code = "POWER_ALREADY_OWNED"
	CodeInsufficientFunds Code = "POWER_INSUFFICIENT_FUNDS"

	// Presence errors
	CodePresenceBanned    Code = "PRESENCE_BANNED"
	CodePresenceRoomFull  Code = "PRESENCE_ROOM_FULL"
	CodePresenceProtected Code = "PRESENCE_PROTECTED"

	// Moderation errors
	CodeModerationInsufficientPermission Code = "MODERATION_INSUFFICIENT_PERMISSION"
	CodeModerationTargetNotFound         Code = "MODERATION_TARGET_NOT_FOUND"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)
