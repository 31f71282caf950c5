// Package storage defines persistence contracts for chat core state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/powerchat/internal/chat/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
var ErrAlreadyExists = errors.New("record already exists")

// ErrInsufficientFunds indicates a debit would drive a balance negative.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Account stores one registered user record.
type Account struct {
	ID            string
	Username      string
	Nickname      string
	Rank          domain.Rank
	Avatar        string
	Balance       int64
	Enabled       bool
	LastSeenAt    time.Time
	ConnectedFrom string
}

// Guest stores the persistent mirror of a guest identity, keyed by the
// reattachment id handed to the client.
type Guest struct {
	ReattachID   string
	GuestID      string
	Nickname     string
	Avatar       string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// UserPower stores one ownership edge between a user and a power. Edges are
// never deleted, only deactivated.
type UserPower struct {
	ID           string
	UserID       string
	PowerID      int
	PurchasedFor int // use count bought with this edge
	Active       bool
	PurchasedAt  time.Time
	ExpiresAt    *time.Time
}

// Expired reports whether the edge has an expiry in the past.
func (p UserPower) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// ModerationAction stores one issued restriction against a user in a room.
type ModerationAction struct {
	ID              string
	Type            domain.ActionType
	TargetUserID    string
	ModeratorID     string
	Room            string
	Reason          string
	DurationMinutes int
	ExpiresAt       *time.Time
	Status          domain.ActionStatus
	CreatedAt       time.Time
}

// Expired reports whether the action's expiry is in the past.
func (a ModerationAction) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// Room stores one chat room's fixed settings.
type Room struct {
	Name          string
	Background    string
	ScrollMessage string
	ButtonColor   string
	Attached      string
	Radio         string
	MaxUsers      int
	CreatedBy     string
	CreatedAt     time.Time
}

// Message stores one member-authored chat line.
type Message struct {
	ID        string
	Room      string
	UserID    string
	Body      string
	CreatedAt time.Time
	Visible   bool
}

// AccountStore persists registered user records.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	PutAccount(ctx context.Context, account Account) error
	UpdatePresence(ctx context.Context, id string, lastSeen time.Time, connectedFrom string) error
	// Debit subtracts amount only when the balance covers it, returning
	// ErrInsufficientFunds otherwise. The check and write are one statement.
	Debit(ctx context.Context, id string, amount int64) error
	Credit(ctx context.Context, id string, amount int64) error
}

// PowerCatalog persists power definitions.
type PowerCatalog interface {
	GetPower(ctx context.Context, id int) (domain.Power, error)
	GetPowerByName(ctx context.Context, name string) (domain.Power, error)
	ListPowers(ctx context.Context) ([]domain.Power, error)
	PutPower(ctx context.Context, power domain.Power) error
}

// OwnershipStore persists user/power ownership edges.
type OwnershipStore interface {
	// CreateUserPower inserts an edge, returning ErrAlreadyExists when an
	// active edge for the same (user, power) pair exists.
	CreateUserPower(ctx context.Context, edge UserPower) error
	FindActive(ctx context.Context, userID string, powerID int) (UserPower, error)
	// ListActiveByUser returns active edges in purchase order.
	ListActiveByUser(ctx context.Context, userID string) ([]UserPower, error)
	DeactivateUserPower(ctx context.Context, id string) error
}

// ModerationStore persists moderation actions.
type ModerationStore interface {
	CreateAction(ctx context.Context, action ModerationAction) error
	GetAction(ctx context.Context, id string) (ModerationAction, error)
	// NewestActive returns the most recently created active action of the
	// given type for (target, room).
	NewestActive(ctx context.Context, actionType domain.ActionType, targetUserID, room string) (ModerationAction, error)
	CountActiveWarnings(ctx context.Context, targetUserID, room string) (int, error)
	// MarkExpired flips an action from active to expired; a no-op when the
	// action already reached a terminal state.
	MarkExpired(ctx context.Context, id string) error
	// MarkRevoked sets the terminal revoked state regardless of expiry.
	MarkRevoked(ctx context.Context, id string) error
	// ExpireDue marks every active action whose expiry has passed and
	// returns how many were flipped.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// RoomStore persists chat room settings.
type RoomStore interface {
	GetRoom(ctx context.Context, name string) (Room, error)
	CreateRoom(ctx context.Context, room Room) error
}

// GuestStore persists guest identity mirrors.
type GuestStore interface {
	GetGuest(ctx context.Context, reattachID string) (Guest, error)
	PutGuest(ctx context.Context, guest Guest) error
	TouchGuest(ctx context.Context, reattachID, nickname string, lastActive time.Time) error
	// DeleteInactiveGuests removes mirrors idle since before the cutoff and
	// returns how many were dropped.
	DeleteInactiveGuests(ctx context.Context, before time.Time) (int, error)
}

// MessageStore archives member-authored messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, message Message) error
	HideMessage(ctx context.Context, id, room string) error
	HideRoomMessages(ctx context.Context, room string) error
}
