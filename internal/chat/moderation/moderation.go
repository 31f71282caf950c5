// Package moderation issues and tracks restrictions against chat users:
// warnings with automatic escalation, mutes, kicks, and bans. Expiry is
// evaluated lazily on every read; the background sweeper only tidies rows
// early.
package moderation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/storage"
	"github.com/louisbranch/powerchat/internal/platform/errors"
	"github.com/louisbranch/powerchat/internal/platform/id"
)

// Escalation thresholds: the warning that brings the active count to the
// threshold fires the paired action, once per crossing.
const (
	muteThreshold = 2
	kickThreshold = 3
	banThreshold  = 5

	escalationMuteMinutes = 15
	escalationBanMinutes  = 1440
)

// SweepInterval is how often the background sweeper expires due actions.
const SweepInterval = time.Minute

// Engine applies the permission rules and lifecycle of moderation actions.
type Engine struct {
	actions storage.ModerationStore
	rooms   storage.RoomStore
	now     func() time.Time
}

// NewEngine builds a moderation engine over the given stores.
func NewEngine(actions storage.ModerationStore, rooms storage.RoomStore) *Engine {
	return &Engine{
		actions: actions,
		rooms:   rooms,
		now:     time.Now,
	}
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// CanModerate reports whether moderator may act against target in room. The
// rank rule decides most cases; the room's creator may moderate regardless of
// rank. Lookup failures deny rather than error.
func (e *Engine) CanModerate(ctx context.Context, moderator, target domain.Identity, room string) bool {
	if moderator.Rank.CanModerate(target.Rank) {
		return true
	}
	if moderator.UserID == "" {
		return false
	}
	record, err := e.rooms.GetRoom(ctx, room)
	if err != nil {
		return false
	}
	return record.CreatedBy == moderator.UserID
}

// IssueWarning records a warning against target and evaluates escalation.
// The returned slice holds any automatically issued follow-up actions; a
// failed escalation is logged and skipped without voiding the warning.
func (e *Engine) IssueWarning(ctx context.Context, moderator, target domain.Identity, room, reason string) (storage.ModerationAction, []storage.ModerationAction, error) {
	if !e.CanModerate(ctx, moderator, target, room) {
		return storage.ModerationAction{}, nil, errors.New(errors.CodeModerationInsufficientPermission, "not allowed to warn this user")
	}

	warningID, err := id.NewID()
	if err != nil {
		return storage.ModerationAction{}, nil, fmt.Errorf("generate action id: %w", err)
	}
	now := e.now().UTC()
	warning := storage.ModerationAction{
		ID:           warningID,
		Type:         domain.ActionWarning,
		TargetUserID: target.UserID,
		ModeratorID:  moderator.UserID,
		Room:         room,
		Reason:       reason,
		Status:       domain.StatusActive,
		CreatedAt:    now,
	}
	if err := e.actions.CreateAction(ctx, warning); err != nil {
		return storage.ModerationAction{}, nil, fmt.Errorf("create warning: %w", err)
	}

	count, err := e.actions.CountActiveWarnings(ctx, target.UserID, room)
	if err != nil {
		log.Printf("warning escalation skipped: count warnings target=%q room=%q: %v", target.UserID, room, err)
		return warning, nil, nil
	}

	escalations := e.escalate(ctx, target.UserID, room, count, now)
	return warning, escalations, nil
}

// escalate fires the action paired with the threshold the count just reached.
// Counts between thresholds fire nothing, so each threshold escalates once.
func (e *Engine) escalate(ctx context.Context, targetUserID, room string, count int, now time.Time) []storage.ModerationAction {
	var escalation storage.ModerationAction
	switch count {
	case muteThreshold:
		expires := now.Add(escalationMuteMinutes * time.Minute)
		escalation = storage.ModerationAction{
			Type:            domain.ActionMute,
			DurationMinutes: escalationMuteMinutes,
			ExpiresAt:       &expires,
		}
	case kickThreshold:
		escalation = storage.ModerationAction{Type: domain.ActionKick}
	case banThreshold:
		expires := now.Add(escalationBanMinutes * time.Minute)
		escalation = storage.ModerationAction{
			Type:            domain.ActionBan,
			DurationMinutes: escalationBanMinutes,
			ExpiresAt:       &expires,
		}
	default:
		return nil
	}

	newest, err := e.actions.NewestActive(ctx, domain.ActionWarning, targetUserID, room)
	if err != nil {
		log.Printf("escalation skipped: newest warning target=%q room=%q: %v", targetUserID, room, err)
		return nil
	}

	escalationID, err := id.NewID()
	if err != nil {
		log.Printf("escalation skipped: generate id: %v", err)
		return nil
	}
	escalation.ID = escalationID
	escalation.TargetUserID = targetUserID
	escalation.ModeratorID = newest.ModeratorID
	escalation.Room = room
	escalation.Reason = fmt.Sprintf("escalated after %d warnings", count)
	escalation.Status = domain.StatusActive
	escalation.CreatedAt = now
	if err := e.actions.CreateAction(ctx, escalation); err != nil {
		log.Printf("escalation skipped: create %s target=%q room=%q: %v", escalation.Type, targetUserID, room, err)
		return nil
	}
	return []storage.ModerationAction{escalation}
}

// MuteUser silences target in room. A zero duration mutes until revoked.
func (e *Engine) MuteUser(ctx context.Context, moderator, target domain.Identity, room, reason string, durationMinutes int) (storage.ModerationAction, error) {
	return e.issueTimed(ctx, domain.ActionMute, moderator, target, room, reason, durationMinutes)
}

// BanUser bars target from room. A zero duration bans until revoked.
func (e *Engine) BanUser(ctx context.Context, moderator, target domain.Identity, room, reason string, durationMinutes int) (storage.ModerationAction, error) {
	return e.issueTimed(ctx, domain.ActionBan, moderator, target, room, reason, durationMinutes)
}

func (e *Engine) issueTimed(ctx context.Context, actionType domain.ActionType, moderator, target domain.Identity, room, reason string, durationMinutes int) (storage.ModerationAction, error) {
	if !e.CanModerate(ctx, moderator, target, room) {
		return storage.ModerationAction{}, errors.New(errors.CodeModerationInsufficientPermission, fmt.Sprintf("not allowed to %s this user", actionType))
	}
	if durationMinutes < 0 {
		return storage.ModerationAction{}, fmt.Errorf("duration must not be negative")
	}

	actionID, err := id.NewID()
	if err != nil {
		return storage.ModerationAction{}, fmt.Errorf("generate action id: %w", err)
	}
	now := e.now().UTC()
	action := storage.ModerationAction{
		ID:              actionID,
		Type:            actionType,
		TargetUserID:    target.UserID,
		ModeratorID:     moderator.UserID,
		Room:            room,
		Reason:          reason,
		DurationMinutes: durationMinutes,
		Status:          domain.StatusActive,
		CreatedAt:       now,
	}
	if durationMinutes > 0 {
		expires := now.Add(time.Duration(durationMinutes) * time.Minute)
		action.ExpiresAt = &expires
	}
	if err := e.actions.CreateAction(ctx, action); err != nil {
		return storage.ModerationAction{}, fmt.Errorf("create %s: %w", actionType, err)
	}
	return action, nil
}

// KickUser records a kick. Removal from the room is the caller's side of the
// contract; the record itself carries no expiry.
func (e *Engine) KickUser(ctx context.Context, moderator, target domain.Identity, room, reason string) (storage.ModerationAction, error) {
	if !e.CanModerate(ctx, moderator, target, room) {
		return storage.ModerationAction{}, errors.New(errors.CodeModerationInsufficientPermission, "not allowed to kick this user")
	}

	kickID, err := id.NewID()
	if err != nil {
		return storage.ModerationAction{}, fmt.Errorf("generate action id: %w", err)
	}
	now := e.now().UTC()
	action := storage.ModerationAction{
		ID:           kickID,
		Type:         domain.ActionKick,
		TargetUserID: target.UserID,
		ModeratorID:  moderator.UserID,
		Room:         room,
		Reason:       reason,
		Status:       domain.StatusActive,
		CreatedAt:    now,
	}
	if err := e.actions.CreateAction(ctx, action); err != nil {
		return storage.ModerationAction{}, fmt.Errorf("create kick: %w", err)
	}
	return action, nil
}

// IsUserMuted reports whether target currently has an active mute in room,
// with the remaining time for timed mutes. A lapsed record is expired on the
// spot, so the answer never depends on the sweeper.
func (e *Engine) IsUserMuted(ctx context.Context, targetUserID, room string) (bool, time.Duration, error) {
	return e.activeRestriction(ctx, domain.ActionMute, targetUserID, room)
}

// IsUserBanned reports whether target currently has an active ban in room.
func (e *Engine) IsUserBanned(ctx context.Context, targetUserID, room string) (bool, time.Duration, error) {
	return e.activeRestriction(ctx, domain.ActionBan, targetUserID, room)
}

func (e *Engine) activeRestriction(ctx context.Context, actionType domain.ActionType, targetUserID, room string) (bool, time.Duration, error) {
	action, err := e.actions.NewestActive(ctx, actionType, targetUserID, room)
	if err != nil {
		if err == storage.ErrNotFound {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("find active %s: %w", actionType, err)
	}

	now := e.now().UTC()
	if action.Expired(now) {
		if err := e.actions.MarkExpired(ctx, action.ID); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", actionType, err)
		}
		return false, 0, nil
	}
	if action.ExpiresAt == nil {
		return true, 0, nil
	}
	return true, action.ExpiresAt.Sub(now), nil
}

// RevokeAction force-terminates an action. Only ranks above moderator may
// revoke; revocation succeeds even on an already expired action.
func (e *Engine) RevokeAction(ctx context.Context, moderator domain.Identity, actionID string) (storage.ModerationAction, error) {
	if moderator.Rank != domain.RankMainOwner && moderator.Rank != domain.RankOwner {
		return storage.ModerationAction{}, errors.New(errors.CodeModerationInsufficientPermission, "rank cannot revoke actions")
	}

	action, err := e.actions.GetAction(ctx, strings.TrimSpace(actionID))
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.ModerationAction{}, errors.New(errors.CodeModerationTargetNotFound, "moderation action not found")
		}
		return storage.ModerationAction{}, fmt.Errorf("load action: %w", err)
	}
	if err := e.actions.MarkRevoked(ctx, action.ID); err != nil {
		return storage.ModerationAction{}, fmt.Errorf("revoke action: %w", err)
	}
	action.Status = domain.StatusRevoked
	return action, nil
}

// UnmuteUser revokes the newest active mute against target in room and
// records the unmute for the audit trail.
func (e *Engine) UnmuteUser(ctx context.Context, moderator, target domain.Identity, room, reason string) error {
	return e.liftRestriction(ctx, domain.ActionMute, domain.ActionUnmute, moderator, target, room, reason)
}

// UnbanUser revokes the newest active ban against target in room.
func (e *Engine) UnbanUser(ctx context.Context, moderator, target domain.Identity, room, reason string) error {
	return e.liftRestriction(ctx, domain.ActionBan, domain.ActionUnban, moderator, target, room, reason)
}

func (e *Engine) liftRestriction(ctx context.Context, lifted, audit domain.ActionType, moderator, target domain.Identity, room, reason string) error {
	if moderator.Rank != domain.RankMainOwner && moderator.Rank != domain.RankOwner {
		return errors.New(errors.CodeModerationInsufficientPermission, fmt.Sprintf("rank cannot %s", audit))
	}

	action, err := e.actions.NewestActive(ctx, lifted, target.UserID, room)
	if err != nil {
		if err == storage.ErrNotFound {
			return errors.New(errors.CodeModerationTargetNotFound, fmt.Sprintf("no active %s to lift", lifted))
		}
		return fmt.Errorf("find active %s: %w", lifted, err)
	}
	if err := e.actions.MarkRevoked(ctx, action.ID); err != nil {
		return fmt.Errorf("revoke %s: %w", lifted, err)
	}

	auditID, err := id.NewID()
	if err != nil {
		log.Printf("audit %s record failed target=%q room=%q: %v", audit, target.UserID, room, err)
		return nil
	}
	record := storage.ModerationAction{
		ID:           auditID,
		Type:         audit,
		TargetUserID: target.UserID,
		ModeratorID:  moderator.UserID,
		Room:         room,
		Reason:       reason,
		Status:       domain.StatusActive,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.actions.CreateAction(ctx, record); err != nil {
		log.Printf("audit %s record failed target=%q room=%q: %v", audit, target.UserID, room, err)
	}
	return nil
}

// Sweep expires every due action once and returns how many were flipped.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.actions.ExpireDue(ctx, e.now().UTC())
}

// RunSweeper expires due actions on a fixed interval until ctx is cancelled.
// Lazy expiry on read stays authoritative; the sweeper only keeps the table
// tidy.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flipped, err := e.Sweep(ctx)
			if err != nil {
				log.Printf("moderation sweep failed: %v", err)
				continue
			}
			if flipped > 0 {
				log.Printf("moderation sweep expired %d actions", flipped)
			}
		}
	}
}
