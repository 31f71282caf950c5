package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/storage"
)

const actionColumns = "id, action_type, target_user_id, moderator_id, room, reason, duration_minutes, expires_at, status, created_at"

func scanAction(row interface{ Scan(...any) error }) (storage.ModerationAction, error) {
	var action storage.ModerationAction
	var actionType string
	var status string
	var expiresAt sql.NullInt64
	var createdAt int64
	err := row.Scan(
		&action.ID,
		&actionType,
		&action.TargetUserID,
		&action.ModeratorID,
		&action.Room,
		&action.Reason,
		&action.DurationMinutes,
		&expiresAt,
		&status,
		&createdAt,
	)
	if err != nil {
		return storage.ModerationAction{}, err
	}
	action.Type = domain.ActionType(actionType)
	action.Status = domain.ActionStatus(status)
	action.ExpiresAt = fromNullMillis(expiresAt)
	action.CreatedAt = fromMillis(createdAt)
	return action, nil
}

// CreateAction inserts one moderation action.
func (s *Store) CreateAction(ctx context.Context, action storage.ModerationAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(action.ID) == "" {
		return fmt.Errorf("action id is required")
	}
	if !action.Type.Valid() {
		return fmt.Errorf("unknown action type %q", action.Type)
	}
	if strings.TrimSpace(action.TargetUserID) == "" {
		return fmt.Errorf("target user id is required")
	}

	status := action.Status
	if status == "" {
		status = domain.StatusActive
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO moderation_actions
		   (id, action_type, target_user_id, moderator_id, room, reason, duration_minutes, expires_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID,
		string(action.Type),
		action.TargetUserID,
		action.ModeratorID,
		action.Room,
		action.Reason,
		action.DurationMinutes,
		toNullMillis(action.ExpiresAt),
		string(status),
		toMillis(action.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create moderation action: %w", err)
	}
	return nil
}

// GetAction returns one moderation action by id.
func (s *Store) GetAction(ctx context.Context, id string) (storage.ModerationAction, error) {
	if err := ctx.Err(); err != nil {
		return storage.ModerationAction{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ModerationAction{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.ModerationAction{}, fmt.Errorf("action id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM moderation_actions WHERE id = ?`, id)
	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ModerationAction{}, storage.ErrNotFound
		}
		return storage.ModerationAction{}, fmt.Errorf("get moderation action: %w", err)
	}
	return action, nil
}

// NewestActive returns the most recently created active action of the given
// type for (target, room).
func (s *Store) NewestActive(ctx context.Context, actionType domain.ActionType, targetUserID, room string) (storage.ModerationAction, error) {
	if err := ctx.Err(); err != nil {
		return storage.ModerationAction{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ModerationAction{}, fmt.Errorf("storage is not configured")
	}
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return storage.ModerationAction{}, fmt.Errorf("target user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+actionColumns+`
		   FROM moderation_actions
		  WHERE action_type = ? AND target_user_id = ? AND room = ? AND status = 'active'
		  ORDER BY created_at DESC, id DESC
		  LIMIT 1`,
		string(actionType),
		targetUserID,
		room,
	)
	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ModerationAction{}, storage.ErrNotFound
		}
		return storage.ModerationAction{}, fmt.Errorf("newest active action: %w", err)
	}
	return action, nil
}

// CountActiveWarnings counts active warnings against a user in a room.
func (s *Store) CountActiveWarnings(ctx context.Context, targetUserID, room string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return 0, fmt.Errorf("target user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(*)
		   FROM moderation_actions
		  WHERE action_type = 'warning' AND target_user_id = ? AND room = ? AND status = 'active'`,
		targetUserID,
		room,
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count active warnings: %w", err)
	}
	return count, nil
}

// MarkExpired flips an active action to expired. Actions already revoked or
// expired are left alone.
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("action id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE moderation_actions SET status = 'expired' WHERE id = ? AND status = 'active'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark action expired: %w", err)
	}
	return nil
}

// MarkRevoked sets the terminal revoked state. Revocation wins over expiry,
// so no status guard.
func (s *Store) MarkRevoked(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("action id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE moderation_actions SET status = 'revoked' WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark action revoked: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark action revoked: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ExpireDue marks every active action whose expiry has passed.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE moderation_actions
		    SET status = 'expired'
		  WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < ?`,
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expire due actions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire due actions: %w", err)
	}
	return int(affected), nil
}
