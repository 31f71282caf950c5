package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/powerchat/internal/chat/storage"
)

// GetGuest returns one guest mirror by its reattachment id.
func (s *Store) GetGuest(ctx context.Context, reattachID string) (storage.Guest, error) {
	if err := ctx.Err(); err != nil {
		return storage.Guest{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Guest{}, fmt.Errorf("storage is not configured")
	}
	reattachID = strings.TrimSpace(reattachID)
	if reattachID == "" {
		return storage.Guest{}, fmt.Errorf("reattach id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT reattach_id, guest_id, nickname, avatar, created_at, last_active_at
		   FROM guests
		  WHERE reattach_id = ?`,
		reattachID,
	)

	var guest storage.Guest
	var createdAt int64
	var lastActive int64
	err := row.Scan(
		&guest.ReattachID,
		&guest.GuestID,
		&guest.Nickname,
		&guest.Avatar,
		&createdAt,
		&lastActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Guest{}, storage.ErrNotFound
		}
		return storage.Guest{}, fmt.Errorf("get guest: %w", err)
	}
	guest.CreatedAt = fromMillis(createdAt)
	guest.LastActiveAt = fromMillis(lastActive)
	return guest, nil
}

// PutGuest inserts or replaces one guest mirror.
func (s *Store) PutGuest(ctx context.Context, guest storage.Guest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(guest.ReattachID) == "" {
		return fmt.Errorf("reattach id is required")
	}
	if strings.TrimSpace(guest.GuestID) == "" {
		return fmt.Errorf("guest id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO guests (reattach_id, guest_id, nickname, avatar, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		guest.ReattachID,
		guest.GuestID,
		guest.Nickname,
		guest.Avatar,
		toMillis(guest.CreatedAt),
		toMillis(guest.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("put guest: %w", err)
	}
	return nil
}

// TouchGuest refreshes a mirror's nickname and activity timestamp.
func (s *Store) TouchGuest(ctx context.Context, reattachID, nickname string, lastActive time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	reattachID = strings.TrimSpace(reattachID)
	if reattachID == "" {
		return fmt.Errorf("reattach id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE guests SET nickname = ?, last_active_at = ? WHERE reattach_id = ?`,
		nickname,
		toMillis(lastActive),
		reattachID,
	)
	if err != nil {
		return fmt.Errorf("touch guest: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch guest: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteInactiveGuests removes mirrors idle since before the cutoff.
func (s *Store) DeleteInactiveGuests(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM guests WHERE last_active_at < ?`,
		toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete inactive guests: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete inactive guests: %w", err)
	}
	return int(affected), nil
}
