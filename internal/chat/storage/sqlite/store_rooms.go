package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/powerchat/internal/chat/storage"
)

// GetRoom returns one room's settings by name.
func (s *Store) GetRoom(ctx context.Context, name string) (storage.Room, error) {
	if err := ctx.Err(); err != nil {
		return storage.Room{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Room{}, fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Room{}, fmt.Errorf("room name is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT name, background, scroll_message, button_color, attached, radio, max_users, created_by, created_at
		   FROM rooms
		  WHERE name = ?`,
		name,
	)

	var room storage.Room
	var createdAt int64
	err := row.Scan(
		&room.Name,
		&room.Background,
		&room.ScrollMessage,
		&room.ButtonColor,
		&room.Attached,
		&room.Radio,
		&room.MaxUsers,
		&room.CreatedBy,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Room{}, storage.ErrNotFound
		}
		return storage.Room{}, fmt.Errorf("get room: %w", err)
	}
	room.CreatedAt = fromMillis(createdAt)
	return room, nil
}

// CreateRoom inserts one room record.
func (s *Store) CreateRoom(ctx context.Context, room storage.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	name := strings.TrimSpace(room.Name)
	if name == "" {
		return fmt.Errorf("room name is required")
	}
	maxUsers := room.MaxUsers
	if maxUsers <= 0 {
		maxUsers = 50
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rooms
		   (name, background, scroll_message, button_color, attached, radio, max_users, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name,
		room.Background,
		room.ScrollMessage,
		room.ButtonColor,
		room.Attached,
		room.Radio,
		maxUsers,
		room.CreatedBy,
		toMillis(room.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// CreateMessage archives one member-authored chat line.
func (s *Store) CreateMessage(ctx context.Context, message storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(message.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(message.Room) == "" {
		return fmt.Errorf("room name is required")
	}

	visible := 0
	if message.Visible {
		visible = 1
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (id, room, user_id, body, created_at, visible)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.Room,
		message.UserID,
		message.Body,
		toMillis(message.CreatedAt),
		visible,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// HideMessage flips one archived message invisible.
func (s *Store) HideMessage(ctx context.Context, id, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("message id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE messages SET visible = 0 WHERE id = ? AND room = ?`,
		id,
		room,
	)
	if err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// HideRoomMessages flips every archived message in a room invisible.
func (s *Store) HideRoomMessages(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("room name is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `UPDATE messages SET visible = 0 WHERE room = ?`, room)
	if err != nil {
		return fmt.Errorf("hide room messages: %w", err)
	}
	return nil
}
