package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/storage"
)

const powerColumns = "id, name, section, subid, cost, description"

func scanPower(row interface{ Scan(...any) error }) (domain.Power, error) {
	var power domain.Power
	err := row.Scan(
		&power.ID,
		&power.Name,
		&power.Section,
		&power.Subid,
		&power.Cost,
		&power.Description,
	)
	return power, err
}

// GetPower returns one power definition by id.
func (s *Store) GetPower(ctx context.Context, id int) (domain.Power, error) {
	if err := ctx.Err(); err != nil {
		return domain.Power{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Power{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+powerColumns+` FROM powers WHERE id = ?`, id)
	power, err := scanPower(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Power{}, storage.ErrNotFound
		}
		return domain.Power{}, fmt.Errorf("get power: %w", err)
	}
	return power, nil
}

// GetPowerByName returns one power definition by its unique name.
func (s *Store) GetPowerByName(ctx context.Context, name string) (domain.Power, error) {
	if err := ctx.Err(); err != nil {
		return domain.Power{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Power{}, fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Power{}, fmt.Errorf("power name is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+powerColumns+` FROM powers WHERE name = ?`, name)
	power, err := scanPower(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Power{}, storage.ErrNotFound
		}
		return domain.Power{}, fmt.Errorf("get power by name: %w", err)
	}
	return power, nil
}

// ListPowers returns every power definition ordered by id.
func (s *Store) ListPowers(ctx context.Context) ([]domain.Power, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+powerColumns+` FROM powers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list powers: %w", err)
	}
	defer rows.Close()

	var powers []domain.Power
	for rows.Next() {
		power, err := scanPower(rows)
		if err != nil {
			return nil, fmt.Errorf("list powers: %w", err)
		}
		powers = append(powers, power)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list powers: %w", err)
	}
	return powers, nil
}

// PutPower inserts or replaces one power definition.
func (s *Store) PutPower(ctx context.Context, power domain.Power) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(power.Name) == "" {
		return fmt.Errorf("power name is required")
	}
	if power.Subid < 1 || power.Subid > domain.MaxSubid {
		return fmt.Errorf("power subid must be in 1..%d", domain.MaxSubid)
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO powers (id, name, section, subid, cost, description)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		power.ID,
		strings.TrimSpace(power.Name),
		power.Section,
		power.Subid,
		power.Cost,
		power.Description,
	)
	if err != nil {
		return fmt.Errorf("put power: %w", err)
	}
	return nil
}

// CreateUserPower inserts one ownership edge.
func (s *Store) CreateUserPower(ctx context.Context, edge storage.UserPower) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(edge.ID) == "" {
		return fmt.Errorf("user power id is required")
	}
	if strings.TrimSpace(edge.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	active := 0
	if edge.Active {
		active = 1
	}
	purchasedFor := edge.PurchasedFor
	if purchasedFor < 1 {
		purchasedFor = 1
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO user_powers (id, user_id, power_id, purchased_for, active, purchased_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edge.ID,
		edge.UserID,
		edge.PowerID,
		purchasedFor,
		active,
		toMillis(edge.PurchasedAt),
		toNullMillis(edge.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create user power: %w", err)
	}
	return nil
}

const userPowerColumns = "id, user_id, power_id, purchased_for, active, purchased_at, expires_at"

func scanUserPower(row interface{ Scan(...any) error }) (storage.UserPower, error) {
	var edge storage.UserPower
	var active int
	var purchasedAt int64
	var expiresAt sql.NullInt64
	err := row.Scan(
		&edge.ID,
		&edge.UserID,
		&edge.PowerID,
		&edge.PurchasedFor,
		&active,
		&purchasedAt,
		&expiresAt,
	)
	if err != nil {
		return storage.UserPower{}, err
	}
	edge.Active = active != 0
	edge.PurchasedAt = fromMillis(purchasedAt)
	edge.ExpiresAt = fromNullMillis(expiresAt)
	return edge, nil
}

// FindActive returns the active edge for (user, power).
func (s *Store) FindActive(ctx context.Context, userID string, powerID int) (storage.UserPower, error) {
	if err := ctx.Err(); err != nil {
		return storage.UserPower{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.UserPower{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.UserPower{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+userPowerColumns+`
		   FROM user_powers
		  WHERE user_id = ? AND power_id = ? AND active = 1`,
		userID,
		powerID,
	)
	edge, err := scanUserPower(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.UserPower{}, storage.ErrNotFound
		}
		return storage.UserPower{}, fmt.Errorf("find active user power: %w", err)
	}
	return edge, nil
}

// ListActiveByUser returns active edges in purchase order.
func (s *Store) ListActiveByUser(ctx context.Context, userID string) ([]storage.UserPower, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+userPowerColumns+`
		   FROM user_powers
		  WHERE user_id = ? AND active = 1
		  ORDER BY purchased_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user powers: %w", err)
	}
	defer rows.Close()

	var edges []storage.UserPower
	for rows.Next() {
		edge, err := scanUserPower(rows)
		if err != nil {
			return nil, fmt.Errorf("list user powers: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user powers: %w", err)
	}
	return edges, nil
}

// DeactivateUserPower flips one edge inactive. Deactivated edges are kept for
// purchase history.
func (s *Store) DeactivateUserPower(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("user power id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `UPDATE user_powers SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate user power: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate user power: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
