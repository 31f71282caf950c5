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

// GetAccount returns one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (storage.Account, error) {
	if err := ctx.Err(); err != nil {
		return storage.Account{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Account{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Account{}, fmt.Errorf("account id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, username, nickname, rank, avatar, balance, enabled, last_seen_at, connected_from
		   FROM accounts
		  WHERE id = ?`,
		id,
	)

	var account storage.Account
	var rank int
	var enabled int
	var lastSeen int64
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Nickname,
		&rank,
		&account.Avatar,
		&account.Balance,
		&enabled,
		&lastSeen,
		&account.ConnectedFrom,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Account{}, storage.ErrNotFound
		}
		return storage.Account{}, fmt.Errorf("get account: %w", err)
	}
	account.Rank = domain.Rank(rank)
	account.Enabled = enabled != 0
	account.LastSeenAt = fromMillis(lastSeen)
	return account, nil
}

// PutAccount inserts or replaces one account record.
func (s *Store) PutAccount(ctx context.Context, account storage.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(account.ID)
	username := strings.TrimSpace(account.Username)
	if id == "" {
		return fmt.Errorf("account id is required")
	}
	if username == "" {
		return fmt.Errorf("username is required")
	}

	enabled := 0
	if account.Enabled {
		enabled = 1
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO accounts
		   (id, username, nickname, rank, avatar, balance, enabled, last_seen_at, connected_from)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		username,
		account.Nickname,
		int(account.Rank),
		account.Avatar,
		account.Balance,
		enabled,
		toMillis(account.LastSeenAt),
		account.ConnectedFrom,
	)
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

// UpdatePresence records a successful authentication on the account.
func (s *Store) UpdatePresence(ctx context.Context, id string, lastSeen time.Time, connectedFrom string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("account id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE accounts SET last_seen_at = ?, connected_from = ? WHERE id = ?`,
		toMillis(lastSeen),
		connectedFrom,
		id,
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Debit subtracts amount from the balance in a single conditional statement.
func (s *Store) Debit(ctx context.Context, id string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("account id is required")
	}
	if amount < 0 {
		return fmt.Errorf("debit amount must not be negative")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE accounts SET balance = balance - ? WHERE id = ? AND balance >= ?`,
		amount,
		id,
		amount,
	)
	if err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetAccount(ctx, id); errors.Is(getErr, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.ErrInsufficientFunds
	}
	return nil
}

// Credit adds amount to the balance.
func (s *Store) Credit(ctx context.Context, id string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("account id is required")
	}
	if amount < 0 {
		return fmt.Errorf("credit amount must not be negative")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE accounts SET balance = balance + ? WHERE id = ?`,
		amount,
		id,
	)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
