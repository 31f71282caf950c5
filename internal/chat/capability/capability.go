// Package capability manages purchasable powers and per-user capability
// vectors. A power occupies one bit of a named 32-bit section; ownership is
// the OR of a user's active edges.
package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/storage"
	"github.com/louisbranch/powerchat/internal/platform/errors"
	"github.com/louisbranch/powerchat/internal/platform/id"
)

// Service coordinates power purchases and vector computation.
type Service struct {
	catalog  storage.PowerCatalog
	owned    storage.OwnershipStore
	accounts storage.AccountStore
	now      func() time.Time

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewService builds a capability service over the given stores.
func NewService(catalog storage.PowerCatalog, owned storage.OwnershipStore, accounts storage.AccountStore) *Service {
	return &Service{
		catalog:   catalog,
		owned:     owned,
		accounts:  accounts,
		now:       time.Now,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// lockUser serializes purchases per user so the ownership check and the debit
// cannot interleave for the same buyer. Different users proceed in parallel.
func (s *Service) lockUser(userID string) func() {
	s.mu.Lock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Purchase buys one power for a user: ownership check, balance debit, edge
// creation, then a fresh vector. The whole sequence is serialized per user.
func (s *Service) Purchase(ctx context.Context, userID string, powerID int) (domain.CapabilityVector, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	unlock := s.lockUser(userID)
	defer unlock()

	power, err := s.catalog.GetPower(ctx, powerID)
	if err != nil {
		if err == storage.ErrNotFound || errors.CodeOf(err) == errors.CodeNotFound {
			return nil, errors.WithMetadata(errors.CodePowerNotFound, "power not found", map[string]string{
				"power_id": fmt.Sprintf("%d", powerID),
			})
		}
		return nil, fmt.Errorf("load power: %w", err)
	}

	now := s.now().UTC()
	existing, err := s.owned.FindActive(ctx, userID, powerID)
	switch {
	case err == nil:
		if !existing.Expired(now) {
			return nil, errors.WithMetadata(errors.CodePowerAlreadyOwned, "power already owned", map[string]string{
				"power_id": fmt.Sprintf("%d", powerID),
			})
		}
		// Lapsed edge found during purchase: retire it so the new edge can
		// take the active slot.
		if err := s.owned.DeactivateUserPower(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("retire expired power edge: %w", err)
		}
	case err == storage.ErrNotFound:
		// first purchase of this power
	default:
		return nil, fmt.Errorf("check ownership: %w", err)
	}

	edgeID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate edge id: %w", err)
	}

	if err := s.accounts.Debit(ctx, userID, power.Cost); err != nil {
		switch err {
		case storage.ErrInsufficientFunds:
			return nil, errors.WithMetadata(errors.CodeInsufficientFunds, "balance does not cover power cost", map[string]string{
				"power_id": fmt.Sprintf("%d", powerID),
				"cost":     fmt.Sprintf("%d", power.Cost),
			})
		case storage.ErrNotFound:
			return nil, errors.New(errors.CodeNotFound, "account not found")
		}
		return nil, fmt.Errorf("debit account: %w", err)
	}

	edge := storage.UserPower{
		ID:           edgeID,
		UserID:       userID,
		PowerID:      powerID,
		PurchasedFor: 1,
		Active:       true,
		PurchasedAt:  now,
	}
	if err := s.owned.CreateUserPower(ctx, edge); err != nil {
		if err == storage.ErrAlreadyExists {
			// Lost a race despite the user lock (e.g. a second process);
			// return the money and report ownership.
			if creditErr := s.accounts.Credit(ctx, userID, power.Cost); creditErr != nil {
				return nil, fmt.Errorf("refund after ownership race: %w", creditErr)
			}
			return nil, errors.New(errors.CodePowerAlreadyOwned, "power already owned")
		}
		return nil, fmt.Errorf("create power edge: %w", err)
	}

	return s.Vector(ctx, userID)
}

// Vector recomputes a user's capability vector from active, unexpired
// ownership edges. Lapsed edges found along the way are retired.
func (s *Service) Vector(ctx context.Context, userID string) (domain.CapabilityVector, error) {
	edges, err := s.activeEdges(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID, err := s.powersByID(ctx)
	if err != nil {
		return nil, err
	}

	vector := make(domain.CapabilityVector)
	for _, edge := range edges {
		power, ok := byID[edge.PowerID]
		if !ok {
			continue
		}
		vector.Grant(power.Section, power.BitValue())
	}
	return vector, nil
}

// Serialize renders a user's active powers as two ordered strings in
// `powerId=uses|` form: the full list, and the entries bought more than once.
// An entry's value is count-1 when the edge was bought for more than one use,
// else 1. Ordering is purchase order.
func (s *Service) Serialize(ctx context.Context, userID string) (full, extras string, err error) {
	edges, err := s.activeEdges(ctx, userID)
	if err != nil {
		return "", "", err
	}

	var fullBuilder, extrasBuilder strings.Builder
	for _, edge := range edges {
		uses := 1
		if edge.PurchasedFor > 1 {
			uses = edge.PurchasedFor - 1
		}
		entry := fmt.Sprintf("%d=%d|", edge.PowerID, uses)
		fullBuilder.WriteString(entry)
		if edge.PurchasedFor > 1 {
			extrasBuilder.WriteString(entry)
		}
	}
	return fullBuilder.String(), extrasBuilder.String(), nil
}

// HasPower reports whether the vector covers the bit for a section.
func (s *Service) HasPower(vector domain.CapabilityVector, section string, bit uint32) bool {
	return vector.Has(section, bit)
}

func (s *Service) activeEdges(ctx context.Context, userID string) ([]storage.UserPower, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	edges, err := s.owned.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list power edges: %w", err)
	}

	now := s.now().UTC()
	kept := edges[:0]
	for _, edge := range edges {
		if edge.Expired(now) {
			if err := s.owned.DeactivateUserPower(ctx, edge.ID); err != nil && err != storage.ErrNotFound {
				return nil, fmt.Errorf("retire expired power edge: %w", err)
			}
			continue
		}
		kept = append(kept, edge)
	}
	return kept, nil
}

func (s *Service) powersByID(ctx context.Context) (map[int]domain.Power, error) {
	powers, err := s.catalog.ListPowers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list powers: %w", err)
	}
	byID := make(map[int]domain.Power, len(powers))
	for _, power := range powers {
		byID[power.ID] = power
	}
	return byID, nil
}
