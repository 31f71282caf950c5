package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/storage"
	"github.com/louisbranch/powerchat/internal/chat/storage/sqlite"
	platformerrors "github.com/louisbranch/powerchat/internal/platform/errors"
)

func newTestService(t *testing.T, now time.Time) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/chat.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	service := NewService(store, store, store).WithClock(func() time.Time { return now })
	return service, store
}

func seedPower(t *testing.T, store *sqlite.Store, power domain.Power) {
	t.Helper()
	if err := store.PutPower(context.Background(), power); err != nil {
		t.Fatalf("seed power %d: %v", power.ID, err)
	}
}

func seedAccount(t *testing.T, store *sqlite.Store, id string, balance int64) {
	t.Helper()
	if err := store.PutAccount(context.Background(), storage.Account{
		ID:         id,
		Username:   id,
		Balance:    balance,
		Enabled:    true,
		LastSeenAt: time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

func TestPurchaseGrantsBit(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	seedPower(t, store, domain.Power{ID: 7, Name: "topman", Section: "p0", Subid: 3, Cost: 100})
	seedAccount(t, store, "user-1", 250)

	vector, err := service.Purchase(context.Background(), "user-1", 7)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !vector.Has("p0", 1<<2) {
		t.Fatalf("vector p0 = %#x, want bit 1<<2 set", vector["p0"])
	}

	account, err := store.GetAccount(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 150 {
		t.Fatalf("balance = %d, want 150", account.Balance)
	}
}

func TestPurchaseAlreadyOwned(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	seedPower(t, store, domain.Power{ID: 7, Name: "topman", Section: "p0", Subid: 3, Cost: 100})
	seedAccount(t, store, "user-1", 250)

	if _, err := service.Purchase(context.Background(), "user-1", 7); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	_, err := service.Purchase(context.Background(), "user-1", 7)
	if platformerrors.CodeOf(err) != platformerrors.CodePowerAlreadyOwned {
		t.Fatalf("second purchase code = %v, want %v", platformerrors.CodeOf(err), platformerrors.CodePowerAlreadyOwned)
	}

	// The failed purchase must not charge the account.
	account, err := store.GetAccount(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 150 {
		t.Fatalf("balance = %d, want 150", account.Balance)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	seedPower(t, store, domain.Power{ID: 7, Name: "topman", Section: "p0", Subid: 3, Cost: 100})
	seedAccount(t, store, "user-1", 40)

	_, err := service.Purchase(context.Background(), "user-1", 7)
	if platformerrors.CodeOf(err) != platformerrors.CodeInsufficientFunds {
		t.Fatalf("purchase code = %v, want %v", platformerrors.CodeOf(err), platformerrors.CodeInsufficientFunds)
	}

	account, getErr := store.GetAccount(context.Background(), "user-1")
	if getErr != nil {
		t.Fatalf("get account: %v", getErr)
	}
	if account.Balance != 40 {
		t.Fatalf("balance = %d, want 40", account.Balance)
	}
}

func TestPurchaseUnknownPower(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	seedAccount(t, store, "user-1", 40)

	_, err := service.Purchase(context.Background(), "user-1", 404)
	if platformerrors.CodeOf(err) != platformerrors.CodePowerNotFound {
		t.Fatalf("purchase code = %v, want %v", platformerrors.CodeOf(err), platformerrors.CodePowerNotFound)
	}
}

func TestVectorMergesSections(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	seedPower(t, store, domain.Power{ID: 1, Name: "topman", Section: "p0", Subid: 1, Cost: 10})
	seedPower(t, store, domain.Power{ID: 2, Name: "subhide", Section: "p0", Subid: 5, Cost: 10})
	seedPower(t, store, domain.Power{ID: 33, Name: "radio", Section: "p1", Subid: 1, Cost: 10})
	seedAccount(t, store, "user-1", 100)

	for _, powerID := range []int{1, 2, 33} {
		if _, err := service.Purchase(context.Background(), "user-1", powerID); err != nil {
			t.Fatalf("purchase %d: %v", powerID, err)
		}
	}

	vector, err := service.Vector(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("vector: %v", err)
	}
	if vector["p0"] != (1 | 1<<4) {
		t.Fatalf("p0 = %#x, want %#x", vector["p0"], uint32(1|1<<4))
	}
	if vector["p1"] != 1 {
		t.Fatalf("p1 = %#x, want 1", vector["p1"])
	}
	if vector.Has("p2", 1) {
		t.Fatalf("p2 bit set, want empty section")
	}
}

func TestVectorRetiresExpiredEdges(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	seedPower(t, store, domain.Power{ID: 1, Name: "topman", Section: "p0", Subid: 1, Cost: 10})

	lapsed := now.Add(-time.Hour)
	if err := store.CreateUserPower(context.Background(), storage.UserPower{
		ID:           "edge-1",
		UserID:       "user-1",
		PowerID:      1,
		PurchasedFor: 1,
		Active:       true,
		PurchasedAt:  now.Add(-48 * time.Hour),
		ExpiresAt:    &lapsed,
	}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}

	vector, err := service.Vector(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("vector: %v", err)
	}
	if vector.Has("p0", 1) {
		t.Fatalf("expired power still granted")
	}
	if _, err := store.FindActive(context.Background(), "user-1", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("find retired edge err = %v, want ErrNotFound", err)
	}
}

func TestSerializeOrderingAndExtras(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)

	edges := []storage.UserPower{
		{ID: "edge-1", UserID: "user-1", PowerID: 5, PurchasedFor: 1, Active: true, PurchasedAt: now},
		{ID: "edge-2", UserID: "user-1", PowerID: 9, PurchasedFor: 4, Active: true, PurchasedAt: now.Add(time.Minute)},
		{ID: "edge-3", UserID: "user-1", PowerID: 2, PurchasedFor: 2, Active: true, PurchasedAt: now.Add(2 * time.Minute)},
	}
	for _, edge := range edges {
		if err := store.CreateUserPower(context.Background(), edge); err != nil {
			t.Fatalf("seed edge %s: %v", edge.ID, err)
		}
	}

	full, extras, err := service.Serialize(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if full != "5=1|9=3|2=1|" {
		t.Fatalf("full = %q, want 5=1|9=3|2=1|", full)
	}
	if extras != "9=3|2=1|" {
		t.Fatalf("extras = %q, want 9=3|2=1|", extras)
	}
}

func TestSerializeEmptyOwnership(t *testing.T) {
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, now)

	full, extras, err := service.Serialize(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if full != "" || extras != "" {
		t.Fatalf("serialize = %q/%q, want empty strings", full, extras)
	}
}
