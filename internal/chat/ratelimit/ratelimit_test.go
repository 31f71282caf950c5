package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time { return c.at }

func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{at: time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)}
	return NewLimiter().WithClock(clock.now), clock
}

func TestBurstTriggersProtectionExactlyOnce(t *testing.T) {
	limiter, clock := newTestLimiter()

	for i := 0; i < 11; i++ {
		if _, triggered := limiter.RecordGuestMessage("lobby"); triggered {
			t.Fatalf("message %d triggered protection early", i+1)
		}
		clock.advance(100 * time.Millisecond)
	}

	protection, triggered := limiter.RecordGuestMessage("lobby")
	if !triggered {
		t.Fatalf("message 12 did not trigger protection")
	}
	if protection.Class != ProtectionNoUnregistered {
		t.Fatalf("class = %q, want %q", protection.Class, ProtectionNoUnregistered)
	}
	if want := clock.at.Add(time.Hour); !protection.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", protection.ExpiresAt, want)
	}

	// Further messages while protected do not re-trigger.
	for i := 0; i < 20; i++ {
		if _, triggered := limiter.RecordGuestMessage("lobby"); triggered {
			t.Fatalf("re-trigger while protection active")
		}
	}
}

func TestSlowMessagesNeverTrigger(t *testing.T) {
	limiter, clock := newTestLimiter()

	// One message per second stays under 12 within any 5 second window.
	for i := 0; i < 60; i++ {
		if _, triggered := limiter.RecordGuestMessage("lobby"); triggered {
			t.Fatalf("steady traffic triggered protection at message %d", i+1)
		}
		clock.advance(time.Second)
	}
}

func TestWindowSlides(t *testing.T) {
	limiter, clock := newTestLimiter()

	for i := 0; i < 11; i++ {
		limiter.RecordGuestMessage("lobby")
	}
	// The burst ages out entirely, so the count restarts.
	clock.advance(6 * time.Second)
	if _, triggered := limiter.RecordGuestMessage("lobby"); triggered {
		t.Fatalf("message after window lapse triggered protection")
	}
}

func TestWindowClearedOnTrigger(t *testing.T) {
	limiter, clock := newTestLimiter()

	for i := 0; i < 12; i++ {
		limiter.RecordGuestMessage("lobby")
	}
	if !limiter.GuestsBlocked("lobby") {
		t.Fatalf("guests not blocked after trigger")
	}

	// Drop the protection and confirm the old burst does not count anymore.
	limiter.Clear("lobby")
	clock.advance(time.Millisecond)
	if _, triggered := limiter.RecordGuestMessage("lobby"); triggered {
		t.Fatalf("stale window survived the trigger")
	}
}

func TestProtectionExpiresLazily(t *testing.T) {
	limiter, clock := newTestLimiter()

	for i := 0; i < 12; i++ {
		limiter.RecordGuestMessage("lobby")
	}
	if !limiter.GuestsBlocked("lobby") {
		t.Fatalf("guests not blocked after trigger")
	}

	clock.advance(time.Hour)
	if limiter.GuestsBlocked("lobby") {
		t.Fatalf("protection still active after expiry")
	}
	if _, ok := limiter.Active("lobby"); ok {
		t.Fatalf("Active returned a lapsed protection")
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter()

	for i := 0; i < 12; i++ {
		limiter.RecordGuestMessage("lobby")
	}
	if !limiter.GuestsBlocked("lobby") {
		t.Fatalf("lobby not blocked")
	}
	if limiter.GuestsBlocked("arcade") {
		t.Fatalf("arcade blocked by lobby burst")
	}
}

func TestToggleRaisesAndClears(t *testing.T) {
	limiter, clock := newTestLimiter()

	protection, enabled := limiter.Toggle("lobby", "owner-1")
	if !enabled {
		t.Fatalf("toggle did not enable protection")
	}
	if protection.Class != ProtectionNoGuest {
		t.Fatalf("class = %q, want %q", protection.Class, ProtectionNoGuest)
	}
	if protection.ActivatedBy != "owner-1" {
		t.Fatalf("activated_by = %q, want owner-1", protection.ActivatedBy)
	}
	if !limiter.GuestsBlocked("lobby") {
		t.Fatalf("guests not blocked after toggle")
	}

	if _, enabled := limiter.Toggle("lobby", "owner-1"); enabled {
		t.Fatalf("second toggle did not clear protection")
	}
	if limiter.GuestsBlocked("lobby") {
		t.Fatalf("guests still blocked after clearing toggle")
	}

	// Toggle also clears an automatic protection.
	for i := 0; i < 12; i++ {
		limiter.RecordGuestMessage("lobby")
	}
	clock.advance(time.Millisecond)
	if _, enabled := limiter.Toggle("lobby", "owner-1"); enabled {
		t.Fatalf("toggle over automatic protection did not clear it")
	}
}

func TestManyRoomsConcurrently(t *testing.T) {
	limiter, _ := newTestLimiter()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			room := fmt.Sprintf("room-%d", n)
			for j := 0; j < 50; j++ {
				limiter.RecordGuestMessage(room)
				limiter.GuestsBlocked(room)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
