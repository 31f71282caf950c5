// Package ratelimit tracks guest message bursts per room and raises raid
// protection when a burst crosses the threshold. State is in-memory; a
// restart clears windows and active protections.
package ratelimit

import (
	"sync"
	"time"
)

// ProtectionClass names why guests are being rejected from a room.
type ProtectionClass string

const (
	// ProtectionNoUnregistered is raised automatically by a guest message
	// burst.
	ProtectionNoUnregistered ProtectionClass = "no-unregistered"
	// ProtectionNoGuest is raised manually by room staff.
	ProtectionNoGuest ProtectionClass = "no-guest"
)

// Protection is an active guest lockout on a room.
type Protection struct {
	Class       ProtectionClass
	ActivatedBy string // empty for automatic triggers
	ActivatedAt time.Time
	ExpiresAt   time.Time
}

const (
	defaultWindow    = 5 * time.Second
	defaultThreshold = 12
	defaultDuration  = time.Hour
)

// Limiter holds per-room guest message windows and protection state.
type Limiter struct {
	mu          sync.Mutex
	now         func() time.Time
	window      time.Duration
	threshold   int
	duration    time.Duration
	events      map[string][]time.Time
	protections map[string]Protection
}

// NewLimiter builds a limiter with the production thresholds: a 5 second
// window, 12 guest messages, 1 hour protections.
func NewLimiter() *Limiter {
	return &Limiter{
		now:         time.Now,
		window:      defaultWindow,
		threshold:   defaultThreshold,
		duration:    defaultDuration,
		events:      make(map[string][]time.Time),
		protections: make(map[string]Protection),
	}
}

// WithClock overrides the limiter clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// RecordGuestMessage notes one guest message in a room. It reports true
// exactly once per burst: the call that brings the in-window count to the
// threshold raises a no-unregistered protection, clears the window, and
// returns the new protection. While a protection is already active the
// window is not even tracked.
func (l *Limiter) RecordGuestMessage(room string) (Protection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if _, ok := l.activeLocked(room, now); ok {
		return Protection{}, false
	}

	events := l.pruneLocked(room, now)
	events = append(events, now)
	if len(events) < l.threshold {
		l.events[room] = events
		return Protection{}, false
	}

	delete(l.events, room)
	protection := Protection{
		Class:       ProtectionNoUnregistered,
		ActivatedAt: now,
		ExpiresAt:   now.Add(l.duration),
	}
	l.protections[room] = protection
	return protection, true
}

// Active returns the room's protection when one is live. Lapsed protections
// are dropped on the way out.
func (l *Limiter) Active(room string) (Protection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeLocked(room, l.now())
}

// GuestsBlocked reports whether guest identities are currently rejected from
// the room. Both protection classes block guests.
func (l *Limiter) GuestsBlocked(room string) bool {
	_, ok := l.Active(room)
	return ok
}

// Toggle flips manual protection for a room: an active protection of either
// class is cleared, otherwise a no-guest protection is raised for the
// standard duration. It returns the resulting state and whether protection
// is now enabled.
func (l *Limiter) Toggle(room, by string) (Protection, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if _, ok := l.activeLocked(room, now); ok {
		delete(l.protections, room)
		return Protection{}, false
	}
	protection := Protection{
		Class:       ProtectionNoGuest,
		ActivatedBy: by,
		ActivatedAt: now,
		ExpiresAt:   now.Add(l.duration),
	}
	l.protections[room] = protection
	return protection, true
}

// Clear removes any protection on the room.
func (l *Limiter) Clear(room string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.protections, room)
}

func (l *Limiter) activeLocked(room string, now time.Time) (Protection, bool) {
	protection, ok := l.protections[room]
	if !ok {
		return Protection{}, false
	}
	if !protection.ExpiresAt.After(now) {
		delete(l.protections, room)
		return Protection{}, false
	}
	return protection, true
}

func (l *Limiter) pruneLocked(room string, now time.Time) []time.Time {
	events := l.events[room]
	cutoff := now.Add(-l.window)
	kept := events[:0]
	for _, at := range events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}
