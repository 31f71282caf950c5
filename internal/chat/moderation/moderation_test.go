package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/storage"
	"github.com/louisbranch/powerchat/internal/chat/storage/sqlite"
	platformerrors "github.com/louisbranch/powerchat/internal/platform/errors"
)

type engineClock struct {
	at time.Time
}

func (c *engineClock) now() time.Time { return c.at }

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store, *engineClock) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/chat.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clock := &engineClock{at: time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, store).WithClock(clock.now)
	return engine, store, clock
}

var (
	mainOwner = domain.Identity{Kind: domain.IdentityMember, UserID: "owner-1", Rank: domain.RankMainOwner}
	moderator = domain.Identity{Kind: domain.IdentityMember, UserID: "mod-1", Rank: domain.RankModerator}
	member    = domain.Identity{Kind: domain.IdentityMember, UserID: "user-1", Rank: domain.RankMember}
	guest     = domain.Identity{Kind: domain.IdentityGuest, UserID: "guest-1", Rank: domain.RankGuest}
)

func TestCanModerateRankRules(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	owner := domain.Identity{Kind: domain.IdentityMember, UserID: "owner-2", Rank: domain.RankOwner}
	cases := []struct {
		name      string
		moderator domain.Identity
		target    domain.Identity
		want      bool
	}{
		{"main owner over owner", mainOwner, owner, true},
		{"owner over moderator", owner, moderator, true},
		{"owner over main owner", owner, mainOwner, false},
		{"moderator over member", moderator, member, true},
		{"moderator over guest", moderator, guest, true},
		{"moderator over owner", moderator, owner, false},
		{"member over guest", member, guest, false},
		{"guest over member", guest, member, false},
	}
	for _, tc := range cases {
		if got := engine.CanModerate(context.Background(), tc.moderator, tc.target, "lobby"); got != tc.want {
			t.Fatalf("%s: canModerate = %v, want %v", tc.name, got, tc.want)
		}
	}

	// The room creator may moderate regardless of rank.
	if err := store.CreateRoom(context.Background(), storage.Room{
		Name:      "lobby",
		CreatedBy: "user-1",
		CreatedAt: time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if !engine.CanModerate(context.Background(), member, mainOwner, "lobby") {
		t.Fatalf("room creator could not moderate")
	}
	// A missing room denies the creator grant without erroring.
	if engine.CanModerate(context.Background(), member, mainOwner, "nowhere") {
		t.Fatalf("missing room granted creator permission")
	}
}

func TestWarningEscalationLadder(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	wantTypes := [][]domain.ActionType{
		nil,                 // warning 1
		{domain.ActionMute}, // warning 2
		{domain.ActionKick}, // warning 3
		nil,                 // warning 4
		{domain.ActionBan},  // warning 5
	}
	for i, want := range wantTypes {
		_, escalations, err := engine.IssueWarning(context.Background(), moderator, member, "lobby", "spam")
		if err != nil {
			t.Fatalf("warning %d: %v", i+1, err)
		}
		if len(escalations) != len(want) {
			t.Fatalf("warning %d escalations = %d, want %d", i+1, len(escalations), len(want))
		}
		for j, action := range escalations {
			if action.Type != want[j] {
				t.Fatalf("warning %d escalation = %v, want %v", i+1, action.Type, want[j])
			}
			if action.ModeratorID != moderator.UserID {
				t.Fatalf("escalation moderator = %q, want %q", action.ModeratorID, moderator.UserID)
			}
		}
	}
}

func TestEscalationDurations(t *testing.T) {
	engine, _, clock := newTestEngine(t)

	if _, _, err := engine.IssueWarning(context.Background(), moderator, member, "lobby", ""); err != nil {
		t.Fatalf("warning 1: %v", err)
	}
	_, escalations, err := engine.IssueWarning(context.Background(), moderator, member, "lobby", "")
	if err != nil {
		t.Fatalf("warning 2: %v", err)
	}
	if len(escalations) != 1 || escalations[0].Type != domain.ActionMute {
		t.Fatalf("warning 2 escalations = %+v, want one mute", escalations)
	}
	mute := escalations[0]
	if mute.DurationMinutes != 15 {
		t.Fatalf("mute duration = %d, want 15", mute.DurationMinutes)
	}
	want := clock.at.Add(15 * time.Minute)
	if mute.ExpiresAt == nil || !mute.ExpiresAt.Equal(want) {
		t.Fatalf("mute expires_at = %v, want %v", mute.ExpiresAt, want)
	}
}

func TestWarningRequiresPermission(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, _, err := engine.IssueWarning(context.Background(), member, moderator, "lobby", "")
	if platformerrors.CodeOf(err) != platformerrors.CodeModerationInsufficientPermission {
		t.Fatalf("code = %v, want %v", platformerrors.CodeOf(err), platformerrors.CodeModerationInsufficientPermission)
	}
}

func TestMuteLazyExpiry(t *testing.T) {
	engine, _, clock := newTestEngine(t)

	if _, err := engine.MuteUser(context.Background(), moderator, member, "lobby", "spam", 10); err != nil {
		t.Fatalf("mute: %v", err)
	}

	muted, remaining, err := engine.IsUserMuted(context.Background(), member.UserID, "lobby")
	if err != nil {
		t.Fatalf("is muted: %v", err)
	}
	if !muted {
		t.Fatalf("user not muted right after mute")
	}
	if remaining != 10*time.Minute {
		t.Fatalf("remaining = %v, want 10m", remaining)
	}

	// Past the expiry the lazy path reports not muted without any sweep.
	clock.at = clock.at.Add(11 * time.Minute)
	muted, _, err = engine.IsUserMuted(context.Background(), member.UserID, "lobby")
	if err != nil {
		t.Fatalf("is muted after expiry: %v", err)
	}
	if muted {
		t.Fatalf("user still muted past expiry")
	}
}

func TestPermanentBanNeedsRevoke(t *testing.T) {
	engine, _, clock := newTestEngine(t)

	action, err := engine.BanUser(context.Background(), mainOwner, member, "lobby", "", 0)
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if action.ExpiresAt != nil {
		t.Fatalf("permanent ban has expires_at = %v", action.ExpiresAt)
	}

	clock.at = clock.at.Add(1000 * time.Hour)
	banned, remaining, err := engine.IsUserBanned(context.Background(), member.UserID, "lobby")
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if !banned || remaining != 0 {
		t.Fatalf("banned/remaining = %v/%v, want true/0", banned, remaining)
	}

	if _, err := engine.RevokeAction(context.Background(), mainOwner, action.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	banned, _, err = engine.IsUserBanned(context.Background(), member.UserID, "lobby")
	if err != nil {
		t.Fatalf("is banned after revoke: %v", err)
	}
	if banned {
		t.Fatalf("user still banned after revoke")
	}
}

func TestRevokeWinsOverExpiry(t *testing.T) {
	engine, store, clock := newTestEngine(t)

	action, err := engine.MuteUser(context.Background(), mainOwner, member, "lobby", "", 5)
	if err != nil {
		t.Fatalf("mute: %v", err)
	}

	// Let the mute lapse and have the lazy path flip it to expired.
	clock.at = clock.at.Add(6 * time.Minute)
	if muted, _, err := engine.IsUserMuted(context.Background(), member.UserID, "lobby"); err != nil || muted {
		t.Fatalf("is muted = %v, %v, want false, nil", muted, err)
	}

	if _, err := engine.RevokeAction(context.Background(), mainOwner, action.ID); err != nil {
		t.Fatalf("revoke expired action: %v", err)
	}
	got, err := store.GetAction(context.Background(), action.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.Status != domain.StatusRevoked {
		t.Fatalf("status = %v, want revoked", got.Status)
	}
}

func TestRevokePermissions(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	action, err := engine.MuteUser(context.Background(), mainOwner, member, "lobby", "", 5)
	if err != nil {
		t.Fatalf("mute: %v", err)
	}

	_, err = engine.RevokeAction(context.Background(), moderator, action.ID)
	if platformerrors.CodeOf(err) != platformerrors.CodeModerationInsufficientPermission {
		t.Fatalf("moderator revoke code = %v, want %v", platformerrors.CodeOf(err), platformerrors.CodeModerationInsufficientPermission)
	}
	_, err = engine.RevokeAction(context.Background(), mainOwner, "missing")
	if platformerrors.CodeOf(err) != platformerrors.CodeModerationTargetNotFound {
		t.Fatalf("missing action code = %v, want %v", platformerrors.CodeOf(err), platformerrors.CodeModerationTargetNotFound)
	}
}

func TestUnbanLiftsNewestBan(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if _, err := engine.BanUser(context.Background(), mainOwner, member, "lobby", "", 60); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := engine.UnbanUser(context.Background(), mainOwner, member, "lobby", "appealed"); err != nil {
		t.Fatalf("unban: %v", err)
	}
	banned, _, err := engine.IsUserBanned(context.Background(), member.UserID, "lobby")
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if banned {
		t.Fatalf("user still banned after unban")
	}

	// Nothing left to lift.
	err = engine.UnbanUser(context.Background(), mainOwner, member, "lobby", "")
	if platformerrors.CodeOf(err) != platformerrors.CodeModerationTargetNotFound {
		t.Fatalf("second unban code = %v, want %v", platformerrors.CodeOf(err), platformerrors.CodeModerationTargetNotFound)
	}
}

func TestSweepMatchesLazyExpiry(t *testing.T) {
	engine, store, clock := newTestEngine(t)

	if _, err := engine.MuteUser(context.Background(), mainOwner, member, "lobby", "", 5); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if _, err := engine.BanUser(context.Background(), mainOwner, guest, "lobby", "", 120); err != nil {
		t.Fatalf("ban: %v", err)
	}

	clock.at = clock.at.Add(10 * time.Minute)
	flipped, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if flipped != 1 {
		t.Fatalf("sweep flipped = %d, want 1", flipped)
	}

	// The sweep and the lazy path agree: mute gone, ban still live.
	if muted, _, err := engine.IsUserMuted(context.Background(), member.UserID, "lobby"); err != nil || muted {
		t.Fatalf("is muted = %v, %v, want false, nil", muted, err)
	}
	if banned, _, err := engine.IsUserBanned(context.Background(), guest.UserID, "lobby"); err != nil || !banned {
		t.Fatalf("is banned = %v, %v, want true, nil", banned, err)
	}
	count, err := store.CountActiveWarnings(context.Background(), member.UserID, "lobby")
	if err != nil {
		t.Fatalf("count warnings: %v", err)
	}
	if count != 0 {
		t.Fatalf("warnings = %d, want 0", count)
	}
}
