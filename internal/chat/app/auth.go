package app

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/storage"
	"github.com/louisbranch/powerchat/internal/platform/errors"
	"github.com/louisbranch/powerchat/internal/platform/id"
)

type authenticatePayload struct {
	Token string            `json:"token,omitempty"`
	Guest *guestAuthRequest `json:"guest,omitempty"`
}

type guestAuthRequest struct {
	Nickname   string `json:"nickname,omitempty"`
	Avatar     int    `json:"avatar,omitempty"`
	ReattachID string `json:"reattach_id,omitempty"`
}

type authenticatedPayload struct {
	Identity     identityPayload     `json:"identity"`
	Capabilities capabilitiesPayload `json:"capabilities"`
	Nonce        noncePayload        `json:"nonce"`
	ReattachID   string              `json:"reattach_id,omitempty"`
	Persistent   bool                `json:"persistent"`
	Warning      string              `json:"warning,omitempty"`
}

type identityPayload struct {
	Kind     string `json:"kind"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Nickname string `json:"nickname"`
	Rank     int    `json:"rank"`
	Avatar   string `json:"avatar"`
}

type capabilitiesPayload struct {
	Sections    map[string]uint32 `json:"sections"`
	Powers      string            `json:"powers"`
	ExtraPowers string            `json:"extra_powers"`
}

type noncePayload struct {
	Key   int64 `json:"key"`
	Time  int64 `json:"time"`
	Shift int   `json:"shift"`
}

type authErrorPayload struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func identityKindLabel(kind domain.IdentityKind) string {
	switch kind {
	case domain.IdentityGuest:
		return "guest"
	case domain.IdentityMember:
		return "member"
	default:
		return "anonymous"
	}
}

// newLoginNonce produces the opaque key/time/shift triple handed to clients
// at login. Obfuscation only; nothing verifies it.
func (c *chatCore) newLoginNonce() domain.LoginNonce {
	return domain.LoginNonce{
		Key:   10000000 + rand.Int63n(90000000),
		Time:  c.now().Unix(),
		Shift: 2 + rand.Intn(4),
	}
}

// handleAuthenticate promotes an anonymous connection to a guest or member
// session. Failures leave the session anonymous and the connection open for
// retry.
func (c *chatCore) handleAuthenticate(ctx context.Context, session *wsSession, frame wsFrame, remoteAddr string) {
	if session.authenticated() {
		_ = writeWSError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "session is already authenticated", nil)
		return
	}

	var payload authenticatePayload
	if err := unmarshalPayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid authenticate payload", nil)
		return
	}

	switch {
	case strings.TrimSpace(payload.Token) != "":
		c.authenticateMember(ctx, session, frame, strings.TrimSpace(payload.Token), remoteAddr)
	case payload.Guest != nil:
		c.authenticateGuest(ctx, session, frame, *payload.Guest)
	default:
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "token or guest request is required", nil)
	}
}

func (c *chatCore) authenticateGuest(ctx context.Context, session *wsSession, frame wsFrame, request guestAuthRequest) {
	nickname := strings.TrimSpace(request.Nickname)
	if nickname == "" {
		nickname = fmt.Sprintf("Unregistered%04d", rand.Intn(10000))
	}
	if utf8.RuneCountInString(nickname) > maxNicknameRunes {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "nickname is too long", nil)
		return
	}
	avatar := request.Avatar
	if avatar < 0 || avatar > maxAvatarID {
		avatar = 0
	}
	avatarID := fmt.Sprintf("%d", avatar)

	now := c.now().UTC()
	identity := domain.Identity{
		Kind:       domain.IdentityGuest,
		Nickname:   nickname,
		Rank:       domain.RankGuest,
		Avatar:     avatarID,
		Persistent: true,
	}
	warning := ""

	reattachID := strings.TrimSpace(request.ReattachID)
	if reattachID != "" {
		storeCtx, cancel := storageCtx(ctx)
		guest, err := c.stores.Guests.GetGuest(storeCtx, reattachID)
		cancel()
		if err == nil {
			// Reattach: same guest id, refreshed nickname and activity.
			identity.UserID = guest.GuestID
			identity.ReattachID = guest.ReattachID
			touchCtx, cancel := storageCtx(ctx)
			if err := c.stores.Guests.TouchGuest(touchCtx, guest.ReattachID, nickname, now); err != nil {
				log.Printf("guest touch failed reattach=%q: %v", guest.ReattachID, err)
			}
			cancel()
			c.finishAuthentication(ctx, session, frame, identity, warning)
			return
		}
		if err != storage.ErrNotFound {
			log.Printf("guest lookup failed reattach=%q: %v", reattachID, err)
		}
	}

	guestID, err := id.NewID()
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INTERNAL", "could not create guest identity", nil)
		return
	}
	newReattachID, err := id.NewID()
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INTERNAL", "could not create guest identity", nil)
		return
	}
	identity.UserID = guestID

	storeCtx, cancel := storageCtx(ctx)
	err = c.stores.Guests.PutGuest(storeCtx, storage.Guest{
		ReattachID:   newReattachID,
		GuestID:      guestID,
		Nickname:     nickname,
		Avatar:       avatarID,
		CreatedAt:    now,
		LastActiveAt: now,
	})
	cancel()
	if err != nil {
		// Storage trouble must not fail the connection; the guest just
		// cannot reattach later.
		log.Printf("guest create failed, continuing ephemeral: %v", err)
		identity.Persistent = false
		warning = string(errors.CodeAuthGuestCreateFailed)
		newReattachID = ""
	} else {
		identity.ReattachID = newReattachID
	}

	c.finishAuthentication(ctx, session, frame, identity, warning)
}

func (c *chatCore) authenticateMember(ctx context.Context, session *wsSession, frame wsFrame, token, remoteAddr string) {
	userID, err := c.verifyToken(token)
	if err != nil {
		_ = session.peer.writeFrame(wsFrame{
			Type:      "authError",
			RequestID: frame.RequestID,
			Payload:   mustJSON(authErrorPayload{Kind: "InvalidToken", Code: string(errors.CodeAuthInvalidToken), Message: "token verification failed"}),
		})
		return
	}

	storeCtx, cancel := storageCtx(ctx)
	account, err := c.stores.Accounts.GetAccount(storeCtx, userID)
	cancel()
	if err != nil {
		if err == storage.ErrNotFound {
			_ = session.peer.writeFrame(wsFrame{
				Type:      "authError",
				RequestID: frame.RequestID,
				Payload:   mustJSON(authErrorPayload{Kind: "InvalidToken", Code: string(errors.CodeAuthInvalidToken), Message: "unknown account"}),
			})
			return
		}
		_ = writeWSError(session.peer, frame.RequestID, "UNAVAILABLE", "account lookup unavailable", nil)
		return
	}
	if !account.Enabled {
		_ = session.peer.writeFrame(wsFrame{
			Type:      "authError",
			RequestID: frame.RequestID,
			Payload:   mustJSON(authErrorPayload{Kind: "AccountDisabled", Code: string(errors.CodeAuthAccountDisabled), Message: "account is disabled"}),
		})
		return
	}

	identity := domain.Identity{
		Kind:       domain.IdentityMember,
		UserID:     account.ID,
		Username:   account.Username,
		Nickname:   account.Nickname,
		Rank:       account.Rank,
		Avatar:     account.Avatar,
		Persistent: true,
	}
	if identity.Nickname == "" {
		identity.Nickname = account.Username
	}

	presenceCtx, cancel := storageCtx(ctx)
	if err := c.stores.Accounts.UpdatePresence(presenceCtx, account.ID, c.now().UTC(), remoteAddr); err != nil {
		log.Printf("presence update failed user=%q: %v", account.ID, err)
	}
	cancel()

	c.finishAuthentication(ctx, session, frame, identity, "")
}

// verifyToken checks an HS256 member token and returns its subject.
func (c *chatCore) verifyToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return c.tokenSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return strings.TrimSpace(subject), nil
}

func (c *chatCore) finishAuthentication(ctx context.Context, session *wsSession, frame wsFrame, identity domain.Identity, warning string) {
	vector := domain.CapabilityVector{}
	powers, extras := "", ""
	if identity.Kind == domain.IdentityMember {
		storeCtx, cancel := storageCtx(ctx)
		computed, err := c.capabilities.Vector(storeCtx, identity.UserID)
		cancel()
		if err != nil {
			log.Printf("capability snapshot failed user=%q: %v", identity.UserID, err)
		} else {
			vector = computed
		}
		storeCtx, cancel = storageCtx(ctx)
		powers, extras, err = c.capabilities.Serialize(storeCtx, identity.UserID)
		cancel()
		if err != nil {
			log.Printf("capability serialization failed user=%q: %v", identity.UserID, err)
		}
	}

	nonce := c.newLoginNonce()
	session.setIdentity(identity, vector, nonce)

	_ = session.peer.writeFrame(wsFrame{
		Type:      "authenticated",
		RequestID: frame.RequestID,
		Payload: mustJSON(authenticatedPayload{
			Identity: identityPayload{
				Kind:     identityKindLabel(identity.Kind),
				UserID:   identity.UserID,
				Username: identity.Username,
				Nickname: identity.Nickname,
				Rank:     int(identity.Rank),
				Avatar:   identity.Avatar,
			},
			Capabilities: capabilitiesPayload{
				Sections:    vector,
				Powers:      powers,
				ExtraPowers: extras,
			},
			Nonce: noncePayload{
				Key:   nonce.Key,
				Time:  nonce.Time,
				Shift: nonce.Shift,
			},
			ReattachID: identity.ReattachID,
			Persistent: identity.Persistent,
			Warning:    warning,
		}),
	})
}
