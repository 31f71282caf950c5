package app

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/ratelimit"
	"github.com/louisbranch/powerchat/internal/chat/storage"
	"github.com/louisbranch/powerchat/internal/platform/errors"
	"github.com/louisbranch/powerchat/internal/platform/id"
)

type joinRoomPayload struct {
	Room string `json:"room"`
}

type roomJoinedPayload struct {
	Room          string `json:"room"`
	Background    string `json:"background,omitempty"`
	ScrollMessage string `json:"scroll_message,omitempty"`
	ButtonColor   string `json:"button_color,omitempty"`
	MaxUsers      int    `json:"max_users"`
}

type userListPayload struct {
	Members []presencePayload `json:"members"`
}

type presencePayload struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Rank     int    `json:"rank"`
	Avatar   string `json:"avatar,omitempty"`
	Guest    bool   `json:"guest,omitempty"`
}

type messageInPayload struct {
	Text string `json:"text"`
}

type messageOutPayload struct {
	MessageID string          `json:"message_id,omitempty"`
	Author    presencePayload `json:"author"`
	Text      string          `json:"text"`
	Timestamp string          `json:"timestamp"`
	System    bool            `json:"system,omitempty"`
}

type bannedPayload struct {
	Room             string `json:"room"`
	Code             string `json:"code"`
	RemainingMinutes int    `json:"remaining_minutes"`
}

type buyPowerPayload struct {
	PowerID int `json:"power_id"`
}

type powerBoughtPayload struct {
	PowerID      int                 `json:"power_id"`
	Capabilities capabilitiesPayload `json:"capabilities"`
}

type powerPayload struct {
	PowerID  int    `json:"power_id"`
	TargetID string `json:"target_id,omitempty"`
}

type powerEffectPayload struct {
	PowerID  int    `json:"power_id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id,omitempty"`
}

type moderatePayload struct {
	Action          string `json:"action"`
	TargetUserID    string `json:"target_user_id"`
	Reason          string `json:"reason,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

type moderationAckPayload struct {
	Status       string `json:"status"`
	Action       string `json:"action"`
	ActionID     string `json:"action_id,omitempty"`
	TargetUserID string `json:"target_user_id,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

type kickedPayload struct {
	Room   string `json:"room"`
	Reason string `json:"reason,omitempty"`
}

type protectionPayload struct {
	Enabled   bool   `json:"enabled"`
	Class     string `json:"class,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type revokeActionPayload struct {
	ActionID string `json:"action_id"`
}

type messagesHiddenPayload struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id,omitempty"`
	All       bool   `json:"all,omitempty"`
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload is required")
	}
	return json.Unmarshal(raw, v)
}

func presenceFromIdentity(identity domain.Identity) presencePayload {
	return presencePayload{
		UserID:   identity.UserID,
		Nickname: identity.Nickname,
		Rank:     int(identity.Rank),
		Avatar:   identity.Avatar,
		Guest:    identity.Kind == domain.IdentityGuest,
	}
}

// handleJoinRoom admits a session into a room, creating the room on first
// join. A session already in another room leaves it implicitly.
func (c *chatCore) handleJoinRoom(ctx context.Context, session *wsSession, frame wsFrame) {
	if !session.authenticated() {
		_ = writeWSError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "authenticate before joining a room", nil)
		return
	}

	var payload joinRoomPayload
	if err := unmarshalPayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload", nil)
		return
	}
	roomName := strings.TrimSpace(payload.Room)
	if roomName == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "room is required", nil)
		return
	}

	identity := session.currentIdentity()

	record, err := c.loadOrCreateRoom(ctx, roomName, identity)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "UNAVAILABLE", "room lookup unavailable", nil)
		return
	}

	storeCtx, cancel := storageCtx(ctx)
	banned, remaining, err := c.engine.IsUserBanned(storeCtx, identity.UserID, roomName)
	cancel()
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "UNAVAILABLE", "ban check unavailable", nil)
		return
	}
	if banned {
		_ = session.peer.writeFrame(wsFrame{
			Type:      "banned",
			RequestID: frame.RequestID,
			Payload: mustJSON(bannedPayload{
				Room:             roomName,
				Code:             string(errors.CodePresenceBanned),
				RemainingMinutes: remainingMinutes(remaining),
			}),
		})
		return
	}

	if identity.Unregistered() && c.limiter.GuestsBlocked(roomName) {
		_ = writeWSError(session.peer, frame.RequestID, string(errors.CodePresenceProtected), "room is protected against unregistered visitors", nil)
		return
	}

	room := c.hub.room(roomName, record.MaxUsers)
	if previous := session.currentRoom(); previous != nil && previous != room {
		// Implicit leave before the new membership takes effect; a session
		// belongs to at most one room at any instant.
		c.leaveRoom(session, true)
	}
	if !room.join(session) {
		_ = writeWSError(session.peer, frame.RequestID, string(errors.CodePresenceRoomFull), "room is full", nil)
		return
	}
	session.setRoom(room)

	_ = session.peer.writeFrame(wsFrame{
		Type:      "roomJoined",
		RequestID: frame.RequestID,
		Payload: mustJSON(roomJoinedPayload{
			Room:          record.Name,
			Background:    record.Background,
			ScrollMessage: record.ScrollMessage,
			ButtonColor:   record.ButtonColor,
			MaxUsers:      record.MaxUsers,
		}),
	})

	members := room.snapshot()
	list := make([]presencePayload, 0, len(members))
	for _, member := range members {
		list = append(list, presenceFromIdentity(member))
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:    "userList",
		Payload: mustJSON(userListPayload{Members: list}),
	})

	room.broadcast(wsFrame{
		Type:    "userJoined",
		Payload: mustJSON(presenceFromIdentity(identity)),
	}, session.peer)
}

func (c *chatCore) loadOrCreateRoom(ctx context.Context, roomName string, creator domain.Identity) (storage.Room, error) {
	storeCtx, cancel := storageCtx(ctx)
	record, err := c.stores.Rooms.GetRoom(storeCtx, roomName)
	cancel()
	if err == nil {
		return record, nil
	}
	if err != storage.ErrNotFound {
		return storage.Room{}, err
	}

	record = storage.Room{
		Name:        roomName,
		ButtonColor: "#FFFFFF",
		MaxUsers:    defaultRoomMaxUsers,
		CreatedAt:   c.now().UTC(),
	}
	if creator.Registered() {
		record.CreatedBy = creator.UserID
	}
	storeCtx, cancel = storageCtx(ctx)
	err = c.stores.Rooms.CreateRoom(storeCtx, record)
	cancel()
	if err != nil && err != storage.ErrAlreadyExists {
		return storage.Room{}, err
	}
	return record, nil
}

func remainingMinutes(remaining time.Duration) int {
	if remaining <= 0 {
		return 0
	}
	minutes := int(remaining / time.Minute)
	if remaining%time.Minute != 0 {
		minutes++
	}
	return minutes
}

// handleMessage runs a chat line through the mute check, the guest rate
// limiter, and slash-command dispatch before broadcasting it.
func (c *chatCore) handleMessage(ctx context.Context, session *wsSession, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "join a room before sending messages", nil)
		return
	}

	var payload messageInPayload
	if err := unmarshalPayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid message payload", nil)
		return
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "text is required", nil)
		return
	}
	if utf8.RuneCountInString(text) > maxMessageBodyRunes {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "text must be at most 2000 characters", nil)
		return
	}

	identity := session.currentIdentity()

	storeCtx, cancel := storageCtx(ctx)
	muted, remaining, err := c.engine.IsUserMuted(storeCtx, identity.UserID, room.name)
	cancel()
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "UNAVAILABLE", "mute check unavailable", nil)
		return
	}
	if muted {
		_ = writeWSError(session.peer, frame.RequestID, "MUTED", "you are muted in this room", map[string]string{
			"remaining_minutes": fmt.Sprintf("%d", remainingMinutes(remaining)),
		})
		return
	}

	if strings.HasPrefix(text, "/") {
		c.handleSlashCommand(ctx, session, room, frame, text)
		return
	}

	if identity.Unregistered() {
		if protection, triggered := c.limiter.RecordGuestMessage(room.name); triggered {
			c.enforceProtection(room, protection)
			return
		}
	}

	c.broadcastMessage(ctx, room, identity, text)
}

func (c *chatCore) broadcastMessage(ctx context.Context, room *chatRoom, identity domain.Identity, text string) {
	now := c.now().UTC()
	messageID, err := id.NewID()
	if err != nil {
		log.Printf("message id generation failed: %v", err)
		messageID = fmt.Sprintf("msg_%d", now.UnixNano())
	}

	// Member messages go to the archive; guest lines are transient.
	if identity.Registered() {
		storeCtx, cancel := storageCtx(ctx)
		err := c.stores.Messages.CreateMessage(storeCtx, storage.Message{
			ID:        messageID,
			Room:      room.name,
			UserID:    identity.UserID,
			Body:      text,
			CreatedAt: now,
			Visible:   true,
		})
		cancel()
		if err != nil {
			log.Printf("message archive failed room=%q user=%q: %v", room.name, identity.UserID, err)
		}
	}

	room.broadcast(wsFrame{
		Type: "message",
		Payload: mustJSON(messageOutPayload{
			MessageID: messageID,
			Author:    presenceFromIdentity(identity),
			Text:      text,
			Timestamp: now.Format(time.RFC3339),
		}),
	})
}

// enforceProtection announces a triggered raid protection and force-kicks
// every unregistered session in the room.
func (c *chatCore) enforceProtection(room *chatRoom, protection ratelimit.Protection) {
	log.Printf("raid protection triggered room=%q class=%q until=%s", room.name, protection.Class, protection.ExpiresAt.Format(time.RFC3339))
	c.broadcastSystemMessage(room, "Protection has been enabled for the next 60 minutes!")

	for _, guest := range room.guestSessions() {
		c.forceRemove(guest, room, "room protection enabled")
	}
}

func (c *chatCore) broadcastSystemMessage(room *chatRoom, text string) {
	room.broadcast(wsFrame{
		Type: "message",
		Payload: mustJSON(messageOutPayload{
			Author:    presencePayload{UserID: "system", Nickname: "system"},
			Text:      text,
			Timestamp: c.now().UTC().Format(time.RFC3339),
			System:    true,
		}),
	})
}

// forceRemove kicks one session out of a room: kicked frame, membership
// release, userLeft broadcast, then connection close.
func (c *chatCore) forceRemove(session *wsSession, room *chatRoom, reason string) {
	identity := session.currentIdentity()
	_ = session.peer.writeFrame(wsFrame{
		Type:    "kicked",
		Payload: mustJSON(kickedPayload{Room: room.name, Reason: reason}),
	})
	session.setRoom(nil)
	room.leave(session.peer)
	room.broadcast(wsFrame{
		Type:    "userLeft",
		Payload: mustJSON(presencePayload{UserID: identity.UserID, Nickname: identity.Nickname, Rank: int(identity.Rank)}),
	})
	if session.closeConn != nil {
		session.closeConn()
	}
}

// handleSlashCommand dispatches staff chat commands. Unknown commands are
// dropped without a reply.
func (c *chatCore) handleSlashCommand(ctx context.Context, session *wsSession, room *chatRoom, frame wsFrame, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	identity := session.currentIdentity()

	switch fields[0] {
	case "/p":
		c.toggleProtection(session, room, frame)
	case "/d":
		if !identity.Rank.IsStaff() || len(fields) < 2 {
			return
		}
		if fields[1] == "clear" {
			storeCtx, cancel := storageCtx(ctx)
			err := c.stores.Messages.HideRoomMessages(storeCtx, room.name)
			cancel()
			if err != nil {
				log.Printf("message clear failed room=%q: %v", room.name, err)
				return
			}
			room.broadcast(wsFrame{
				Type:    "messagesHidden",
				Payload: mustJSON(messagesHiddenPayload{Room: room.name, All: true}),
			})
			return
		}
		storeCtx, cancel := storageCtx(ctx)
		err := c.stores.Messages.HideMessage(storeCtx, fields[1], room.name)
		cancel()
		if err != nil {
			if err != storage.ErrNotFound {
				log.Printf("message hide failed room=%q id=%q: %v", room.name, fields[1], err)
			}
			return
		}
		room.broadcast(wsFrame{
			Type:    "messagesHidden",
			Payload: mustJSON(messagesHiddenPayload{Room: room.name, MessageID: fields[1]}),
		})
	}
}

// handleBuyPower purchases a power for the authenticated member and refreshes
// the session's capability snapshot.
func (c *chatCore) handleBuyPower(ctx context.Context, session *wsSession, frame wsFrame) {
	identity := session.currentIdentity()
	if !identity.Registered() {
		_ = writeWSError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "only members can buy powers", nil)
		return
	}

	var payload buyPowerPayload
	if err := unmarshalPayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid buyPower payload", nil)
		return
	}

	storeCtx, cancel := storageCtx(ctx)
	vector, err := c.capabilities.Purchase(storeCtx, identity.UserID, payload.PowerID)
	cancel()
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	session.setVector(vector)

	storeCtx, cancel = storageCtx(ctx)
	powers, extras, err := c.capabilities.Serialize(storeCtx, identity.UserID)
	cancel()
	if err != nil {
		log.Printf("capability serialization failed user=%q: %v", identity.UserID, err)
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "powerBought",
		RequestID: frame.RequestID,
		Payload: mustJSON(powerBoughtPayload{
			PowerID: payload.PowerID,
			Capabilities: capabilitiesPayload{
				Sections:    vector,
				Powers:      powers,
				ExtraPowers: extras,
			},
		}),
	})
}

// handlePower validates ownership against the session snapshot and
// broadcasts the effect to the room. No I/O on the hot path.
func (c *chatCore) handlePower(ctx context.Context, session *wsSession, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "join a room before using powers", nil)
		return
	}

	var payload powerPayload
	if err := unmarshalPayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid power payload", nil)
		return
	}

	storeCtx, cancel := storageCtx(ctx)
	power, err := c.stores.Powers.GetPower(storeCtx, payload.PowerID)
	cancel()
	if err != nil {
		if err == storage.ErrNotFound {
			_ = writeWSError(session.peer, frame.RequestID, string(errors.CodePowerNotFound), "power not found", nil)
			return
		}
		_ = writeWSError(session.peer, frame.RequestID, "UNAVAILABLE", "power lookup unavailable", nil)
		return
	}

	if !session.capabilityVector().HasPower(power) {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "power is not owned", nil)
		return
	}

	identity := session.currentIdentity()
	room.broadcast(wsFrame{
		Type: "powerEffect",
		Payload: mustJSON(powerEffectPayload{
			PowerID:  power.ID,
			SourceID: identity.UserID,
			TargetID: strings.TrimSpace(payload.TargetID),
		}),
	})
}

// handleModerate dispatches warn/mute/ban/kick/unmute/unban against a target
// in the session's current room.
func (c *chatCore) handleModerate(ctx context.Context, session *wsSession, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "join a room before moderating", nil)
		return
	}

	var payload moderatePayload
	if err := unmarshalPayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid moderate payload", nil)
		return
	}
	targetUserID := strings.TrimSpace(payload.TargetUserID)
	if targetUserID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "target_user_id is required", nil)
		return
	}

	moderator := session.currentIdentity()
	target, ok := c.resolveTarget(ctx, room, targetUserID)
	if !ok {
		_ = writeWSError(session.peer, frame.RequestID, string(errors.CodeModerationTargetNotFound), "target user not found", nil)
		return
	}

	var action storage.ModerationAction
	var escalations []storage.ModerationAction
	var err error

	storeCtx, cancel := storageCtx(ctx)
	switch payload.Action {
	case "warn":
		action, escalations, err = c.engine.IssueWarning(storeCtx, moderator, target, room.name, payload.Reason)
	case "mute":
		action, err = c.engine.MuteUser(storeCtx, moderator, target, room.name, payload.Reason, payload.DurationMinutes)
	case "ban":
		action, err = c.engine.BanUser(storeCtx, moderator, target, room.name, payload.Reason, payload.DurationMinutes)
	case "kick":
		action, err = c.engine.KickUser(storeCtx, moderator, target, room.name, payload.Reason)
	case "unmute":
		err = c.engine.UnmuteUser(storeCtx, moderator, target, room.name, payload.Reason)
	case "unban":
		err = c.engine.UnbanUser(storeCtx, moderator, target, room.name, payload.Reason)
	default:
		cancel()
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "unknown moderation action", nil)
		return
	}
	cancel()
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	ack := moderationAckPayload{
		Status:       "ok",
		Action:       payload.Action,
		ActionID:     action.ID,
		TargetUserID: targetUserID,
	}
	if action.ExpiresAt != nil {
		ack.ExpiresAt = action.ExpiresAt.Format(time.RFC3339)
	}
	_ = session.peer.writeFrame(wsFrame{Type: "moderation", RequestID: frame.RequestID, Payload: mustJSON(ack)})

	c.applyModerationEffects(room, targetUserID, payload.Action, payload.Reason, action)
	for _, escalation := range escalations {
		c.applyModerationEffects(room, targetUserID, string(escalation.Type), escalation.Reason, escalation)
	}
}

// applyModerationEffects evicts targets of kicks and bans from the live room.
func (c *chatCore) applyModerationEffects(room *chatRoom, targetUserID, action, reason string, record storage.ModerationAction) {
	switch action {
	case string(domain.ActionKick):
		for _, target := range room.sessionsForUser(targetUserID) {
			c.forceRemove(target, room, reason)
		}
	case string(domain.ActionBan):
		remaining := 0
		if record.ExpiresAt != nil {
			remaining = remainingMinutes(record.ExpiresAt.Sub(c.now().UTC()))
		}
		for _, target := range room.sessionsForUser(targetUserID) {
			_ = target.peer.writeFrame(wsFrame{
				Type:    "banned",
				Payload: mustJSON(bannedPayload{Room: room.name, Code: string(errors.CodePresenceBanned), RemainingMinutes: remaining}),
			})
			c.forceRemove(target, room, reason)
		}
	}
}

// resolveTarget finds who a moderation command points at: a live session in
// the room first, then the account records. Lookup failures deny.
func (c *chatCore) resolveTarget(ctx context.Context, room *chatRoom, targetUserID string) (domain.Identity, bool) {
	for _, target := range room.sessionsForUser(targetUserID) {
		return target.currentIdentity(), true
	}

	storeCtx, cancel := storageCtx(ctx)
	account, err := c.stores.Accounts.GetAccount(storeCtx, targetUserID)
	cancel()
	if err == nil {
		return domain.Identity{
			Kind:     domain.IdentityMember,
			UserID:   account.ID,
			Username: account.Username,
			Nickname: account.Nickname,
			Rank:     account.Rank,
		}, true
	}
	return domain.Identity{}, false
}

func (c *chatCore) handleToggleProtection(session *wsSession, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "join a room before toggling protection", nil)
		return
	}
	c.toggleProtection(session, room, frame)
}

func (c *chatCore) toggleProtection(session *wsSession, room *chatRoom, frame wsFrame) {
	identity := session.currentIdentity()
	if identity.Rank != domain.RankMainOwner && identity.Rank != domain.RankOwner {
		_ = writeWSError(session.peer, frame.RequestID, string(errors.CodeModerationInsufficientPermission), "rank cannot toggle protection", nil)
		return
	}

	protection, enabled := c.limiter.Toggle(room.name, identity.UserID)
	payload := protectionPayload{Enabled: enabled}
	if enabled {
		payload.Class = string(protection.Class)
		payload.ExpiresAt = protection.ExpiresAt.UTC().Format(time.RFC3339)
		c.broadcastSystemMessage(room, "Protection has been enabled for the next 60 minutes!")
	} else {
		c.broadcastSystemMessage(room, "Protection has been disabled.")
	}
	_ = session.peer.writeFrame(wsFrame{Type: "protection", RequestID: frame.RequestID, Payload: mustJSON(payload)})
}

func (c *chatCore) handleRevokeAction(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload revokeActionPayload
	if err := unmarshalPayload(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid revoke payload", nil)
		return
	}

	storeCtx, cancel := storageCtx(ctx)
	action, err := c.engine.RevokeAction(storeCtx, session.currentIdentity(), payload.ActionID)
	cancel()
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "moderation",
		RequestID: frame.RequestID,
		Payload: mustJSON(moderationAckPayload{
			Status:       "ok",
			Action:       "revoke",
			ActionID:     action.ID,
			TargetUserID: action.TargetUserID,
		}),
	})
}

// writeDomainError maps a service error onto the wire, keeping unknown
// failures opaque.
func writeDomainError(peer *wsPeer, requestID string, err error) {
	var domainErr *errors.Error
	if stderrors.As(err, &domainErr) {
		_ = writeWSError(peer, requestID, string(domainErr.Code), domainErr.Message, domainErr.Metadata)
		return
	}
	log.Printf("internal error on %q: %v", requestID, err)
	_ = writeWSError(peer, requestID, "INTERNAL", "internal error", nil)
}
