package app

import (
	"sync"

	"github.com/louisbranch/powerchat/internal/chat/domain"
)

// roomHub guards the live room set. Rooms are created on first join and kept
// for the server's lifetime; their persisted settings live in storage.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*chatRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*chatRoom)}
}

func (h *roomHub) room(name string, maxUsers int) *chatRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[name]
	if ok {
		return room
	}
	room = newChatRoom(name, maxUsers)
	h.rooms[name] = room
	return room
}

// chatRoom tracks the live membership of one room. The critical sections stay
// short: broadcast fan-out collects peers under the lock and writes after
// release.
type chatRoom struct {
	mu       sync.Mutex
	name     string
	maxUsers int
	members  map[*wsPeer]*wsSession
}

func newChatRoom(name string, maxUsers int) *chatRoom {
	if maxUsers <= 0 {
		maxUsers = defaultRoomMaxUsers
	}
	return &chatRoom{
		name:     name,
		maxUsers: maxUsers,
		members:  make(map[*wsPeer]*wsSession),
	}
}

// join admits a session unless the room is at capacity.
func (r *chatRoom) join(session *wsSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[session.peer]; !ok && len(r.members) >= r.maxUsers {
		return false
	}
	r.members[session.peer] = session
	return true
}

func (r *chatRoom) leave(peer *wsPeer) {
	r.mu.Lock()
	delete(r.members, peer)
	r.mu.Unlock()
}

// snapshot returns the identities of every current member. The copies are
// eventually consistent with the owning connections.
func (r *chatRoom) snapshot() []domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	identities := make([]domain.Identity, 0, len(r.members))
	for _, session := range r.members {
		identities = append(identities, session.currentIdentity())
	}
	return identities
}

func (r *chatRoom) peers() []*wsPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]*wsPeer, 0, len(r.members))
	for peer := range r.members {
		peers = append(peers, peer)
	}
	return peers
}

// guestSessions returns the members subject to raid protection.
func (r *chatRoom) guestSessions() []*wsSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*wsSession, 0, len(r.members))
	for _, session := range r.members {
		if session.currentIdentity().Unregistered() {
			sessions = append(sessions, session)
		}
	}
	return sessions
}

// sessionsForUser returns the members speaking for the given user id.
func (r *chatRoom) sessionsForUser(userID string) []*wsSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sessions []*wsSession
	for _, session := range r.members {
		if session.currentIdentity().UserID == userID {
			sessions = append(sessions, session)
		}
	}
	return sessions
}

// broadcast writes a frame to every member. except peers are skipped.
func (r *chatRoom) broadcast(frame wsFrame, except ...*wsPeer) {
	skip := make(map[*wsPeer]struct{}, len(except))
	for _, peer := range except {
		skip[peer] = struct{}{}
	}
	for _, peer := range r.peers() {
		if _, ok := skip[peer]; ok {
			continue
		}
		_ = peer.writeFrame(frame)
	}
}
