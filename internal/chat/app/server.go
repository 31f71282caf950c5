// Package app hosts the chat websocket process: connection registry,
// authentication flow, room presence, and event dispatch over the capability,
// moderation, and rate-limit services.
package app

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/powerchat/internal/chat/capability"
	"github.com/louisbranch/powerchat/internal/chat/domain"
	"github.com/louisbranch/powerchat/internal/chat/moderation"
	"github.com/louisbranch/powerchat/internal/chat/ratelimit"
	"github.com/louisbranch/powerchat/internal/chat/storage"
	"github.com/louisbranch/powerchat/internal/chat/storage/sqlite"
	"github.com/louisbranch/powerchat/internal/platform/timeouts"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000
	maxNicknameRunes    = 64
	maxAvatarID         = 1759

	defaultRoomMaxUsers = 50

	guestRetentionDays = 30
	guestPruneInterval = 24 * time.Hour
)

// Config defines the inputs for the chat process.
type Config struct {
	HTTPAddr          string
	StoragePath       string
	TokenSecret       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Stores bundles the persistence contracts the server depends on.
type Stores struct {
	Accounts   storage.AccountStore
	Powers     storage.PowerCatalog
	Ownership  storage.OwnershipStore
	Moderation storage.ModerationStore
	Rooms      storage.RoomStore
	Guests     storage.GuestStore
	Messages   storage.MessageStore
}

// Server hosts the chat HTTP/websocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	backgroundStop  context.CancelFunc
	backgroundDone  chan struct{}
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// wsPeer serializes frame writes to one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession is the connection-scoped state: identity, capability snapshot,
// and at most one room. Fields are written by the owning connection
// goroutine; other connections read eventually consistent copies through the
// mutex.
type wsSession struct {
	mu        sync.Mutex
	identity  domain.Identity
	vector    domain.CapabilityVector
	nonce     domain.LoginNonce
	room      *chatRoom
	peer      *wsPeer
	closeConn func()
}

func newWSSession(peer *wsPeer, closeConn func()) *wsSession {
	return &wsSession{peer: peer, closeConn: closeConn}
}

func (s *wsSession) currentIdentity() domain.Identity {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	return identity
}

func (s *wsSession) authenticated() bool {
	return s.currentIdentity().Kind != domain.IdentityAnonymous
}

func (s *wsSession) setIdentity(identity domain.Identity, vector domain.CapabilityVector, nonce domain.LoginNonce) {
	s.mu.Lock()
	s.identity = identity
	s.vector = vector
	s.nonce = nonce
	s.mu.Unlock()
}

func (s *wsSession) capabilityVector() domain.CapabilityVector {
	s.mu.Lock()
	vector := s.vector
	s.mu.Unlock()
	return vector
}

func (s *wsSession) setVector(vector domain.CapabilityVector) {
	s.mu.Lock()
	s.vector = vector
	s.mu.Unlock()
}

func (s *wsSession) setRoom(next *chatRoom) *chatRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() *chatRoom {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	return room
}

// registry tracks every live session so disconnects cannot leak entries.
type registry struct {
	mu       sync.Mutex
	sessions map[*wsSession]struct{}
}

func newRegistry() *registry {
	return &registry{sessions: make(map[*wsSession]struct{})}
}

func (r *registry) add(session *wsSession) {
	r.mu.Lock()
	r.sessions[session] = struct{}{}
	r.mu.Unlock()
}

func (r *registry) remove(session *wsSession) {
	r.mu.Lock()
	delete(r.sessions, session)
	r.mu.Unlock()
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// chatCore aggregates the services behind the websocket surface.
type chatCore struct {
	stores       Stores
	capabilities *capability.Service
	engine       *moderation.Engine
	limiter      *ratelimit.Limiter
	hub          *roomHub
	registry     *registry
	tokenSecret  []byte
	now          func() time.Time
}

func newChatCore(stores Stores, tokenSecret string) *chatCore {
	return &chatCore{
		stores:       stores,
		capabilities: capability.NewService(stores.Powers, stores.Ownership, stores.Accounts),
		engine:       moderation.NewEngine(stores.Moderation, stores.Rooms),
		limiter:      ratelimit.NewLimiter(),
		hub:          newRoomHub(),
		registry:     newRegistry(),
		tokenSecret:  []byte(tokenSecret),
		now:          time.Now,
	}
}

// storageCtx caps a storage call made from a connection goroutine.
func storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeouts.Storage)
}

// NewHandler creates the chat routes over the given stores. Used by tests
// and by NewServer.
func NewHandler(stores Stores, tokenSecret string) http.Handler {
	return newHandler(newChatCore(stores, tokenSecret))
}

func newHandler(core *chatCore) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		core.handleWSConn(conn)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func (c *chatCore) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	session := newWSSession(peer, func() { _ = conn.Close() })

	remoteAddr := ""
	ctx := context.Background()
	if request := conn.Request(); request != nil {
		remoteAddr = request.RemoteAddr
		ctx = request.Context()
	}

	c.registry.add(session)
	log.Printf("chat connection opened remote=%q sessions=%d", remoteAddr, c.registry.count())
	defer c.disconnect(session)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if stderrors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload", nil)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", nil)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}

		switch frame.Type {
		case "authenticate":
			c.handleAuthenticate(ctx, session, frame, remoteAddr)
		case "joinRoom":
			c.handleJoinRoom(ctx, session, frame)
		case "message":
			c.handleMessage(ctx, session, frame)
		case "buyPower":
			c.handleBuyPower(ctx, session, frame)
		case "power":
			c.handlePower(ctx, session, frame)
		case "moderate":
			c.handleModerate(ctx, session, frame)
		case "toggleProtection":
			c.handleToggleProtection(session, frame)
		case "revokeAction":
			c.handleRevokeAction(ctx, session, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", nil)
		}
	}
}

// disconnect releases everything a connection holds. Safe to call more than
// once.
func (c *chatCore) disconnect(session *wsSession) {
	c.leaveRoom(session, true)
	c.registry.remove(session)
}

// leaveRoom clears the session's room membership and broadcasts userLeft.
// A session without a room is a no-op.
func (c *chatCore) leaveRoom(session *wsSession, broadcast bool) {
	room := session.setRoom(nil)
	if room == nil {
		return
	}
	room.leave(session.peer)
	if !broadcast {
		return
	}
	identity := session.currentIdentity()
	if identity.Kind == domain.IdentityAnonymous {
		return
	}
	room.broadcast(wsFrame{
		Type:    "userLeft",
		Payload: mustJSON(presencePayload{UserID: identity.UserID, Nickname: identity.Nickname, Rank: int(identity.Rank)}),
	})
}

func writeWSError(peer *wsPeer, requestID, code, message string, details map[string]string) error {
	return peer.writeFrame(wsFrame{
		Type:      "error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    code,
				Message: message,
				Details: details,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured chat server over a SQLite store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, stderrors.New("http address is required")
	}
	if strings.TrimSpace(config.TokenSecret) == "" {
		return nil, stderrors.New("token secret is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open chat storage: %w", err)
	}

	stores := Stores{
		Accounts:   store,
		Powers:     store,
		Ownership:  store,
		Moderation: store,
		Rooms:      store,
		Guests:     store,
		Messages:   store,
	}
	core := newChatCore(stores, config.TokenSecret)

	backgroundCtx, backgroundStop := context.WithCancel(context.Background())
	backgroundDone := make(chan struct{})
	go func() {
		defer close(backgroundDone)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			core.engine.RunSweeper(backgroundCtx)
		}()
		go func() {
			defer wg.Done()
			runGuestPruner(backgroundCtx, store)
		}()
		wg.Wait()
	}()

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(core),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		backgroundStop:  backgroundStop,
		backgroundDone:  backgroundDone,
	}, nil
}

// runGuestPruner drops guest mirrors idle past the retention window.
func runGuestPruner(ctx context.Context, guests storage.GuestStore) {
	ticker := time.NewTicker(guestPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -guestRetentionDays)
			removed, err := guests.DeleteInactiveGuests(ctx, cutoff)
			if err != nil {
				log.Printf("guest prune failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("guest prune removed %d stale mirrors", removed)
			}
		}
	}
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return stderrors.New("chat server is nil")
	}
	if ctx == nil {
		return stderrors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.backgroundStop != nil {
		s.backgroundStop()
	}
	if s.backgroundDone != nil {
		<-s.backgroundDone
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat storage: %v", err)
		}
	}
}
