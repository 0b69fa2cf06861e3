package internal

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"wirechat/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// all origins allowed in development; tighten when exposed publicly
		return true
	},
}

// ServerOptions tune the transport core. Zero values fall back to the
// defaults used throughout the tests.
type ServerOptions struct {
	TokenTTL     time.Duration
	HistoryLimit int
	TypingTTL    time.Duration
	UploadDir    string
	MaxFileSize  int64
}

// Server wires the registry, the collaborators, and the HTTP surface
// together. One instance per process.
type Server struct {
	store    *storage.Store
	registry *Registry
	tokens   *TokenIssuer
	metrics  *Metrics
	presence *PresenceTracker

	authLimiter *RateLimiter
	sendLimiter *RateLimiter

	uploadDir   string
	maxFileSize int64
}

// NewServer builds a server over an opened store. jwtSecret signs the
// login tokens the websocket handshake verifies.
func NewServer(store *storage.Store, jwtSecret string, opts ServerOptions) *Server {
	metrics := NewMetrics()
	backend := &storeBackend{store: store}
	s := &Server{
		store:       store,
		tokens:      NewTokenIssuer(jwtSecret, opts.TokenTTL),
		metrics:     metrics,
		presence:    NewPresenceTracker(),
		authLimiter: NewRateLimiter(10, time.Minute),
		sendLimiter: NewRateLimiter(5, 3*time.Second),
		uploadDir:   opts.UploadDir,
		maxFileSize: opts.MaxFileSize,
	}
	s.registry = NewRegistry(backend, backend, opts.HistoryLimit, opts.TypingTTL, metrics)
	return s
}

// Registry exposes the room session registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Tokens exposes the identity provider for the HTTP handlers and tests.
func (s *Server) Tokens() *TokenIssuer {
	return s.tokens
}

// ServeWS authenticates the handshake, upgrades, and starts the session
// pumps. The identity comes from the login token; an unauthenticated
// request never reaches the registry.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	id, err := s.tokens.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade error: %v", err)
		return
	}

	session := newWSSession(s, conn, id)
	s.metrics.IncConn()
	s.presence.Increment(id.UserID)

	go session.writePump()
	go session.readPump(context.Background())
}

// MetricsHandler serves the operational counters.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// storeBackend adapts the sqlite store to the registry's collaborator
// interfaces, converting between wire envelopes and message rows.
type storeBackend struct {
	store *storage.Store
}

func (b *storeBackend) PersistMessage(ctx context.Context, env Envelope) error {
	return b.store.PersistMessage(ctx, storage.Message{
		RoomID:        env.RoomID,
		Sequence:      env.Sequence,
		CorrelationID: env.CorrelationID,
		SenderID:      env.SenderID,
		SenderName:    env.SenderName,
		Kind:          string(env.Kind),
		Body:          env.Body,
		AttachmentID:  env.AttachmentID,
		ServerTS:      env.ServerTS,
	})
}

func (b *storeBackend) LoadRecentMessages(ctx context.Context, roomID string, beforeSequence int64, limit int) ([]Envelope, error) {
	rows, err := b.store.LoadRecentMessages(ctx, roomID, beforeSequence, limit)
	if err != nil {
		return nil, err
	}
	envs := make([]Envelope, 0, len(rows))
	for _, m := range rows {
		envs = append(envs, Envelope{
			Type:          TypeBroadcast,
			CorrelationID: m.CorrelationID,
			RoomID:        m.RoomID,
			SenderID:      m.SenderID,
			SenderName:    m.SenderName,
			Kind:          MsgKind(m.Kind),
			Body:          m.Body,
			AttachmentID:  m.AttachmentID,
			Sequence:      m.Sequence,
			ServerTS:      m.ServerTS,
		})
	}
	return envs, nil
}

func (b *storeBackend) LatestSequence(ctx context.Context, roomID string) (int64, error) {
	return b.store.LatestSequence(ctx, roomID)
}

func (b *storeBackend) CanJoin(ctx context.Context, userID, roomID string) (bool, error) {
	return b.store.CanJoin(ctx, userID, roomID)
}

func (b *storeBackend) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	return b.store.IsBlocked(ctx, userID, otherID)
}
