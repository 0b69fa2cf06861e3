package internal

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal behind a connection. It is
// resolved once at handshake time and passed explicitly everywhere; nothing
// in the core reads ambient session state.
type Identity struct {
	UserID   string
	Username string
}

// Authorizer answers the two questions the registry asks before letting
// state flow: may this user enter the room, and is this pair of users
// blocked. It is an external collaborator backed by the relational store.
type Authorizer interface {
	CanJoin(ctx context.Context, userID, roomID string) (bool, error)
	IsBlocked(ctx context.Context, userID, otherID string) (bool, error)
}

// MessageStore persists accepted envelopes and serves history backfill.
// Persist failures reject the message back to the sender; an envelope is
// never broadcast unless it was durably stored first.
type MessageStore interface {
	PersistMessage(ctx context.Context, env Envelope) error
	LoadRecentMessages(ctx context.Context, roomID string, beforeSequence int64, limit int) ([]Envelope, error)
	LatestSequence(ctx context.Context, roomID string) (int64, error)
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

type wireClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and verifies the HS256 tokens handed out by /login and
// presented at the websocket handshake. Stateless on purpose: the server
// can restart without invalidating live credentials.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, issuer: "wirechat"}
}

// TTL reports the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration {
	return t.ttl
}

// Issue signs a token for the given identity.
func (t *TokenIssuer) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := wireClaims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify parses and validates a token, returning the identity it carries.
func (t *TokenIssuer) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &wireClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*wireClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
