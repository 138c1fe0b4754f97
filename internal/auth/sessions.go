package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionDuration is 7 days
	SessionDuration = 7 * 24 * time.Hour
	// SessionKeyPrefix is the Redis key prefix for sessions
	SessionKeyPrefix = "session:"
	// UserSessionKeyPrefix is the Redis key prefix for user->session mapping
	UserSessionKeyPrefix = "user_session:"
)

// SessionStore keeps bearer tokens in Redis. An account is bound to one
// device, so each user holds at most one live token.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

// Create replaces any existing session for the user and returns the new
// token. The 7-day timer starts over from this login.
func (s *SessionStore) Create(ctx context.Context, userID uuid.UUID) (string, error) {
	if err := s.InvalidateUser(ctx, userID); err != nil {
		return "", err
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(tokenBytes)

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, SessionKeyPrefix+token, userID.String(), SessionDuration)
		p.Set(ctx, UserSessionKeyPrefix+userID.String(), token, SessionDuration)
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Validate returns the user behind token, or ErrUnauthorized.
func (s *SessionStore) Validate(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, apperr.Unauthorized("missing session token")
	}
	raw, err := s.client.Get(ctx, SessionKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, apperr.Unauthorized("session expired")
	}
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Unauthorized("malformed session")
	}
	return id, nil
}

// Refresh extends the session by another SessionDuration from now.
func (s *SessionStore) Refresh(ctx context.Context, token string) error {
	userID, err := s.Validate(ctx, token)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, SessionKeyPrefix+token, SessionDuration)
		p.Expire(ctx, UserSessionKeyPrefix+userID.String(), SessionDuration)
		return nil
	})
	return err
}

// Invalidate removes one session. Unknown tokens are not an error.
func (s *SessionStore) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	raw, err := s.client.Get(ctx, SessionKeyPrefix+token).Result()
	if err == nil && raw != "" {
		s.client.Del(ctx, UserSessionKeyPrefix+raw)
	}
	return s.client.Del(ctx, SessionKeyPrefix+token).Err()
}

// InvalidateUser removes whatever session the user holds.
func (s *SessionStore) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	userKey := UserSessionKeyPrefix + userID.String()
	token, err := s.client.Get(ctx, userKey).Result()
	if err == nil && token != "" {
		s.client.Del(ctx, SessionKeyPrefix+token)
	}
	return s.client.Del(ctx, userKey).Err()
}
