package auth

import (
	"context"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/pkg/utils"
	"github.com/redis/go-redis/v9"
)

const (
	CodeTTL         = 5 * time.Minute
	MaxCodeAttempts = 5
	codeKeyPrefix   = "auth:code:"
)

// CodeStore holds one pending verification code per phone number. Only the
// Argon2 hash is stored.
type CodeStore struct {
	client *redis.Client
}

func NewCodeStore(client *redis.Client) *CodeStore {
	return &CodeStore{client: client}
}

// Issue generates a fresh code for phone, replacing any pending one.
func (s *CodeStore) Issue(ctx context.Context, phone string) (string, error) {
	code, err := utils.GenerateCode()
	if err != nil {
		return "", err
	}
	hashed, err := utils.HashCode(code)
	if err != nil {
		return "", err
	}
	key := codeKeyPrefix + phone
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, "hash", hashed, "attempts", 0)
		p.Expire(ctx, key, CodeTTL)
		return nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Verify consumes the pending code on success. After MaxCodeAttempts wrong
// guesses the code is dropped and a new one must be requested.
func (s *CodeStore) Verify(ctx context.Context, phone, code string) error {
	key := codeKeyPrefix + phone
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return err
	}
	hashed, ok := vals["hash"]
	if !ok {
		return apperr.Unauthorized("code expired or never requested")
	}

	match, err := utils.VerifyCode(code, hashed)
	if err != nil {
		return err
	}
	if match {
		return s.client.Del(ctx, key).Err()
	}

	attempts, err := s.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return err
	}
	if attempts >= MaxCodeAttempts {
		s.client.Del(ctx, key)
		return apperr.Unauthorized("too many wrong codes, request a new one")
	}
	return apperr.Unauthorized("wrong code")
}
