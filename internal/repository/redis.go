package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSequencer allocates seq with INCR. The counter is seeded from the
// message store the first time a conversation is seen (or after Redis lost
// it), so seq keeps increasing across restarts.
type RedisSequencer struct {
	client *redis.Client
	store  MessageStore
}

func NewRedisSequencer(client *redis.Client, store MessageStore) *RedisSequencer {
	return &RedisSequencer{client: client, store: store}
}

func sequenceKey(conversationID uuid.UUID) string {
	return "chat:conv:" + conversationID.String() + ":seq"
}

func (s *RedisSequencer) Next(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	key := sequenceKey(conversationID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		last, err := s.store.LastSeq(ctx, conversationID)
		if err != nil {
			return 0, err
		}
		if err := s.client.SetNX(ctx, key, last, 0).Err(); err != nil {
			return 0, err
		}
	}
	return s.client.Incr(ctx, key).Result()
}

const (
	recentMaxLen = 50
	recentTTL    = 1 * time.Hour
)

func recentKey(conversationID uuid.UUID) string {
	return "chat:conv:" + conversationID.String() + ":recent"
}

// RecentCache keeps the newest messages of a conversation in a Redis list,
// newest at the head. Failures are logged and treated as a miss.
type RecentCache struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRecentCache(client *redis.Client, log *zap.Logger) *RecentCache {
	return &RecentCache{client: client, log: log}
}

// Push adds a message to a warm cache. A cold cache stays cold so a partial
// list is never served as the newest page.
func (c *RecentCache) Push(ctx context.Context, m models.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	key := recentKey(m.ConversationID)
	pipe := c.client.Pipeline()
	pipe.LPushX(ctx, key, data)
	pipe.LTrim(ctx, key, 0, recentMaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("recent cache push failed", zap.String("conversation_id", m.ConversationID.String()), zap.Error(err))
	}
}

func (c *RecentCache) Get(ctx context.Context, conversationID uuid.UUID) ([]models.Message, bool) {
	raw, err := c.client.LRange(ctx, recentKey(conversationID), 0, -1).Result()
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	msgs := make([]models.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m models.Message
		if json.Unmarshal([]byte(raw[i]), &m) != nil {
			return nil, false
		}
		msgs = append(msgs, m)
	}
	return msgs, true
}

// Warm replaces the cached list with msgs (oldest first).
func (c *RecentCache) Warm(ctx context.Context, conversationID uuid.UUID, msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	key := recentKey(conversationID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	for i := len(msgs) - 1; i >= 0; i-- {
		data, err := json.Marshal(msgs[i])
		if err != nil {
			continue
		}
		pipe.RPush(ctx, key, data)
	}
	pipe.LTrim(ctx, key, 0, recentMaxLen-1)
	pipe.Expire(ctx, key, recentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("recent cache warm failed", zap.String("conversation_id", conversationID.String()), zap.Error(err))
	}
}

func (c *RecentCache) Invalidate(ctx context.Context, conversationID uuid.UUID) {
	if err := c.client.Del(ctx, recentKey(conversationID)).Err(); err != nil {
		c.log.Warn("recent cache invalidate failed", zap.String("conversation_id", conversationID.String()), zap.Error(err))
	}
}

const heartbeatsKey = "presence:heartbeats"

// RedisHeartbeats stores the last heartbeat per user in a sorted set scored by
// unix milliseconds, shared by every relay instance.
type RedisHeartbeats struct {
	client *redis.Client
}

func NewRedisHeartbeats(client *redis.Client) *RedisHeartbeats {
	return &RedisHeartbeats{client: client}
}

func (h *RedisHeartbeats) Beat(ctx context.Context, userID uuid.UUID, at time.Time) error {
	return h.client.ZAdd(ctx, heartbeatsKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: userID.String(),
	}).Err()
}

func (h *RedisHeartbeats) Expired(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	members, err := h.client.ZRangeByScore(ctx, heartbeatsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Remove is the claim used by concurrent reapers: only the caller that
// actually removed the member sees true.
func (h *RedisHeartbeats) Remove(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := h.client.ZRem(ctx, heartbeatsKey, userID.String()).Result()
	return n > 0, err
}
