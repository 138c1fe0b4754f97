package messaging

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TypingTTL is how long a typing signal stays valid at the receiver without
// a refresh.
const TypingTTL = 3 * time.Second

// TypingSubscription is the typing feed of one conversation.
type TypingSubscription struct {
	src  realtime.Subscription
	out  chan models.TypingSignal
	done chan struct{}
	once sync.Once
}

func (c *Channel) SubscribeTyping(ctx context.Context, conversationID uuid.UUID) (*TypingSubscription, error) {
	src, err := c.broker.Subscribe(ctx, realtime.TypingTopic(conversationID))
	if err != nil {
		return nil, err
	}
	s := &TypingSubscription{
		src:  src,
		out:  make(chan models.TypingSignal),
		done: make(chan struct{}),
	}
	log := c.log.With(zap.String("conversation_id", conversationID.String()))
	go func() {
		defer close(s.out)
		for {
			select {
			case <-s.done:
				return
			case d, ok := <-src.C():
				if !ok {
					return
				}
				// Typing is ephemeral, there is nothing to backfill.
				if d.Resync {
					continue
				}
				var sig models.TypingSignal
				if err := json.Unmarshal(d.Payload, &sig); err != nil {
					log.Debug("bad typing payload", zap.Error(err))
					continue
				}
				select {
				case s.out <- sig:
				case <-s.done:
					return
				}
			}
		}
	}()
	return s, nil
}

func (s *TypingSubscription) C() <-chan models.TypingSignal { return s.out }

func (s *TypingSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.src.Close()
}

type typingKey struct {
	conversationID uuid.UUID
	userID         uuid.UUID
}

type typingEntry struct {
	at       time.Time
	typing   bool
	received time.Time
}

// TypingTracker keeps the last typing signal per (conversation, user). Not
// safe for concurrent use; the owner serializes access.
type TypingTracker struct {
	ttl     time.Duration
	now     func() time.Time
	entries map[typingKey]typingEntry
}

func NewTypingTracker(ttl time.Duration, now func() time.Time) *TypingTracker {
	if ttl <= 0 {
		ttl = TypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TypingTracker{ttl: ttl, now: now, entries: make(map[typingKey]typingEntry)}
}

// Observe records sig unless a newer signal from the same user is already
// known. It reports whether the visible typing set may have changed.
func (t *TypingTracker) Observe(sig models.TypingSignal) bool {
	k := typingKey{sig.ConversationID, sig.UserID}
	prev, ok := t.entries[k]
	if ok && sig.At.Before(prev.at) {
		return false
	}
	// A stop is kept too, so a delayed start sent before it is ignored.
	t.entries[k] = typingEntry{at: sig.At, typing: sig.IsTyping, received: t.now()}
	if !ok {
		return sig.IsTyping
	}
	return prev.typing != sig.IsTyping
}

// Typing returns the users typing in the conversation, sorted by id.
// Entries older than the ttl are dropped.
func (t *TypingTracker) Typing(conversationID uuid.UUID) []uuid.UUID {
	now := t.now()
	var out []uuid.UUID
	for k, e := range t.entries {
		if now.Sub(e.received) > t.ttl {
			delete(t.entries, k)
			continue
		}
		if k.conversationID == conversationID && e.typing {
			out = append(out, k.userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
