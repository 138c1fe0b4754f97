package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tr := NewTypingTracker(TypingTTL, func() time.Time { return now })
	conv, user := uuid.New(), uuid.New()

	assert.True(t, tr.Observe(models.TypingSignal{ConversationID: conv, UserID: user, IsTyping: true, At: now}))
	assert.Equal(t, []uuid.UUID{user}, tr.Typing(conv))

	now = now.Add(3 * time.Second)
	assert.Equal(t, []uuid.UUID{user}, tr.Typing(conv), "exactly at the ttl it still shows")

	now = now.Add(time.Millisecond)
	assert.Empty(t, tr.Typing(conv))

	// A refresh restarts the ttl.
	assert.True(t, tr.Observe(models.TypingSignal{ConversationID: conv, UserID: user, IsTyping: true, At: now}))
	now = now.Add(2 * time.Second)
	assert.False(t, tr.Observe(models.TypingSignal{ConversationID: conv, UserID: user, IsTyping: true, At: now}))
	now = now.Add(2 * time.Second)
	assert.Equal(t, []uuid.UUID{user}, tr.Typing(conv))
}

func TestTypingLastWriteWins(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tr := NewTypingTracker(0, func() time.Time { return now })
	conv, user := uuid.New(), uuid.New()

	tr.Observe(models.TypingSignal{ConversationID: conv, UserID: user, IsTyping: false, At: now})
	// A start sent before the stop arrives late.
	assert.False(t, tr.Observe(models.TypingSignal{ConversationID: conv, UserID: user, IsTyping: true, At: now.Add(-time.Second)}))
	assert.Empty(t, tr.Typing(conv))

	assert.True(t, tr.Observe(models.TypingSignal{ConversationID: conv, UserID: user, IsTyping: true, At: now.Add(time.Second)}))
	assert.Equal(t, []uuid.UUID{user}, tr.Typing(conv))
	assert.Empty(t, tr.Typing(uuid.New()))
}

func TestSetTypingReachesSubscribers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, _ := f.direct(t)

	sub, err := f.channel.SubscribeTyping(ctx, conv)
	require.NoError(t, err)
	defer sub.Close()

	f.channel.SetTyping(ctx, conv, alice, true)

	select {
	case sig := <-sub.C():
		assert.Equal(t, alice, sig.UserID)
		assert.Equal(t, conv, sig.ConversationID)
		assert.True(t, sig.IsTyping)
	case <-time.After(2 * time.Second):
		t.Fatal("no typing signal")
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.C()
	assert.False(t, open)
}
