package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(shortID, phone, name string) models.User {
	return models.User{ID: uuid.New(), ShortID: shortID, PhoneNumber: phone, DisplayName: name}
}

func TestMemoryUsersConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryUsers()

	require.NoError(t, s.Create(ctx, newUser("100001", "+15550001", "Ada"), "fp-1"))

	err := s.Create(ctx, newUser("100002", "+15550002", "Bob"), "fp-1")
	assert.ErrorIs(t, err, ErrDeviceRegistered)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	assert.ErrorIs(t, s.Create(ctx, newUser("100003", "+15550001", "Cy"), "fp-3"), ErrPhoneTaken)
	assert.ErrorIs(t, s.Create(ctx, newUser("100001", "+15550004", "Di"), "fp-4"), ErrShortIDTaken)
}

func TestMemoryUsersSearch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryUsers()
	me := newUser("100001", "+1", "Alice")
	require.NoError(t, s.Create(ctx, me, "a"))
	require.NoError(t, s.Create(ctx, newUser("100002", "+2", "Alina"), "b"))
	require.NoError(t, s.Create(ctx, newUser("200003", "+3", "Bob"), "c"))

	got, err := s.Search(ctx, "ALI", me.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Alina", got[0].DisplayName)

	got, err = s.Search(ctx, "200003", me.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Bob", got[0].DisplayName)

	got, err = s.Search(ctx, "  ", me.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryUsersPresenceNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryUsers()
	u := newUser("100001", "+1", "Ada")
	u.LastSeenAt = time.Unix(100, 0)
	require.NoError(t, s.Create(ctx, u, ""))

	changed, err := s.UpdatePresence(ctx, u.ID, true, time.Unix(200, 0))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdatePresence(ctx, u.ID, false, time.Unix(150, 0))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOnline)
	assert.Equal(t, time.Unix(200, 0), got.LastSeenAt)

	_, err = s.UpdatePresence(ctx, uuid.New(), true, time.Now())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryConversationsDirectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConversations()
	a, b := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = b, a
			}
			c, err := s.FindOrCreateDirect(ctx, x, y)
			assert.NoError(t, err)
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	_, err := s.FindOrCreateDirect(ctx, a, a)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestMemoryConversationsListByRecency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConversations()
	me, x, y := uuid.New(), uuid.New(), uuid.New()

	c1, err := s.FindOrCreateDirect(ctx, me, x)
	require.NoError(t, err)
	c2, err := s.CreateGroup(ctx, "team", []uuid.UUID{me, x, y})
	require.NoError(t, err)
	require.NoError(t, s.Touch(ctx, c1.ID, time.Now().Add(time.Minute)))

	list, err := s.ListForUser(ctx, me)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c1.ID, list[0].ID)
	assert.Equal(t, c2.ID, list[1].ID)

	list, err = s.ListForUser(ctx, y)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ConversationGroup, list[0].Kind)
}

func TestMemoryMessagesPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessages()
	conv := uuid.New()

	var ids []uuid.UUID
	for seq := int64(1); seq <= 5; seq++ {
		m := models.Message{ID: uuid.New(), ConversationID: conv, Seq: seq, Body: "m", CreatedAt: time.Unix(seq, 0)}
		require.NoError(t, s.Insert(ctx, m))
		ids = append(ids, m.ID)
	}
	_, err := s.SoftDelete(ctx, ids[3])
	require.NoError(t, err)

	err = s.Insert(ctx, models.Message{ID: uuid.New(), ConversationID: conv, Seq: 2})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	page, more, err := s.Before(ctx, conv, 0, 2)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{3, 5}, []int64{page[0].Seq, page[1].Seq})

	page, more, err = s.Before(ctx, conv, 3, 10)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, page, 2)

	all, err := s.Range(ctx, conv, 2, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[1].Deleted)

	last, err := s.LastSeq(ctx, conv)
	require.NoError(t, err)
	assert.EqualValues(t, 5, last)
}

func TestMemoryCallsLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCalls()
	a, b := uuid.New(), uuid.New()

	older := models.CallSession{ID: uuid.New(), CallerID: a, ReceiverID: b, StartedAt: time.Unix(1, 0)}
	newer := models.CallSession{ID: uuid.New(), CallerID: b, ReceiverID: a, StartedAt: time.Unix(2, 0)}
	require.NoError(t, s.Create(ctx, older))
	require.NoError(t, s.Create(ctx, newer))

	newer.State = models.CallEnded
	require.NoError(t, s.Update(ctx, newer))

	log, err := s.ListForUser(ctx, a, 10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, newer.ID, log[0].ID)
	assert.Equal(t, models.CallEnded, log[0].State)

	assert.ErrorIs(t, s.Update(ctx, models.CallSession{ID: uuid.New()}), apperr.ErrNotFound)
}

func TestMemoryHeartbeats(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHeartbeats()
	stale, fresh := uuid.New(), uuid.New()

	require.NoError(t, h.Beat(ctx, stale, time.Unix(10, 0)))
	require.NoError(t, h.Beat(ctx, fresh, time.Unix(100, 0)))

	expired, err := h.Expired(ctx, time.Unix(50, 0))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale}, expired)

	removed, err := h.Remove(ctx, stale)
	require.NoError(t, err)
	assert.True(t, removed)
	expired, err = h.Expired(ctx, time.Unix(50, 0))
	require.NoError(t, err)
	assert.Empty(t, expired)
}
