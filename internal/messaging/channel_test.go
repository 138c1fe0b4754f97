package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/realtime"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingSequencer struct{}

func (failingSequencer) Next(context.Context, uuid.UUID) (int64, error) {
	return 0, errors.New("redis unavailable")
}

// flakyMessages fails message inserts while fail is set. Tombstones only
// fail when failAll is set too.
type flakyMessages struct {
	*repository.MemoryMessages
	mu      sync.Mutex
	fail    bool
	failAll bool
	// hold blocks the insert of a message with this body until released.
	hold    string
	entered chan struct{}
	release chan struct{}
}

func (s *flakyMessages) Insert(ctx context.Context, m models.Message) error {
	s.mu.Lock()
	fail := s.fail && (s.failAll || m.Kind != models.MessageTombstone)
	hold := s.hold != "" && m.Body == s.hold
	s.mu.Unlock()
	if fail {
		return errors.New("write concern timeout")
	}
	if hold {
		close(s.entered)
		<-s.release
	}
	return s.MemoryMessages.Insert(ctx, m)
}

func (s *flakyMessages) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyMessages) setFailAll(v bool) {
	s.mu.Lock()
	s.fail, s.failAll = v, v
	s.mu.Unlock()
}

func (s *flakyMessages) holdBody(body string) {
	s.mu.Lock()
	s.hold = body
	s.entered = make(chan struct{})
	s.release = make(chan struct{})
	s.mu.Unlock()
}

type fixture struct {
	channel  *Channel
	users    *repository.MemoryUsers
	convs    *repository.MemoryConversations
	messages *flakyMessages
	seq      *repository.MemorySequencer
	broker   *realtime.MemoryBroker
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	return newFixtureWith(t, mutate, Options{GapTimeout: 50 * time.Millisecond})
}

func newFixtureWith(t *testing.T, mutate func(*Deps), opts Options) *fixture {
	t.Helper()
	f := &fixture{
		users:    repository.NewMemoryUsers(),
		convs:    repository.NewMemoryConversations(),
		messages: &flakyMessages{MemoryMessages: repository.NewMemoryMessages()},
		seq:      repository.NewMemorySequencer(),
		broker:   realtime.NewMemoryBroker(),
	}
	t.Cleanup(func() { f.broker.Close() })
	d := Deps{
		Users:         f.users,
		Conversations: f.convs,
		Messages:      f.messages,
		Sequencer:     f.seq,
		Broker:        f.broker,
	}
	if mutate != nil {
		mutate(&d)
	}
	f.channel = NewChannel(d, zap.NewNop(), opts)
	return f
}

func (f *fixture) addUser(t *testing.T, shortID string) uuid.UUID {
	t.Helper()
	u := models.User{ID: uuid.New(), ShortID: shortID, PhoneNumber: "+1555" + shortID, DisplayName: "user " + shortID}
	require.NoError(t, f.users.Create(context.Background(), u, ""))
	return u.ID
}

func (f *fixture) direct(t *testing.T) (conv, a, b uuid.UUID) {
	t.Helper()
	a = f.addUser(t, "100001")
	b = f.addUser(t, "100002")
	c, err := f.channel.DirectConversation(context.Background(), a, b)
	require.NoError(t, err)
	return c.ID, a, b
}

func recv(t *testing.T, sub *Subscription) models.MessageEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no message event")
	}
	return models.MessageEvent{}
}

func TestSendDeliversToReceiverAndSenderSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, _ := f.direct(t)

	receiver, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer receiver.Close()
	senderTab, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer senderTab.Close()

	sent, err := f.channel.Send(ctx, conv, alice, "hi", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, sent.Seq)
	assert.Equal(t, models.MessageText, sent.Kind)

	for _, sub := range []*Subscription{receiver, senderTab} {
		ev := recv(t, sub)
		assert.Equal(t, models.MessageCreated, ev.Type)
		assert.Equal(t, sent.ID, ev.Message.ID)
		assert.Equal(t, "hi", ev.Message.Body)
		assert.Equal(t, alice, ev.Message.SenderID)
	}

	page, _, err := f.channel.History(ctx, conv, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, sent.ID, page[0].ID)
}

func TestSubscribersSeeIdenticalOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, bob := f.direct(t)

	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := f.channel.Subscribe(ctx, conv)
		require.NoError(t, err)
		defer s.Close()
		subs[i] = s
	}

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []uuid.UUID{alice, bob} {
		wg.Add(1)
		go func(sender uuid.UUID) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.channel.Send(ctx, conv, sender, fmt.Sprintf("m%d", i), models.MessageText)
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	var orders [][]uuid.UUID
	for _, s := range subs {
		var ids []uuid.UUID
		var last int64
		for len(ids) < 2*perSender {
			ev := recv(t, s)
			require.Greater(t, ev.Message.Seq, last)
			last = ev.Message.Seq
			ids = append(ids, ev.Message.ID)
		}
		orders = append(orders, ids)
	}
	assert.Equal(t, orders[0], orders[1])
	assert.Equal(t, orders[0], orders[2])
}

func TestSubscriptionRepairsGapFromStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, _ := f.direct(t)

	sub, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer sub.Close()

	// Stored but never published, as if the broker dropped it.
	seq, err := f.seq.Next(ctx, conv)
	require.NoError(t, err)
	lost := models.Message{ID: uuid.New(), ConversationID: conv, SenderID: alice, Seq: seq, Body: "lost", Kind: models.MessageText, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.messages.Insert(ctx, lost))

	second, err := f.channel.Send(ctx, conv, alice, "second", models.MessageText)
	require.NoError(t, err)

	assert.Equal(t, lost.ID, recv(t, sub).Message.ID)
	assert.Equal(t, second.ID, recv(t, sub).Message.ID)
}

func TestSubscriptionSkipsHoleOfFailedInsert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, _ := f.direct(t)

	sub, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer sub.Close()

	f.messages.setFail(true)
	_, err = f.channel.Send(ctx, conv, alice, "never stored", models.MessageText)
	require.ErrorIs(t, err, apperr.ErrDelivery)
	f.messages.setFail(false)

	after, err := f.channel.Send(ctx, conv, alice, "after", models.MessageText)
	require.NoError(t, err)
	assert.EqualValues(t, 2, after.Seq)

	ev := recv(t, sub)
	assert.Equal(t, after.ID, ev.Message.ID)

	all, err := f.messages.Range(ctx, conv, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.MessageTombstone, all[0].Kind, "the failed seq is claimed")
	assert.True(t, all[0].Deleted)

	page, _, err := f.channel.History(ctx, conv, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, after.ID, page[0].ID)
}

func TestSlowInsertIsNotSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, bob := f.direct(t)

	first, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer first.Close()
	second, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer second.Close()

	f.messages.holdBody("slow")
	slow := make(chan models.Message, 1)
	go func() {
		m, err := f.channel.Send(ctx, conv, alice, "slow", models.MessageText)
		assert.NoError(t, err)
		slow <- m
	}()
	<-f.messages.entered

	fast, err := f.channel.Send(ctx, conv, bob, "fast", models.MessageText)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fast.Seq)

	// Stall for several gap timeouts before the first insert lands.
	time.Sleep(300 * time.Millisecond)
	close(f.messages.release)
	m := <-slow
	assert.EqualValues(t, 1, m.Seq)

	for _, sub := range []*Subscription{first, second} {
		assert.Equal(t, m.ID, recv(t, sub).Message.ID)
		assert.Equal(t, fast.ID, recv(t, sub).Message.ID)
	}
}

func TestUnsettledHoleIsSkippedAfterHoleTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, nil, Options{
		GapTimeout:    20 * time.Millisecond,
		InsertTimeout: 50 * time.Millisecond,
		HoleTimeout:   200 * time.Millisecond,
	})
	conv, alice, _ := f.direct(t)

	sub, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer sub.Close()

	f.messages.setFailAll(true)
	_, err = f.channel.Send(ctx, conv, alice, "lost", models.MessageText)
	require.ErrorIs(t, err, apperr.ErrDelivery)
	f.messages.setFail(false)

	after, err := f.channel.Send(ctx, conv, alice, "after", models.MessageText)
	require.NoError(t, err)

	start := time.Now()
	assert.Equal(t, after.ID, recv(t, sub).Message.ID)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "waits for the hole before skipping it")
}

func TestSubscriptionBackfillsOnResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, _ := f.direct(t)

	sub, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer sub.Close()

	seq, err := f.seq.Next(ctx, conv)
	require.NoError(t, err)
	m := models.Message{ID: uuid.New(), ConversationID: conv, SenderID: alice, Seq: seq, Body: "while away", Kind: models.MessageText}
	require.NoError(t, f.messages.Insert(ctx, m))

	f.broker.Resync(realtime.ConversationTopic(conv))
	assert.Equal(t, m.ID, recv(t, sub).Message.ID)
}

func TestSubscribeFromBackfillsBeforeLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, bob := f.direct(t)

	var sent []models.Message
	for i := 0; i < 4; i++ {
		m, err := f.channel.Send(ctx, conv, alice, fmt.Sprintf("old %d", i), models.MessageText)
		require.NoError(t, err)
		sent = append(sent, m)
	}

	sub, err := f.channel.SubscribeFrom(ctx, conv, 2)
	require.NoError(t, err)
	defer sub.Close()

	live, err := f.channel.Send(ctx, conv, bob, "live", models.MessageText)
	require.NoError(t, err)

	assert.Equal(t, sent[2].ID, recv(t, sub).Message.ID)
	assert.Equal(t, sent[3].ID, recv(t, sub).Message.ID)
	assert.Equal(t, live.ID, recv(t, sub).Message.ID)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, _ := f.direct(t)
	outsider := f.addUser(t, "100003")

	_, err := f.channel.Send(ctx, conv, alice, "   ", models.MessageText)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	long := make([]rune, MaxBodyRunes+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.channel.Send(ctx, conv, alice, string(long), models.MessageText)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.channel.Send(ctx, conv, alice, "hi", "sticker")
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.channel.Send(ctx, conv, outsider, "hi", models.MessageText)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.channel.Send(ctx, uuid.New(), alice, "hi", models.MessageText)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSendSequencerFailureIsDeliveryError(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Sequencer = failingSequencer{} })
	conv, alice, _ := f.direct(t)

	_, err := f.channel.Send(context.Background(), conv, alice, "hi", models.MessageText)
	require.ErrorIs(t, err, apperr.ErrDelivery)

	last, err := f.messages.LastSeq(context.Background(), conv)
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestDeleteIsSenderOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, bob := f.direct(t)

	m, err := f.channel.Send(ctx, conv, alice, "oops", models.MessageText)
	require.NoError(t, err)

	sub, err := f.channel.Subscribe(ctx, conv)
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.channel.Delete(ctx, conv, m.ID, bob)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.channel.Delete(ctx, uuid.New(), m.ID, alice)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	deleted, err := f.channel.Delete(ctx, conv, m.ID, alice)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	ev := recv(t, sub)
	assert.Equal(t, models.MessageDeleted, ev.Type)
	assert.Equal(t, m.ID, ev.Message.ID)

	again, err := f.channel.Delete(ctx, conv, m.ID, alice)
	require.NoError(t, err)
	assert.True(t, again.Deleted)

	page, _, err := f.channel.History(ctx, conv, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestHistoryPagesAndUsesRecentCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := repository.NewRecentCache(client, zap.NewNop())

	f := newFixture(t, func(d *Deps) { d.Cache = cache })
	conv, alice, _ := f.direct(t)

	for i := 1; i <= 60; i++ {
		_, err := f.channel.Send(ctx, conv, alice, fmt.Sprintf("m%d", i), models.MessageText)
		require.NoError(t, err)
	}

	// Cold cache: served by the store, then warmed.
	page, hasMore, err := f.channel.History(ctx, conv, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, DefaultHistorySize)
	assert.True(t, hasMore)
	assert.EqualValues(t, 11, page[0].Seq)
	assert.EqualValues(t, 60, page[len(page)-1].Seq)
	_, warm := cache.Get(ctx, conv)
	require.True(t, warm)

	// Send keeps the warm cache current.
	newest, err := f.channel.Send(ctx, conv, alice, "newest", models.MessageText)
	require.NoError(t, err)
	page, _, err = f.channel.History(ctx, conv, 0, 5)
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, newest.ID, page[4].ID)

	older, hasMore, err := f.channel.History(ctx, conv, page[0].Seq, 100)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, older, int(page[0].Seq-1))
	assert.EqualValues(t, 1, older[0].Seq)
}

func TestUnreadCountsRecentMessagesFromOthers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	f := newFixtureWith(t, nil, Options{GapTimeout: 50 * time.Millisecond, Now: func() time.Time { return now }})
	conv, alice, bob := f.direct(t)

	seq, err := f.seq.Next(ctx, conv)
	require.NoError(t, err)
	old := models.Message{ID: uuid.New(), ConversationID: conv, SenderID: bob, Seq: seq, Body: "yesterday", Kind: models.MessageText,
		CreatedAt: now.Add(-UnreadWindow - time.Minute)}
	require.NoError(t, f.messages.Insert(ctx, old))

	_, err = f.channel.Send(ctx, conv, alice, "mine", models.MessageText)
	require.NoError(t, err)
	for _, body := range []string{"one", "two", "gone"} {
		m, err := f.channel.Send(ctx, conv, bob, body, models.MessageText)
		require.NoError(t, err)
		if body == "gone" {
			_, err = f.channel.Delete(ctx, conv, m.ID, bob)
			require.NoError(t, err)
		}
	}

	list, err := f.channel.Conversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Unread, "own, deleted and older messages are not counted")

	list, err = f.channel.Conversations(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, list[0].Unread)
}

func TestConversationsSortedWithLastMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv, alice, bob := f.direct(t)
	carol := f.addUser(t, "100003")

	group, err := f.channel.CreateGroup(ctx, alice, "weekend", []uuid.UUID{bob, carol})
	require.NoError(t, err)
	assert.Len(t, group.ParticipantIDs, 3)

	_, err = f.channel.Send(ctx, group.ID, carol, "who's in", models.MessageText)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	last, err := f.channel.Send(ctx, conv, bob, "later", models.MessageText)
	require.NoError(t, err)

	list, err := f.channel.Conversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, conv, list[0].ID)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, last.ID, list[0].LastMessage.ID)
	assert.Equal(t, 1, list[0].Unread)
	assert.Equal(t, 1, list[1].Unread)

	_, err = f.channel.CreateGroup(ctx, alice, "  ", []uuid.UUID{bob})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = f.channel.CreateGroup(ctx, alice, "ghosts", []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.channel.DirectConversation(ctx, alice, alice)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}
