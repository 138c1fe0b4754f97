package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/realtime"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[uuid.UUID]bool
}

func (p *fakePresence) IsOnline(_ context.Context, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[id], nil
}

func (p *fakePresence) set(id uuid.UUID, v bool) {
	p.mu.Lock()
	p.online[id] = v
	p.mu.Unlock()
}

type fixture struct {
	coord    *Coordinator
	users    *repository.MemoryUsers
	calls    *repository.MemoryCalls
	presence *fakePresence
	broker   *realtime.MemoryBroker
}

var fastOpts = Options{AnswerTimeout: 80 * time.Millisecond, FailureGrace: 40 * time.Millisecond}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		users:    repository.NewMemoryUsers(),
		calls:    repository.NewMemoryCalls(),
		presence: &fakePresence{online: make(map[uuid.UUID]bool)},
		broker:   realtime.NewMemoryBroker(),
	}
	t.Cleanup(func() { f.broker.Close() })
	f.coord = NewCoordinator(f.users, f.calls, f.presence, f.broker, nil, zap.NewNop(), opts)
	return f
}

func (f *fixture) addUser(t *testing.T, shortID string, online bool) uuid.UUID {
	t.Helper()
	u := models.User{ID: uuid.New(), ShortID: shortID, PhoneNumber: "+1555" + shortID, DisplayName: shortID}
	require.NoError(t, f.users.Create(context.Background(), u, ""))
	f.presence.set(u.ID, online)
	return u.ID
}

func (f *fixture) feed(t *testing.T, userID uuid.UUID) *Subscription {
	t.Helper()
	s, err := f.coord.Subscribe(context.Background(), userID)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func expect(t *testing.T, s *Subscription, want models.SignalEventType) models.SignalEvent {
	t.Helper()
	select {
	case ev := <-s.C():
		require.Equal(t, want, ev.Event)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", want)
	}
	return models.SignalEvent{}
}

func expectNone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case ev := <-s.C():
		t.Fatalf("unexpected %s event", ev.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

var offer = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

func TestCallLifecycleEndsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	alice := f.addUser(t, "100001", true)
	bob := f.addUser(t, "100002", true)
	aliceFeed, bobFeed := f.feed(t, alice), f.feed(t, bob)

	call, err := f.coord.Initiate(ctx, alice, "100002", models.CallVideo, offer)
	require.NoError(t, err)
	assert.Equal(t, models.CallInitiated, call.State)
	assert.Equal(t, "100001", call.CallerShortID)

	incoming := expect(t, bobFeed, models.EventIncomingCall)
	assert.Equal(t, call.ID, incoming.Call.ID)
	assert.Equal(t, models.SignalOffer, incoming.Signal.Type)
	assert.JSONEq(t, string(offer), string(incoming.Signal.Offer))

	_, err = f.coord.Acknowledge(ctx, call.ID, alice)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	rung, err := f.coord.Acknowledge(ctx, call.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, models.CallRinging, rung.State)
	expect(t, aliceFeed, models.EventCallRinging)

	answered, err := f.coord.Answer(ctx, call.ID, bob, json.RawMessage(`{"type":"answer"}`))
	require.NoError(t, err)
	assert.Equal(t, models.CallAnswered, answered.State)
	require.NotNil(t, answered.AnsweredAt)
	ans := expect(t, aliceFeed, models.EventCallSignal)
	assert.Equal(t, models.SignalAnswer, ans.Signal.Type)

	_, err = f.coord.Answer(ctx, call.ID, bob, nil)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	ended, err := f.coord.End(ctx, call.ID, alice, 42)
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, ended.State)
	assert.Equal(t, 42, ended.DurationSeconds)
	assert.Equal(t, models.EndHangup, ended.EndReason)
	expect(t, aliceFeed, models.EventCallEnded)
	expect(t, bobFeed, models.EventCallEnded)

	again, err := f.coord.End(ctx, call.ID, bob, 99)
	require.NoError(t, err)
	assert.Equal(t, 42, again.DurationSeconds)
	expectNone(t, aliceFeed)
	expectNone(t, bobFeed)

	stored, err := f.calls.Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, stored.State)
	assert.Equal(t, 42, stored.DurationSeconds)
}

func TestInitiateErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	alice := f.addUser(t, "100001", true)
	bob := f.addUser(t, "100002", true)
	f.addUser(t, "100003", false)

	_, err := f.coord.Initiate(ctx, alice, "999999", models.CallVoice, offer)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.coord.Initiate(ctx, alice, "100003", models.CallVoice, offer)
	assert.ErrorIs(t, err, apperr.ErrTargetUnavailable)

	_, err = f.coord.Initiate(ctx, alice, "100001", models.CallVoice, offer)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.coord.Initiate(ctx, alice, "100002", "hologram", offer)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	first, err := f.coord.Initiate(ctx, alice, "100002", models.CallVoice, offer)
	require.NoError(t, err)
	_, err = f.coord.Initiate(ctx, bob, "100001", models.CallVoice, offer)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.coord.End(ctx, first.ID, bob, 0)
	require.NoError(t, err)
	_, err = f.coord.Initiate(ctx, bob, "100001", models.CallVoice, offer)
	assert.NoError(t, err)
}

func TestInitiateUndeliverableEndsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	alice := f.addUser(t, "100001", true)
	f.addUser(t, "100002", true)

	dead := realtime.NewMemoryBroker()
	require.NoError(t, dead.Close())
	f.coord.broker = dead

	_, err := f.coord.Initiate(ctx, alice, "100002", models.CallVoice, offer)
	require.ErrorIs(t, err, apperr.ErrTargetUnavailable)

	log, err := f.calls.ListForUser(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, models.CallEnded, log[0].State)
	assert.Equal(t, models.EndUnreachable, log[0].EndReason)
}

func TestUnansweredCallTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastOpts)
	alice := f.addUser(t, "100001", true)
	bob := f.addUser(t, "100002", true)
	aliceFeed, bobFeed := f.feed(t, alice), f.feed(t, bob)

	call, err := f.coord.Initiate(ctx, alice, "100002", models.CallVoice, offer)
	require.NoError(t, err)
	expect(t, bobFeed, models.EventIncomingCall)
	_, err = f.coord.Acknowledge(ctx, call.ID, bob)
	require.NoError(t, err)
	expect(t, aliceFeed, models.EventCallRinging)

	ev := expect(t, aliceFeed, models.EventCallEnded)
	assert.Equal(t, models.EndTimeout, ev.Call.EndReason)
	assert.Zero(t, ev.Call.DurationSeconds)
	expect(t, bobFeed, models.EventCallEnded)

	_, err = f.coord.Answer(ctx, call.ID, bob, nil)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestMediaFailureEndsAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastOpts)
	alice := f.addUser(t, "100001", true)
	bob := f.addUser(t, "100002", true)
	aliceFeed, bobFeed := f.feed(t, alice), f.feed(t, bob)

	call, err := f.coord.Initiate(ctx, alice, "100002", models.CallVideo, offer)
	require.NoError(t, err)
	expect(t, bobFeed, models.EventIncomingCall)
	_, err = f.coord.Answer(ctx, call.ID, bob, nil)
	require.NoError(t, err)
	expect(t, aliceFeed, models.EventCallSignal)

	s, err := f.coord.ReportMediaState(ctx, call.ID, alice, models.MediaConnected)
	require.NoError(t, err)
	assert.Equal(t, models.CallAnswered, s.State)
	s, err = f.coord.ReportMediaState(ctx, call.ID, bob, models.MediaConnected)
	require.NoError(t, err)
	assert.Equal(t, models.CallActive, s.State)
	assert.Equal(t, models.CallActive, expect(t, aliceFeed, models.EventCallState).Call.State)
	expect(t, bobFeed, models.EventCallState)

	// Past the answer timeout: an answered call must not time out.
	time.Sleep(fastOpts.AnswerTimeout + 20*time.Millisecond)

	s, err = f.coord.ReportMediaState(ctx, call.ID, bob, models.MediaFailed)
	require.NoError(t, err)
	assert.Equal(t, models.CallFailed, s.State)
	assert.Equal(t, models.CallFailed, expect(t, aliceFeed, models.EventCallState).Call.State)
	expect(t, bobFeed, models.EventCallState)

	for _, feed := range []*Subscription{aliceFeed, bobFeed} {
		ev := expect(t, feed, models.EventCallEnded)
		assert.Equal(t, models.EndMediaFailed, ev.Call.EndReason)
	}

	_, err = f.coord.ReportMediaState(ctx, call.ID, alice, "warp")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestRelaySignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	alice := f.addUser(t, "100001", true)
	bob := f.addUser(t, "100002", true)
	mallory := f.addUser(t, "100003", true)
	bobFeed := f.feed(t, bob)

	call, err := f.coord.Initiate(ctx, alice, "100002", models.CallVoice, offer)
	require.NoError(t, err)
	expect(t, bobFeed, models.EventIncomingCall)

	err = f.coord.RelaySignal(ctx, alice, bob, models.Signal{Type: "renegotiate", CallID: call.ID})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	err = f.coord.RelaySignal(ctx, mallory, bob, models.Signal{Type: models.SignalICECandidate, CallID: call.ID})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54400 typ host"}`)
	require.NoError(t, f.coord.RelaySignal(ctx, alice, bob, models.Signal{Type: models.SignalICECandidate, CallID: call.ID, Candidate: cand}))
	ev := expect(t, bobFeed, models.EventCallSignal)
	assert.Equal(t, alice, ev.From)
	assert.JSONEq(t, string(cand), string(ev.Signal.Candidate))

	require.NoError(t, f.coord.RelaySignal(ctx, alice, bob, models.Signal{Type: models.SignalCallEnded, CallID: call.ID}))
	expect(t, bobFeed, models.EventCallEnded)
}

func TestHangupRelayedThroughOtherInstanceEndsCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	alice := f.addUser(t, "100001", true)
	bob := f.addUser(t, "100002", true)
	aliceFeed := f.feed(t, alice)

	call, err := f.coord.Initiate(ctx, alice, "100002", models.CallVoice, offer)
	require.NoError(t, err)

	other := NewCoordinator(f.users, f.calls, f.presence, f.broker, nil, zap.NewNop(), Options{})
	err = other.RelaySignal(ctx, uuid.New(), alice, models.Signal{Type: models.SignalCallEnded, CallID: call.ID})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, other.RelaySignal(ctx, bob, alice, models.Signal{Type: models.SignalCallEnded, CallID: call.ID}))
	expect(t, aliceFeed, models.EventCallEnded)

	stored, err := f.calls.Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, stored.State)
	assert.Equal(t, models.EndHangup, stored.EndReason)
}

func TestCallStartedElsewhereIsAdopted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	alice := f.addUser(t, "100001", true)
	bob := f.addUser(t, "100002", true)

	call, err := f.coord.Initiate(ctx, alice, "100002", models.CallVoice, offer)
	require.NoError(t, err)

	other := NewCoordinator(f.users, f.calls, f.presence, f.broker, nil, zap.NewNop(), Options{})
	answered, err := other.Answer(ctx, call.ID, bob, nil)
	require.NoError(t, err)
	assert.Equal(t, models.CallAnswered, answered.State)

	got, err := other.Get(ctx, call.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, models.CallAnswered, got.State)
	_, err = other.Get(ctx, call.ID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	history, err := other.History(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
