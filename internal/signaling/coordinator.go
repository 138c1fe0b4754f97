// Package signaling coordinates call setup between two users: it owns the
// CallSession state machine and relays offer/answer/ICE payloads over the
// per-user signaling topics. Media never passes through the relay.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/events"
	"github.com/AnshRaj112/peerlink-backend/internal/metrics"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/realtime"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultAnswerTimeout = 30 * time.Second
	DefaultFailureGrace  = 3 * time.Second

	publishTimeout = 5 * time.Second
)

// Presence is the part of the presence tracker the coordinator needs.
type Presence interface {
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

type Options struct {
	AnswerTimeout time.Duration
	FailureGrace  time.Duration
	Now           func() time.Time
}

type pairKey [2]uuid.UUID

func pairOf(a, b uuid.UUID) pairKey {
	if a.String() > b.String() {
		a, b = b, a
	}
	return pairKey{a, b}
}

// call is the live state of one session. Every transition happens under mu.
type call struct {
	mu        sync.Mutex
	session   models.CallSession
	connected map[uuid.UUID]bool
	timer     *time.Timer
	gen       int
}

type Coordinator struct {
	users    repository.UserStore
	store    repository.CallStore
	presence Presence
	broker   realtime.Broker
	events   events.Publisher
	log      *zap.Logger
	opts     Options

	mu    sync.Mutex
	calls map[uuid.UUID]*call
	pairs map[pairKey]uuid.UUID
}

func NewCoordinator(users repository.UserStore, store repository.CallStore, presence Presence, broker realtime.Broker, ev events.Publisher, log *zap.Logger, opts Options) *Coordinator {
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = DefaultAnswerTimeout
	}
	if opts.FailureGrace <= 0 {
		opts.FailureGrace = DefaultFailureGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if ev == nil {
		ev = events.Noop{}
	}
	return &Coordinator{
		users:    users,
		store:    store,
		presence: presence,
		broker:   broker,
		events:   ev,
		log:      log.Named("signaling"),
		opts:     opts,
		calls:    make(map[uuid.UUID]*call),
		pairs:    make(map[pairKey]uuid.UUID),
	}
}

func (c *Coordinator) now() time.Time { return c.opts.Now().UTC() }

// Initiate starts a call from callerID to the user with receiverShortID and
// pushes the offer to the receiver.
func (c *Coordinator) Initiate(ctx context.Context, callerID uuid.UUID, receiverShortID string, kind models.CallKind, offer json.RawMessage) (models.CallSession, error) {
	if kind == "" {
		kind = models.CallVoice
	}
	if !kind.Valid() {
		return models.CallSession{}, apperr.Invalid("unknown call kind %q", kind)
	}
	caller, err := c.users.GetByID(ctx, callerID)
	if err != nil {
		return models.CallSession{}, err
	}
	receiver, err := c.users.GetByShortID(ctx, receiverShortID)
	if err != nil {
		return models.CallSession{}, err
	}
	if receiver.ID == caller.ID {
		return models.CallSession{}, apperr.Invalid("cannot call yourself")
	}
	online, err := c.presence.IsOnline(ctx, receiver.ID)
	if err != nil {
		return models.CallSession{}, err
	}
	if !online {
		return models.CallSession{}, apperr.TargetUnavailable("user %s is offline", receiverShortID)
	}

	e := &call{
		session: models.CallSession{
			ID:              uuid.New(),
			CallerID:        caller.ID,
			ReceiverID:      receiver.ID,
			CallerShortID:   caller.ShortID,
			ReceiverShortID: receiver.ShortID,
			Kind:            kind,
			State:           models.CallInitiated,
			StartedAt:       c.now(),
		},
		connected: make(map[uuid.UUID]bool),
	}
	key := pairOf(caller.ID, receiver.ID)

	c.mu.Lock()
	if _, busy := c.pairs[key]; busy {
		c.mu.Unlock()
		return models.CallSession{}, apperr.Conflict("a call between these users is already in progress")
	}
	// Locked before it is visible so no other operation sees it half built.
	e.mu.Lock()
	defer e.mu.Unlock()
	c.pairs[key] = e.session.ID
	c.calls[e.session.ID] = e
	c.mu.Unlock()

	if err := c.store.Create(ctx, e.session); err != nil {
		c.forget(e.session)
		return models.CallSession{}, err
	}
	metrics.CallTransitions.WithLabelValues(string(models.CallInitiated)).Inc()

	s := e.session
	ev := models.SignalEvent{
		Event:  models.EventIncomingCall,
		From:   caller.ID,
		Call:   &s,
		Signal: &models.Signal{Type: models.SignalOffer, CallID: s.ID, Offer: offer},
	}
	if err := c.publish(ctx, receiver.ID, ev); err != nil {
		c.log.Warn("incoming call not delivered", zap.String("call_id", s.ID.String()), zap.Error(err))
		c.endLocked(ctx, e, models.EndUnreachable, 0, false)
		return models.CallSession{}, apperr.TargetUnavailable("could not reach user %s", receiverShortID)
	}

	c.armLocked(e, c.opts.AnswerTimeout, c.answerTimedOut)
	c.log.Info("call initiated",
		zap.String("call_id", s.ID.String()),
		zap.String("caller", caller.ShortID),
		zap.String("receiver", receiver.ShortID),
		zap.String("kind", string(kind)))
	return s, nil
}

// Acknowledge moves INITIATED to RINGING once the receiver's client has shown
// the incoming call.
func (c *Coordinator) Acknowledge(ctx context.Context, callID, userID uuid.UUID) (models.CallSession, error) {
	e, err := c.lookup(ctx, callID)
	if err != nil {
		return models.CallSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if userID != e.session.ReceiverID {
		return models.CallSession{}, apperr.Forbidden("only the receiver can acknowledge a call")
	}
	switch e.session.State {
	case models.CallInitiated:
	case models.CallRinging, models.CallAnswered, models.CallActive:
		return e.session, nil
	default:
		return models.CallSession{}, apperr.Conflict("call %s is %s", callID, e.session.State)
	}

	c.transitionLocked(ctx, e, models.CallRinging)
	s := e.session
	c.notify(ctx, s.CallerID, models.SignalEvent{Event: models.EventCallRinging, From: userID, Call: &s})
	return s, nil
}

// Answer accepts the call and relays the receiver's session description to
// the caller.
func (c *Coordinator) Answer(ctx context.Context, callID, userID uuid.UUID, answer json.RawMessage) (models.CallSession, error) {
	e, err := c.lookup(ctx, callID)
	if err != nil {
		return models.CallSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if userID != e.session.ReceiverID {
		return models.CallSession{}, apperr.Forbidden("only the receiver can answer a call")
	}
	if st := e.session.State; st != models.CallInitiated && st != models.CallRinging {
		return models.CallSession{}, apperr.Conflict("call %s is %s", callID, st)
	}

	c.disarmLocked(e)
	at := c.now()
	e.session.AnsweredAt = &at
	c.transitionLocked(ctx, e, models.CallAnswered)
	s := e.session
	c.notify(ctx, s.CallerID, models.SignalEvent{
		Event:  models.EventCallSignal,
		From:   userID,
		Call:   &s,
		Signal: &models.Signal{Type: models.SignalAnswer, CallID: s.ID, Answer: answer},
	})
	return s, nil
}

// End hangs up. Ending an ended call returns it unchanged and notifies no one.
func (c *Coordinator) End(ctx context.Context, callID, userID uuid.UUID, durationSeconds int) (models.CallSession, error) {
	e, err := c.lookup(ctx, callID)
	if err != nil {
		return models.CallSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.Involves(userID) {
		return models.CallSession{}, apperr.Forbidden("not a participant of call %s", callID)
	}
	if e.session.State == models.CallEnded {
		return e.session, nil
	}
	reason := models.EndHangup
	if e.session.State == models.CallFailed {
		reason = models.EndMediaFailed
	}
	c.endLocked(ctx, e, reason, durationSeconds, true)
	return e.session, nil
}

// ReportMediaState records a participant's media transport state. Both sides
// connected makes the call ACTIVE; a failure makes it FAILED and it ends after
// the grace period.
func (c *Coordinator) ReportMediaState(ctx context.Context, callID, userID uuid.UUID, state models.MediaState) (models.CallSession, error) {
	if !state.Valid() {
		return models.CallSession{}, apperr.Invalid("unknown media state %q", state)
	}
	e, err := c.lookup(ctx, callID)
	if err != nil {
		return models.CallSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.Involves(userID) {
		return models.CallSession{}, apperr.Forbidden("not a participant of call %s", callID)
	}

	switch state {
	case models.MediaConnected:
		e.connected[userID] = true
		if e.session.State == models.CallAnswered && e.connected[e.session.CallerID] && e.connected[e.session.ReceiverID] {
			at := c.now()
			e.session.ActiveAt = &at
			c.transitionLocked(ctx, e, models.CallActive)
			c.broadcastState(ctx, e)
		}
	case models.MediaFailed, models.MediaDisconnected:
		e.connected[userID] = false
		if st := e.session.State; st == models.CallAnswered || st == models.CallActive {
			c.transitionLocked(ctx, e, models.CallFailed)
			c.broadcastState(ctx, e)
			c.armLocked(e, c.opts.FailureGrace, c.graceExpired)
		}
	}
	return e.session, nil
}

// RelaySignal forwards a signaling payload to targetID. Only the type tag is
// checked; descriptions and candidates are opaque. A call_ended signal also
// ends the call it names.
func (c *Coordinator) RelaySignal(ctx context.Context, fromID, targetID uuid.UUID, sig models.Signal) error {
	if !sig.Type.Valid() {
		return apperr.Invalid("unknown signal type %q", sig.Type)
	}
	c.mu.Lock()
	e := c.calls[sig.CallID]
	c.mu.Unlock()
	if e == nil && sig.Type == models.SignalCallEnded {
		// The call may be held by another instance; adopt it so the hangup is persisted.
		var err error
		if e, err = c.lookup(ctx, sig.CallID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
	}
	if e != nil {
		e.mu.Lock()
		involved := e.session.Involves(fromID) && e.session.Involves(targetID)
		e.mu.Unlock()
		if !involved {
			return apperr.Forbidden("signal does not belong to call %s", sig.CallID)
		}
		if sig.Type == models.SignalCallEnded {
			_, err := c.End(ctx, sig.CallID, fromID, 0)
			return err
		}
	}
	if err := c.publish(ctx, targetID, models.SignalEvent{Event: models.EventCallSignal, From: fromID, Signal: &sig}); err != nil {
		return apperr.TransportFailure("relay %s: %v", sig.Type, err)
	}
	return nil
}

// Get returns a call the user took part in.
func (c *Coordinator) Get(ctx context.Context, callID, userID uuid.UUID) (models.CallSession, error) {
	c.mu.Lock()
	e := c.calls[callID]
	c.mu.Unlock()
	var s models.CallSession
	if e != nil {
		e.mu.Lock()
		s = e.session
		e.mu.Unlock()
	} else {
		var err error
		if s, err = c.store.Get(ctx, callID); err != nil {
			return models.CallSession{}, err
		}
	}
	if !s.Involves(userID) {
		return models.CallSession{}, apperr.NotFound("call %s", callID)
	}
	return s, nil
}

// History lists the user's calls, newest first.
func (c *Coordinator) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.CallSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return c.store.ListForUser(ctx, userID, limit)
}

// Subscribe returns the signaling feed of one user.
func (c *Coordinator) Subscribe(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	src, err := c.broker.Subscribe(ctx, realtime.SignalTopic(userID))
	if err != nil {
		return nil, err
	}
	s := &Subscription{src: src, out: make(chan models.SignalEvent), done: make(chan struct{})}
	go s.run(c.log.With(zap.String("user_id", userID.String())))
	return s, nil
}

// lookup finds the live call, adopting it from the store when another relay
// instance started it. Ended calls are returned detached from the index.
func (c *Coordinator) lookup(ctx context.Context, callID uuid.UUID) (*call, error) {
	c.mu.Lock()
	e := c.calls[callID]
	c.mu.Unlock()
	if e != nil {
		return e, nil
	}

	s, err := c.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if s.State == models.CallEnded {
		return &call{session: s, connected: map[uuid.UUID]bool{}}, nil
	}

	c.mu.Lock()
	if existing := c.calls[callID]; existing != nil {
		c.mu.Unlock()
		return existing, nil
	}
	e = &call{session: s, connected: make(map[uuid.UUID]bool)}
	e.mu.Lock()
	c.calls[callID] = e
	c.pairs[pairOf(s.CallerID, s.ReceiverID)] = callID
	c.mu.Unlock()

	switch s.State {
	case models.CallInitiated, models.CallRinging:
		remaining := c.opts.AnswerTimeout - c.now().Sub(s.StartedAt)
		c.armLocked(e, max(remaining, 0), c.answerTimedOut)
	case models.CallFailed:
		c.armLocked(e, c.opts.FailureGrace, c.graceExpired)
	}
	e.mu.Unlock()
	c.log.Debug("adopted call", zap.String("call_id", callID.String()), zap.String("state", string(s.State)))
	return e, nil
}

func (c *Coordinator) forget(s models.CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[s.ID] != nil {
		delete(c.calls, s.ID)
	}
	key := pairOf(s.CallerID, s.ReceiverID)
	if c.pairs[key] == s.ID {
		delete(c.pairs, key)
	}
}

func (c *Coordinator) transitionLocked(ctx context.Context, e *call, to models.CallState) {
	from := e.session.State
	e.session.State = to
	metrics.CallTransitions.WithLabelValues(string(to)).Inc()
	if err := c.store.Update(ctx, e.session); err != nil {
		c.log.Warn("persist call state failed", zap.String("call_id", e.session.ID.String()), zap.String("state", string(to)), zap.Error(err))
	}
	c.log.Debug("call transition", zap.String("call_id", e.session.ID.String()), zap.String("from", string(from)), zap.String("to", string(to)))
}

// endLocked finishes the call, persists it and tells both sides when notify
// is set.
func (c *Coordinator) endLocked(ctx context.Context, e *call, reason models.CallEndReason, durationSeconds int, notify bool) {
	c.disarmLocked(e)
	s := &e.session
	at := c.now()
	s.EndedAt = &at
	s.EndReason = reason
	switch {
	case reason == models.EndTimeout || reason == models.EndUnreachable:
		s.DurationSeconds = 0
	case durationSeconds > 0:
		s.DurationSeconds = durationSeconds
	case s.ActiveAt != nil:
		s.DurationSeconds = int(at.Sub(*s.ActiveAt).Seconds())
	default:
		s.DurationSeconds = 0
	}
	c.transitionLocked(ctx, e, models.CallEnded)
	c.forget(e.session)

	ended := e.session
	if notify {
		for _, uid := range []uuid.UUID{ended.CallerID, ended.ReceiverID} {
			c.notify(ctx, uid, models.SignalEvent{
				Event:  models.EventCallEnded,
				Call:   &ended,
				Signal: &models.Signal{Type: models.SignalCallEnded, CallID: ended.ID},
			})
		}
	}
	c.events.Publish(ctx, ended.ID.String(), events.New(events.CallEnded, ended))
	c.log.Info("call ended",
		zap.String("call_id", ended.ID.String()),
		zap.String("reason", string(reason)),
		zap.Int("duration_seconds", ended.DurationSeconds))
}

func (c *Coordinator) broadcastState(ctx context.Context, e *call) {
	s := e.session
	for _, uid := range []uuid.UUID{s.CallerID, s.ReceiverID} {
		c.notify(ctx, uid, models.SignalEvent{Event: models.EventCallState, Call: &s})
	}
}

// armLocked replaces the call's timer. A timer that fires after being
// replaced sees a newer generation and does nothing.
func (c *Coordinator) armLocked(e *call, d time.Duration, fire func(*call)) {
	c.disarmLocked(e)
	gen := e.gen
	e.timer = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen != gen {
			return
		}
		e.timer = nil
		fire(e)
	})
}

func (c *Coordinator) disarmLocked(e *call) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (c *Coordinator) answerTimedOut(e *call) {
	if st := e.session.State; st != models.CallInitiated && st != models.CallRinging {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	c.endLocked(ctx, e, models.EndTimeout, 0, true)
}

func (c *Coordinator) graceExpired(e *call) {
	if e.session.State != models.CallFailed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	c.endLocked(ctx, e, models.EndMediaFailed, 0, true)
}

func (c *Coordinator) publish(ctx context.Context, userID uuid.UUID, ev models.SignalEvent) error {
	return realtime.PublishJSON(ctx, c.broker, realtime.SignalTopic(userID), ev)
}

// notify is fire-and-forget: clients recover from a lost event through their
// own timeouts.
func (c *Coordinator) notify(ctx context.Context, userID uuid.UUID, ev models.SignalEvent) {
	if err := c.publish(ctx, userID, ev); err != nil {
		c.log.Warn("signal event not delivered", zap.String("user_id", userID.String()), zap.String("event", string(ev.Event)), zap.Error(err))
	}
}
