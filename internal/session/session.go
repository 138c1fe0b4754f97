// Package session is the client side of the relay: it holds one user's local
// view of conversations, presence and calls, applies optimistic updates and
// reconciles them with what the relay confirms.
//
// All state is owned by a single actor goroutine. Subscriptions are drained
// by their own goroutines, which forward events into the actor's inbox, and
// network calls run outside the actor so they never stall it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/messaging"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/presence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	// OptimisticWindow bounds how old a pending send may be and still be
	// matched by content against an own delivery.
	OptimisticWindow time.Duration
	TypingIdle       time.Duration
	TypingTTL        time.Duration
	// CallTimeout ends a placed call that has not connected.
	CallTimeout       time.Duration
	MediaFailureGrace time.Duration
	CallTick          time.Duration
	HeartbeatInterval time.Duration
	// HousekeepingInterval drives typing idle and expiry checks.
	HousekeepingInterval time.Duration
	Now                  func() time.Time
}

func (o *Options) defaults() {
	if o.OptimisticWindow <= 0 {
		o.OptimisticWindow = 10 * time.Second
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = 3 * time.Second
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = messaging.TypingTTL
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.MediaFailureGrace <= 0 {
		o.MediaFailureGrace = 3 * time.Second
	}
	if o.CallTick <= 0 {
		o.CallTick = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.HousekeepingInterval <= 0 {
		o.HousekeepingInterval = 250 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type UpdateKind string

const (
	MessagesChanged  UpdateKind = "messages_changed"
	SendFailed       UpdateKind = "send_failed"
	TypingChanged    UpdateKind = "typing_changed"
	PresenceChanged  UpdateKind = "presence_changed"
	IncomingCall     UpdateKind = "incoming_call"
	CallStateChanged UpdateKind = "call_state_changed"
	CallTick         UpdateKind = "call_tick"
	CallEnded        UpdateKind = "call_ended"
)

// Update tells the UI what changed. The UI reads the new state through the
// Session accessors.
type Update struct {
	Kind           UpdateKind
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Call           *models.CallSession
	Duration       int
	Err            error
}

const (
	inboxSize   = 256
	updatesSize = 256
)

type Session struct {
	user  models.User
	gw    Gateway
	media MediaFactory
	log   *zap.Logger
	opts  Options

	inbox   chan func()
	updates chan Update
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  sync.Once

	// owned by the actor
	convs        map[uuid.UUID]*conversationView
	presence     map[uuid.UUID]models.PresenceEvent
	guard        *presence.Guard
	typing       *messaging.TypingTracker
	typingShown  map[uuid.UUID]string
	call         *activeCall
	incoming     *incomingCall
	placing      bool
	presenceFeed Feed[models.PresenceEvent]
	signalFeed   Feed[models.SignalEvent]
}

// New starts a session for user over gw. media may be nil when the client
// cannot place or take calls.
func New(ctx context.Context, user models.User, gw Gateway, media MediaFactory, log *zap.Logger, opts Options) (*Session, error) {
	opts.defaults()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		user:        user,
		gw:          gw,
		media:       media,
		log:         log.Named("session").With(zap.String("user", user.ShortID)),
		opts:        opts,
		inbox:       make(chan func(), inboxSize),
		updates:     make(chan Update, updatesSize),
		ctx:         sctx,
		cancel:      cancel,
		convs:       make(map[uuid.UUID]*conversationView),
		presence:    make(map[uuid.UUID]models.PresenceEvent),
		guard:       presence.NewGuard(),
		typing:      messaging.NewTypingTracker(opts.TypingTTL, opts.Now),
		typingShown: make(map[uuid.UUID]string),
	}

	pf, err := gw.SubscribePresence(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	sf, err := gw.SubscribeSignals(ctx)
	if err != nil {
		pf.Close()
		cancel()
		return nil, err
	}
	s.presenceFeed, s.signalFeed = pf, sf

	s.wg.Add(1)
	go s.loop()
	drain(s, pf, func(ev models.PresenceEvent) { s.onPresence(ev) })
	drain(s, sf, func(ev models.SignalEvent) { s.onSignal(ev) })
	s.spawn(s.heartbeats)
	return s, nil
}

func (s *Session) User() models.User { return s.user }

// Updates is closed when the session is closed.
func (s *Session) Updates() <-chan Update { return s.updates }

// Close logs out: every subscription is closed, an ongoing call is ended and
// its media released.
func (s *Session) Close() error {
	s.closed.Do(func() {
		var hangups []hangup
		s.do(func() {
			for id := range s.convs {
				s.closeConversation(id)
			}
			if s.incoming != nil {
				hangups = append(hangups, hangup{callID: s.incoming.session.ID})
				s.incoming = nil
			}
			if s.call != nil {
				if h, ok := s.finishCall(false, models.EndHangup); ok {
					hangups = append(hangups, h)
				}
			}
		})
		s.presenceFeed.Close()
		s.signalFeed.Close()
		s.cancel()
		s.wg.Wait()
		close(s.updates)

		for _, h := range hangups {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.gw.EndCall(ctx, h.callID, h.duration); err != nil {
				s.log.Warn("end call on logout failed", zap.String("call_id", h.callID.String()), zap.Error(err))
			}
			cancel()
		}
	})
	return s.gw.Close()
}

func (s *Session) loop() {
	defer s.wg.Done()
	house := time.NewTicker(s.opts.HousekeepingInterval)
	defer house.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.inbox:
			fn()
		case <-house.C:
			s.housekeeping()
		}
	}
}

// do runs fn on the actor and waits for it.
func (s *Session) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(done) }:
	case <-s.ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// post queues fn on the actor without waiting.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.ctx.Done():
	}
}

// spawn runs a network call outside the actor.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		s.log.Debug("update dropped, consumer is behind", zap.String("kind", string(u.Kind)))
	}
}

// drain forwards a feed into the actor until it closes.
func drain[T any](s *Session, f Feed[T], handle func(T)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case ev, ok := <-f.C():
				if !ok {
					return
				}
				s.post(func() { handle(ev) })
			}
		}
	}()
}

func (s *Session) heartbeats(ctx context.Context) {
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.gw.Heartbeat(ctx); err != nil {
				s.log.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) housekeeping() {
	now := s.opts.Now()
	for id, v := range s.convs {
		switch {
		case v.typingSent && now.Sub(v.lastKeystroke) >= s.opts.TypingIdle:
			s.sendTyping(id, v, false)
		case s.typingRefreshDue(v, now):
			s.sendTyping(id, v, true)
		}
	}
	s.refreshTyping()
}

func (s *Session) onPresence(ev models.PresenceEvent) {
	if !s.guard.Accept(ev) {
		return
	}
	s.presence[ev.UserID] = ev
	s.emit(Update{Kind: PresenceChanged, UserID: ev.UserID})
}

// Presence returns the last accepted presence of userID.
func (s *Session) Presence(userID uuid.UUID) (models.PresenceEvent, bool) {
	var (
		ev models.PresenceEvent
		ok bool
	)
	s.do(func() { ev, ok = s.presence[userID] })
	return ev, ok
}

// SeedPresence records presence read from a user profile, so older feed
// events are ignored.
func (s *Session) SeedPresence(u models.User) {
	s.do(func() {
		ev := models.PresenceEvent{UserID: u.ID, IsOnline: u.IsOnline, LastSeenAt: u.LastSeenAt}
		if s.guard.Accept(ev) {
			s.presence[u.ID] = ev
		}
	})
}
