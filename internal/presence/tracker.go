// Package presence tracks which users are online and pushes changes to
// observers on the global presence topic.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/metrics"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/realtime"
	"github.com/AnshRaj112/peerlink-backend/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	Now              func() time.Time
}

// Tracker owns presence for the users connected to this relay instance.
type Tracker struct {
	users  repository.UserStore
	beats  repository.Heartbeats
	broker realtime.Broker
	log    *zap.Logger
	opts   Options

	mu       sync.Mutex
	sessions map[uuid.UUID]int
	stamps   map[uuid.UUID]time.Time
}

func NewTracker(users repository.UserStore, beats repository.Heartbeats, broker realtime.Broker, log *zap.Logger, opts Options) *Tracker {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		users:    users,
		beats:    beats,
		broker:   broker,
		log:      log.Named("presence"),
		opts:     opts,
		sessions: make(map[uuid.UUID]int),
		stamps:   make(map[uuid.UUID]time.Time),
	}
}

// stamp returns a lastSeenAt strictly after the previous one issued for the
// user. Microsecond precision matches what Postgres stores.
func (t *Tracker) stamp(userID uuid.UUID) time.Time {
	now := t.opts.Now().UTC().Truncate(time.Microsecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.stamps[userID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	t.stamps[userID] = now
	return now
}

// SetOnline records the new state and publishes it. An update that loses to a
// newer one already stored is neither applied nor published. A publish
// failure is logged: the stored state is authoritative and observers converge
// on the next event.
func (t *Tracker) SetOnline(ctx context.Context, userID uuid.UUID, online bool) (models.PresenceEvent, error) {
	ev := models.PresenceEvent{UserID: userID, IsOnline: online, LastSeenAt: t.stamp(userID)}

	changed, err := t.users.UpdatePresence(ctx, userID, online, ev.LastSeenAt)
	if err != nil {
		return models.PresenceEvent{}, err
	}

	if !changed {
		t.log.Debug("stale presence update skipped", zap.String("user_id", userID.String()))
		return ev, nil
	}

	if online {
		if err := t.beats.Beat(ctx, userID, ev.LastSeenAt); err != nil {
			t.log.Warn("record heartbeat failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	} else if _, err := t.beats.Remove(ctx, userID); err != nil {
		t.log.Warn("remove heartbeat failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
	if err := realtime.PublishJSON(ctx, t.broker, realtime.PresenceTopic, ev); err != nil {
		t.log.Warn("publish presence failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
	return ev, nil
}

// SessionStarted counts a new connection; the first one marks the user online.
func (t *Tracker) SessionStarted(ctx context.Context, userID uuid.UUID) error {
	t.mu.Lock()
	t.sessions[userID]++
	first := t.sessions[userID] == 1
	t.mu.Unlock()

	if !first {
		return t.Heartbeat(ctx, userID)
	}
	metrics.OnlineUsers.Inc()
	_, err := t.SetOnline(ctx, userID, true)
	return err
}

// SessionEnded releases a connection; the last one marks the user offline.
func (t *Tracker) SessionEnded(ctx context.Context, userID uuid.UUID) error {
	t.mu.Lock()
	n, ok := t.sessions[userID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	last := n <= 1
	if last {
		delete(t.sessions, userID)
	} else {
		t.sessions[userID] = n - 1
	}
	t.mu.Unlock()

	if !last {
		return nil
	}
	metrics.OnlineUsers.Dec()
	_, err := t.SetOnline(ctx, userID, false)
	return err
}

// Connected reports whether the user has a session on this instance.
func (t *Tracker) Connected(userID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[userID] > 0
}

// Heartbeat records liveness. A connected user found offline in the store
// (reaped by a slow heartbeat, or marked offline by another instance) is put
// back online.
func (t *Tracker) Heartbeat(ctx context.Context, userID uuid.UUID) error {
	if err := t.beats.Beat(ctx, userID, t.opts.Now().UTC()); err != nil {
		return err
	}
	if !t.Connected(userID) {
		return nil
	}
	u, err := t.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.IsOnline {
		_, err = t.SetOnline(ctx, userID, true)
	}
	return err
}

// IsOnline reads the stored state.
func (t *Tracker) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	u, err := t.users.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsOnline, nil
}

// RunReaper marks users offline once their heartbeat is older than the
// timeout. It blocks until ctx is done.
func (t *Tracker) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep runs one reaper pass and returns how many users were marked offline.
func (t *Tracker) Sweep(ctx context.Context) int {
	cutoff := t.opts.Now().UTC().Add(-t.opts.HeartbeatTimeout)
	expired, err := t.beats.Expired(ctx, cutoff)
	if err != nil {
		t.log.Warn("list expired heartbeats failed", zap.Error(err))
		return 0
	}
	reaped := 0
	for _, id := range expired {
		claimed, err := t.beats.Remove(ctx, id)
		if err != nil || !claimed {
			continue
		}
		if _, err := t.SetOnline(ctx, id, false); err != nil {
			t.log.Warn("reap presence failed", zap.String("user_id", id.String()), zap.Error(err))
			continue
		}
		reaped++
		metrics.PresenceReaped.Inc()
		t.log.Info("user reaped after missed heartbeats", zap.String("user_id", id.String()))
	}
	return reaped
}

// Subscribe opens a presence feed. Events pass through a Guard, so per user
// the feed never moves backwards in time.
func (t *Tracker) Subscribe(ctx context.Context) (*Subscription, error) {
	src, err := t.broker.Subscribe(ctx, realtime.PresenceTopic)
	if err != nil {
		return nil, err
	}
	s := &Subscription{src: src, out: make(chan models.PresenceEvent), done: make(chan struct{})}
	go s.run(NewGuard(), t.log)
	return s, nil
}

type Subscription struct {
	src  realtime.Subscription
	out  chan models.PresenceEvent
	done chan struct{}
	once sync.Once
}

func (s *Subscription) C() <-chan models.PresenceEvent { return s.out }

func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.src.Close()
}

func (s *Subscription) run(guard *Guard, log *zap.Logger) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-s.src.C():
			if !ok {
				return
			}
			if d.Resync {
				continue
			}
			var ev models.PresenceEvent
			if err := json.Unmarshal(d.Payload, &ev); err != nil {
				log.Warn("bad presence payload", zap.Error(err))
				continue
			}
			if !guard.Accept(ev) {
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
