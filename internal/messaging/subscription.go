package messaging

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

const backfillBatch = 200

// Subscription delivers one conversation's message events in seq order.
type Subscription struct {
	conversationID uuid.UUID
	src            realtime.Subscription
	store          repository.MessageStore
	gapTimeout     time.Duration
	holeTimeout    time.Duration
	log            *zap.Logger

	out  chan models.MessageEvent
	done chan struct{}
	once sync.Once

	// owned by run
	next    int64
	pending map[int64]models.Message
	armed   bool
	timer   *time.Timer
	// gapSeq is the missing seq being waited for since gapSince.
	gapSeq   int64
	gapSince time.Time
}

// Subscribe delivers messages created from now on.
func (c *Channel) Subscribe(ctx context.Context, conversationID uuid.UUID) (*Subscription, error) {
	return c.subscribe(ctx, conversationID, -1)
}

// SubscribeFrom delivers every message with seq > afterSeq, starting with the
// ones already stored. Clients pass the last seq of the history they loaded
// so nothing falls between the page and the live feed.
func (c *Channel) SubscribeFrom(ctx context.Context, conversationID uuid.UUID, afterSeq int64) (*Subscription, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	return c.subscribe(ctx, conversationID, afterSeq)
}

func (c *Channel) subscribe(ctx context.Context, conversationID uuid.UUID, afterSeq int64) (*Subscription, error) {
	src, err := c.broker.Subscribe(ctx, realtime.ConversationTopic(conversationID))
	if err != nil {
		return nil, err
	}

	backfill := afterSeq >= 0
	if !backfill {
		// Read after the broker subscription is live, so anything stored
		// later is published to us.
		afterSeq, err = c.messages.LastSeq(ctx, conversationID)
		if err != nil {
			src.Close()
			return nil, err
		}
	}

	s := &Subscription{
		conversationID: conversationID,
		src:            src,
		store:          c.messages,
		gapTimeout:     c.opts.GapTimeout,
		holeTimeout:    c.opts.HoleTimeout,
		log:            c.log.With(zap.String("conversation_id", conversationID.String())),
		out:            make(chan models.MessageEvent),
		done:           make(chan struct{}),
		next:           afterSeq + 1,
		pending:        make(map[int64]models.Message),
	}
	go s.run(backfill)
	return s, nil
}

func (s *Subscription) C() <-chan models.MessageEvent { return s.out }

func (s *Subscription) ConversationID() uuid.UUID { return s.conversationID }

func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.src.Close()
}

func (s *Subscription) run(backfill bool) {
	defer close(s.out)
	s.timer = time.NewTimer(time.Hour)
	s.timer.Stop()
	defer s.timer.Stop()

	if backfill && !s.repair(false) {
		return
	}

	for {
		select {
		case <-s.done:
			return
		case d, ok := <-s.src.C():
			if !ok {
				return
			}
			if d.Resync {
				if !s.repair(false) {
					return
				}
				continue
			}
			var ev models.MessageEvent
			if err := json.Unmarshal(d.Payload, &ev); err != nil {
				s.log.Warn("bad message payload", zap.Error(err))
				continue
			}
			if !s.handle(ev) {
				return
			}
		case <-s.timer.C:
			if !s.repair(s.holeExpired()) {
				return
			}
		}
	}
}

// handle returns false when the subscription was closed while emitting.
func (s *Subscription) handle(ev models.MessageEvent) bool {
	m := ev.Message
	switch ev.Type {
	case models.MessageDeleted:
		if p, ok := s.pending[m.Seq]; ok {
			p.Deleted = true
			s.pending[m.Seq] = p
			return true
		}
		if m.Seq < s.next {
			return s.emit(ev)
		}
		return true
	case models.MessageCreated:
		if m.Seq < s.next {
			return true
		}
		if _, held := s.pending[m.Seq]; !held {
			s.pending[m.Seq] = m
		}
		return s.flush()
	}
	return true
}

// flush emits the contiguous run starting at next and arms the gap timer when
// something is still held.
func (s *Subscription) flush() bool {
	if !s.drain() {
		return false
	}
	if len(s.pending) == 0 {
		s.disarm()
		s.gapSince = time.Time{}
		return true
	}
	if s.gapSince.IsZero() || s.gapSeq != s.next {
		s.gapSeq, s.gapSince = s.next, time.Now()
	}
	if !s.armed {
		s.arm()
	}
	return true
}

// holeExpired reports whether the current gap has outlived the hole timeout.
// Seqs of failed sends are tombstoned and arrive through repair, so only a
// seq whose tombstone write failed too gets this far.
func (s *Subscription) holeExpired() bool {
	return !s.gapSince.IsZero() && s.gapSeq == s.next && time.Since(s.gapSince) >= s.holeTimeout
}

func (s *Subscription) drain() bool {
	for {
		m, ok := s.pending[s.next]
		if !ok {
			return true
		}
		delete(s.pending, s.next)
		s.next++
		if m.Deleted {
			continue
		}
		if !s.emit(models.MessageEvent{Type: models.MessageCreated, Message: m}) {
			return false
		}
	}
}

func (s *Subscription) arm() {
	s.armed = true
	s.timer.Reset(s.gapTimeout)
}

func (s *Subscription) disarm() {
	s.armed = false
	s.timer.Stop()
}

// repair reads the store from next onwards. Tombstones fill the seqs of failed
// sends and are dropped by drain. When skipHoles is set, seqs still missing
// after the read are given up on.
func (s *Subscription) repair(skipHoles bool) bool {
	s.disarm()
	after := s.next - 1
	repaired := false
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msgs, err := s.store.Range(ctx, s.conversationID, after, backfillBatch)
		cancel()
		if err != nil {
			s.log.Warn("gap repair read failed, retrying", zap.Error(err))
			s.arm()
			return true
		}
		for _, m := range msgs {
			if m.Seq >= s.next {
				if _, held := s.pending[m.Seq]; !held {
					s.pending[m.Seq] = m
					repaired = true
				}
			}
			after = m.Seq
		}
		if len(msgs) < backfillBatch {
			break
		}
	}
	if repaired {
		metrics.GapRepairs.Inc()
	}

	if skipHoles {
		for len(s.pending) > 0 {
			if _, ok := s.pending[s.next]; !ok {
				lowest := s.lowestPending()
				s.log.Info("skipping missing seq", zap.Int64("from", s.next), zap.Int64("to", lowest-1))
				s.next = lowest
			}
			if !s.drain() {
				return false
			}
		}
	}
	return s.flush()
}

func (s *Subscription) lowestPending() int64 {
	var lowest int64 = -1
	for seq := range s.pending {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest
}

func (s *Subscription) emit(ev models.MessageEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}
