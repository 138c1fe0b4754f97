// Package messaging delivers chat messages and typing signals per
// conversation. Every message gets a per-conversation sequence number at send
// time and subscribers deliver strictly in that order.
package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

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
	MaxBodyRunes       = 4096
	DefaultHistorySize = 50
	MaxHistorySize     = 100
	MaxGroupNameLength = 100
	// UnreadWindow is how far back the conversation list counts unread messages.
	UnreadWindow = 24 * time.Hour

	lockStripes = 64
)

type Options struct {
	// GapTimeout is how long a subscription waits for a missing seq before
	// repairing from the store.
	GapTimeout time.Duration
	// InsertTimeout bounds a message insert. A send that has not been stored
	// by then gives its seq up to a tombstone.
	InsertTimeout time.Duration
	// HoleTimeout is how long a subscription waits for a seq that is neither
	// stored nor tombstoned before skipping it. It only matters when the
	// tombstone write failed too, and must exceed InsertTimeout.
	HoleTimeout time.Duration
	Now         func() time.Time
}

type Deps struct {
	Users         repository.UserStore
	Conversations repository.ConversationStore
	Messages      repository.MessageStore
	Sequencer     repository.Sequencer
	Cache         repository.RecentMessages // optional
	Broker        realtime.Broker
	Events        events.Publisher
}

type Channel struct {
	users         repository.UserStore
	conversations repository.ConversationStore
	messages      repository.MessageStore
	seq           repository.Sequencer
	cache         repository.RecentMessages
	broker        realtime.Broker
	events        events.Publisher
	log           *zap.Logger
	opts          Options

	locks       [lockStripes]sync.Mutex
	mu          sync.Mutex
	lastCreated map[uuid.UUID]time.Time
}

func NewChannel(d Deps, log *zap.Logger, opts Options) *Channel {
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = 2 * time.Second
	}
	if opts.InsertTimeout <= 0 {
		opts.InsertTimeout = 10 * time.Second
	}
	if opts.HoleTimeout <= opts.InsertTimeout {
		opts.HoleTimeout = 3 * opts.InsertTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	return &Channel{
		users:         d.Users,
		conversations: d.Conversations,
		messages:      d.Messages,
		seq:           d.Sequencer,
		cache:         d.Cache,
		broker:        d.Broker,
		events:        d.Events,
		log:           log.Named("messaging"),
		opts:          opts,
		lastCreated:   make(map[uuid.UUID]time.Time),
	}
}

// Authorize returns the conversation when userID participates in it.
func (c *Channel) Authorize(ctx context.Context, conversationID, userID uuid.UUID) (models.Conversation, error) {
	conv, err := c.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, apperr.Forbidden("not a participant of conversation %s", conversationID)
	}
	return conv, nil
}

// Send persists and broadcasts a message. A delivery error means nothing was
// stored and the caller must roll back its optimistic copy. Once the message
// is stored the send is confirmed even if the broadcast fails, because
// subscribers repair gaps from the store.
func (c *Channel) Send(ctx context.Context, conversationID, senderID uuid.UUID, body string, kind models.MessageKind) (models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, apperr.Invalid("message body is empty")
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return models.Message{}, apperr.Invalid("message body exceeds %d characters", MaxBodyRunes)
	}
	if kind == "" {
		kind = models.MessageText
	}
	if !kind.Valid() {
		return models.Message{}, apperr.Invalid("unknown message kind %q", kind)
	}
	if _, err := c.Authorize(ctx, conversationID, senderID); err != nil {
		return models.Message{}, err
	}

	m := models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Kind:           kind,
	}

	// seq and createdAt are assigned together so createdAt never decreases
	// along seq on this instance.
	lock := &c.locks[int(conversationID[15])%lockStripes]
	lock.Lock()
	seq, err := c.seq.Next(ctx, conversationID)
	if err != nil {
		lock.Unlock()
		metrics.SendFailures.Inc()
		c.log.Error("allocate seq failed", zap.String("conversation_id", conversationID.String()), zap.Error(err))
		return models.Message{}, apperr.Delivery("could not sequence message")
	}
	m.Seq = seq
	m.CreatedAt = c.createdAt(conversationID)
	lock.Unlock()

	insertCtx, cancel := context.WithTimeout(ctx, c.opts.InsertTimeout)
	err = c.messages.Insert(insertCtx, m)
	cancel()
	if err != nil && !c.settle(m, err) {
		metrics.SendFailures.Inc()
		return models.Message{}, apperr.Delivery("could not store message")
	}

	if err := c.conversations.Touch(ctx, conversationID, m.CreatedAt); err != nil {
		c.log.Warn("touch conversation failed", zap.String("conversation_id", conversationID.String()), zap.Error(err))
	}
	if c.cache != nil {
		c.cache.Push(ctx, m)
	}
	ev := models.MessageEvent{Type: models.MessageCreated, Message: m}
	if err := realtime.PublishJSON(ctx, c.broker, realtime.ConversationTopic(conversationID), ev); err != nil {
		c.log.Warn("publish message failed, subscribers will backfill",
			zap.String("conversation_id", conversationID.String()), zap.Int64("seq", seq), zap.Error(err))
	}
	c.events.Publish(ctx, conversationID.String(), events.New(events.MessageCreated, m))
	metrics.MessagesSent.Inc()
	return m, nil
}

// settle decides a failed insert for good by claiming its seq with a
// tombstone. Subscribers skip tombstoned seqs instead of waiting for them.
// Losing the seq to a conflict means the insert landed after all, and
// settle reports true when that stored copy is m.
func (c *Channel) settle(m models.Message, cause error) bool {
	log := c.log.With(zap.String("conversation_id", m.ConversationID.String()), zap.Int64("seq", m.Seq))
	log.Error("persist message failed", zap.Error(cause))

	tomb := models.Message{
		ID:             uuid.New(),
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Kind:           models.MessageTombstone,
		CreatedAt:      m.CreatedAt,
		Deleted:        true,
	}
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.InsertTimeout)
		err := c.messages.Insert(ctx, tomb)
		if errors.Is(err, apperr.ErrConflict) {
			stored, gerr := c.messages.Get(ctx, m.ID)
			cancel()
			if gerr == nil && stored.Seq == m.Seq {
				log.Info("message stored despite insert error")
				return true
			}
			return false
		}
		cancel()
		if err == nil {
			return false
		}
		log.Warn("tombstone write failed", zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	log.Error("seq left unsettled, subscribers skip it after the hole timeout")
	return false
}

func (c *Channel) createdAt(conversationID uuid.UUID) time.Time {
	now := c.opts.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastCreated[conversationID]; ok && now.Before(last) {
		now = last
	}
	c.lastCreated[conversationID] = now
	return now
}

// History returns a page of non-deleted messages oldest first. beforeSeq 0
// means the newest page.
func (c *Channel) History(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]models.Message, bool, error) {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	if limit > MaxHistorySize {
		limit = MaxHistorySize
	}

	if beforeSeq == 0 && c.cache != nil {
		if cached, ok := c.cache.Get(ctx, conversationID); ok {
			complete := len(cached) > 0 && cached[0].Seq == 1
			if len(cached) >= limit || complete {
				out := cached
				if len(out) > limit {
					out = out[len(out)-limit:]
				}
				hasMore := len(cached) > limit || (len(out) > 0 && out[0].Seq > 1)
				return out, hasMore, nil
			}
		}
	}

	msgs, hasMore, err := c.messages.Before(ctx, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, false, err
	}
	if beforeSeq == 0 && c.cache != nil && len(msgs) > 0 {
		c.cache.Warm(ctx, conversationID, msgs)
	}
	return msgs, hasMore, nil
}

// Delete soft-deletes a message. Only its sender may delete it. Deleting an
// already deleted message is a no-op.
func (c *Channel) Delete(ctx context.Context, conversationID, messageID, requesterID uuid.UUID) (models.Message, error) {
	m, err := c.messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if m.ConversationID != conversationID {
		return models.Message{}, apperr.NotFound("message %s in conversation %s", messageID, conversationID)
	}
	if m.SenderID != requesterID {
		return models.Message{}, apperr.Forbidden("only the sender can delete a message")
	}
	if m.Deleted {
		return m, nil
	}

	m, err = c.messages.SoftDelete(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if c.cache != nil {
		c.cache.Invalidate(ctx, conversationID)
	}
	ev := models.MessageEvent{Type: models.MessageDeleted, Message: m}
	if err := realtime.PublishJSON(ctx, c.broker, realtime.ConversationTopic(conversationID), ev); err != nil {
		c.log.Warn("publish deletion failed", zap.String("message_id", messageID.String()), zap.Error(err))
	}
	c.events.Publish(ctx, conversationID.String(), events.New(events.MessageDeleted, m))
	return m, nil
}

// DirectConversation finds or creates the 1:1 conversation between a and b.
func (c *Channel) DirectConversation(ctx context.Context, a, b uuid.UUID) (models.Conversation, error) {
	if a == b {
		return models.Conversation{}, apperr.Invalid("cannot start a conversation with yourself")
	}
	if _, err := c.users.GetByID(ctx, b); err != nil {
		return models.Conversation{}, err
	}
	return c.conversations.FindOrCreateDirect(ctx, a, b)
}

// CreateGroup creates a named conversation of the creator and members.
func (c *Channel) CreateGroup(ctx context.Context, creatorID uuid.UUID, name string, memberIDs []uuid.UUID) (models.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxGroupNameLength {
		return models.Conversation{}, apperr.Invalid("group name must be 1-%d characters", MaxGroupNameLength)
	}
	participants := append([]uuid.UUID{creatorID}, memberIDs...)
	for _, id := range memberIDs {
		if _, err := c.users.GetByID(ctx, id); err != nil {
			return models.Conversation{}, err
		}
	}
	return c.conversations.CreateGroup(ctx, name, participants)
}

// Conversations lists the user's conversations with their last message,
// most recent first.
func (c *Channel) Conversations(ctx context.Context, userID uuid.UUID) ([]models.ConversationSummary, error) {
	convs, err := c.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	since := c.opts.Now().UTC().Add(-UnreadWindow)
	out := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		s := models.ConversationSummary{Conversation: conv}
		last, _, err := c.messages.Before(ctx, conv.ID, 0, 1)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		if len(last) == 1 {
			s.LastMessage = &last[0]
		}
		if s.Unread, err = c.messages.CountUnread(ctx, conv.ID, userID, since); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SetTyping broadcasts a typing signal. Failures are logged only.
func (c *Channel) SetTyping(ctx context.Context, conversationID, userID uuid.UUID, isTyping bool) {
	sig := models.TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		At:             c.opts.Now().UTC(),
	}
	if err := realtime.PublishJSON(ctx, c.broker, realtime.TypingTopic(conversationID), sig); err != nil {
		c.log.Debug("publish typing failed", zap.String("conversation_id", conversationID.String()), zap.Error(err))
	}
}
