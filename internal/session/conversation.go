package session

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/messaging"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

const tempPrefix = "temp_"

// LocalMessage is a message as this client shows it. A pending send has a
// zero Message.ID and a TempID; once reconciled it carries the relay's id and
// keeps its TempID.
type LocalMessage struct {
	models.Message
	TempID string         `json:"temp_id,omitempty"`
	Status DeliveryStatus `json:"delivery_status"`
	IsOwn  bool           `json:"is_own"`

	queuedAt time.Time
}

// Key identifies the entry in the view: the relay id, or the temp id while
// pending.
func (m LocalMessage) Key() string {
	if m.ID != uuid.Nil {
		return m.ID.String()
	}
	return m.TempID
}

func (m LocalMessage) pending() bool { return m.ID == uuid.Nil }

type conversationView struct {
	id       uuid.UUID
	messages []LocalMessage
	hasMore  bool
	draft    string
	gen      int

	feed       Feed[models.MessageEvent]
	typingFeed Feed[models.TypingSignal]
	outbox     *outbox

	typingSent    bool
	typingSentAt  time.Time
	lastKeystroke time.Time
}

// OpenConversation loads the newest history page and subscribes from its
// last seq. Opening an open conversation replaces its subscriptions.
func (s *Session) OpenConversation(ctx context.Context, conversationID uuid.UUID) error {
	page, hasMore, err := s.gw.History(ctx, conversationID, 0, messaging.DefaultHistorySize)
	if err != nil {
		return err
	}
	var after int64
	if len(page) > 0 {
		after = page[len(page)-1].Seq
	}
	feed, err := s.gw.SubscribeConversation(ctx, conversationID, after)
	if err != nil {
		return err
	}
	typingFeed, err := s.gw.SubscribeTyping(ctx, conversationID)
	if err != nil {
		feed.Close()
		return err
	}

	ok := s.do(func() {
		v := s.convs[conversationID]
		if v == nil {
			v = &conversationView{id: conversationID}
			v.outbox = newOutbox(s, conversationID)
			s.convs[conversationID] = v
		} else {
			s.stopFeeds(v)
		}
		v.gen++
		v.feed, v.typingFeed = feed, typingFeed
		v.hasMore = hasMore
		v.messages = s.mergeHistory(v.messages, page)

		gen := v.gen
		drain(s, feed, func(ev models.MessageEvent) {
			if cur := s.convs[conversationID]; cur != nil && cur.gen == gen {
				s.onMessageEvent(cur, ev)
			}
		})
		drain(s, typingFeed, func(sig models.TypingSignal) {
			if cur := s.convs[conversationID]; cur != nil && cur.gen == gen {
				s.onTyping(sig)
			}
		})
		s.emit(Update{Kind: MessagesChanged, ConversationID: conversationID})
	})
	if !ok {
		feed.Close()
		typingFeed.Close()
		return apperr.Invalid("session closed")
	}
	return nil
}

// LoadOlder prepends the page before the oldest loaded message.
func (s *Session) LoadOlder(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	var before int64
	s.do(func() {
		if v := s.convs[conversationID]; v != nil {
			for _, m := range v.messages {
				if !m.pending() {
					before = m.Seq
					break
				}
			}
		}
	})
	if before <= 1 {
		return false, nil
	}
	page, hasMore, err := s.gw.History(ctx, conversationID, before, messaging.DefaultHistorySize)
	if err != nil {
		return false, err
	}
	s.do(func() {
		v := s.convs[conversationID]
		if v == nil {
			return
		}
		v.messages = s.mergeHistory(v.messages, page)
		v.hasMore = hasMore
		s.emit(Update{Kind: MessagesChanged, ConversationID: conversationID})
	})
	return hasMore, nil
}

// CloseConversation unsubscribes before it returns.
func (s *Session) CloseConversation(conversationID uuid.UUID) {
	s.do(func() { s.closeConversation(conversationID) })
}

func (s *Session) closeConversation(conversationID uuid.UUID) {
	v := s.convs[conversationID]
	if v == nil {
		return
	}
	if v.typingSent {
		s.sendTyping(conversationID, v, false)
	}
	s.stopFeeds(v)
	v.outbox.close()
	delete(s.convs, conversationID)
}

func (s *Session) stopFeeds(v *conversationView) {
	if v.feed != nil {
		v.feed.Close()
		v.feed = nil
	}
	if v.typingFeed != nil {
		v.typingFeed.Close()
		v.typingFeed = nil
	}
}

// Messages returns a copy of the conversation's view.
func (s *Session) Messages(conversationID uuid.UUID) []LocalMessage {
	var out []LocalMessage
	s.do(func() {
		if v := s.convs[conversationID]; v != nil {
			out = append([]LocalMessage(nil), v.messages...)
		}
	})
	return out
}

// MarkRead marks the messages others sent to the conversation as read and
// returns how many changed.
func (s *Session) MarkRead(conversationID uuid.UUID) int {
	n := 0
	s.do(func() {
		v := s.convs[conversationID]
		if v == nil {
			return
		}
		for i := range v.messages {
			if !v.messages[i].IsOwn && v.messages[i].Status == StatusDelivered {
				v.messages[i].Status = StatusRead
				n++
			}
		}
		if n > 0 {
			s.emit(Update{Kind: MessagesChanged, ConversationID: conversationID})
		}
	})
	return n
}

// Unread counts messages from others not yet marked read.
func (s *Session) Unread(conversationID uuid.UUID) int {
	n := 0
	s.do(func() {
		if v := s.convs[conversationID]; v != nil {
			for _, m := range v.messages {
				if !m.IsOwn && m.Status == StatusDelivered {
					n++
				}
			}
		}
	})
	return n
}

func (s *Session) Draft(conversationID uuid.UUID) string {
	var d string
	s.do(func() {
		if v := s.convs[conversationID]; v != nil {
			d = v.draft
		}
	})
	return d
}

// SendMessage shows the message at once as sending and hands it to the
// conversation's outbox. It returns the temp id of the optimistic entry.
func (s *Session) SendMessage(conversationID uuid.UUID, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", apperr.Invalid("message body is empty")
	}
	var (
		tempID string
		err    error
	)
	ok := s.do(func() {
		v := s.convs[conversationID]
		if v == nil {
			err = apperr.Invalid("conversation %s is not open", conversationID)
			return
		}
		tempID = tempPrefix + uuid.NewString()
		m := LocalMessage{
			Message: models.Message{
				ConversationID: conversationID,
				SenderID:       s.user.ID,
				Body:           body,
				Kind:           models.MessageText,
				CreatedAt:      s.opts.Now().UTC(),
			},
			TempID:   tempID,
			Status:   StatusSending,
			IsOwn:    true,
			queuedAt: s.opts.Now(),
		}
		if !v.outbox.enqueue(outgoing{tempID: tempID, body: body}) {
			err = apperr.Delivery("too many messages waiting to be sent")
			return
		}
		v.messages = append(v.messages, m)
		v.draft = ""
		if v.typingSent {
			s.sendTyping(conversationID, v, false)
		}
		s.emit(Update{Kind: MessagesChanged, ConversationID: conversationID})
	})
	if !ok {
		return "", apperr.Invalid("session closed")
	}
	return tempID, err
}

// onSendResult applies the relay's answer to a send.
func (s *Session) onSendResult(conversationID uuid.UUID, tempID, body string, m models.Message, err error) {
	v := s.convs[conversationID]
	if v == nil {
		return
	}
	i := indexByTemp(v.messages, tempID)
	if err != nil {
		if i >= 0 && v.messages[i].pending() {
			v.messages = remove(v.messages, i)
		}
		if v.draft == "" {
			v.draft = body
		}
		s.log.Warn("send failed", zap.String("conversation_id", conversationID.String()), zap.Error(err))
		s.emit(Update{Kind: SendFailed, ConversationID: conversationID, Err: err})
		s.emit(Update{Kind: MessagesChanged, ConversationID: conversationID})
		return
	}

	switch {
	case i >= 0 && v.messages[i].ID == m.ID:
		// The delivery already reconciled this entry.
		return
	case i >= 0 && v.messages[i].pending():
		if indexByID(v.messages, m.ID) >= 0 {
			v.messages = remove(v.messages, i)
		} else {
			v.messages[i].Message = m
			v.messages[i].Status = StatusSent
			sortView(v.messages)
		}
	default:
		// The temp was matched by an identical message from another of our
		// sessions; this one is distinct.
		s.upsert(v, m, StatusSent)
	}
	s.emit(Update{Kind: MessagesChanged, ConversationID: conversationID})
}

func (s *Session) onMessageEvent(v *conversationView, ev models.MessageEvent) {
	m := ev.Message
	switch ev.Type {
	case models.MessageDeleted:
		if i := indexByID(v.messages, m.ID); i >= 0 {
			v.messages = remove(v.messages, i)
			s.emit(Update{Kind: MessagesChanged, ConversationID: v.id})
		}
		return
	case models.MessageCreated:
	default:
		return
	}

	if i := indexByID(v.messages, m.ID); i >= 0 {
		if v.messages[i].Status == StatusSending || v.messages[i].Status == StatusSent {
			v.messages[i].Status = StatusDelivered
			s.emit(Update{Kind: MessagesChanged, ConversationID: v.id})
		}
		return
	}
	if m.SenderID == s.user.ID {
		if i := s.oldestPendingMatch(v, m.Body); i >= 0 {
			v.messages[i].Message = m
			v.messages[i].Status = StatusDelivered
			sortView(v.messages)
			s.emit(Update{Kind: MessagesChanged, ConversationID: v.id})
			return
		}
	}
	s.upsert(v, m, StatusDelivered)
	s.emit(Update{Kind: MessagesChanged, ConversationID: v.id})
}

func (s *Session) oldestPendingMatch(v *conversationView, body string) int {
	now := s.opts.Now()
	for i, lm := range v.messages {
		if lm.pending() && lm.Body == body && now.Sub(lm.queuedAt) <= s.opts.OptimisticWindow {
			return i
		}
	}
	return -1
}

func (s *Session) upsert(v *conversationView, m models.Message, status DeliveryStatus) {
	if i := indexByID(v.messages, m.ID); i >= 0 {
		return
	}
	v.messages = append(v.messages, LocalMessage{Message: m, Status: status, IsOwn: m.SenderID == s.user.ID})
	sortView(v.messages)
}

// mergeHistory adds confirmed messages from a page, keeping pending sends at
// the end.
func (s *Session) mergeHistory(cur []LocalMessage, page []models.Message) []LocalMessage {
	for _, m := range page {
		if indexByID(cur, m.ID) >= 0 {
			continue
		}
		cur = append(cur, LocalMessage{Message: m, Status: StatusDelivered, IsOwn: m.SenderID == s.user.ID})
	}
	sortView(cur)
	return cur
}

// sortView orders confirmed messages by seq, then pending ones in the order
// they were written.
func sortView(msgs []LocalMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.pending() != b.pending() {
			return !a.pending()
		}
		if a.pending() {
			return false
		}
		return a.Seq < b.Seq
	})
}

func indexByID(msgs []LocalMessage, id uuid.UUID) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func indexByTemp(msgs []LocalMessage, tempID string) int {
	for i, m := range msgs {
		if m.TempID == tempID {
			return i
		}
	}
	return -1
}

func remove(msgs []LocalMessage, i int) []LocalMessage {
	return append(msgs[:i], msgs[i+1:]...)
}

// SetDraft records the compose text and drives outgoing typing signals.
func (s *Session) SetDraft(conversationID uuid.UUID, text string) {
	s.do(func() {
		v := s.convs[conversationID]
		if v == nil {
			return
		}
		v.draft = text
		if strings.TrimSpace(text) == "" {
			if v.typingSent {
				s.sendTyping(conversationID, v, false)
			}
			return
		}
		v.lastKeystroke = s.opts.Now()
		if !v.typingSent || s.typingRefreshDue(v, v.lastKeystroke) {
			s.sendTyping(conversationID, v, true)
		}
	})
}

// typingRefreshDue reports whether peers need a fresh typing=true before
// their copy of it expires.
func (s *Session) typingRefreshDue(v *conversationView, now time.Time) bool {
	return v.typingSent && now.Sub(v.typingSentAt) >= s.opts.TypingTTL/2
}

func (s *Session) sendTyping(conversationID uuid.UUID, v *conversationView, typing bool) {
	v.typingSent = typing
	v.typingSentAt = s.opts.Now()
	s.spawn(func(ctx context.Context) {
		if err := s.gw.SetTyping(ctx, conversationID, typing); err != nil {
			s.log.Debug("typing signal failed", zap.Error(err))
		}
	})
}

func (s *Session) onTyping(sig models.TypingSignal) {
	if sig.UserID == s.user.ID {
		return
	}
	if s.typing.Observe(sig) {
		s.refreshTyping()
	}
}

// refreshTyping emits TypingChanged for conversations whose visible typing
// set changed, including by expiry.
func (s *Session) refreshTyping() {
	for id := range s.convs {
		ids := s.typing.Typing(id)
		key := make([]string, len(ids))
		for i, u := range ids {
			key[i] = u.String()
		}
		shown := strings.Join(key, ",")
		if shown != s.typingShown[id] {
			s.typingShown[id] = shown
			s.emit(Update{Kind: TypingChanged, ConversationID: id})
		}
	}
}

// TypingUsers returns who is typing in the conversation right now.
func (s *Session) TypingUsers(conversationID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	s.do(func() { out = s.typing.Typing(conversationID) })
	return out
}
