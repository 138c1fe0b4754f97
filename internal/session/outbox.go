package session

import (
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
)

const outboxSize = 64

type outgoing struct {
	tempID string
	body   string
}

// outbox sends one conversation's messages one at a time, in the order they
// were written, so acks come back in that order too.
type outbox struct {
	s              *Session
	conversationID uuid.UUID
	queue          chan outgoing
	closed         bool
}

func newOutbox(s *Session, conversationID uuid.UUID) *outbox {
	o := &outbox{s: s, conversationID: conversationID, queue: make(chan outgoing, outboxSize)}
	s.wg.Add(1)
	go o.run()
	return o
}

// enqueue and close are called by the actor only.
func (o *outbox) enqueue(m outgoing) bool {
	if o.closed {
		return false
	}
	select {
	case o.queue <- m:
		return true
	default:
		return false
	}
}

// close lets queued messages go out, then stops.
func (o *outbox) close() {
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
}

func (o *outbox) run() {
	defer o.s.wg.Done()
	for m := range o.queue {
		msg, err := o.s.gw.SendMessage(o.s.ctx, o.conversationID, m.body, models.MessageText)
		o.s.post(func() { o.s.onSendResult(o.conversationID, m.tempID, m.body, msg, err) })
	}
}
