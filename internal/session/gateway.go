package session

import (
	"context"
	"encoding/json"

	"github.com/AnshRaj112/peerlink-backend/internal/messaging"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/presence"
	"github.com/AnshRaj112/peerlink-backend/internal/signaling"
	"github.com/google/uuid"
)

// Feed is a cancellable stream of events. C is closed after Close or when
// the source goes away.
type Feed[T any] interface {
	C() <-chan T
	Close() error
}

// Gateway is the relay as one logged-in user sees it.
type Gateway interface {
	SendMessage(ctx context.Context, conversationID uuid.UUID, body string, kind models.MessageKind) (models.Message, error)
	History(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]models.Message, bool, error)
	// SubscribeConversation delivers every message after afterSeq, then live.
	SubscribeConversation(ctx context.Context, conversationID uuid.UUID, afterSeq int64) (Feed[models.MessageEvent], error)
	SetTyping(ctx context.Context, conversationID uuid.UUID, isTyping bool) error
	SubscribeTyping(ctx context.Context, conversationID uuid.UUID) (Feed[models.TypingSignal], error)

	SubscribePresence(ctx context.Context) (Feed[models.PresenceEvent], error)
	Heartbeat(ctx context.Context) error

	InitiateCall(ctx context.Context, receiverShortID string, kind models.CallKind, offer json.RawMessage) (models.CallSession, error)
	AcknowledgeCall(ctx context.Context, callID uuid.UUID) error
	AnswerCall(ctx context.Context, callID uuid.UUID, answer json.RawMessage) (models.CallSession, error)
	EndCall(ctx context.Context, callID uuid.UUID, durationSeconds int) (models.CallSession, error)
	RelaySignal(ctx context.Context, targetID uuid.UUID, sig models.Signal) error
	ReportMediaState(ctx context.Context, callID uuid.UUID, state models.MediaState) error
	SubscribeSignals(ctx context.Context) (Feed[models.SignalEvent], error)

	Close() error
}

// Direct is a Gateway that calls the relay components in process. The
// terminal client in single-binary mode and the tests use it.
type Direct struct {
	userID   uuid.UUID
	channel  *messaging.Channel
	presence *presence.Tracker
	calls    *signaling.Coordinator
}

// NewDirect connects userID and marks them online for as long as the gateway
// is open.
func NewDirect(ctx context.Context, userID uuid.UUID, ch *messaging.Channel, tr *presence.Tracker, co *signaling.Coordinator) (*Direct, error) {
	if err := tr.SessionStarted(ctx, userID); err != nil {
		return nil, err
	}
	return &Direct{userID: userID, channel: ch, presence: tr, calls: co}, nil
}

func (d *Direct) SendMessage(ctx context.Context, conversationID uuid.UUID, body string, kind models.MessageKind) (models.Message, error) {
	return d.channel.Send(ctx, conversationID, d.userID, body, kind)
}

func (d *Direct) History(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]models.Message, bool, error) {
	if _, err := d.channel.Authorize(ctx, conversationID, d.userID); err != nil {
		return nil, false, err
	}
	return d.channel.History(ctx, conversationID, beforeSeq, limit)
}

func (d *Direct) SubscribeConversation(ctx context.Context, conversationID uuid.UUID, afterSeq int64) (Feed[models.MessageEvent], error) {
	if _, err := d.channel.Authorize(ctx, conversationID, d.userID); err != nil {
		return nil, err
	}
	sub, err := d.channel.SubscribeFrom(ctx, conversationID, afterSeq)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (d *Direct) SetTyping(ctx context.Context, conversationID uuid.UUID, isTyping bool) error {
	d.channel.SetTyping(ctx, conversationID, d.userID, isTyping)
	return nil
}

func (d *Direct) SubscribeTyping(ctx context.Context, conversationID uuid.UUID) (Feed[models.TypingSignal], error) {
	if _, err := d.channel.Authorize(ctx, conversationID, d.userID); err != nil {
		return nil, err
	}
	sub, err := d.channel.SubscribeTyping(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (d *Direct) SubscribePresence(ctx context.Context) (Feed[models.PresenceEvent], error) {
	sub, err := d.presence.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (d *Direct) Heartbeat(ctx context.Context) error {
	return d.presence.Heartbeat(ctx, d.userID)
}

func (d *Direct) InitiateCall(ctx context.Context, receiverShortID string, kind models.CallKind, offer json.RawMessage) (models.CallSession, error) {
	return d.calls.Initiate(ctx, d.userID, receiverShortID, kind, offer)
}

func (d *Direct) AcknowledgeCall(ctx context.Context, callID uuid.UUID) error {
	_, err := d.calls.Acknowledge(ctx, callID, d.userID)
	return err
}

func (d *Direct) AnswerCall(ctx context.Context, callID uuid.UUID, answer json.RawMessage) (models.CallSession, error) {
	return d.calls.Answer(ctx, callID, d.userID, answer)
}

func (d *Direct) EndCall(ctx context.Context, callID uuid.UUID, durationSeconds int) (models.CallSession, error) {
	return d.calls.End(ctx, callID, d.userID, durationSeconds)
}

func (d *Direct) RelaySignal(ctx context.Context, targetID uuid.UUID, sig models.Signal) error {
	return d.calls.RelaySignal(ctx, d.userID, targetID, sig)
}

func (d *Direct) ReportMediaState(ctx context.Context, callID uuid.UUID, state models.MediaState) error {
	_, err := d.calls.ReportMediaState(ctx, callID, d.userID, state)
	return err
}

func (d *Direct) SubscribeSignals(ctx context.Context) (Feed[models.SignalEvent], error) {
	sub, err := d.calls.Subscribe(ctx, d.userID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close marks the user's session as ended.
func (d *Direct) Close() error {
	return d.presence.SessionEnded(context.Background(), d.userID)
}
