// Package wire defines the frames exchanged on the realtime websocket.
//
// The client sends requests, each answered by exactly one reply frame with
// the same id. The server also pushes events for the streams the client
// subscribed to.
package wire

import (
	"encoding/json"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/google/uuid"
)

type Op string

const (
	OpSubscribe    Op = "subscribe"
	OpUnsubscribe  Op = "unsubscribe"
	OpSendMessage  Op = "send_message"
	OpHistory      Op = "history"
	OpTyping       Op = "typing"
	OpPing         Op = "ping"
	OpSetPresence  Op = "set_presence"
	OpCallInitiate Op = "call_initiate"
	OpCallAck      Op = "call_ack"
	OpCallAnswer   Op = "call_answer"
	OpCallEnd      Op = "call_end"
	OpCallSignal   Op = "call_signal"
	OpMediaState   Op = "media_state"
)

type Stream string

const (
	StreamMessages Stream = "messages"
	StreamTyping   Stream = "typing"
	StreamPresence Stream = "presence"
	StreamSignals  Stream = "signals"
)

// Request is a client to server frame.
type Request struct {
	ID     string          `json:"id"`
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

const TypeReply = "reply"

// Push event types. Signal events use the SignalEvent name as their type.
const (
	TypeMessage        = string(models.MessageCreated)
	TypeMessageDeleted = string(models.MessageDeleted)
	TypeTyping         = "typing"
	TypePresence       = "presence"
)

// Frame is a server to client frame: either a reply or a pushed event.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorOf renders err for the wire.
func ErrorOf(err error) *Error {
	return &Error{Code: apperr.Code(err), Message: apperr.Message(err)}
}

// Err rebuilds the error on the receiving side.
func (e *Error) Err() error {
	return apperr.FromCode(e.Code, e.Message)
}

// SignalEventTypes are the push types that carry a models.SignalEvent.
var SignalEventTypes = map[string]bool{
	string(models.EventIncomingCall): true,
	string(models.EventCallRinging):  true,
	string(models.EventCallSignal):   true,
	string(models.EventCallState):    true,
	string(models.EventCallEnded):    true,
}

type SubscribeParams struct {
	Stream         Stream    `json:"stream"`
	ConversationID uuid.UUID `json:"conversation_id,omitempty"`
	// AfterSeq replays stored messages after this position before going
	// live. Only used by the messages stream.
	AfterSeq int64 `json:"after_seq,omitempty"`
}

type SendMessageParams struct {
	ConversationID uuid.UUID          `json:"conversation_id"`
	Body           string             `json:"body"`
	Kind           models.MessageKind `json:"kind,omitempty"`
}

type HistoryParams struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	BeforeSeq      int64     `json:"before_seq,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

type HistoryResult struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type TypingParams struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
}

type PresenceParams struct {
	Online bool `json:"online"`
}

type CallInitiateParams struct {
	ReceiverShortID string          `json:"receiver_short_id"`
	Kind            models.CallKind `json:"call_kind"`
	Offer           json.RawMessage `json:"offer"`
}

type CallParams struct {
	CallID uuid.UUID `json:"call_id"`
}

type CallAnswerParams struct {
	CallID uuid.UUID       `json:"call_id"`
	Answer json.RawMessage `json:"answer"`
}

type CallEndParams struct {
	CallID          uuid.UUID `json:"call_id"`
	DurationSeconds int       `json:"duration_seconds"`
}

type CallSignalParams struct {
	TargetUserID uuid.UUID     `json:"target_user_id"`
	Signal       models.Signal `json:"signal"`
}

type MediaStateParams struct {
	CallID uuid.UUID         `json:"call_id"`
	State  models.MediaState `json:"state"`
}

// Decode unmarshals request params into v.
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.Invalid("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Invalid("malformed params: %v", err)
	}
	return nil
}
