package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallVoice || k == CallVideo
}

type CallState string

const (
	CallInitiated CallState = "initiated"
	CallRinging   CallState = "ringing"
	CallAnswered  CallState = "answered"
	CallActive    CallState = "active"
	CallFailed    CallState = "failed"
	CallEnded     CallState = "ended"
)

// Terminal reports whether no further transition is accepted except the
// automatic FAILED -> ENDED.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

type CallEndReason string

const (
	EndHangup      CallEndReason = "hangup"
	EndTimeout     CallEndReason = "timeout"
	EndMediaFailed CallEndReason = "media_failed"
	EndUnreachable CallEndReason = "unreachable"
)

// CallSession is the persisted record of one call between two users.
type CallSession struct {
	ID              uuid.UUID     `json:"id"`
	CallerID        uuid.UUID     `json:"caller_id"`
	ReceiverID      uuid.UUID     `json:"receiver_id"`
	CallerShortID   string        `json:"caller_short_id"`
	ReceiverShortID string        `json:"receiver_short_id"`
	Kind            CallKind      `json:"kind"`
	State           CallState     `json:"state"`
	StartedAt       time.Time     `json:"started_at"`
	AnsweredAt      *time.Time    `json:"answered_at,omitempty"`
	ActiveAt        *time.Time    `json:"active_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds int           `json:"duration_seconds"`
	EndReason       CallEndReason `json:"end_reason,omitempty"`
}

// Peer returns the other participant of the call.
func (c CallSession) Peer(userID uuid.UUID) uuid.UUID {
	if userID == c.CallerID {
		return c.ReceiverID
	}
	return c.CallerID
}

// Involves reports whether userID is the caller or the receiver.
func (c CallSession) Involves(userID uuid.UUID) bool {
	return userID == c.CallerID || userID == c.ReceiverID
}

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallEnded    SignalType = "call_ended"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalCallEnded:
		return true
	}
	return false
}

// Signal is the signaling wire contract. Session descriptions and candidates
// are opaque to the relay.
type Signal struct {
	Type      SignalType      `json:"type"`
	CallID    uuid.UUID       `json:"callId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type SignalEventType string

const (
	EventIncomingCall SignalEventType = "incoming_call"
	EventCallRinging  SignalEventType = "call_ringing"
	EventCallSignal   SignalEventType = "call_signal"
	EventCallState    SignalEventType = "call_state"
	EventCallEnded    SignalEventType = "call_ended"
)

// SignalEvent is what a per-user signaling topic carries.
type SignalEvent struct {
	Event  SignalEventType `json:"event"`
	From   uuid.UUID       `json:"from,omitempty"`
	Call   *CallSession    `json:"call,omitempty"`
	Signal *Signal         `json:"signal,omitempty"`
}

type MediaState string

const (
	MediaConnecting   MediaState = "connecting"
	MediaConnected    MediaState = "connected"
	MediaDisconnected MediaState = "disconnected"
	MediaFailed       MediaState = "failed"
)

func (s MediaState) Valid() bool {
	switch s {
	case MediaConnecting, MediaConnected, MediaDisconnected, MediaFailed:
		return true
	}
	return false
}
