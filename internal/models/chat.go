package models

import (
	"time"

	"github.com/google/uuid"
)

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is a 1:1 or group chat. The participant set never changes
// after creation.
type Conversation struct {
	ID             uuid.UUID        `json:"id"`
	Kind           ConversationKind `json:"kind"`
	Name           string           `json:"name,omitempty"`
	ParticipantIDs []uuid.UUID      `json:"participant_ids"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is a conversation as listed for one user.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"last_message,omitempty"`
	// Unread counts messages from others within the unread window.
	Unread int `json:"unread"`
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"

	// MessageTombstone fills the seq of a send that could not be stored.
	// It is written deleted and never shown.
	MessageTombstone MessageKind = "tombstone"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// Message is immutable once created, except for the Deleted flag. Seq is the
// per-conversation position assigned at send time; it is the total order every
// observer agrees on. CreatedAt never decreases along Seq.
type Message struct {
	ID             uuid.UUID   `json:"id" bson:"_id"`
	ConversationID uuid.UUID   `json:"conversation_id" bson:"conversation_id"`
	Seq            int64       `json:"seq" bson:"seq"`
	SenderID       uuid.UUID   `json:"sender_id" bson:"sender_id"`
	Body           string      `json:"body" bson:"body"`
	Kind           MessageKind `json:"kind" bson:"kind"`
	CreatedAt      time.Time   `json:"created_at" bson:"created_at"`
	Deleted        bool        `json:"deleted" bson:"deleted"`
}

// Before orders messages by creation time, then id.
func (m Message) Before(o Message) bool {
	if m.Seq != o.Seq && m.Seq != 0 && o.Seq != 0 {
		return m.Seq < o.Seq
	}
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID.String() < o.ID.String()
}

type MessageEventType string

const (
	MessageCreated MessageEventType = "message"
	MessageDeleted MessageEventType = "message_deleted"
)

// MessageEvent is what a conversation topic carries.
type MessageEvent struct {
	Type    MessageEventType `json:"type"`
	Message Message          `json:"message"`
}

// TypingSignal is ephemeral and never persisted.
type TypingSignal struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	At             time.Time `json:"at"`
}
