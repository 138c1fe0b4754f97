// Package realtime is the topic publish/subscribe transport the relay
// components are built on. Delivery is at-least-once per connected subscriber
// with fan-out to every subscriber of a topic; nothing is persisted.
package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Delivery is one item received on a subscription. A delivery with Resync set
// carries no payload: it tells the consumer the underlying connection was
// re-established and events may have been missed in between.
type Delivery struct {
	Payload []byte
	Resync  bool
}

// Subscription is a live topic subscription. C is closed after Close or when
// the subscribe context is cancelled.
type Subscription interface {
	C() <-chan Delivery
	Close() error
}

// Broker publishes and subscribes to named topics.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b Broker, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, data)
}

const (
	PresenceTopic = "presence"
)

// ConversationTopic carries message created/deleted events.
func ConversationTopic(conversationID uuid.UUID) string {
	return "chat:conv:" + conversationID.String() + ":messages"
}

// TypingTopic carries typing signals for one conversation.
func TypingTopic(conversationID uuid.UUID) string {
	return "chat:conv:" + conversationID.String() + ":typing"
}

// SignalTopic is a user's private signaling channel.
func SignalTopic(userID uuid.UUID) string {
	return "signal:user:" + userID.String()
}
