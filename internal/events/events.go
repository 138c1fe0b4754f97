// Package events emits domain events (message created/deleted, call ended)
// to an external stream for downstream consumers such as notifications and
// analytics. Emission is best effort and never blocks the realtime path.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	MessageCreated = "message.created"
	MessageDeleted = "message.deleted"
	CallEnded      = "call.ended"
)

type Event struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// New stamps an event with a fresh id and the current time.
func New(typ string, data any) Event {
	return Event{ID: uuid.New(), Type: typ, At: time.Now().UTC(), Data: data}
}

type Publisher interface {
	// Publish enqueues ev partitioned by key. It does not wait for the stream.
	Publish(ctx context.Context, key string, ev Event)
	Close() error
}

// Noop discards events. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, Event) {}
func (Noop) Close() error                           { return nil }
