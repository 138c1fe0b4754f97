package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu     sync.Mutex
	fail   bool
	calls  int
	writes []kafka.Message

	// gate, when set, blocks each write until it is closed or ctx ends.
	gate    chan struct{}
	entered chan struct{}
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.gate != nil {
		select {
		case w.entered <- struct{}{}:
		default:
		}
		select {
		case <-w.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail {
		return errors.New("broker down")
	}
	w.writes = append(w.writes, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) snapshot() (int, []kafka.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls, append([]kafka.Message(nil), w.writes...)
}

func TestKafkaPublisherWritesEvents(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, zap.NewNop())
	defer p.Close()

	p.Publish(context.Background(), "conv-1", New(MessageCreated, map[string]string{"body": "hi"}))

	require.Eventually(t, func() bool {
		_, writes := w.snapshot()
		return len(writes) == 1
	}, time.Second, 10*time.Millisecond)

	_, writes := w.snapshot()
	assert.Equal(t, "conv-1", string(writes[0].Key))
	var ev Event
	require.NoError(t, json.Unmarshal(writes[0].Value, &ev))
	assert.Equal(t, MessageCreated, ev.Type)
}

func TestKafkaPublisherBreakerOpens(t *testing.T) {
	w := &fakeWriter{fail: true}
	p := newKafkaPublisher(w, zap.NewNop())
	defer p.Close()

	for i := 0; i < 10; i++ {
		p.Publish(context.Background(), "k", New(CallEnded, nil))
	}

	require.Eventually(t, func() bool {
		return p.State() == gobreaker.StateOpen
	}, time.Second, 10*time.Millisecond)

	// Once open, the writer is no longer called.
	time.Sleep(50 * time.Millisecond)
	calls, _ := w.snapshot()
	assert.Equal(t, 3, calls)
}

func TestKafkaPublisherCloseFlushesQueue(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newKafkaPublisher(w, zap.NewNop())

	p.Publish(context.Background(), "k0", New(MessageCreated, nil))
	<-w.entered
	for i := 1; i < 5; i++ {
		p.Publish(context.Background(), "k", New(MessageCreated, nil))
	}

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	require.Eventually(t, func() bool {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	close(w.gate)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	_, writes := w.snapshot()
	assert.Len(t, writes, 5)
}

func TestKafkaPublisherDrainIsBounded(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newKafkaPublisher(w, zap.NewNop())
	p.drainTimeout = 50 * time.Millisecond
	defer close(w.gate)

	p.Publish(context.Background(), "k0", New(MessageCreated, nil))
	<-w.entered
	for i := 1; i < 5; i++ {
		p.Publish(context.Background(), "k", New(MessageCreated, nil))
	}

	start := time.Now()
	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(3 * writeTimeout):
		t.Fatal("close did not return")
	}
	assert.Less(t, time.Since(start), writeTimeout+time.Second)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = Noop{}
	p.Publish(context.Background(), "k", New(MessageDeleted, nil))
	assert.NoError(t, p.Close())
}
