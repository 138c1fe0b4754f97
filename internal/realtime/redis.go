package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
	subscribeTimeout = 5 * time.Second
)

// RedisBroker shares one Redis pub/sub connection per process and fans
// deliveries out to local subscribers. When the connection drops it
// resubscribes with exponential backoff and sends a resync marker to every
// local subscriber.
type RedisBroker struct {
	client *redis.Client
	log    *zap.Logger
	hub    *MemoryBroker

	mu      sync.Mutex
	refs    map[string]int
	waiters map[string][]chan struct{}
	pubsub  *redis.PubSub

	ctx     context.Context
	cancel  context.CancelFunc
	started sync.Once
	done    chan struct{}
}

func NewRedisBroker(client *redis.Client, log *zap.Logger) *RedisBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBroker{
		client:  client,
		log:     log,
		hub:     NewMemoryBroker(),
		refs:    make(map[string]int),
		waiters: make(map[string][]chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe returns once Redis has confirmed the channel subscription, so any
// publish that happens after it returns is delivered.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.started.Do(func() { go b.run() })

	inner, err := b.hub.Subscribe(context.Background(), topic)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.refs[topic]++
	var ready chan struct{}
	if b.refs[topic] == 1 {
		ready = make(chan struct{})
		b.waiters[topic] = append(b.waiters[topic], ready)
		if b.pubsub != nil {
			if err := b.pubsub.Subscribe(b.ctx, topic); err != nil {
				b.log.Warn("redis subscribe failed, will retry on reconnect", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
	b.mu.Unlock()

	sub := &redisSubscription{inner: inner, broker: b, topic: topic, done: make(chan struct{})}
	if ready != nil {
		select {
		case <-ready:
		case <-time.After(subscribeTimeout):
			sub.Close()
			return nil, errors.New("redis subscribe not confirmed")
		case <-ctx.Done():
			sub.Close()
			return nil, ctx.Err()
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (b *RedisBroker) release(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[topic]--
	if b.refs[topic] > 0 {
		return
	}
	delete(b.refs, topic)
	delete(b.waiters, topic)
	if b.pubsub != nil {
		if err := b.pubsub.Unsubscribe(b.ctx, topic); err != nil {
			b.log.Debug("redis unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (b *RedisBroker) run() {
	defer close(b.done)

	backoff := minBackoff
	reconnect := false

	for {
		if b.ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		topics := make([]string, 0, len(b.refs))
		for t := range b.refs {
			topics = append(topics, t)
		}
		ps := b.client.Subscribe(b.ctx, topics...)
		b.pubsub = ps
		b.mu.Unlock()

		if reconnect {
			b.log.Info("redis subscriber reconnected", zap.Int("topics", len(topics)))
			for _, t := range topics {
				b.hub.Resync(t)
			}
		}

		err := b.receive(ps, &backoff)

		b.mu.Lock()
		b.pubsub = nil
		b.mu.Unlock()
		_ = ps.Close()

		if b.ctx.Err() != nil {
			return
		}
		b.log.Warn("redis subscriber error", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-b.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		reconnect = true
	}
}

func (b *RedisBroker) receive(ps *redis.PubSub, backoff *time.Duration) error {
	for {
		msg, err := ps.Receive(b.ctx)
		if err != nil {
			return err
		}
		*backoff = minBackoff

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
		case *redis.Message:
			if err := b.hub.Publish(b.ctx, m.Channel, []byte(m.Payload)); err != nil {
				return err
			}
		}
	}
}

func (b *RedisBroker) confirm(topic string) {
	b.mu.Lock()
	ws := b.waiters[topic]
	delete(b.waiters, topic)
	b.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}

// Close stops the subscriber loop and closes local subscriptions. The Redis
// client itself is owned by the caller.
func (b *RedisBroker) Close() error {
	b.cancel()
	b.started.Do(func() { close(b.done) })
	<-b.done
	return b.hub.Close()
}

type redisSubscription struct {
	inner  Subscription
	broker *RedisBroker
	topic  string
	once   sync.Once
	done   chan struct{}
}

func (s *redisSubscription) C() <-chan Delivery { return s.inner.C() }

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.inner.Close()
		s.broker.release(s.topic)
	})
	return nil
}
