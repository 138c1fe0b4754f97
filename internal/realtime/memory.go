package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process Broker for single-node deployments and tests.
// Each subscriber has an unbounded mailbox, so a slow consumer never blocks a
// publisher and never loses events.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for s := range b.topics[topic] {
		data := make([]byte, len(payload))
		copy(data, payload)
		s.push(Delivery{Payload: data})
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	s := newMemorySubscription(func(s *memorySubscription) { b.remove(topic, s) })
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Resync pushes a resync marker to every subscriber of topic, as a network
// broker does after reconnecting.
func (b *MemoryBroker) Resync(topic string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.topics[topic] {
		s.push(Delivery{Resync: true})
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.topics {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.topics = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}

func (b *MemoryBroker) remove(topic string, s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

type memorySubscription struct {
	mu      sync.Mutex
	queue   []Delivery
	notify  chan struct{}
	out     chan Delivery
	done    chan struct{}
	once    sync.Once
	onClose func(*memorySubscription)
}

func newMemorySubscription(onClose func(*memorySubscription)) *memorySubscription {
	s := &memorySubscription{
		notify:  make(chan struct{}, 1),
		out:     make(chan Delivery),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

func (s *memorySubscription) push(d Delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- d:
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) C() <-chan Delivery { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.onClose(s)
	})
	return nil
}
