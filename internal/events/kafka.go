package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	queueSize    = 1024
	writeTimeout = 5 * time.Second
	drainTimeout = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher buffers events and writes them from a single goroutine
// through a circuit breaker. A full queue or an open breaker drops events.
type KafkaPublisher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger

	queue chan kafka.Message
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	drainTimeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newKafkaPublisher(w, log)
}

func newKafkaPublisher(w messageWriter, log *zap.Logger) *KafkaPublisher {
	log = log.Named("events")
	st := gobreaker.Settings{
		Name:        "kafka-events",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	p := &KafkaPublisher{
		writer:  w,
		breaker: gobreaker.NewCircuitBreaker(st),
		log:     log,
		queue:   make(chan kafka.Message, queueSize),
		done:    make(chan struct{}),

		drainTimeout: drainTimeout,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *KafkaPublisher) Publish(_ context.Context, key string, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("encode event failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(key), Value: value, Time: ev.At}
	select {
	case <-p.done:
	case p.queue <- msg:
	default:
		p.log.Warn("event queue full, dropping", zap.String("type", ev.Type))
	}
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case msg := <-p.queue:
			p.write(context.Background(), msg)
		}
	}
}

// drain writes what is still queued at shutdown, giving up after drainTimeout.
func (p *KafkaPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.drainTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			if ctx.Err() != nil {
				p.log.Warn("event drain timed out", zap.Int("dropped", len(p.queue)+1))
				return
			}
			p.write(ctx, msg)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(parent context.Context, msg kafka.Message) {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(parent, writeTimeout)
		defer cancel()
		return nil, p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		p.log.Warn("event write failed", zap.ByteString("key", msg.Key), zap.Error(err))
	}
}

// State exposes the breaker state for health reporting.
func (p *KafkaPublisher) State() gobreaker.State {
	return p.breaker.State()
}

// Close stops accepting events, flushes the queue and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
	return p.writer.Close()
}
