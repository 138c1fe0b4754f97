package wsclient

import (
	"sync"
)

const feedBuffer = 64

// sink is a feed as the reader sees it.
type sink interface {
	deliver(v any, quit <-chan struct{}) bool
	finish()
}

// feed hands events to the consumer. in is never closed; the pump is the only
// goroutine that sends on or closes out.
type feed[T any] struct {
	in   chan T
	out  chan T
	done chan struct{}
	once sync.Once
	stop func()
}

func newFeed[T any](stop func()) *feed[T] {
	f := &feed[T]{
		in:   make(chan T, feedBuffer),
		out:  make(chan T),
		done: make(chan struct{}),
		stop: stop,
	}
	go f.pump()
	return f
}

func (f *feed[T]) pump() {
	defer close(f.out)
	for {
		select {
		case v := <-f.in:
			select {
			case f.out <- v:
			case <-f.done:
				return
			}
		case <-f.done:
			return
		}
	}
}

func (f *feed[T]) C() <-chan T { return f.out }

// Close unsubscribes. It is safe to call more than once.
func (f *feed[T]) Close() error {
	f.once.Do(func() {
		close(f.done)
		if f.stop != nil {
			f.stop()
		}
	})
	return nil
}

// finish closes the feed without unsubscribing; the client is going away.
func (f *feed[T]) finish() {
	f.once.Do(func() { close(f.done) })
}

// deliver blocks while the consumer is behind, which in turn stalls the
// socket reader.
func (f *feed[T]) deliver(v any, quit <-chan struct{}) bool {
	ev, ok := v.(T)
	if !ok {
		return false
	}
	select {
	case f.in <- ev:
		return true
	case <-f.done:
	case <-quit:
	}
	return false
}
