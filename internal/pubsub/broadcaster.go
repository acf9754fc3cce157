package pubsub

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/xaionaro-go/eventbus"
)

// bus is the part of eventbus.Bus a broadcaster needs.
type bus interface {
	Subscribe(topic string, fn interface{}) error
	Unsubscribe(topic string, handler interface{}) error
	Publish(topic string, args ...interface{})
}

// Broadcaster fans a value out to every subscriber in subscription order.
// The zero value is ready to use.
//
// Each subscriber owns a topic on a private event bus, since the bus tells
// handlers apart by code pointer and closures built from the same literal
// would collide. Delivery is synchronous; a subscriber must not subscribe to
// or publish on the broadcaster that is calling it.
type Broadcaster[T any] struct {
	setup sync.Once
	bus   bus

	mu     sync.Mutex
	next   uint64
	topics []string
}

func (b *Broadcaster[T]) eventBus() bus {
	b.setup.Do(func() {
		b.bus = eventbus.New()
	})
	return b.bus
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once, including from inside fn.
func (b *Broadcaster[T]) Subscribe(fn func(T)) func() {
	eb := b.eventBus()

	var active atomic.Bool
	active.Store(true)
	handler := func(v T) {
		if !active.Load() {
			return
		}
		deliver(fn, v)
	}

	b.mu.Lock()
	topic := "subscriber/" + strconv.FormatUint(b.next, 10)
	b.next++
	if err := eb.Subscribe(topic, handler); err != nil {
		b.mu.Unlock()
		slog.Error("failed to subscribe", "topic", topic, "error", err)
		return func() {}
	}
	b.topics = append(b.topics, topic)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			active.Store(false)
			b.mu.Lock()
			for i, t := range b.topics {
				if t == topic {
					b.topics = append(b.topics[:i:i], b.topics[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			// The bus holds its lock while a handler runs.
			go func() {
				if err := eb.Unsubscribe(topic, handler); err != nil {
					slog.Debug("failed to unsubscribe", "topic", topic, "error", err)
				}
			}()
		})
	}
}

// Listen returns a channel fed with published values until ctx is done.
// Values are dropped when the channel buffer is full.
func (b *Broadcaster[T]) Listen(ctx context.Context, buffer int) <-chan T {
	ch := make(chan T, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := b.Subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// Publish calls every subscriber synchronously. A panicking subscriber is
// logged and does not prevent delivery to the others.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	topics := append([]string(nil), b.topics...)
	b.mu.Unlock()
	if len(topics) == 0 {
		return
	}
	eb := b.eventBus()
	for _, topic := range topics {
		eb.Publish(topic, v)
	}
}

func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func deliver[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber panicked", "panic", r)
		}
	}()
	fn(v)
}
