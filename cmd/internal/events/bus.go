// Package events is the in-process publish/subscribe point between producers
// (gateway, delivery pipeline, call state machine) and consumers (fan-out, notifications,
// presence mirror).
//
// Delivery is synchronous within Publish, at-most-once and best-effort. A subscriber that
// returns an error or panics is logged and skipped; the publisher never observes it.
// Subscribers that need durability must persist on their own.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hirewire/cmd/internal/metrics"
)

// Topic names an event stream.
type Topic string

const (
	TopicPresenceChanged  Topic = "presence-changed"
	TopicNewMessage       Topic = "new-message"
	TopicMessageRead      Topic = "message-read"
	TopicCallStateChanged Topic = "call-state-changed"

	// TopicPresenceHeartbeat fires on every successful connection heartbeat. Only read
	// models with expiring state (the Redis mirror) consume it.
	TopicPresenceHeartbeat Topic = "presence-heartbeat"
)

// Event is one published occurrence. Payload is one of the payload structs in this package.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload any
}

// Handler consumes an event. It runs on the publisher's goroutine and must not block for long.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus fans events out to subscribers registered per topic.
type Bus struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscription
}

// NewBus constructs an empty bus. log and m may be nil.
func NewBus(log *slog.Logger, m *metrics.Metrics) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:     log,
		metrics: m,
		subs:    make(map[Topic][]subscription),
	}
}

// Subscribe registers h under name for each topic and returns a function that removes it.
func (b *Bus) Subscribe(name string, h Handler, topics ...Topic) (unsubscribe func()) {
	if h == nil || len(topics) == 0 {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], subscription{id: id, name: name, handler: h})
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range topics {
				list := b.subs[t]
				kept := list[:0:0]
				for _, s := range list {
					if s.id != id {
						kept = append(kept, s)
					}
				}
				if len(kept) == 0 {
					delete(b.subs, t)
				} else {
					b.subs[t] = kept
				}
			}
		})
	}
}

// Publish delivers payload to every subscriber of topic in registration order and returns
// how many handled it without error.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) int {
	if b == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.RLock()
	snapshot := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	b.metrics.Published(string(topic))

	ev := Event{Topic: topic, At: time.Now().UTC(), Payload: payload}
	ok := 0
	for _, s := range snapshot {
		if err := b.dispatch(ctx, s, ev); err != nil {
			b.metrics.SubscriberFailed(string(topic), s.name)
			b.log.Warn("bus.subscriber.fail", "topic", string(topic), "subscriber", s.name, "err", err)
			continue
		}
		ok++
	}
	return ok
}

func (b *Bus) dispatch(ctx context.Context, s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

// Subscribers lists subscriber names for topic, sorted. Diagnostics only.
func (b *Bus) Subscribers(topic Topic) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		out = append(out, s.name)
	}
	sort.Strings(out)
	return out
}
