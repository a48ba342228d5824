// Package bus fans build index deltas out to subscribers (the SSE
// endpoint). Topic-less: every subscriber sees every event.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/index"
)

// BuildEvent is what subscribers receive.
type BuildEvent struct {
	Event index.Event   `json:"event"`
	Build *domain.Build `json:"build"`
}

// subscriberBuffer bounds the per-subscriber queue. A subscriber that
// falls this far behind is dropped; it reconnects and gets a fresh
// snapshot.
const subscriberBuffer = 64

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id string
	ch chan BuildEvent
}

// Events is the subscriber's receive channel. It closes when the
// subscription is cancelled or dropped.
func (s *Subscription) Events() <-chan BuildEvent {
	return s.ch
}

// Bus broadcasts build events. Publish never blocks: slow subscribers
// are disconnected rather than backpressuring the watcher.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan BuildEvent, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// twice (the second call is a no-op).
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers the event to every subscriber. A subscriber whose
// buffer is full is dropped.
func (b *Bus) Publish(event index.Event, build *domain.Build) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- BuildEvent{Event: event, Build: build}:
		default:
			slog.Warn("dropping slow event subscriber", "subscriber", id)
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// Close disconnects every subscriber. Called on shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount reports the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
