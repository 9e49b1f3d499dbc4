// Package bus provides an in-process event bus. The session registry and the
// shutdown orchestrator publish lifecycle notifications on it; the HTTP
// event stream and tests subscribe.
package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	. "github.com/roelfdiedericks/devbrowser/internal/logging"
)

// Well-known topics.
const (
	TopicPageCreated      = "page.created"
	TopicPageClosed       = "page.closed"
	TopicLifecycleChanged = "lifecycle.changed"

	// TopicAll subscribes to every topic.
	TopicAll = "*"
)

// Event represents a notification broadcast to subscribers (pub/sub pattern)
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// Bus fans events out to subscribers. A nil *Bus drops everything.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	wg     sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for a topic (or TopicAll).
// Returns a SubscriptionID that can be used to unsubscribe.
func (b *Bus) Subscribe(topic string, handler EventHandler) SubscriptionID {
	if b == nil {
		return 0
	}
	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	L_trace("bus: subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			L_trace("bus: unsubscribed", "topic", topic, "subscriptionID", id)
			return true
		}
	}
	return false
}

// Publish broadcasts an event to the topic's subscribers and to TopicAll
// subscribers. Handlers run asynchronously, each in its own goroutine.
func (b *Bus) Publish(topic string, data any) {
	if b == nil {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[topic])+len(b.subs[TopicAll]))
	targets = append(targets, b.subs[topic]...)
	if topic != TopicAll {
		targets = append(targets, b.subs[TopicAll]...)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		L_trace("bus: event published (no subscribers)", "topic", topic)
		return
	}
	L_debug("bus: event published", "topic", topic, "subscribers", len(targets))

	for _, sub := range targets {
		b.wg.Add(1)
		go func(s subscription) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	if b == nil {
		return
	}
	b.wg.Wait()
}

// Topics returns all topics with active subscriptions, sorted.
func (b *Bus) Topics() []string {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Count returns the number of subscribers for a topic
func (b *Bus) Count(topic string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
