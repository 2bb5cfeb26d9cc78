// Package events provides the entity lifecycle event bus.
//
// Entity types publish "<canonical>.created", "<canonical>.updated" and
// "<canonical>.deleted" after each successful write.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Lifecycle actions.
const (
	Created = "created"
	Updated = "updated"
	Deleted = "deleted"
)

// Event is a published lifecycle event.
type Event struct {
	// Name is the topic, e.g. "widget.created".
	Name string

	// Type is the declared name of the entity type that emitted the event.
	Type string

	// Action is the lifecycle action (Created, Updated, Deleted).
	Action string

	// ID is the affected instance id.
	ID string

	// Data is the written record, when there is one.
	Data map[string]any
}

// Topic returns the event name for an entity type and action.
func Topic(canonical, action string) string {
	return canonical + "." + action
}

// Handler processes an event.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
	logger   zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// Subscribe registers a handler and returns a function that removes it.
// Patterns:
//   - "widget.created" - exact match
//   - "widget.*" - every event of one type
//   - "*" - every event
func (b *Bus) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[pattern] = append(b.handlers[pattern], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[pattern]
		for i, s := range subs {
			if s.id == id {
				b.handlers[pattern] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// matching returns the handlers for name: exact subscribers first, then the
// type wildcard, then the global wildcard.
func (b *Bus) matching(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Handler
	add := func(pattern string) {
		for _, s := range b.handlers[pattern] {
			matched = append(matched, s.handler)
		}
	}
	add(name)
	if prefix, _, ok := strings.Cut(name, "."); ok && prefix != "" {
		add(prefix + ".*")
	}
	if name != "*" {
		add("*")
	}
	return matched
}

// Publish calls every matching handler in order. Handler errors are logged
// and do not stop delivery.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.logger.Debug().
		Str("event", event.Name).
		Str("type", event.Type).
		Str("id", event.ID).
		Msg("event emitted")

	for _, handler := range b.matching(event.Name) {
		if err := handler(ctx, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event.Name).
				Msg("event handler error")
		}
	}
}

// PublishAsync publishes on a new goroutine.
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	go b.Publish(context.WithoutCancel(ctx), event)
}

// HasSubscribers reports whether any handler would receive name.
func (b *Bus) HasSubscribers(name string) bool {
	return len(b.matching(name)) > 0
}
