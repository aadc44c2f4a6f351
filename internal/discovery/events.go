package discovery

import (
	"log/slog"
	"sort"
	"sync"
)

// eventBus fans out Events to every registered listener in registration
// order, recovering from a panicking listener so one broken consumer
// never blocks another (same discipline as SubscriptionMux listener
// fan-out, spec §4.2 invariants).
type eventBus struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[int]func(Event)
	nextID    int
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{logger: logger, listeners: make(map[int]func(Event))}
}

// on registers callback and returns a function that unregisters it.
func (b *eventBus) on(callback func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = callback
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *eventBus) emit(e Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, b.listeners[id])
	}
	b.mu.Unlock()

	for _, cb := range callbacks {
		b.safeInvoke(cb, e)
	}
}

func (b *eventBus) safeInvoke(cb func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("discovery: event listener panicked", "recover", r, "event", e.Kind)
		}
	}()
	cb(e)
}
