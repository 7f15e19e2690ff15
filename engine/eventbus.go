package engine

import (
	"sync"
	"time"
)

// SubscriberID identifies a subscription for Unsubscribe.
type SubscriberID uint64

type subscriber struct {
	fn    func(Event)
	types map[EventType]bool // nil means all
}

// EventBus delivers engine events to subscribers synchronously, in
// subscription order.
type EventBus struct {
	mu     sync.RWMutex
	nextID SubscriberID
	order  []SubscriberID
	subs   map[SubscriberID]subscriber
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[SubscriberID]subscriber)}
}

// Subscribe registers fn for all events.
func (b *EventBus) Subscribe(fn func(Event)) SubscriberID {
	return b.add(subscriber{fn: fn})
}

// SubscribeTypes registers fn for the listed event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) SubscriberID {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(subscriber{fn: fn, types: set})
}

func (b *EventBus) add(s subscriber) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = s
	b.order = append(b.order, b.nextID)
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *EventBus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

// Emit stamps e and delivers it.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		s := b.subs[id]
		if s.types == nil || s.types[e.Type] {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(e)
	}
}
