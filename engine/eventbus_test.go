package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects events; safe for concurrent emitters.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestEventBus_Filtering(t *testing.T) {
	bus := NewEventBus()
	var all, packs recorder
	bus.Subscribe(all.add)
	bus.SubscribeTypes(packs.add, EventPackPublished, EventTriggerFired)

	bus.Emit(Event{Type: EventControllerAdded, Payload: ControllerEvent{Name: "line1"}})
	bus.Emit(Event{Type: EventPackPublished, Payload: PackEvent{Name: "line"}})
	bus.Emit(Event{Type: EventSinkStarted, Payload: SinkEvent{Kind: "mqtt", Name: "broker"}})
	bus.Emit(Event{Type: EventTriggerFired, Payload: TriggerEvent{Name: "done"}})

	assert.Equal(t, []EventType{EventControllerAdded, EventPackPublished, EventSinkStarted, EventTriggerFired}, all.types())
	assert.Equal(t, []EventType{EventPackPublished, EventTriggerFired}, packs.types())
	assert.Equal(t, "line", packs.events[0].Payload.(PackEvent).Name)
	for _, e := range all.events {
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	var order []string
	bus.Subscribe(func(Event) { order = append(order, "first") })
	mid := bus.Subscribe(func(Event) { order = append(order, "second") })
	bus.Subscribe(func(Event) { order = append(order, "third") })

	bus.Emit(Event{Type: EventTagChanged})
	bus.Unsubscribe(mid)
	bus.Unsubscribe(mid)
	bus.Unsubscribe(999)
	bus.Emit(Event{Type: EventTagChanged})

	assert.Equal(t, []string{"first", "second", "third", "first", "third"}, order)
}

func TestEventBus_SubscribeDuringEmit(t *testing.T) {
	bus := NewEventBus()
	var late recorder
	var once sync.Once
	bus.Subscribe(func(Event) {
		once.Do(func() { bus.Subscribe(late.add) })
	})

	bus.Emit(Event{Type: EventTagAdded})
	assert.Empty(t, late.types(), "the event in progress is not delivered")
	bus.Emit(Event{Type: EventTagWritten})
	assert.Equal(t, []EventType{EventTagWritten}, late.types())
}

func TestEventBus_ConcurrentEmit(t *testing.T) {
	bus := NewEventBus()
	var rec recorder
	bus.Subscribe(rec.add)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(Event{Type: EventPushSent, Payload: PushEvent{Name: "notify", Status: 200}})
		}()
	}
	wg.Wait()
	require.Len(t, rec.types(), 100)
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		typ  EventType
		want string
	}{
		{EventControllerConnected, "controller_connected"},
		{EventTagChanged, "tag_changed"},
		{EventSinkFailed, "sink_failed"},
		{EventPackPublished, "pack_published"},
		{EventTriggerFired, "trigger_fired"},
		{EventPushSent, "push_sent"},
		{EventType(999), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.typ.String())
	}
}
