package plcman

import (
	"sync"
	"sync/atomic"
	"time"

	"taglink/logix"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// EventConnected fires when the controller's session becomes usable,
	// after Connect or after an automatic reconnect.
	EventConnected EventType = iota
	// EventDisconnected fires when a connected (or connecting) controller
	// loses its session, whether by Disconnect, a transport fault or a
	// failed connect.
	EventDisconnected
	// EventTagChanged fires when a poll reads a value that differs from
	// the tag's cached value. Previous holds the old value.
	EventTagChanged
	// EventTagError fires when a tag fails to resolve, read or write.
	EventTagError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventTagChanged:
		return "TagChanged"
	case EventTagError:
		return "TagError"
	default:
		return "Unknown"
	}
}

// Event is delivered to listeners. Tag is nil for connection events.
type Event struct {
	Type       EventType
	Controller *Controller
	Tag        *Tag
	Value      logix.Value // new value, for EventTagChanged
	Previous   logix.Value // invalid when the tag had no value yet
	Err        error
	Time       time.Time
}

// Listener receives events synchronously on the goroutine that raised them.
// It must not block for long: a slow listener delays the poll cycle.
type Listener func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

type listenerEntry struct {
	id  ListenerID
	typ EventType
	all bool
	fn  Listener
}

// listenerSet is copy-on-write: emit works on the slice loaded at the start
// of the emission, so a listener added meanwhile only sees later events.
type listenerSet struct {
	mu   sync.Mutex
	next ListenerID
	list atomic.Pointer[[]listenerEntry]
}

func (s *listenerSet) add(e listenerEntry) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	e.id = s.next

	var cur []listenerEntry
	if p := s.list.Load(); p != nil {
		cur = *p
	}
	next := make([]listenerEntry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, e)
	s.list.Store(&next)
	return e.id
}

func (s *listenerSet) remove(id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.list.Load()
	if p == nil {
		return false
	}
	next := make([]listenerEntry, 0, len(*p))
	found := false
	for _, e := range *p {
		if e.id == id {
			found = true
			continue
		}
		next = append(next, e)
	}
	if found {
		s.list.Store(&next)
	}
	return found
}

func (s *listenerSet) emit(ev Event) {
	p := s.list.Load()
	if p == nil {
		return
	}
	for _, e := range *p {
		if e.all || e.typ == ev.Type {
			e.fn(ev)
		}
	}
}
