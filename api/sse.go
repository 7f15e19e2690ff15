package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taglink/engine"
	"taglink/logging"
)

const (
	clientBuffer      = 64
	keepaliveInterval = 30 * time.Second
)

// sseEvent is one engine event prepared for streaming.
type sseEvent struct {
	Type       string
	Controller string // set for controller and tag events (filtering)
	Tag        string // set for tag events (filtering)
	Data       []byte
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub fans engine events out to SSE clients. A slow client loses
// events rather than blocking the bus.
type eventHub struct {
	bus *engine.EventBus
	sub engine.SubscriberID

	mu      sync.RWMutex
	clients map[string]*sseClient
	done    chan struct{}
	stopped bool
}

func newEventHub(bus *engine.EventBus) *eventHub {
	h := &eventHub{
		bus:     bus,
		clients: make(map[string]*sseClient),
		done:    make(chan struct{}),
	}
	h.sub = bus.Subscribe(h.broadcast)
	return h
}

// toSSE converts an engine event; the payload is encoded once for all
// clients.
func toSSE(ev engine.Event) (sseEvent, bool) {
	out := sseEvent{Type: ev.Type.String()}
	var data any = ev.Payload
	switch p := ev.Payload.(type) {
	case engine.ControllerEvent:
		out.Controller = p.Name
		data = map[string]string{"controller": p.Name, "error": p.Error}
		if p.Error == "" {
			data = map[string]string{"controller": p.Name}
		}
	case engine.TagEvent:
		out.Controller, out.Tag = p.Controller, p.Tag
		if p.Change != nil {
			data = p.Change
		} else {
			data = map[string]string{"controller": p.Controller, "tag": p.Tag}
		}
	case engine.SinkEvent:
		m := map[string]string{"kind": p.Kind, "name": p.Name}
		if p.Error != "" {
			m["error"] = p.Error
		}
		data = m
	case engine.PackEvent:
		data = p.Pack
	case engine.TriggerEvent:
		out.Controller = p.Controller
		data = p.Capture
	case engine.PushEvent:
		m := map[string]any{"push": p.Name, "status": p.Status}
		if p.Error != "" {
			m["error"] = p.Error
		}
		data = m
	case engine.SystemEvent:
		data = map[string]string{"detail": p.Detail}
	}
	b, err := json.Marshal(data)
	if err != nil {
		logging.DebugLog("api-sse", "encode %s event: %v", out.Type, err)
		return out, false
	}
	out.Data = b
	return out, true
}

func (h *eventHub) broadcast(ev engine.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	se, ok := toSSE(ev)
	if !ok {
		return
	}
	for _, c := range h.clients {
		select {
		case c.events <- se:
		default:
			logging.DebugLog("api-sse", "client %s buffer full, dropping %s event", c.id, se.Type)
		}
	}
}

func (h *eventHub) register() (*sseClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, false
	}
	c := &sseClient{id: uuid.NewString(), events: make(chan sseEvent, clientBuffer)}
	h.clients[c.id] = c
	return c, true
}

func (h *eventHub) unregister(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
}

func (h *eventHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// stop detaches from the bus and ends every stream.
func (h *eventHub) stop() {
	h.bus.Unsubscribe(h.sub)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.clients = make(map[string]*sseClient)
	close(h.done)
}

// eventFilter holds the query filters of one stream. Controller and tag
// filters only apply to events that carry a controller or tag.
type eventFilter struct {
	types       map[string]bool
	controllers map[string]bool
	tags        map[string]bool
}

func splitSet(s string) map[string]bool {
	if s == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = true
		}
	}
	return set
}

func parseFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	f := eventFilter{
		types:       splitSet(q.Get("types")),
		controllers: splitSet(q.Get("controllers")),
		tags:        splitSet(q.Get("tags")),
	}
	if c := q.Get("controller"); c != "" {
		if f.controllers == nil {
			f.controllers = make(map[string]bool)
		}
		f.controllers[c] = true
	}
	return f
}

func (f eventFilter) match(ev sseEvent) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	if f.controllers != nil && ev.Controller != "" && !f.controllers[ev.Controller] {
		return false
	}
	if f.tags != nil && ev.Tag != "" && !f.tags[ev.Tag] {
		return false
	}
	return true
}

// handleSSE serves GET /api/events.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	client, ok := h.hub.register()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "server stopping")
		return
	}
	defer h.hub.unregister(client)
	filter := parseFilter(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.hub.done:
			return
		case ev := <-client.events:
			if !filter.match(ev) {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
