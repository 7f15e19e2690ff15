package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taglink/config"
	"taglink/engine"
	"taglink/message"
	"taglink/push"
	"taglink/tagpack"
	"taglink/trigger"
)

// Backend is what the API needs from the engine. *engine.Engine satisfies it.
type Backend interface {
	Values() []engine.ValueInfo
	ControllerInfos() []engine.ControllerInfo
	ControllerInfo(name string) (engine.ControllerInfo, error)
	ControllerName(ref string) (string, bool)
	Identify(ctx context.Context, name string) (engine.DeviceInfo, error)
	Browse(ctx context.Context, name string) ([]engine.SymbolInfo, error)
	Tags(controller string) ([]engine.TagInfo, error)
	TagInfo(controller, path string) (engine.TagInfo, error)
	WriteTag(controller, path string, value any) error
	AddController(cc config.ControllerConfig) (engine.ControllerInfo, error)
	RemoveController(name string) error
	AddTag(controller string, tc config.TagConfig) (engine.TagInfo, error)
	SinkStatuses() []engine.SinkStatus
	ForcePublishAll() int
	Packs() []tagpack.Info
	PackValue(name string) (*message.Pack, error)
	PublishPack(name string) error
	Triggers() []trigger.Info
	FireTrigger(name string) error
	ResetTrigger(name string) error
	Pushes() []push.Info
	FirePush(ctx context.Context, name string) error
	ResetPush(name string) error
	EventBus() *engine.EventBus
}

var _ Backend = (*engine.Engine)(nil)

// maxBody bounds request bodies.
const maxBody = 1 << 20

type handlers struct {
	backend Backend
	hub     *eventHub
}

// newRouter builds the /api routes. With a username configured every route
// requires basic auth.
func newRouter(b Backend, cfg config.APIConfig, hub *eventHub) chi.Router {
	h := &handlers{backend: b, hub: hub}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.Username != "" {
		r.Use(basicAuth(cfg.Username, cfg.PasswordHash))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/values", h.handleValues)
		r.Get("/sinks", h.handleSinks)
		r.Post("/publish", h.handleForcePublish)
		if hub != nil {
			r.Get("/events", h.handleSSE)
		}

		r.Get("/packs", h.handleListPacks)
		r.Get("/packs/{name}", h.handleGetPack)
		r.Post("/packs/{name}/publish", h.handlePublishPack)

		r.Get("/triggers", h.handleListTriggers)
		r.Post("/triggers/{name}/fire", h.handleFireTrigger)
		r.Post("/triggers/{name}/reset", h.handleResetTrigger)
		r.Get("/pushes", h.handleListPushes)
		r.Post("/pushes/{name}/fire", h.handleFirePush)
		r.Post("/pushes/{name}/reset", h.handleResetPush)

		r.Get("/controllers", h.handleListControllers)
		r.Post("/controllers", h.handleCreateController)
		r.Route("/controllers/{id}", func(r chi.Router) {
			r.Get("/", h.handleControllerDetails)
			r.Delete("/", h.handleDeleteController)
			r.Get("/identity", h.handleIdentity)
			r.Get("/browse", h.handleBrowse)
			r.Get("/tags", h.handleListTags)
			r.Post("/tags", h.handleCreateTag)
			r.Get("/tags/*", h.handleGetTag)
			r.Put("/tags/*", h.handleWriteTag)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a JSON body keeping numbers exact.
func decodeJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// controller resolves the {id} parameter, a name or registry ID.
func (h *handlers) controller(w http.ResponseWriter, r *http.Request) (string, bool) {
	ref, _ := url.PathUnescape(chi.URLParam(r, "id"))
	name, ok := h.backend.ControllerName(ref)
	if !ok {
		writeError(w, http.StatusNotFound, "controller not found")
		return "", false
	}
	return name, true
}

func tagParam(r *http.Request) string {
	path, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		return chi.URLParam(r, "*")
	}
	return path
}

func (h *handlers) handleValues(w http.ResponseWriter, r *http.Request) {
	values := h.backend.Values()
	sort.Slice(values, func(i, j int) bool {
		if values[i].Address != values[j].Address {
			return values[i].Address < values[j].Address
		}
		return values[i].Tag < values[j].Tag
	})
	writeJSON(w, http.StatusOK, values)
}

func (h *handlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	sinks := h.backend.SinkStatuses()
	if sinks == nil {
		sinks = []engine.SinkStatus{}
	}
	writeJSON(w, http.StatusOK, sinks)
}

func (h *handlers) handleForcePublish(w http.ResponseWriter, r *http.Request) {
	n := h.backend.ForcePublishAll()
	writeJSON(w, http.StatusOK, map[string]int{"published": n})
}

func (h *handlers) handleListControllers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.ControllerInfos())
}

func (h *handlers) handleControllerDetails(w http.ResponseWriter, r *http.Request) {
	name, ok := h.controller(w, r)
	if !ok {
		return
	}
	info, err := h.backend.ControllerInfo(name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) handleIdentity(w http.ResponseWriter, r *http.Request) {
	name, ok := h.controller(w, r)
	if !ok {
		return
	}
	info, err := h.backend.Identify(r.Context(), name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleBrowse lists the symbols of the controller, not only the registered
// tags.
func (h *handlers) handleBrowse(w http.ResponseWriter, r *http.Request) {
	name, ok := h.controller(w, r)
	if !ok {
		return
	}
	syms, err := h.backend.Browse(r.Context(), name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if syms == nil {
		syms = []engine.SymbolInfo{}
	}
	writeJSON(w, http.StatusOK, syms)
}

func (h *handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	name, ok := h.controller(w, r)
	if !ok {
		return
	}
	tags, err := h.backend.Tags(name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (h *handlers) handleGetTag(w http.ResponseWriter, r *http.Request) {
	name, ok := h.controller(w, r)
	if !ok {
		return
	}
	info, err := h.backend.TagInfo(name, tagParam(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type writeBody struct {
	ID    string `json:"id,omitempty"`
	Value any    `json:"value"`
}

// handleWriteTag queues a write. The response is 202: the value reaches the
// controller on its next poll cycle.
func (h *handlers) handleWriteTag(w http.ResponseWriter, r *http.Request) {
	name, ok := h.controller(w, r)
	if !ok {
		return
	}
	var body writeBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	req := &message.WriteRequest{ID: body.ID, Controller: name, Tag: tagParam(r), Value: body.Value}
	if err := h.backend.WriteTag(name, req.Tag, req.Value); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req.Result(nil))
}
