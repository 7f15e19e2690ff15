package api

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"taglink/config"
	"taglink/eip"
	"taglink/engine"
	"taglink/logix"
	"taglink/plcman"
	"taglink/push"
	"taglink/tagpack"
	"taglink/trigger"
)

// writeEngineError maps engine and poll errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyExists), errors.Is(err, plcman.ErrTagExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotWritable):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, logix.ErrTypeMismatch), errors.Is(err, logix.ErrAddress):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, plcman.ErrControllerClosed), errors.Is(err, eip.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Controllers ---

type tagRequest struct {
	Path      string `json:"path"`
	Program   string `json:"program"`
	ArrayDims int    `json:"array_dims"`
	ArraySize int    `json:"array_size"`
	Writable  bool   `json:"writable"`
}

func (t tagRequest) config() config.TagConfig {
	return config.TagConfig{
		Path:      t.Path,
		Program:   t.Program,
		ArrayDims: t.ArrayDims,
		ArraySize: t.ArraySize,
		Writable:  t.Writable,
	}
}

type controllerRequest struct {
	Name     string       `json:"name"`
	Address  string       `json:"address"`
	Port     int          `json:"port"`
	Slot     *int         `json:"slot"`
	PollRate string       `json:"poll_rate"`
	Timeout  string       `json:"timeout"`
	Tags     []tagRequest `json:"tags"`
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New(field + ": invalid duration " + s)
	}
	return d, nil
}

func (h *handlers) handleCreateController(w http.ResponseWriter, r *http.Request) {
	var req controllerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pollRate, err := parseDuration("poll_rate", req.PollRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout, err := parseDuration("timeout", req.Timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cc := config.ControllerConfig{
		Name:     req.Name,
		Address:  req.Address,
		Port:     req.Port,
		Slot:     req.Slot,
		Enabled:  true,
		PollRate: pollRate,
		Timeout:  timeout,
	}
	for _, t := range req.Tags {
		cc.Tags = append(cc.Tags, t.config())
	}

	info, err := h.backend.AddController(cc)
	if err != nil && !errors.Is(err, engine.ErrSaveFailed) {
		writeEngineError(w, err)
		return
	}
	// the controller runs even when the config file could not be written
	writeJSON(w, http.StatusCreated, info)
}

func (h *handlers) handleDeleteController(w http.ResponseWriter, r *http.Request) {
	name, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := h.backend.RemoveController(name); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tags ---

func (h *handlers) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	name, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req tagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := h.backend.AddTag(name, req.config())
	if err != nil && !errors.Is(err, engine.ErrSaveFailed) {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// --- Packs ---

// nameParam resolves the {name} parameter of packs, triggers and pushes.
func nameParam(r *http.Request) string {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		return chi.URLParam(r, "name")
	}
	return name
}

func (h *handlers) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs := h.backend.Packs()
	if packs == nil {
		packs = []tagpack.Info{}
	}
	writeJSON(w, http.StatusOK, packs)
}

func (h *handlers) handleGetPack(w http.ResponseWriter, r *http.Request) {
	p, err := h.backend.PackValue(nameParam(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) handlePublishPack(w http.ResponseWriter, r *http.Request) {
	name := nameParam(r)
	if err := h.backend.PublishPack(name); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"published": name})
}

// --- Triggers and pushes ---

func (h *handlers) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers := h.backend.Triggers()
	if triggers == nil {
		triggers = []trigger.Info{}
	}
	writeJSON(w, http.StatusOK, triggers)
}

// handleFireTrigger captures synchronously; a failed capture is a 502.
func (h *handlers) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	name := nameParam(r)
	if err := h.backend.FireTrigger(name); err != nil {
		if errors.Is(err, engine.ErrNotFound) || errors.Is(err, engine.ErrInvalidInput) {
			writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fired": name})
}

func (h *handlers) handleResetTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.ResetTrigger(nameParam(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleListPushes(w http.ResponseWriter, r *http.Request) {
	pushes := h.backend.Pushes()
	if pushes == nil {
		pushes = []push.Info{}
	}
	writeJSON(w, http.StatusOK, pushes)
}

func (h *handlers) handleFirePush(w http.ResponseWriter, r *http.Request) {
	name := nameParam(r)
	if err := h.backend.FirePush(r.Context(), name); err != nil {
		if errors.Is(err, engine.ErrNotFound) || errors.Is(err, engine.ErrInvalidInput) {
			writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sent": name})
}

func (h *handlers) handleResetPush(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.ResetPush(nameParam(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
