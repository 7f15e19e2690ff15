package engine

import (
	"fmt"
	"time"

	"taglink/config"
	"taglink/logix"
	"taglink/message"
	"taglink/plcman"
)

// TagInfo is the externally visible state of one tag.
type TagInfo struct {
	Index    int       `json:"index"`
	Name     string    `json:"name"`
	Type     string    `json:"type,omitempty"`
	Value    any       `json:"value"`
	Quality  string    `json:"quality"`
	Error    string    `json:"error,omitempty"`
	Updated  time.Time `json:"updated,omitempty"`
	Writable bool      `json:"writable"`
}

// ValueInfo is one entry of the value snapshot.
type ValueInfo struct {
	Address string `json:"address"`
	Tag     string `json:"tag"`
	Value   any    `json:"value"`
}

func (e *Engine) tagInfo(t *plcman.Tag) TagInfo {
	e.mu.RLock()
	writable := e.writable[t]
	e.mu.RUnlock()

	info := TagInfo{
		Index:    t.Index(),
		Name:     t.Name(),
		Quality:  message.QualityGood,
		Updated:  t.Updated(),
		Writable: writable,
	}
	if ti := t.Type(); ti != nil {
		info.Type = ti.String()
	}
	if v := t.Value(); v.IsValid() {
		info.Value = v.Interface()
	}
	if t.Stale() || !t.Value().IsValid() {
		info.Quality = message.QualityStale
	}
	if err := t.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// Tags lists the tags of a controller in registration order.
func (e *Engine) Tags(controller string) ([]TagInfo, error) {
	c := e.Controller(controller)
	if c == nil {
		return nil, fmt.Errorf("%w: controller %q", ErrNotFound, controller)
	}
	tags := c.Tags()
	out := make([]TagInfo, len(tags))
	for i, t := range tags {
		out[i] = e.tagInfo(t)
	}
	return out, nil
}

// TagInfo returns one tag by path; a "Program:Name." prefix scopes it.
func (e *Engine) TagInfo(controller, path string) (TagInfo, error) {
	t, err := e.findTag(controller, path)
	if err != nil {
		return TagInfo{}, err
	}
	return e.tagInfo(t), nil
}

// Values returns every valid cached value across all controllers.
func (e *Engine) Values() []ValueInfo {
	if e.registry == nil {
		return nil
	}
	values := e.registry.GetAllValues()
	out := make([]ValueInfo, 0, len(values))
	for k, v := range values {
		out = append(out, ValueInfo{Address: k.Address, Tag: k.Path, Value: v.Interface()})
	}
	return out
}

func (e *Engine) findTag(controller, path string) (*plcman.Tag, error) {
	c := e.Controller(controller)
	if c == nil {
		return nil, fmt.Errorf("%w: controller %q", ErrNotFound, controller)
	}
	t := c.FindTag(path, "")
	if t == nil {
		return nil, fmt.Errorf("%w: tag %q on %s", ErrNotFound, path, controller)
	}
	return t, nil
}

// Write implements message.Writer for the broker sinks.
func (e *Engine) Write(req *message.WriteRequest) error {
	return e.WriteTag(req.Controller, req.Tag, req.Value)
}

// WriteTag queues value for a registered writable tag. The value may be any
// plain Go value as decoded from JSON, YAML or CBOR.
func (e *Engine) WriteTag(controller, path string, value any) error {
	t, err := e.findTag(controller, path)
	if err != nil {
		return err
	}
	e.mu.RLock()
	writable := e.writable[t]
	e.mu.RUnlock()
	if !writable {
		return fmt.Errorf("%w: %s on %s", ErrNotWritable, t.Name(), controller)
	}

	v, err := logix.ValueOf(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := t.SetValue(v); err != nil {
		return err
	}
	e.emit(EventTagWritten, TagEvent{Controller: controller, Tag: t.Name()})
	return nil
}

// AddTag registers a tag on a running controller and records it in the
// configuration.
func (e *Engine) AddTag(controller string, tc config.TagConfig) (TagInfo, error) {
	c := e.Controller(controller)
	if c == nil {
		return TagInfo{}, fmt.Errorf("%w: controller %q", ErrNotFound, controller)
	}
	if tc.Path == "" {
		return TagInfo{}, fmt.Errorf("%w: tag path is required", ErrInvalidInput)
	}

	e.mu.Lock()
	t, err := e.addTagLocked(c, tc)
	e.mu.Unlock()
	if err != nil {
		return TagInfo{}, err
	}

	e.cfg.Lock()
	if cc := e.cfg.FindController(controller); cc != nil {
		cc.Tags = append(cc.Tags, tc)
	}
	if err := e.saveConfig(); err != nil {
		return e.tagInfo(t), err
	}
	e.emit(EventTagAdded, TagEvent{Controller: controller, Tag: t.Name()})
	return e.tagInfo(t), nil
}

// saveConfig releases the config lock, saving first when a path is set.
// The caller must hold the lock.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	if err := e.cfg.UnlockAndSave(e.configPath); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}
