package engine

import (
	"context"
	"errors"
	"fmt"

	"taglink/config"
	"taglink/logix"
	"taglink/message"
	"taglink/push"
	"taglink/trigger"
)

// tagAccess reads cached values and writes ack tags for triggers and
// pushes. Ack writes skip the writable flag: naming a tag as ack_tag
// allows writing it.
type tagAccess struct{ e *Engine }

func (a tagAccess) ReadTag(controller, tag string) (any, error) {
	t, err := a.e.findTag(controller, tag)
	if err != nil {
		return nil, err
	}
	if t.Stale() {
		return nil, fmt.Errorf("%s on %s is stale: %v", tag, controller, t.Err())
	}
	v := t.Value()
	if !v.IsValid() {
		return nil, fmt.Errorf("%s on %s has no value yet", tag, controller)
	}
	return v.Interface(), nil
}

func (a tagAccess) WriteTag(controller, tag string, value any) error {
	t, err := a.e.findTag(controller, tag)
	if err != nil {
		return err
	}
	v, err := logix.ValueOf(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := t.SetValue(v); err != nil {
		return err
	}
	a.e.emit(EventTagWritten, TagEvent{Controller: controller, Tag: t.Name()})
	return nil
}

// publishCapture hands a trigger capture to every running sink. It fails
// when no sink took it.
func (e *Engine) publishCapture(c *message.Capture) error {
	var errs []error
	delivered := 0
	for _, s := range e.sinkList() {
		if !s.Sink.IsRunning() {
			continue
		}
		if err := s.Sink.Publish(c); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", s.Kind, s.Sink.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	e.emit(EventTriggerFired, TriggerEvent{Name: c.Trigger, Controller: c.Controller, Capture: c})
	return nil
}

func (e *Engine) pushResult(r push.Result) {
	ev := PushEvent{Name: r.Name, Status: r.Status}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	e.emit(EventPushSent, ev)
}

// startActions loads and arms triggers and pushes. Invalid entries are
// logged and skipped.
func (e *Engine) startActions() {
	e.cfg.Lock()
	triggers := append([]config.TriggerConfig(nil), e.cfg.Triggers...)
	pushes := append([]config.PushConfig(nil), e.cfg.Pushes...)
	e.cfg.Unlock()

	access := tagAccess{e}
	e.triggers = trigger.NewManager(trigger.Deps{
		Namespace: e.namespace,
		Reader:    access,
		Writer:    access,
		Packs:     e.packs,
		Publish:   e.publishCapture,
		Logger:    e.log,
	})
	if err := e.triggers.LoadFromConfig(triggers); err != nil {
		e.log.Warn("triggers skipped", "error", err)
	}
	e.pushes = push.NewManager(push.Deps{Reader: access, Logger: e.log, OnResult: e.pushResult})
	if err := e.pushes.LoadFromConfig(pushes); err != nil {
		e.log.Warn("pushes skipped", "error", err)
	}
	e.triggers.Start()
	e.pushes.Start()
}

func (e *Engine) stopActions() {
	if e.triggers != nil {
		e.triggers.Stop()
	}
	if e.pushes != nil {
		e.pushes.Stop()
	}
}

// Triggers describes every trigger.
func (e *Engine) Triggers() []trigger.Info {
	if e.triggers == nil {
		return nil
	}
	return e.triggers.List()
}

// FireTrigger captures and publishes a trigger now.
func (e *Engine) FireTrigger(name string) error {
	if e.triggers == nil {
		return fmt.Errorf("%w: trigger %q", ErrNotFound, name)
	}
	return actionError(e.triggers.Fire(name))
}

// ResetTrigger clears the error of a trigger and re-arms it.
func (e *Engine) ResetTrigger(name string) error {
	if e.triggers == nil {
		return fmt.Errorf("%w: trigger %q", ErrNotFound, name)
	}
	return actionError(e.triggers.Reset(name))
}

// Pushes describes every push.
func (e *Engine) Pushes() []push.Info {
	if e.pushes == nil {
		return nil
	}
	return e.pushes.List()
}

// FirePush sends the request of a push now.
func (e *Engine) FirePush(ctx context.Context, name string) error {
	if e.pushes == nil {
		return fmt.Errorf("%w: push %q", ErrNotFound, name)
	}
	return actionError(e.pushes.Fire(ctx, name))
}

// ResetPush clears the error of a push and re-arms it.
func (e *Engine) ResetPush(name string) error {
	if e.pushes == nil {
		return fmt.Errorf("%w: push %q", ErrNotFound, name)
	}
	return actionError(e.pushes.Reset(name))
}

// actionError maps trigger and push errors onto the engine errors.
func actionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, trigger.ErrNotFound), errors.Is(err, push.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, trigger.ErrDisabled), errors.Is(err, push.ErrDisabled):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}
