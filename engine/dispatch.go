package engine

import (
	"taglink/eip"
	"taglink/logging"
	"taglink/message"
	"taglink/plcman"
)

// enqueue runs on the poll goroutine and must not block.
func (e *Engine) enqueue(ev plcman.Event) {
	select {
	case e.queue <- ev:
	default:
		if e.dropped.Add(1) == 1 {
			e.log.Warn("event queue full, dropping events")
		}
		logging.DebugLog("engine", "dropped %s event", ev.Type)
	}
}

func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.queue:
			e.handle(ev)
		case <-e.stopChan:
			// the registry is closed; deliver what is left
			for {
				select {
				case ev := <-e.queue:
					e.handle(ev)
				default:
					return
				}
			}
		}
	}
}

// handle publishes ev to every running sink and re-emits it on the bus.
func (e *Engine) handle(ev plcman.Event) {
	msg := message.FromEvent(e.namespace, ev)
	if msg == nil {
		return
	}
	e.publish(msg)

	name := ""
	if ev.Controller != nil {
		name = ev.Controller.Name()
	}
	switch ev.Type {
	case plcman.EventConnected:
		e.log.Info("controller connected", "controller", name)
		e.emit(EventControllerConnected, ControllerEvent{Name: name})
	case plcman.EventDisconnected:
		ce := ControllerEvent{Name: name}
		if ev.Err != nil {
			ce.Error = ev.Err.Error()
		}
		e.log.Warn("controller disconnected", "controller", name, "error", ev.Err)
		e.emit(EventControllerDisconnected, ce)
	case plcman.EventTagChanged:
		e.packs.OnChange(name, ev.Tag.Name(), ev.Tag.Path())
		e.emit(EventTagChanged, TagEvent{Controller: name, Tag: ev.Tag.Name(), Change: msg})
	case plcman.EventTagError:
		e.log.Warn("tag error", "controller", name, "tag", ev.Tag.Name(), "error", ev.Err)
		e.emit(EventTagError, TagEvent{Controller: name, Tag: ev.Tag.Name(), Change: msg})
	}
}

func (e *Engine) publish(msg any) {
	for _, s := range e.sinkList() {
		if !s.Sink.IsRunning() {
			continue
		}
		if err := s.Sink.Publish(msg); err != nil {
			logging.DebugLog("engine", "%s %s: publish failed: %v", s.Kind, s.Sink.Name(), err)
		}
	}
}

// snapshot converts the current value of every tag that has one, the
// connection status of every controller and every enabled pack.
func (e *Engine) snapshot() []any {
	var out []any
	for _, c := range e.Controllers() {
		typ := plcman.EventDisconnected
		if c.State() == eip.Connected {
			typ = plcman.EventConnected
		}
		out = append(out, message.FromEvent(e.namespace, plcman.Event{Type: typ, Controller: c}))
		for _, t := range c.Tags() {
			v := t.Value()
			if !v.IsValid() {
				continue
			}
			ev := plcman.Event{Type: plcman.EventTagChanged, Controller: c, Tag: t, Value: v, Time: t.Updated()}
			if t.Stale() {
				ev.Type, ev.Err = plcman.EventTagError, t.Err()
			}
			out = append(out, message.FromEvent(e.namespace, ev))
		}
	}
	if e.packs != nil {
		for _, p := range e.packs.List() {
			if !p.Enabled {
				continue
			}
			if pack, ok := e.packs.Value(p.Name); ok {
				out = append(out, pack)
			}
		}
	}
	return out
}

// publishSnapshot sends the full snapshot to one sink, typically after it
// (re)connects, so retained topics and keys hold current values.
func (e *Engine) publishSnapshot(s Sink) {
	msgs := e.snapshot()
	logging.DebugLog("engine", "publishing %d snapshot messages to %s", len(msgs), s.Name())
	for _, msg := range msgs {
		if err := s.Publish(msg); err != nil {
			e.log.Debug("snapshot publish failed", "sink", s.Name(), "error", err)
			return
		}
	}
}

// ForcePublishAll republishes the full snapshot to every running sink.
func (e *Engine) ForcePublishAll() int {
	msgs := e.snapshot()
	for _, msg := range msgs {
		e.publish(msg)
	}
	e.emit(EventForcePublished, SystemEvent{Detail: "all"})
	return len(msgs)
}
