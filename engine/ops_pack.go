package engine

import (
	"fmt"

	"taglink/eip"
	"taglink/message"
	"taglink/tagpack"
)

// packSource serves pack members from the registered controllers.
type packSource struct{ e *Engine }

func (s packSource) PackTag(controller, tag string) (message.PackTag, bool) {
	t, err := s.e.findTag(controller, tag)
	if err != nil {
		return message.PackTag{}, false
	}
	v := t.Value()
	if !v.IsValid() {
		return message.PackTag{}, false
	}
	pt := message.PackTag{
		Controller: controller,
		Tag:        tag,
		Value:      v.Interface(),
		Quality:    message.QualityGood,
	}
	if ti := t.Type(); ti != nil {
		pt.Type = ti.String()
	}
	if t.Stale() {
		pt.Quality = message.QualityStale
	}
	return pt, true
}

func (s packSource) PackController(controller string) message.PackController {
	c := s.e.Controller(controller)
	if c == nil {
		return message.PackController{Error: "controller not registered"}
	}
	st := message.PackController{Address: c.Address(), Connected: c.State() == eip.Connected}
	if !st.Connected {
		st.Error = "controller " + c.State().String()
	}
	return st
}

// publishPack is the tagpack publish callback.
func (e *Engine) publishPack(p *message.Pack) {
	e.publish(p)
	e.emit(EventPackPublished, PackEvent{Name: p.Name, Pack: p})
}

// Packs lists the configured tag packs. Nil before Start.
func (e *Engine) Packs() []tagpack.Info {
	if e.packs == nil {
		return nil
	}
	return e.packs.List()
}

// PackValue builds the current value of a pack without publishing it.
func (e *Engine) PackValue(name string) (*message.Pack, error) {
	if e.packs != nil {
		if p, ok := e.packs.Value(name); ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: pack %q", ErrNotFound, name)
}

// PublishPack publishes a pack immediately.
func (e *Engine) PublishPack(name string) error {
	if _, err := e.PackValue(name); err != nil {
		return err
	}
	if !e.packs.PublishNow(name) {
		return fmt.Errorf("%w: pack %q is disabled", ErrInvalidInput, name)
	}
	return nil
}
