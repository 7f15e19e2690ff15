// Package plcman manages Logix controller connections and polls their
// registered tags in the background, reporting changes as events.
package plcman

import (
	"errors"
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"taglink/logix"
)

// ValueKey identifies a tag value across controllers.
type ValueKey struct {
	Address string // controller address
	Path    string // canonical tag path
}

// Registry owns a set of controllers. Each controller polls independently;
// the registry fans their events in to its subscribers.
type Registry struct {
	defaults    []Option
	controllers *xsync.MapOf[string, *Controller]
	seq         atomic.Uint64
	listeners   listenerSet
	closed      atomic.Bool
}

// NewRegistry creates an empty registry. opts apply to every controller it
// creates, before the controller's own options.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		defaults:    opts,
		controllers: xsync.NewMapOf[string, *Controller](),
	}
}

// AddController creates a disconnected controller for address. Several
// controllers may share an address; each gets its own ID. It returns nil
// once the registry is closed.
func (r *Registry) AddController(address string, opts ...Option) *Controller {
	if r.closed.Load() {
		return nil
	}
	all := make([]Option, 0, len(r.defaults)+len(opts))
	all = append(all, r.defaults...)
	all = append(all, opts...)

	c := newController(address, r.seq.Add(1), r.listeners.emit, all...)
	r.controllers.Store(c.ID(), c)
	return c
}

// RemoveController closes the controller and forgets it.
func (r *Registry) RemoveController(c *Controller) error {
	if c == nil {
		return nil
	}
	if _, ok := r.controllers.LoadAndDelete(c.ID()); !ok {
		return ErrControllerClosed
	}
	return c.Close()
}

// Get returns the controller with the given ID.
func (r *Registry) Get(id string) (*Controller, bool) {
	return r.controllers.Load(id)
}

// Controllers returns the controllers in creation order.
func (r *Registry) Controllers() []*Controller {
	out := make([]*Controller, 0, r.controllers.Size())
	r.controllers.Range(func(_ string, c *Controller) bool {
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Lookup returns the controllers created for address, in creation order.
func (r *Registry) Lookup(address string) []*Controller {
	var out []*Controller
	for _, c := range r.Controllers() {
		if c.Address() == address {
			out = append(out, c)
		}
	}
	return out
}

// GetAllValues snapshots the cached value of every tag that has one. When
// two controllers share an address, the later one wins for equal paths.
func (r *Registry) GetAllValues() map[ValueKey]logix.Value {
	out := make(map[ValueKey]logix.Value)
	for _, c := range r.Controllers() {
		for _, t := range c.Tags() {
			v := t.Value()
			if !v.IsValid() {
				continue
			}
			out[ValueKey{Address: c.Address(), Path: t.Name()}] = v
		}
	}
	return out
}

// Subscribe registers l for the events of every controller, present and
// future.
func (r *Registry) Subscribe(l Listener) ListenerID {
	return r.listeners.add(listenerEntry{all: true, fn: l})
}

// Unsubscribe removes a subscription.
func (r *Registry) Unsubscribe(id ListenerID) bool {
	return r.listeners.remove(id)
}

// ConnectAll starts a background connect on every controller.
func (r *Registry) ConnectAll() {
	for _, c := range r.Controllers() {
		c.Connect()
	}
}

// Close closes and removes every controller.
func (r *Registry) Close() error {
	r.closed.Store(true)
	var errs []error
	for _, c := range r.Controllers() {
		r.controllers.Delete(c.ID())
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
