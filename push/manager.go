package push

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"taglink/config"
)

// Manager owns the configured pushes.
type Manager struct {
	deps Deps

	mu     sync.RWMutex
	pushes map[string]*Push
}

// NewManager creates a manager with no pushes.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, pushes: make(map[string]*Push)}
}

// LoadFromConfig adds every push in cfgs. Invalid pushes are skipped and
// reported together.
func (m *Manager) LoadFromConfig(cfgs []config.PushConfig) error {
	var errs []error
	for _, c := range cfgs {
		if err := m.Add(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add creates a stopped push.
func (m *Manager) Add(cfg config.PushConfig) error {
	p, err := New(cfg, m.deps)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pushes[cfg.Name]; ok {
		return fmt.Errorf("push %s already exists", cfg.Name)
	}
	m.pushes[cfg.Name] = p
	return nil
}

// Get returns the push called name, or nil.
func (m *Manager) Get(name string) *Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushes[name]
}

func (m *Manager) all() []*Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Push, 0, len(m.pushes))
	for _, p := range m.pushes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start arms every enabled push.
func (m *Manager) Start() {
	for _, p := range m.all() {
		p.Start()
	}
}

// Stop stops every push.
func (m *Manager) Stop() {
	for _, p := range m.all() {
		p.Stop()
	}
}

// List describes every push sorted by name.
func (m *Manager) List() []Info {
	ps := m.all()
	out := make([]Info, len(ps))
	for i, p := range ps {
		out[i] = p.Info()
	}
	return out
}

// Fire sends the request of name immediately.
func (m *Manager) Fire(ctx context.Context, name string) error {
	p := m.Get(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p.Fire(ctx)
}

// Reset re-arms name.
func (m *Manager) Reset(name string) error {
	p := m.Get(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p.Reset()
	return nil
}
