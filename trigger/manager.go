package trigger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"taglink/config"
)

// Manager owns the configured triggers.
type Manager struct {
	deps Deps

	mu       sync.RWMutex
	triggers map[string]*Trigger
}

// NewManager creates a manager with no triggers.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, triggers: make(map[string]*Trigger)}
}

// LoadFromConfig adds every trigger in cfgs. Invalid triggers are skipped
// and reported together.
func (m *Manager) LoadFromConfig(cfgs []config.TriggerConfig) error {
	var errs []error
	for _, c := range cfgs {
		if err := m.Add(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add creates a stopped trigger.
func (m *Manager) Add(cfg config.TriggerConfig) error {
	t, err := New(cfg, m.deps)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[cfg.Name]; ok {
		return fmt.Errorf("trigger %s already exists", cfg.Name)
	}
	m.triggers[cfg.Name] = t
	return nil
}

// Remove stops and drops a trigger.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	t := m.triggers[name]
	delete(m.triggers, name)
	m.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Get returns the trigger called name, or nil.
func (m *Manager) Get(name string) *Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.triggers[name]
}

func (m *Manager) all() []*Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start arms every enabled trigger.
func (m *Manager) Start() {
	for _, t := range m.all() {
		t.Start()
	}
}

// Stop stops every trigger.
func (m *Manager) Stop() {
	for _, t := range m.all() {
		t.Stop()
	}
}

// List describes every trigger sorted by name.
func (m *Manager) List() []Info {
	ts := m.all()
	out := make([]Info, len(ts))
	for i, t := range ts {
		out[i] = t.Info()
	}
	return out
}

// Fire fires name manually.
func (m *Manager) Fire(name string) error {
	t := m.Get(name)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t.Fire()
}

// Reset re-arms name.
func (m *Manager) Reset(name string) error {
	t := m.Get(name)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	t.Reset()
	return nil
}
