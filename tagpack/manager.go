// Package tagpack groups tags from any number of controllers into packs
// that are published as one message whenever a member changes.
package tagpack

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"taglink/config"
	"taglink/logging"
	"taglink/message"
)

const (
	// Debounce is how long a triggered pack waits for further member changes
	// before it is published.
	Debounce = 250 * time.Millisecond

	checkInterval = 50 * time.Millisecond
)

// Provider supplies member values and controller state.
type Provider interface {
	// PackTag returns the current value of a member. ok is false when the
	// tag is unknown or has no value yet.
	PackTag(controller, tag string) (t message.PackTag, ok bool)
	PackController(controller string) message.PackController
}

// PublishFunc receives every pack that is published.
type PublishFunc func(p *message.Pack)

// Info summarizes one pack.
type Info struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Members int    `json:"members"`
}

// Manager tracks member changes and publishes packs after the debounce
// period.
type Manager struct {
	cfg       *config.Config
	namespace string
	provider  Provider
	publish   PublishFunc

	mu    sync.RWMutex
	packs map[string]config.TagPackConfig

	pendingMu sync.Mutex
	pending   map[string]time.Time // first trigger time

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager loads the packs from cfg and starts the debounce loop.
func NewManager(cfg *config.Config, namespace string, provider Provider, publish PublishFunc) *Manager {
	m := &Manager{
		cfg:       cfg,
		namespace: namespace,
		provider:  provider,
		publish:   publish,
		pending:   make(map[string]time.Time),
		stopChan:  make(chan struct{}),
	}
	m.Reload()

	m.wg.Add(1)
	go m.debounceLoop()
	return m
}

// Reload rereads the pack definitions from the configuration.
func (m *Manager) Reload() {
	m.cfg.Lock()
	packs := make(map[string]config.TagPackConfig, len(m.cfg.TagPacks))
	for _, p := range m.cfg.TagPacks {
		p.Members = append([]config.PackMember(nil), p.Members...)
		packs[p.Name] = p
	}
	m.cfg.Unlock()

	m.mu.Lock()
	m.packs = packs
	m.mu.Unlock()
}

// Stop ends the debounce loop. Pending packs are not published.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
	})
}

// OnChange schedules every enabled pack with a triggering member on
// controller matching one of names.
func (m *Manager) OnChange(controller string, names ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, p := range m.packs {
		if !p.Enabled {
			continue
		}
		for _, mem := range p.Members {
			if mem.Controller == controller && !mem.IgnoreChanges && contains(names, mem.Tag) {
				m.schedule(name)
				break
			}
		}
	}
}

func contains(names []string, s string) bool {
	for _, n := range names {
		if n == s {
			return true
		}
	}
	return false
}

func (m *Manager) schedule(name string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, ok := m.pending[name]; !ok {
		m.pending[name] = time.Now()
		logging.DebugLog("tagpack", "pack %s triggered", name)
	}
}

// Pending reports whether name is waiting for its debounce to expire.
func (m *Manager) Pending(name string) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	_, ok := m.pending[name]
	return ok
}

func (m *Manager) debounceLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case now := <-ticker.C:
			for _, name := range m.due(now) {
				m.publishPack(name)
			}
		}
	}
}

// due removes and returns the packs whose debounce has expired, so a change
// during publishing triggers them again.
func (m *Manager) due(now time.Time) []string {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	var out []string
	for name, at := range m.pending {
		if now.Sub(at) >= Debounce {
			out = append(out, name)
			delete(m.pending, name)
		}
	}
	sort.Strings(out)
	return out
}

// PublishNow publishes name immediately, cancelling a pending debounce. It
// returns false for unknown or disabled packs.
func (m *Manager) PublishNow(name string) bool {
	m.pendingMu.Lock()
	delete(m.pending, name)
	m.pendingMu.Unlock()
	return m.publishPack(name)
}

func (m *Manager) publishPack(name string) bool {
	m.mu.RLock()
	p, ok := m.packs[name]
	m.mu.RUnlock()
	if !ok || !p.Enabled {
		return false
	}
	pack := m.build(p)
	logging.DebugLog("tagpack", "publishing pack %s with %d tags", name, len(pack.Tags))
	if m.publish != nil {
		m.publish(pack)
	}
	return true
}

// Value builds the current value of name without publishing it. Disabled
// packs can be read.
func (m *Manager) Value(name string) (*message.Pack, bool) {
	m.mu.RLock()
	p, ok := m.packs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.build(p), true
}

// build collects every member. A member without a value is included with a
// nil value and stale quality, and the state of its controller is attached
// when it is not healthy.
func (m *Manager) build(p config.TagPackConfig) *message.Pack {
	pack := &message.Pack{
		ID:        uuid.NewString(),
		Namespace: m.namespace,
		Name:      p.Name,
		Timestamp: time.Now().UTC(),
		Tags:      make(map[string]message.PackTag, len(p.Members)),
	}
	missing := make(map[string]bool)
	for _, mem := range p.Members {
		t, ok := m.provider.PackTag(mem.Controller, mem.Tag)
		if !ok {
			t = message.PackTag{Controller: mem.Controller, Tag: mem.Tag, Quality: message.QualityStale}
			missing[mem.Controller] = true
		}
		pack.Tags[message.PackKey(mem.Controller, mem.Tag)] = t
	}
	for name := range missing {
		st := m.provider.PackController(name)
		if st.Connected && st.Error == "" {
			continue
		}
		if pack.Controllers == nil {
			pack.Controllers = make(map[string]message.PackController)
		}
		pack.Controllers[name] = st
	}
	return pack
}

// List returns every pack sorted by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.packs))
	for _, p := range m.packs {
		out = append(out, Info{Name: p.Name, Enabled: p.Enabled, Members: len(p.Members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
