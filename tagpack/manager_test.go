package tagpack

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglink/config"
	"taglink/message"
)

type fakeProvider struct {
	mu          sync.Mutex
	values      map[string]any
	controllers map[string]message.PackController
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		values:      make(map[string]any),
		controllers: make(map[string]message.PackController),
	}
}

func (f *fakeProvider) set(controller, tag string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[message.PackKey(controller, tag)] = v
}

func (f *fakeProvider) PackTag(controller, tag string) (message.PackTag, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[message.PackKey(controller, tag)]
	if !ok {
		return message.PackTag{}, false
	}
	return message.PackTag{Controller: controller, Tag: tag, Type: "DINT", Value: v, Quality: message.QualityGood}, true
}

func (f *fakeProvider) PackController(controller string) message.PackController {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controllers[controller]
}

type recorder struct {
	mu    sync.Mutex
	packs []*message.Pack
}

func (r *recorder) publish(p *message.Pack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs = append(r.packs, p)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packs)
}

func (r *recorder) last() *message.Pack {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packs) == 0 {
		return nil
	}
	return r.packs[len(r.packs)-1]
}

func packConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.TagPacks = []config.TagPackConfig{
		{
			Name:    "line",
			Enabled: true,
			Members: []config.PackMember{
				{Controller: "line1", Tag: "Counter"},
				{Controller: "line1", Tag: "Temperature", IgnoreChanges: true},
				{Controller: "line2", Tag: "Counter"},
			},
		},
		{
			Name:    "off",
			Members: []config.PackMember{{Controller: "line1", Tag: "Counter"}},
		},
	}
	return cfg
}

func newManager(t *testing.T, p Provider) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewManager(packConfig(), "plant", p, rec.publish)
	t.Cleanup(m.Stop)
	return m, rec
}

func TestManager_List(t *testing.T) {
	m, _ := newManager(t, newFakeProvider())
	assert.Equal(t, []Info{
		{Name: "line", Enabled: true, Members: 3},
		{Name: "off", Enabled: false, Members: 1},
	}, m.List())
}

func TestManager_DebouncedPublish(t *testing.T) {
	p := newFakeProvider()
	p.set("line1", "Counter", int64(1))
	p.set("line1", "Temperature", 21.5)
	p.set("line2", "Counter", int64(7))
	m, rec := newManager(t, p)

	start := time.Now()
	m.OnChange("line1", "Counter")
	m.OnChange("line2", "Counter")
	assert.True(t, m.Pending("line"))
	assert.False(t, m.Pending("off"), "disabled packs never trigger")

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), Debounce)
	assert.False(t, m.Pending("line"))

	pack := rec.last()
	assert.Equal(t, "line", pack.Name)
	assert.Equal(t, "plant", pack.Namespace)
	assert.NotEmpty(t, pack.ID)
	require.Len(t, pack.Tags, 3)
	assert.Equal(t, int64(1), pack.Tags["line1.Counter"].Value)
	assert.Equal(t, 21.5, pack.Tags["line1.Temperature"].Value)
	assert.Equal(t, int64(7), pack.Tags["line2.Counter"].Value)
	assert.Nil(t, pack.Controllers)

	// a second burst publishes again
	m.OnChange("line1", "Counter")
	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_OnChangeIgnoredMembers(t *testing.T) {
	m, _ := newManager(t, newFakeProvider())

	m.OnChange("line1", "Temperature")
	assert.False(t, m.Pending("line"))
	m.OnChange("line3", "Counter")
	assert.False(t, m.Pending("line"))
	m.OnChange("line1", "Other", "Counter")
	assert.True(t, m.Pending("line"))
}

func TestManager_PublishNow(t *testing.T) {
	p := newFakeProvider()
	p.set("line1", "Counter", int64(3))
	p.set("line1", "Temperature", int64(21))
	p.controllers["line1"] = message.PackController{Address: "10.0.0.1", Connected: true}
	p.controllers["line2"] = message.PackController{Address: "10.0.0.2", Connected: false, Error: "connection refused"}
	m, rec := newManager(t, p)

	m.OnChange("line1", "Counter")
	require.True(t, m.PublishNow("line"))
	assert.False(t, m.Pending("line"))
	require.Equal(t, 1, rec.count())

	pack := rec.last()
	missing := pack.Tags["line2.Counter"]
	assert.Nil(t, missing.Value)
	assert.Equal(t, message.QualityStale, missing.Quality)
	assert.Equal(t, "line2", missing.Controller)
	assert.Equal(t, int64(21), pack.Tags["line1.Temperature"].Value)
	assert.Equal(t, map[string]message.PackController{
		"line2": {Address: "10.0.0.2", Connected: false, Error: "connection refused"},
	}, pack.Controllers)
	_, ok := pack.Controllers["line1"]
	assert.False(t, ok)

	assert.False(t, m.PublishNow("off"))
	assert.False(t, m.PublishNow("missing"))
	assert.Equal(t, 1, rec.count())
}

func TestManager_ValueAndReload(t *testing.T) {
	cfg := packConfig()
	p := newFakeProvider()
	p.set("line1", "Counter", int64(9))
	m := NewManager(cfg, "plant", p, nil)
	t.Cleanup(m.Stop)

	v, ok := m.Value("off")
	require.True(t, ok, "disabled packs can be read")
	assert.Equal(t, int64(9), v.Tags["line1.Counter"].Value)

	_, ok = m.Value("new")
	assert.False(t, ok)

	cfg.Lock()
	cfg.TagPacks = append(cfg.TagPacks, config.TagPackConfig{
		Name:    "new",
		Enabled: true,
		Members: []config.PackMember{{Controller: "line1", Tag: "Counter"}},
	})
	cfg.Unlock()
	m.Reload()

	_, ok = m.Value("new")
	assert.True(t, ok)
	assert.Len(t, m.List(), 3)
	assert.True(t, m.PublishNow("new"), "nil publish func is allowed")
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m, _ := newManager(t, newFakeProvider())
	m.Stop()
	m.Stop()
}
