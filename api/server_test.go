package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglink/config"
	"taglink/engine"
	"taglink/message"
	"taglink/plcsim"
	"taglink/push"
	"taglink/tagpack"
	"taglink/trigger"
)

const (
	wait = 3 * time.Second
	tick = 10 * time.Millisecond
)

type fixture struct {
	sim    *plcsim.Server
	engine *engine.Engine
	hub    *eventHub
	srv    *httptest.Server
}

func newFixture(t *testing.T, apiCfg config.APIConfig) *fixture {
	t.Helper()
	sim := plcsim.New()
	require.NoError(t, sim.Start())
	t.Cleanup(sim.Close)
	require.NoError(t, sim.LoadDemo())

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(hook.Close)

	cfg := config.DefaultConfig()
	cfg.PollRate = 20 * time.Millisecond
	cfg.Controllers = []config.ControllerConfig{{
		Name:    "line1",
		Address: sim.Addr(),
		Enabled: true,
		Tags: []config.TagConfig{
			{Path: "Counter", Writable: true},
			{Path: "Temperature"},
			{Path: "Program:MainProgram.Flags", Writable: true},
		},
	}}
	cfg.Triggers = []config.TriggerConfig{{
		Name:       "done",
		Enabled:    true,
		Controller: "line1",
		Tag:        "Counter",
		Condition:  config.ConditionConfig{Operator: ">", Value: 1000},
		Tags:       []string{"Temperature"},
	}}
	cfg.Pushes = []config.PushConfig{
		{
			Name:       "notify",
			Enabled:    true,
			Conditions: []config.PushCondition{{Controller: "line1", Tag: "Counter", Operator: ">", Value: 1000}},
			URL:        hook.URL,
		},
		{Name: "down", Enabled: true, URL: "http://127.0.0.1:1/unreachable"},
	}
	e := engine.New(engine.Config{AppConfig: cfg})
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)

	hub := newEventHub(e.EventBus())
	srv := httptest.NewServer(newRouter(e, apiCfg, hub))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.stop)

	require.Eventually(t, func() bool { return len(e.Values()) == 3 }, wait, tick)
	return &fixture{sim: sim, engine: e, hub: hub, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestValues(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp := f.do(t, "GET", "/api/values", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	values := decode[[]engine.ValueInfo](t, resp)
	require.Len(t, values, 3)
	assert.Equal(t, "Counter", values[0].Tag)
	assert.Equal(t, "Program:MainProgram.Flags", values[1].Tag)
	assert.Equal(t, "Temperature", values[2].Tag)
	assert.Equal(t, 21.5, values[2].Value)
}

func TestControllers(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	list := decode[[]engine.ControllerInfo](t, f.do(t, "GET", "/api/controllers", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "line1", list[0].Name)
	assert.Equal(t, 3, list[0].Tags)

	byID := decode[engine.ControllerInfo](t, f.do(t, "GET", "/api/controllers/"+list[0].ID+"/", ""))
	assert.Equal(t, "line1", byID.Name)

	resp := f.do(t, "GET", "/api/controllers/nope/", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "controller not found", decode[map[string]string](t, resp)["error"])
}

func TestIdentityAndBrowse(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp := f.do(t, "GET", "/api/controllers/line1/identity", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[engine.DeviceInfo](t, resp)
	assert.Equal(t, "Rockwell Automation", id.Vendor)
	assert.Equal(t, "1756-L83E/B", id.ProductName)
	assert.Equal(t, "127.0.0.1", id.IP)

	resp = f.do(t, "GET", "/api/controllers/line1/browse", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	byPath := map[string]engine.SymbolInfo{}
	for _, s := range decode[[]engine.SymbolInfo](t, resp) {
		byPath[s.Path] = s
	}
	assert.Equal(t, "DINT", byPath["Counter"].Type)
	assert.True(t, byPath["Program:MainProgram.TestUDT2"].Structure)

	resp = f.do(t, "GET", "/api/controllers/nope/browse", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTags(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	tags := decode[[]engine.TagInfo](t, f.do(t, "GET", "/api/controllers/line1/tags", ""))
	require.Len(t, tags, 3)
	assert.Equal(t, "Counter", tags[0].Name)

	resp := f.do(t, "GET", "/api/controllers/line1/tags/"+url.PathEscape("Program:MainProgram.Flags"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[engine.TagInfo](t, resp)
	assert.Equal(t, message.QualityGood, info.Quality)
	assert.True(t, info.Writable)

	resp = f.do(t, "GET", "/api/controllers/line1/tags/Missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWriteTag(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp := f.do(t, "PUT", "/api/controllers/line1/tags/Counter", `{"id":"w1","value":12}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	result := decode[message.WriteResult](t, resp)
	assert.Equal(t, "w1", result.ID)
	assert.True(t, result.OK)

	require.Eventually(t, func() bool {
		v, err := f.sim.Get("Counter")
		return err == nil && v.Int() == 12
	}, wait, tick)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"read only", "/api/controllers/line1/tags/Temperature", `{"value":1}`, http.StatusForbidden},
		{"unknown tag", "/api/controllers/line1/tags/Missing", `{"value":1}`, http.StatusNotFound},
		{"unknown controller", "/api/controllers/line9/tags/Counter", `{"value":1}`, http.StatusNotFound},
		{"wrong type", "/api/controllers/line1/tags/Counter", `{"value":"abc"}`, http.StatusBadRequest},
		{"missing value", "/api/controllers/line1/tags/Counter", `{}`, http.StatusBadRequest},
		{"bad json", "/api/controllers/line1/tags/Counter", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, "PUT", tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestControllerLifecycle(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	body := `{"name":"line2","address":"` + f.sim.Addr() + `","poll_rate":"50ms","tags":[{"path":"Temperature"}]}`
	resp := f.do(t, "POST", "/api/controllers", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "line2", decode[engine.ControllerInfo](t, resp).Name)

	resp = f.do(t, "POST", "/api/controllers", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, "POST", "/api/controllers", `{"name":"x","address":"a","poll_rate":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "POST", "/api/controllers/line2/tags", `{"path":"Counter","writable":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, decode[engine.TagInfo](t, resp).Writable)

	resp = f.do(t, "POST", "/api/controllers/line2/tags", `{"path":"Counter"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, "DELETE", "/api/controllers/line2/", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, "DELETE", "/api/controllers/line2/", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSinksAndPublish(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	sinks := decode[[]engine.SinkStatus](t, f.do(t, "GET", "/api/sinks", ""))
	assert.Empty(t, sinks)

	resp := f.do(t, "POST", "/api/publish", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, decode[map[string]int](t, resp)["published"], "status, three values and one pack")
}

func TestPacks(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	list := decode[[]tagpack.Info](t, f.do(t, "GET", "/api/packs", ""))
	assert.Equal(t, []tagpack.Info{{Name: "line", Enabled: true, Members: 2}}, list)

	resp := f.do(t, "GET", "/api/packs/line", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pack := decode[message.Pack](t, resp)
	assert.Equal(t, "line", pack.Name)
	assert.Equal(t, 21.5, pack.Tags["line1.Temperature"].Value)
	assert.Equal(t, message.QualityGood, pack.Tags["line1.Counter"].Quality)

	resp = f.do(t, "GET", "/api/packs/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, "POST", "/api/packs/line/publish", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = f.do(t, "POST", "/api/packs/nope/publish", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggersAndPushes(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	triggers := decode[[]trigger.Info](t, f.do(t, "GET", "/api/triggers", ""))
	require.Len(t, triggers, 1)
	assert.Equal(t, "done", triggers[0].Name)

	resp := f.do(t, "POST", "/api/triggers/done/fire", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"fired": "done"}, decode[map[string]string](t, resp))
	resp = f.do(t, "POST", "/api/triggers/nope/fire", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, "POST", "/api/triggers/done/reset", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	triggers = decode[[]trigger.Info](t, f.do(t, "GET", "/api/triggers", ""))
	assert.Equal(t, int64(1), triggers[0].Fires)

	pushes := decode[[]push.Info](t, f.do(t, "GET", "/api/pushes", ""))
	require.Len(t, pushes, 2)
	assert.Equal(t, "down", pushes[0].Name)
	assert.Equal(t, "notify", pushes[1].Name)

	resp = f.do(t, "POST", "/api/pushes/notify/fire", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "POST", "/api/pushes/down/fire", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp = f.do(t, "POST", "/api/pushes/nope/fire", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, "POST", "/api/pushes/down/reset", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	pushes = decode[[]push.Info](t, f.do(t, "GET", "/api/pushes", ""))
	assert.Equal(t, int64(1), pushes[1].Sent)
	assert.Equal(t, http.StatusOK, pushes[1].LastStatus)
	assert.Empty(t, pushes[0].Error, "reset clears the error")
}

func TestEvents(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp := f.do(t, "GET", "/api/events?types=tag_written&controller=line1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(wait):
			t.Fatal("no event")
			return ""
		}
	}
	assert.Equal(t, "event: connected", next())
	assert.True(t, strings.HasPrefix(next(), "data: "))
	assert.Equal(t, "", next())
	require.Eventually(t, func() bool { return f.hub.clientCount() == 1 }, wait, tick)

	require.NoError(t, f.engine.WriteTag("line1", "Counter", 3))
	assert.Equal(t, "event: tag_written", next())
	assert.JSONEq(t, `{"controller":"line1","tag":"Counter"}`, strings.TrimPrefix(next(), "data: "))
}

func TestEventFilter(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/events?types=tag_changed,tag_error&controllers=a,b&tags=X", nil)
	f := parseFilter(r)

	assert.True(t, f.match(sseEvent{Type: "tag_changed", Controller: "a", Tag: "X"}))
	assert.False(t, f.match(sseEvent{Type: "tag_changed", Controller: "c", Tag: "X"}))
	assert.False(t, f.match(sseEvent{Type: "tag_changed", Controller: "a", Tag: "Y"}))
	assert.False(t, f.match(sseEvent{Type: "sink_started"}))

	all := parseFilter(httptest.NewRequest("GET", "/api/events", nil))
	assert.True(t, all.match(sseEvent{Type: "sink_started"}))
}

func TestBasicAuth(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	f := newFixture(t, config.APIConfig{Username: "admin", PasswordHash: hash})

	resp := f.do(t, "GET", "/api/values", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	for _, tc := range []struct {
		user, pass string
		status     int
	}{
		{"admin", "secret", http.StatusOK},
		{"admin", "wrong", http.StatusUnauthorized},
		{"root", "secret", http.StatusUnauthorized},
	} {
		req, err := http.NewRequest("GET", f.srv.URL+"/api/values", nil)
		require.NoError(t, err)
		req.SetBasicAuth(tc.user, tc.pass)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.status, resp.StatusCode, tc.user+"/"+tc.pass)
	}
}

func TestServer_StartStop(t *testing.T) {
	e := engine.New(engine.Config{AppConfig: config.DefaultConfig()})
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)

	s := NewServer(e, config.APIConfig{Enabled: true, Listen: "127.0.0.1:0"}, nil)
	assert.False(t, s.IsRunning())
	assert.Equal(t, "http://127.0.0.1:0", s.Address())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.NotEqual(t, "http://127.0.0.1:0", s.Address())

	resp, err := http.Get(s.Address() + "/api/values")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop())
}
