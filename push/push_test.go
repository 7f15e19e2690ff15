package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglink/config"
)

const (
	wait = 2 * time.Second
	tick = 10 * time.Millisecond
)

// mockReader serves tag values keyed controller.tag.
type mockReader struct {
	mu     sync.RWMutex
	values map[string]any
}

func newMockReader() *mockReader {
	return &mockReader{values: make(map[string]any)}
}

func (m *mockReader) SetTag(controller, tag string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[controller+"."+tag] = v
}

func (m *mockReader) ReadTag(controller, tag string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[controller+"."+tag]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("tag not found: %s.%s", controller, tag)
}

// counter is an HTTP endpoint counting requests.
type counter struct {
	n    atomic.Int64
	mu   sync.Mutex
	last *http.Request
	body string
	code int
}

func (c *counter) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.last, c.body = r, string(b)
		code := c.code
		c.mu.Unlock()
		if code == 0 {
			code = http.StatusOK
		}
		c.n.Add(1)
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTagResolution(t *testing.T) {
	reader := newMockReader()
	reader.SetTag("line1", "Temperature", 72.5)
	reader.SetTag("line1", "FaultCode", int32(42))
	reader.SetTag("line2", "Program:Main.Pressure", 14.7)
	reader.SetTag("line2", "Recipe", []any{int64(1), int64(2)})

	p, err := New(config.PushConfig{
		Name: "test",
		URL:  "http://example.com",
		Body: `{"temp": #line1.Temperature, "fault": #line1.FaultCode, "pressure": #line2.Program:Main.Pressure, "recipe": #line2.Recipe, "missing": #line1.Nope}`,
	}, Deps{Reader: reader})
	require.NoError(t, err)

	assert.Equal(t,
		`{"temp": 72.5, "fault": 42, "pressure": 14.7, "recipe": [1,2], "missing": #line1.Nope}`,
		p.resolveBody())
}

func TestBuildRequestAuth(t *testing.T) {
	tests := []struct {
		name  string
		auth  config.PushAuth
		check func(t *testing.T, r *http.Request)
	}{
		{"bearer", config.PushAuth{Type: config.PushAuthBearer, Token: "mytoken123"}, func(t *testing.T, r *http.Request) {
			assert.Equal(t, "Bearer mytoken123", r.Header.Get("Authorization"))
		}},
		{"basic", config.PushAuth{Type: config.PushAuthBasic, Username: "user", Password: "pass"}, func(t *testing.T, r *http.Request) {
			u, pw, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "user", u)
			assert.Equal(t, "pass", pw)
		}},
		{"header", config.PushAuth{Type: config.PushAuthHeader, HeaderName: "X-API-Key", HeaderValue: "secret"}, func(t *testing.T, r *http.Request) {
			assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		}},
		{"none", config.PushAuth{}, func(t *testing.T, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(config.PushConfig{Name: "test", URL: "http://example.com", Auth: tc.auth}, Deps{Reader: newMockReader()})
			require.NoError(t, err)
			req, err := p.buildRequest(context.Background(), `{"test": true}`)
			require.NoError(t, err)
			assert.Equal(t, http.MethodPost, req.Method)
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			tc.check(t, req)
		})
	}
}

func TestFire(t *testing.T) {
	reader := newMockReader()
	reader.SetTag("line1", "Value", 100)
	c := &counter{}
	srv := c.server(t)

	var results []Result
	p, err := New(config.PushConfig{
		Name:        "test",
		Enabled:     true,
		Method:      http.MethodPut,
		URL:         srv.URL,
		ContentType: "text/plain",
		Headers:     map[string]string{"X-Custom": "value1"},
		Body:        `value=#line1.Value`,
	}, Deps{Reader: reader, OnResult: func(r Result) { results = append(results, r) }})
	require.NoError(t, err)

	require.NoError(t, p.Fire(context.Background()))
	assert.EqualValues(t, 1, c.n.Load())
	c.mu.Lock()
	assert.Equal(t, http.MethodPut, c.last.Method)
	assert.Equal(t, "value=100", c.body)
	assert.Equal(t, "text/plain", c.last.Header.Get("Content-Type"))
	assert.Equal(t, "value1", c.last.Header.Get("X-Custom"))
	c.code = http.StatusInternalServerError
	c.mu.Unlock()

	info := p.Info()
	assert.EqualValues(t, 1, info.Sent)
	assert.Equal(t, http.StatusOK, info.LastStatus)

	err = p.Fire(context.Background())
	assert.EqualError(t, err, "HTTP 500")
	assert.Equal(t, "HTTP 500", p.Info().Error)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, http.StatusInternalServerError, results[1].Status)

	off, err := New(config.PushConfig{Name: "off", URL: srv.URL}, Deps{Reader: reader})
	require.NoError(t, err)
	assert.ErrorIs(t, off.Fire(context.Background()), ErrDisabled)
}

func TestCooldownStateMachine(t *testing.T) {
	reader := newMockReader()
	reader.SetTag("line1", "Alarm", false)
	c := &counter{}
	srv := c.server(t)

	p, err := New(config.PushConfig{
		Name:       "test",
		Enabled:    true,
		Conditions: []config.PushCondition{{Controller: "line1", Tag: "Alarm", Operator: "==", Value: true}},
		URL:        srv.URL,
		Body:       `{"alarm": true}`,
	}, Deps{Reader: reader})
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Stop)

	time.Sleep(2 * checkInterval)
	assert.Zero(t, c.n.Load(), "condition false")

	reader.SetTag("line1", "Alarm", true)
	require.Eventually(t, func() bool { return c.n.Load() == 1 }, wait, tick)
	require.Eventually(t, func() bool { return p.Status() == StatusWaitingClear }, wait, tick)

	time.Sleep(2 * checkInterval)
	assert.EqualValues(t, 1, c.n.Load(), "condition still true")

	reader.SetTag("line1", "Alarm", false)
	require.Eventually(t, func() bool { return p.Status() == StatusArmed }, wait, tick)

	reader.SetTag("line1", "Alarm", true)
	require.Eventually(t, func() bool { return c.n.Load() == 2 }, wait, tick)
}

func TestCooldownInterval(t *testing.T) {
	reader := newMockReader()
	reader.SetTag("line1", "Alarm", true)
	c := &counter{}
	srv := c.server(t)

	p, err := New(config.PushConfig{
		Name:       "test",
		Enabled:    true,
		Conditions: []config.PushCondition{{Controller: "line1", Tag: "Alarm", Operator: "==", Value: true}},
		URL:        srv.URL,
		Cooldown:   time.Hour,
	}, Deps{Reader: reader})
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Stop)

	require.Eventually(t, func() bool { return c.n.Load() == 1 }, wait, tick)
	reader.SetTag("line1", "Alarm", false)
	require.Eventually(t, func() bool { return p.Status() == StatusCooldown }, wait, tick)

	reader.SetTag("line1", "Alarm", true)
	time.Sleep(2 * checkInterval)
	assert.EqualValues(t, 1, c.n.Load(), "cooldown holds")

	p.Reset()
	require.Eventually(t, func() bool { return c.n.Load() == 2 }, wait, tick)
}

func TestMultiConditionOR(t *testing.T) {
	reader := newMockReader()
	reader.SetTag("line1", "Temp", 50.0)
	reader.SetTag("line2", "Pressure", 10.0)
	c := &counter{}
	srv := c.server(t)

	p, err := New(config.PushConfig{
		Name:    "test",
		Enabled: true,
		Conditions: []config.PushCondition{
			{Controller: "line1", Tag: "Temp", Operator: ">", Value: 80},
			{Controller: "line2", Tag: "Pressure", Operator: ">", Value: 20},
		},
		URL:                  srv.URL,
		CooldownPerCondition: true,
	}, Deps{Reader: reader})
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Stop)

	reader.SetTag("line2", "Pressure", 25.0)
	require.Eventually(t, func() bool { return c.n.Load() == 1 }, wait, tick)

	// only the fired condition has to clear
	reader.SetTag("line2", "Pressure", 5.0)
	require.Eventually(t, func() bool { return p.Status() == StatusArmed }, wait, tick)

	reader.SetTag("line1", "Temp", 90.0)
	require.Eventually(t, func() bool { return c.n.Load() == 2 }, wait, tick)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(config.PushConfig{
		Name:       "bad",
		Conditions: []config.PushCondition{{Operator: "=~"}},
	}, Deps{Reader: newMockReader()})
	assert.Error(t, err)

	_, err = New(config.PushConfig{Name: "noreader"}, Deps{})
	assert.Error(t, err)
}

func TestManager(t *testing.T) {
	reader := newMockReader()
	c := &counter{}
	srv := c.server(t)
	m := NewManager(Deps{Reader: reader})

	err := m.LoadFromConfig([]config.PushConfig{
		{Name: "b", Enabled: true, URL: srv.URL},
		{Name: "a", URL: srv.URL},
		{Name: "bad", Conditions: []config.PushCondition{{Operator: "?"}}},
	})
	assert.Error(t, err)
	assert.Error(t, m.Add(config.PushConfig{Name: "a", URL: srv.URL}), "duplicate")

	m.Start()
	t.Cleanup(m.Stop)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "disabled", list[0].Status)
	assert.Equal(t, "armed", list[1].Status)

	require.NoError(t, m.Fire(context.Background(), "b"))
	assert.ErrorIs(t, m.Fire(context.Background(), "a"), ErrDisabled)
	assert.ErrorIs(t, m.Fire(context.Background(), "nope"), ErrNotFound)
	require.NoError(t, m.Reset("b"))
	assert.ErrorIs(t, m.Reset("nope"), ErrNotFound)
	assert.EqualValues(t, 1, c.n.Load())
}
