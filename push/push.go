// Package push sends HTTP requests when tag conditions become true.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"taglink/config"
	"taglink/logging"
	"taglink/trigger"
)

const (
	checkInterval  = 100 * time.Millisecond
	defaultTimeout = 30 * time.Second
)

var (
	ErrNotFound = errors.New("push not found")
	ErrDisabled = errors.New("push is disabled")
)

// Status is the state of a push.
type Status int

const (
	StatusDisabled     Status = iota
	StatusArmed               // watching conditions
	StatusFiring              // request in flight
	StatusWaitingClear        // sent, waiting for the conditions to clear
	StatusCooldown            // cleared, waiting out the cooldown
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusArmed:
		return "armed"
	case StatusFiring:
		return "firing"
	case StatusWaitingClear:
		return "waiting_clear"
	case StatusCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// tagRef matches #controller.tag references in body templates.
var tagRef = regexp.MustCompile(`#([A-Za-z_][\w-]*)\.(\w+(?:[.:]\w+)*)`)

// Result reports one request.
type Result struct {
	Name   string
	Status int
	Err    error
}

// Deps are shared by all pushes. OnResult and Logger may be nil.
type Deps struct {
	Reader   trigger.Reader
	Logger   logging.Logger
	OnResult func(Result)
}

// Info summarizes a push.
type Info struct {
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	Status     string    `json:"status"`
	URL        string    `json:"url"`
	Sent       int64     `json:"sent"`
	LastSend   time.Time `json:"last_send,omitempty"`
	LastStatus int       `json:"last_status,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type conditionState struct {
	lastMet    bool
	inCooldown bool
}

// Push watches its conditions and sends one request when any of them
// rises. It re-arms once the conditions have cleared and the cooldown has
// passed.
type Push struct {
	cfg        config.PushConfig
	conditions []*trigger.Condition
	deps       Deps
	log        logging.Logger
	client     *http.Client

	mu         sync.Mutex
	status     Status
	states     []conditionState
	lastErr    error
	sent       int64
	lastSend   time.Time
	lastStatus int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and creates a stopped push.
func New(cfg config.PushConfig, deps Deps) (*Push, error) {
	conds := make([]*trigger.Condition, len(cfg.Conditions))
	for i, c := range cfg.Conditions {
		cond, err := trigger.NewCondition(c.Operator, c.Value, c.Not)
		if err != nil {
			return nil, fmt.Errorf("push %s: condition %d: %w", cfg.Name, i, err)
		}
		conds[i] = cond
	}
	if deps.Reader == nil {
		return nil, fmt.Errorf("push %s: no tag reader", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Push{
		cfg:        cfg,
		conditions: conds,
		deps:       deps,
		log:        log.With("push", cfg.Name),
		client:     &http.Client{Timeout: timeout},
		states:     make([]conditionState, len(conds)),
	}, nil
}

// Name returns the configured name.
func (p *Push) Name() string { return p.cfg.Name }

// Status returns the current state.
func (p *Push) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Info returns the state and counters.
func (p *Push) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		Name:       p.cfg.Name,
		Enabled:    p.cfg.Enabled,
		Status:     p.status.String(),
		URL:        p.cfg.URL,
		Sent:       p.sent,
		LastSend:   p.lastSend,
		LastStatus: p.lastStatus,
	}
	if p.lastErr != nil {
		info.Error = p.lastErr.Error()
	}
	return info
}

// Start begins watching. Disabled pushes stay stopped.
func (p *Push) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || !p.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.status = StatusArmed
	p.states = make([]conditionState, len(p.conditions))

	p.wg.Add(1)
	go p.monitor(ctx)
	p.log.Debug("push armed", "conditions", len(p.conditions))
}

// Stop ends watching. A request in flight is cancelled.
func (p *Push) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.status = StatusDisabled
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Push) monitor(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

// evaluate reads condition i. ok is false when the tag cannot be read or
// compared.
func (p *Push) evaluate(i int) (met, ok bool) {
	c := p.cfg.Conditions[i]
	v, err := p.deps.Reader.ReadTag(c.Controller, c.Tag)
	if err != nil {
		return false, false
	}
	met, err = p.conditions[i].Evaluate(v)
	if err != nil {
		logging.DebugLog("push", "%s: condition %d: %v", p.cfg.Name, i, err)
		return false, false
	}
	return met, true
}

func (p *Push) check(ctx context.Context) {
	switch p.Status() {
	case StatusArmed:
		p.checkArmed(ctx)
	case StatusWaitingClear:
		p.checkWaitingClear()
	case StatusCooldown:
		p.checkCooldown()
	}
}

// checkArmed fires on the first condition with a rising edge.
func (p *Push) checkArmed(ctx context.Context) {
	for i := range p.conditions {
		met, ok := p.evaluate(i)
		if !ok {
			continue
		}
		p.mu.Lock()
		st := &p.states[i]
		rising := met && !st.lastMet && !st.inCooldown
		st.lastMet = met
		if !rising {
			p.mu.Unlock()
			continue
		}
		p.status = StatusFiring
		p.mu.Unlock()

		c := p.cfg.Conditions[i]
		p.log.Info("condition met", "controller", c.Controller, "tag", c.Tag, "operator", c.Operator, "value", c.Value)
		p.fire(ctx, i)
		return
	}
}

// checkWaitingClear moves on once every condition is false, or with
// per-condition cooldown once every fired condition is false.
func (p *Push) checkWaitingClear() {
	met := make([]bool, len(p.conditions))
	known := make([]bool, len(p.conditions))
	for i := range p.conditions {
		met[i], known[i] = p.evaluate(i)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cleared := true
	for i := range p.states {
		if known[i] {
			p.states[i].lastMet = met[i]
		}
		if p.cfg.CooldownPerCondition {
			if p.states[i].inCooldown && p.states[i].lastMet {
				cleared = false
			}
		} else if p.states[i].lastMet {
			cleared = false
		}
	}
	if !cleared {
		return
	}
	if p.cfg.Cooldown > 0 {
		p.status = StatusCooldown
		logging.DebugLog("push", "%s cleared, cooling down", p.cfg.Name)
		return
	}
	p.rearmLocked()
}

func (p *Push) checkCooldown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastSend) >= p.cfg.Cooldown {
		p.rearmLocked()
	}
}

func (p *Push) rearmLocked() {
	p.status = StatusArmed
	for i := range p.states {
		p.states[i].inCooldown = false
	}
	logging.DebugLog("push", "%s re-armed", p.cfg.Name)
}

// fire sends the request for condition cond. Failed requests also wait for
// the conditions to clear so a persistent error does not repeat every tick.
func (p *Push) fire(ctx context.Context, cond int) {
	code, err := p.send(ctx)

	p.mu.Lock()
	p.lastSend = time.Now()
	p.lastErr = err
	if err == nil {
		p.sent++
		p.lastStatus = code
	}
	if p.cfg.CooldownPerCondition {
		p.states[cond].inCooldown = true
	}
	p.status = StatusWaitingClear
	p.mu.Unlock()
}

// send builds and sends the request. A response of 400 or above is an
// error.
func (p *Push) send(ctx context.Context) (int, error) {
	req, err := p.buildRequest(ctx, p.resolveBody())
	if err != nil {
		return 0, p.report(0, fmt.Errorf("build request: %w", err))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, p.report(0, fmt.Errorf("request: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	p.log.Info("request sent", "method", req.Method, "url", p.cfg.URL, "status", resp.StatusCode)
	if resp.StatusCode >= 400 {
		return resp.StatusCode, p.report(resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	return resp.StatusCode, p.report(resp.StatusCode, nil)
}

func (p *Push) report(code int, err error) error {
	if err != nil {
		p.log.Warn("request failed", "error", err)
	}
	if p.deps.OnResult != nil {
		p.deps.OnResult(Result{Name: p.cfg.Name, Status: code, Err: err})
	}
	return err
}

// Fire sends the request immediately, ignoring conditions and cooldown.
func (p *Push) Fire(ctx context.Context) error {
	if !p.cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, p.cfg.Name)
	}
	code, err := p.send(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSend = time.Now()
	p.lastErr = err
	if err == nil {
		p.sent++
		p.lastStatus = code
	}
	return err
}

// Reset clears the last error and re-arms a running push.
func (p *Push) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = nil
	if p.status == StatusWaitingClear || p.status == StatusCooldown {
		p.status = StatusArmed
		for i := range p.states {
			p.states[i] = conditionState{}
		}
	}
}

// resolveBody replaces #controller.tag references with live values.
// References that cannot be read are left as they are.
func (p *Push) resolveBody() string {
	if p.cfg.Body == "" {
		return ""
	}
	return tagRef.ReplaceAllStringFunc(p.cfg.Body, func(match string) string {
		m := tagRef.FindStringSubmatch(match)
		v, err := p.deps.Reader.ReadTag(m[1], m[2])
		if err != nil {
			return match
		}
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return match
			}
			return string(b)
		}
		return fmt.Sprint(v)
	})
}

func (p *Push) buildRequest(ctx context.Context, body string) (*http.Request, error) {
	method := p.cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.URL, r)
	if err != nil {
		return nil, err
	}
	if body != "" {
		ct := p.cfg.ContentType
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	switch a := p.cfg.Auth; a.Type {
	case config.PushAuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case config.PushAuthBasic:
		req.SetBasicAuth(a.Username, a.Password)
	case config.PushAuthHeader:
		if a.HeaderName != "" {
			req.Header.Set(a.HeaderName, a.HeaderValue)
		}
	}
	return req, nil
}
