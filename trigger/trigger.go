// Package trigger captures a set of tag values when a condition on another
// tag becomes true and hands the capture to the sinks.
package trigger

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taglink/config"
	"taglink/logging"
	"taglink/message"
)

const checkInterval = 100 * time.Millisecond

// Ack values written to the ack tag after a capture.
const (
	AckSuccess = 1
	AckFailure = -1
)

var (
	ErrNotFound = errors.New("trigger not found")
	ErrDisabled = errors.New("trigger is disabled")
)

// Status is the state of a trigger.
type Status int

const (
	StatusDisabled Status = iota
	StatusArmed
	StatusFiring
	StatusCooldown // fired, waiting for the condition to clear
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusArmed:
		return "armed"
	case StatusFiring:
		return "firing"
	case StatusCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Reader returns the cached value of a tag.
type Reader interface {
	ReadTag(controller, tag string) (any, error)
}

// Writer writes a tag value.
type Writer interface {
	WriteTag(controller, tag string, value any) error
}

// PackPublisher publishes a tag pack by name.
type PackPublisher interface {
	PublishNow(name string) bool
}

// Deps are the collaborators shared by all triggers. Writer, Packs and
// Logger may be nil.
type Deps struct {
	Namespace string
	Reader    Reader
	Writer    Writer
	Packs     PackPublisher
	Publish   func(c *message.Capture) error
	Logger    logging.Logger
}

// sequence orders captures across triggers.
var sequence atomic.Uint64

// Info summarizes a trigger.
type Info struct {
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	Status     string    `json:"status"`
	Controller string    `json:"controller"`
	Tag        string    `json:"tag"`
	Fires      int64     `json:"fires"`
	LastFire   time.Time `json:"last_fire,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Trigger watches one tag. It fires on the rising edge of its condition
// and re-arms once the condition is false again.
type Trigger struct {
	cfg  config.TriggerConfig
	cond *Condition
	deps Deps
	log  logging.Logger

	mu       sync.Mutex
	status   Status
	lastErr  error
	fires    int64
	lastFire time.Time
	lastMet  bool
	lastEdge time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New validates cfg and creates a stopped trigger.
func New(cfg config.TriggerConfig, deps Deps) (*Trigger, error) {
	cond, err := FromConfig(cfg.Condition)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", cfg.Name, err)
	}
	if deps.Reader == nil {
		return nil, fmt.Errorf("trigger %s: no tag reader", cfg.Name)
	}
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Trigger{
		cfg:  cfg,
		cond: cond,
		deps: deps,
		log:  log.With("trigger", cfg.Name),
	}, nil
}

// Name returns the configured name.
func (t *Trigger) Name() string { return t.cfg.Name }

// Status returns the current state.
func (t *Trigger) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Info returns the state and counters.
func (t *Trigger) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		Name:       t.cfg.Name,
		Enabled:    t.cfg.Enabled,
		Status:     t.status.String(),
		Controller: t.cfg.Controller,
		Tag:        t.cfg.Tag,
		Fires:      t.fires,
		LastFire:   t.lastFire,
	}
	if t.lastErr != nil {
		info.Error = t.lastErr.Error()
	}
	return info
}

// Start begins watching. Disabled triggers stay stopped.
func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil || !t.cfg.Enabled {
		return
	}
	t.stop = make(chan struct{})
	t.status = StatusArmed
	t.lastMet = false

	t.wg.Add(1)
	go t.monitor(t.stop)
	t.log.Debug("trigger armed", "controller", t.cfg.Controller, "tag", t.cfg.Tag)
}

// Stop ends watching and waits for a capture in progress.
func (t *Trigger) Stop() {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.status = StatusDisabled
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	t.wg.Wait()
}

func (t *Trigger) monitor(stop chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.check()
		}
	}
}

// check evaluates the condition once and fires on a rising edge.
func (t *Trigger) check() {
	value, err := t.deps.Reader.ReadTag(t.cfg.Controller, t.cfg.Tag)
	if err != nil {
		logging.DebugLog("trigger", "%s: read %s: %v", t.cfg.Name, t.cfg.Tag, err)
		return
	}
	met, err := t.cond.Evaluate(value)
	if err != nil {
		logging.DebugLog("trigger", "%s: %v", t.cfg.Name, err)
		return
	}

	t.mu.Lock()
	was := t.lastMet
	t.lastMet = met
	switch t.status {
	case StatusArmed:
		if !met || was {
			break
		}
		if t.cfg.Debounce > 0 && time.Since(t.lastEdge) < t.cfg.Debounce {
			break
		}
		t.lastEdge = time.Now()
		t.status = StatusFiring
		t.mu.Unlock()
		t.fire()
		return
	case StatusCooldown:
		if !met {
			t.status = StatusArmed
			logging.DebugLog("trigger", "%s re-armed", t.cfg.Name)
		}
	}
	t.mu.Unlock()
}

// fire captures the data tags and publishes them. The trigger then waits in
// cooldown for its condition to clear, whatever the outcome.
func (t *Trigger) fire() error {
	data := make(map[string]any, len(t.cfg.Tags))
	for _, tag := range t.cfg.Tags {
		v, err := t.deps.Reader.ReadTag(t.cfg.Controller, tag)
		if err != nil {
			return t.fail(fmt.Errorf("read %s: %w", tag, err))
		}
		data[tag] = v
	}

	c := &message.Capture{
		ID:         uuid.NewString(),
		Namespace:  t.deps.Namespace,
		Trigger:    t.cfg.Name,
		Controller: t.cfg.Controller,
		Sequence:   sequence.Add(1),
		Metadata:   t.cfg.Metadata,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
	if t.deps.Publish != nil {
		if err := t.deps.Publish(c); err != nil {
			return t.fail(fmt.Errorf("publish: %w", err))
		}
	}

	t.mu.Lock()
	t.fires++
	t.lastFire = c.Timestamp
	t.lastErr = nil
	t.status = StatusCooldown
	t.mu.Unlock()
	t.log.Info("trigger fired", "sequence", c.Sequence, "tags", len(data))

	if t.cfg.Pack != "" && t.deps.Packs != nil {
		if !t.deps.Packs.PublishNow(t.cfg.Pack) {
			t.log.Warn("pack not published", "pack", t.cfg.Pack)
		}
	}
	t.ack(AckSuccess)
	return nil
}

func (t *Trigger) fail(err error) error {
	t.log.Warn("trigger failed", "error", err)
	t.mu.Lock()
	t.lastErr = err
	t.status = StatusCooldown
	t.mu.Unlock()
	t.ack(AckFailure)
	return err
}

func (t *Trigger) ack(v int32) {
	if t.cfg.AckTag == "" || t.deps.Writer == nil {
		return
	}
	if err := t.deps.Writer.WriteTag(t.cfg.Controller, t.cfg.AckTag, v); err != nil {
		t.log.Warn("ack write failed", "tag", t.cfg.AckTag, "error", err)
	}
}

// Reset clears the last error and re-arms a trigger in cooldown, so it
// fires again if its condition still holds.
func (t *Trigger) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = nil
	if t.status == StatusCooldown {
		t.status = StatusArmed
		t.lastMet = false
	}
}

// Fire captures and publishes immediately, ignoring the condition.
func (t *Trigger) Fire() error {
	t.mu.Lock()
	if t.status == StatusDisabled {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisabled, t.cfg.Name)
	}
	t.mu.Unlock()
	t.log.Info("manual fire")
	return t.fire()
}
