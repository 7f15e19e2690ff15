package plcman

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taglink/cip"
	"taglink/eip"
	"taglink/logging"
	"taglink/logix"
)

const (
	DefaultPollRate         = time.Second
	DefaultTimeout          = 5 * time.Second
	DefaultMaxRequestSize   = 480
	DefaultMaxBatchTags     = 50
	DefaultFailureThreshold = 3
	DefaultKeepAlive        = 30 * time.Second
)

type settings struct {
	name             string
	pollRate         time.Duration
	timeout          time.Duration
	route            []byte
	maxRequestSize   int
	maxBatchTags     int
	failureThreshold int
	keepAlive        time.Duration
	reconnect        eip.ReconnectPolicy
	dialer           eip.Dialer
	log              logging.Logger
}

func defaultSettings() settings {
	return settings{
		pollRate:         DefaultPollRate,
		timeout:          DefaultTimeout,
		maxRequestSize:   DefaultMaxRequestSize,
		maxBatchTags:     DefaultMaxBatchTags,
		failureThreshold: DefaultFailureThreshold,
		keepAlive:        DefaultKeepAlive,
		reconnect:        eip.DefaultReconnectPolicy(),
		log:              logging.Nop(),
	}
}

// Option configures a Controller.
type Option func(*settings)

// WithName sets a display name. It defaults to the address.
func WithName(name string) Option { return func(s *settings) { s.name = name } }

// WithPollRate sets the poll interval.
func WithPollRate(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pollRate = d
		}
	}
}

// WithTimeout sets the per-request deadline of the session.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSlot routes requests through the backplane to the CPU in slot.
func WithSlot(slot byte) Option {
	return func(s *settings) { s.route = cip.BackplaneRoute(slot) }
}

// WithMaxRequestSize bounds the request and the expected reply of one batch read.
func WithMaxRequestSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxRequestSize = n
		}
	}
}

// WithMaxBatchTags bounds the tags of one batch read.
func WithMaxBatchTags(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxBatchTags = min(n, cip.MaxMultipleServices)
		}
	}
}

// WithFailureThreshold sets how many consecutive failed batches force a reconnect.
func WithFailureThreshold(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.failureThreshold = n
		}
	}
}

// WithKeepAlive sets how long a session may sit idle before a NOP is sent.
func WithKeepAlive(d time.Duration) Option {
	return func(s *settings) { s.keepAlive = d }
}

// WithReconnectPolicy sets the session's reconnect policy.
func WithReconnectPolicy(p eip.ReconnectPolicy) Option {
	return func(s *settings) { s.reconnect = p }
}

// WithDialer sets the transport dialer.
func WithDialer(d eip.Dialer) Option { return func(s *settings) { s.dialer = d } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// announcement is the last connection event a controller emitted.
type announcement int

const (
	announcedNone announcement = iota
	announcedConnected
	announcedDisconnected
)

// Stats are the poll counters of a controller.
type Stats struct {
	Cycles        uint64
	Reads         uint64
	Changes       uint64
	Writes        uint64
	BatchFailures uint64
	LastCycle     time.Time
	Session       eip.SessionStats
}

// Controller is one Logix controller: a session, its registered tags and
// the worker that polls them.
type Controller struct {
	id      string
	address string
	cfg     settings
	log     logging.Logger
	seq     uint64

	sess   *eip.Session
	client *logix.Client

	listeners listenerSet
	forward   func(Event)

	tagMu sync.RWMutex
	tags  []*Tag
	byKey map[string]*Tag

	writeMu sync.Mutex
	writes  []pendingWrite

	// gen counts connect and disconnect requests; want is the latest intent.
	lifeMu sync.Mutex
	closed bool
	gen    uint64
	want   bool
	cancel context.CancelFunc
	done   chan struct{}

	stateMu   sync.Mutex
	announced announcement

	// worker-owned
	failures int
	lastIO   time.Time

	cycles        atomic.Uint64
	reads         atomic.Uint64
	changes       atomic.Uint64
	writesDone    atomic.Uint64
	batchFailures atomic.Uint64
	lastCycle     atomic.Int64
}

type pendingWrite struct {
	tag   *Tag
	value logix.Value
}

// NewController creates a disconnected controller for address (host or
// host:port). Most callers use Registry.AddController instead.
func NewController(address string, opts ...Option) *Controller {
	return newController(address, 0, nil, opts...)
}

func newController(address string, seq uint64, forward func(Event), opts ...Option) *Controller {
	cfg := defaultSettings()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.name == "" {
		cfg.name = address
	}

	c := &Controller{
		id:      uuid.NewString(),
		address: address,
		cfg:     cfg,
		seq:     seq,
		forward: forward,
		byKey:   make(map[string]*Tag),
	}
	c.log = cfg.log.With("controller", cfg.name)

	sessOpts := []eip.SessionOption{
		eip.WithTimeout(cfg.timeout),
		eip.WithReconnectPolicy(cfg.reconnect),
		eip.WithLogger(c.log),
		eip.WithStateHandler(c.onState),
	}
	if cfg.dialer != nil {
		sessOpts = append(sessOpts, eip.WithDialer(cfg.dialer))
	}
	c.sess = eip.NewSession(address, sessOpts...)

	var clientOpts []logix.Option
	if cfg.route != nil {
		clientOpts = append(clientOpts, logix.WithRoutePath(cfg.route))
	}
	c.client = logix.NewClient(c.sess, clientOpts...)
	return c
}

// ID is unique per controller instance, even for equal addresses.
func (c *Controller) ID() string { return c.id }

// Name is the display name.
func (c *Controller) Name() string { return c.cfg.name }

// Address is the address the controller was created with.
func (c *Controller) Address() string { return c.address }

// State is the session state.
func (c *Controller) State() eip.State { return c.sess.State() }

// Identify asks the connected controller for its ListIdentity record.
func (c *Controller) Identify(ctx context.Context) (*logix.DeviceInfo, error) {
	id, err := c.sess.Identify(ctx)
	if err != nil {
		return nil, err
	}
	return logix.NewDeviceInfo(id, c.address), nil
}

// Client exposes the tag service client for one-off requests such as
// browsing. Requests share the session with the poll worker.
func (c *Controller) Client() *logix.Client { return c.client }

// Stats returns the poll counters.
func (c *Controller) Stats() Stats {
	st := Stats{
		Cycles:        c.cycles.Load(),
		Reads:         c.reads.Load(),
		Changes:       c.changes.Load(),
		Writes:        c.writesDone.Load(),
		BatchFailures: c.batchFailures.Load(),
		Session:       c.sess.Stats(),
	}
	if ns := c.lastCycle.Load(); ns != 0 {
		st.LastCycle = time.Unix(0, ns)
	}
	return st
}

// On registers l for events of type typ.
func (c *Controller) On(typ EventType, l Listener) ListenerID {
	return c.listeners.add(listenerEntry{typ: typ, fn: l})
}

// OnAll registers l for every event type.
func (c *Controller) OnAll(l Listener) ListenerID {
	return c.listeners.add(listenerEntry{all: true, fn: l})
}

// Off removes a listener. It reports whether the listener was registered.
func (c *Controller) Off(id ListenerID) bool { return c.listeners.remove(id) }

func (c *Controller) emit(ev Event) {
	ev.Controller = c
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.listeners.emit(ev)
	if c.forward != nil {
		c.forward(ev)
	}
}

// onState turns session transitions into Connected and Disconnected events,
// each announced once per change.
func (c *Controller) onState(prev, next eip.State, err error) {
	var ev *Event
	c.stateMu.Lock()
	switch next {
	case eip.Connected:
		if c.announced != announcedConnected {
			c.announced = announcedConnected
			ev = &Event{Type: EventConnected}
		}
	case eip.Faulted, eip.Disconnected:
		if c.announced != announcedDisconnected {
			c.announced = announcedDisconnected
			ev = &Event{Type: EventDisconnected, Err: err}
		}
	}
	c.stateMu.Unlock()

	if ev == nil {
		return
	}
	if ev.Type == EventConnected {
		c.log.Info("connected", "prev", prev.String())
	} else {
		c.log.Warn("disconnected", "state", next.String(), "error", err)
	}
	c.emit(*ev)
}

// AddTag registers a tag. An unparseable path returns a logix.AddressError
// and nothing is registered; a second registration of the same program and
// path returns ErrTagExists. The tag resolves on the next poll cycle.
func (c *Controller) AddTag(path string, opts TagOptions) (*Tag, error) {
	a, err := logix.ParseAddress(path, opts.Program)
	if err != nil {
		return nil, err
	}
	if opts.ArrayDims < 0 || opts.ArraySize < 0 {
		return nil, fmt.Errorf("%w: negative array hints for %s", logix.ErrTypeMismatch, path)
	}

	c.lifeMu.Lock()
	closed := c.closed
	c.lifeMu.Unlock()
	if closed {
		return nil, ErrControllerClosed
	}

	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	key := tagKey(a)
	if _, ok := c.byKey[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTagExists, a)
	}
	t := &Tag{
		ctrl:  c,
		index: len(c.tags),
		addr:  a,
		path:  path,
		hints: logix.Hints{ArrayDims: opts.ArrayDims, ArraySize: opts.ArraySize},
	}
	c.tags = append(c.tags, t)
	c.byKey[key] = t
	return t, nil
}

// Tags returns the registered tags in registration order.
func (c *Controller) Tags() []*Tag {
	c.tagMu.RLock()
	defer c.tagMu.RUnlock()
	out := make([]*Tag, len(c.tags))
	copy(out, c.tags)
	return out
}

// Tag returns the i-th registered tag, or nil.
func (c *Controller) Tag(i int) *Tag {
	c.tagMu.RLock()
	defer c.tagMu.RUnlock()
	if i < 0 || i >= len(c.tags) {
		return nil
	}
	return c.tags[i]
}

// FindTag returns the tag registered under program and path, or nil.
func (c *Controller) FindTag(path, program string) *Tag {
	a, err := logix.ParseAddress(path, program)
	if err != nil {
		return nil
	}
	c.tagMu.RLock()
	defer c.tagMu.RUnlock()
	return c.byKey[tagKey(a)]
}

func (c *Controller) enqueueWrite(t *Tag, v logix.Value) error {
	c.lifeMu.Lock()
	closed := c.closed
	c.lifeMu.Unlock()
	if closed {
		return ErrControllerClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for i := range c.writes {
		if c.writes[i].tag == t {
			c.writes[i].value = v
			return nil
		}
	}
	c.writes = append(c.writes, pendingWrite{tag: t, value: v})
	return nil
}

func (c *Controller) takeWrites() []pendingWrite {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	w := c.writes
	c.writes = nil
	return w
}

// requeue puts unsent writes back at the head of the queue, skipping any
// that a newer SetValue has superseded meanwhile.
func (c *Controller) requeue(rest []pendingWrite) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	newer := make(map[*Tag]bool, len(c.writes))
	for _, w := range c.writes {
		newer[w.tag] = true
	}
	var head []pendingWrite
	for _, w := range rest {
		if !newer[w.tag] {
			head = append(head, w)
		}
	}
	c.writes = append(head, c.writes...)
}

// Connect connects in the background. The outcome is reported by a
// Connected or Disconnected event.
func (c *Controller) Connect() {
	go func() {
		if err := c.ConnectContext(context.Background()); err != nil {
			c.log.Warn("connect failed", "error", err)
		}
	}()
}

// ConnectContext connects and starts the poll worker.
func (c *Controller) ConnectContext(ctx context.Context) error {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return ErrControllerClosed
	}
	c.gen++
	gen := c.gen
	c.want = true
	c.lifeMu.Unlock()

	if err := c.sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.address, err)
	}

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		_ = c.sess.Disconnect()
		return ErrControllerClosed
	}
	if c.gen != gen {
		if !c.want {
			_ = c.sess.Disconnect()
		}
		return fmt.Errorf("connect %s: %w", c.address, eip.ErrConnectAborted)
	}
	if c.cancel == nil {
		wctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.pollLoop(wctx, c.done)
	}
	return nil
}

// Disconnect stops the poll worker, letting an in-flight request finish or
// time out, then closes the session. Registered tags and values are kept.
func (c *Controller) Disconnect() error {
	c.lifeMu.Lock()
	c.gen++
	c.want = false
	c.lifeMu.Unlock()
	c.stopWorker()
	return c.sess.Disconnect()
}

// Close disconnects and rejects further use. Queued writes are dropped.
func (c *Controller) Close() error {
	c.lifeMu.Lock()
	c.closed = true
	c.lifeMu.Unlock()
	err := c.Disconnect()
	c.takeWrites()
	return err
}

func (c *Controller) stopWorker() {
	c.lifeMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifeMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Polling reports whether the poll worker is running.
func (c *Controller) Polling() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.cancel != nil
}
