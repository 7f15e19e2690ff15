// Package engine builds the controller registry and the broker sinks from
// configuration and moves poll events from one to the other.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"taglink/config"
	"taglink/eip"
	"taglink/kafka"
	"taglink/logging"
	"taglink/message"
	"taglink/mqtt"
	"taglink/plcman"
	"taglink/push"
	"taglink/tagpack"
	"taglink/trigger"
	"taglink/valkey"
)

// QueueSize bounds poll events waiting for the sinks. Events beyond it are
// dropped so a slow broker never stalls a poll cycle.
const QueueSize = 4096

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string // empty disables saving runtime changes
	Logger     logging.Logger
}

// Sink publishes converted poll events to one external system.
type Sink interface {
	Name() string
	Start() error
	Stop() error
	IsRunning() bool
	Publish(msg any) error
}

// NamedSink is a sink with its kind: mqtt, valkey or kafka.
type NamedSink struct {
	Kind string
	Sink Sink
}

// Engine owns the registry, the sinks and the event pipeline between them.
// REST API and CLI are thin consumers.
type Engine struct {
	cfg        *config.Config
	configPath string
	namespace  string
	log        logging.Logger

	registry *plcman.Registry
	packs    *tagpack.Manager
	triggers *trigger.Manager
	pushes   *push.Manager

	mu          sync.RWMutex
	controllers map[string]*plcman.Controller // by config name
	writable    map[*plcman.Tag]bool
	sinks       []NamedSink

	Events *EventBus

	queue    chan plcman.Event
	dropped  atomic.Uint64
	listener plcman.ListenerID
	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Engine. Call Start to build and connect everything.
func New(c Config) *Engine {
	log := c.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		cfg:         c.AppConfig,
		configPath:  c.ConfigPath,
		namespace:   c.AppConfig.Namespace,
		log:         log,
		controllers: make(map[string]*plcman.Controller),
		writable:    make(map[*plcman.Tag]bool),
		Events:      NewEventBus(),
		queue:       make(chan plcman.Event, QueueSize),
		stopChan:    make(chan struct{}),
	}
}

// Start creates the registry and sinks, registers the configured
// controllers and tags, then connects. Sinks start in the background and
// receive a full snapshot once connected. A controller or tag the registry
// rejects is logged and skipped.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.registry = plcman.NewRegistry(registryDefaults(e.cfg, e.log)...)
	e.packs = tagpack.NewManager(e.cfg, e.namespace, packSource{e}, e.publishPack)
	e.listener = e.registry.Subscribe(e.enqueue)

	e.wg.Add(1)
	go e.dispatch()

	e.cfg.Lock()
	controllers := append([]config.ControllerConfig(nil), e.cfg.Controllers...)
	e.cfg.Unlock()
	for _, cc := range controllers {
		if !cc.Enabled {
			continue
		}
		if _, err := e.register(cc); err != nil {
			e.log.Warn("controller skipped", "controller", cc.Name, "error", err)
		}
	}

	if err := e.buildSinks(); err != nil {
		return err
	}
	for _, s := range e.sinkList() {
		go e.startSink(s)
	}

	e.registry.ConnectAll()
	e.cfg.Lock()
	policy := reconnectPolicy(e.cfg.Reconnect)
	e.cfg.Unlock()
	if !policy.Disabled {
		e.wg.Add(1)
		go e.supervise(policy)
	}
	e.startActions()
	e.log.Info("engine started", "controllers", len(e.Controllers()), "sinks", len(e.sinkList()))
	return nil
}

// Stop closes all controllers, flushes queued events to the sinks and stops
// them.
func (e *Engine) Stop() {
	if !e.started.Load() {
		return
	}
	e.stopOnce.Do(func() {
		e.stopActions()
		e.registry.Unsubscribe(e.listener)
		if err := e.registry.Close(); err != nil {
			e.log.Debug("registry close", "error", err)
		}
		close(e.stopChan)
		e.wg.Wait()
		e.packs.Stop()

		var g errgroup.Group
		for _, s := range e.sinkList() {
			if !s.Sink.IsRunning() {
				continue
			}
			g.Go(func() error {
				if err := s.Sink.Stop(); err != nil {
					e.log.Warn("sink stop failed", "sink", s.Sink.Name(), "error", err)
				}
				e.emit(EventSinkStopped, SinkEvent{Kind: s.Kind, Name: s.Sink.Name()})
				return nil
			})
		}
		_ = g.Wait()
		if n := e.dropped.Load(); n > 0 {
			e.log.Warn("events dropped while sinks were busy", "count", n)
		}
	})
}

// Registry returns the controller registry. Nil before Start.
func (e *Engine) Registry() *plcman.Registry { return e.registry }

// EventBus returns the bus engine events are emitted on.
func (e *Engine) EventBus() *EventBus { return e.Events }

// Config returns the application configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Namespace is the root of every published topic and key.
func (e *Engine) Namespace() string { return e.namespace }

// Dropped counts events discarded because the queue was full.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Controller returns the controller registered under name, or nil.
func (e *Engine) Controller(name string) *plcman.Controller {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.controllers[name]
}

// Controllers returns the registered controllers in registration order.
func (e *Engine) Controllers() []*plcman.Controller {
	if e.registry == nil {
		return nil
	}
	return e.registry.Controllers()
}

// sinkList returns the configured sinks sorted by kind and name.
func (e *Engine) sinkList() []NamedSink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]NamedSink(nil), e.sinks...)
}

// SinkStatus describes one sink for status displays.
type SinkStatus struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// SinkStatuses reports every configured sink.
func (e *Engine) SinkStatuses() []SinkStatus {
	var out []SinkStatus
	for _, s := range e.sinkList() {
		out = append(out, SinkStatus{Kind: s.Kind, Name: s.Sink.Name(), Running: s.Sink.IsRunning()})
	}
	return out
}

func registryDefaults(cfg *config.Config, log logging.Logger) []plcman.Option {
	opts := []plcman.Option{plcman.WithLogger(log)}
	if cfg.PollRate > 0 {
		opts = append(opts, plcman.WithPollRate(cfg.PollRate))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, plcman.WithTimeout(cfg.Timeout))
	}
	if cfg.MaxRequestSize > 0 {
		opts = append(opts, plcman.WithMaxRequestSize(cfg.MaxRequestSize))
	}
	if cfg.MaxBatchTags > 0 {
		opts = append(opts, plcman.WithMaxBatchTags(cfg.MaxBatchTags))
	}
	if cfg.FailureThreshold > 0 {
		opts = append(opts, plcman.WithFailureThreshold(cfg.FailureThreshold))
	}
	if cfg.KeepAlive > 0 {
		opts = append(opts, plcman.WithKeepAlive(cfg.KeepAlive))
	}
	return append(opts, plcman.WithReconnectPolicy(reconnectPolicy(cfg.Reconnect)))
}

// reconnectPolicy fills unset fields from eip.DefaultReconnectPolicy.
func reconnectPolicy(rc config.ReconnectConfig) eip.ReconnectPolicy {
	p := eip.DefaultReconnectPolicy()
	p.Disabled = rc.Disabled
	if rc.InitialDelay > 0 {
		p.InitialDelay = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	p.MaxRetries = rc.MaxRetries
	return p
}

func controllerOptions(cc config.ControllerConfig) []plcman.Option {
	opts := []plcman.Option{plcman.WithName(cc.Name)}
	if cc.Slot != nil {
		opts = append(opts, plcman.WithSlot(byte(*cc.Slot)))
	}
	if cc.PollRate > 0 {
		opts = append(opts, plcman.WithPollRate(cc.PollRate))
	}
	if cc.Timeout > 0 {
		opts = append(opts, plcman.WithTimeout(cc.Timeout))
	}
	return opts
}

// register adds cc and its tags to the registry. Tags that fail to register
// are logged; the controller is kept.
func (e *Engine) register(cc config.ControllerConfig) (*plcman.Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.controllers[cc.Name]; ok {
		return nil, fmt.Errorf("%w: controller %q", ErrAlreadyExists, cc.Name)
	}
	c := e.registry.AddController(cc.Endpoint(), controllerOptions(cc)...)
	if c == nil {
		return nil, plcman.ErrControllerClosed
	}
	e.controllers[cc.Name] = c
	for _, tc := range cc.Tags {
		if _, err := e.addTagLocked(c, tc); err != nil {
			e.log.Warn("tag skipped", "controller", cc.Name, "tag", tc.Path, "error", err)
		}
	}
	logging.DebugLog("engine", "registered controller %s at %s with %d tags", cc.Name, cc.Endpoint(), len(c.Tags()))
	return c, nil
}

func (e *Engine) addTagLocked(c *plcman.Controller, tc config.TagConfig) (*plcman.Tag, error) {
	tag, err := c.AddTag(tc.Path, plcman.TagOptions{
		Program:   tc.Program,
		ArrayDims: tc.ArrayDims,
		ArraySize: tc.ArraySize,
	})
	if err != nil {
		return nil, err
	}
	e.writable[tag] = tc.Writable
	return tag, nil
}

// BuildSinks creates a sink for every enabled broker in cfg, sorted by kind
// and name. writer receives write requests; it may be nil.
func BuildSinks(cfg *config.Config, writer message.Writer, log logging.Logger) ([]NamedSink, error) {
	cfg.Lock()
	ns := cfg.Namespace
	mqttCfgs := append([]config.MQTTConfig(nil), cfg.MQTT...)
	valkeyCfgs := append([]config.ValkeyConfig(nil), cfg.Valkey...)
	kafkaCfgs := append([]config.KafkaConfig(nil), cfg.Kafka...)
	cfg.Unlock()

	var sinks []NamedSink
	for _, mc := range mqttCfgs {
		if !mc.Enabled {
			continue
		}
		p, err := mqtt.NewPublisher(mc, ns, writer, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, NamedSink{Kind: "mqtt", Sink: p})
	}
	for _, vc := range valkeyCfgs {
		if !vc.Enabled {
			continue
		}
		sinks = append(sinks, NamedSink{Kind: "valkey", Sink: valkey.NewPublisher(vc, ns, writer, log)})
	}
	for _, kc := range kafkaCfgs {
		if !kc.Enabled {
			continue
		}
		p, err := kafka.NewProducer(kc, ns, writer, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, NamedSink{Kind: "kafka", Sink: p})
	}
	sort.SliceStable(sinks, func(i, j int) bool {
		if sinks[i].Kind != sinks[j].Kind {
			return sinks[i].Kind < sinks[j].Kind
		}
		return sinks[i].Sink.Name() < sinks[j].Sink.Name()
	})
	return sinks, nil
}

func (e *Engine) buildSinks() error {
	sinks, err := BuildSinks(e.cfg, e, e.log)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sinks = sinks
	e.mu.Unlock()
	return nil
}

func (e *Engine) startSink(s NamedSink) {
	if err := s.Sink.Start(); err != nil {
		e.log.Warn("sink failed to start", "kind", s.Kind, "sink", s.Sink.Name(), "error", err)
		e.emit(EventSinkFailed, SinkEvent{Kind: s.Kind, Name: s.Sink.Name(), Error: err.Error()})
		return
	}
	e.emit(EventSinkStarted, SinkEvent{Kind: s.Kind, Name: s.Sink.Name()})
	e.publishSnapshot(s.Sink)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

// compile-time check
var _ message.Writer = (*Engine)(nil)
