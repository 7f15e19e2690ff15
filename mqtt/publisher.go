// Package mqtt publishes tag changes and controller status to an MQTT broker
// and accepts write requests from it.
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"taglink/config"
	"taglink/logging"
	"taglink/message"
	"taglink/namespace"
)

const (
	// MaxWriteWorkers bounds concurrent write handling per publisher.
	MaxWriteWorkers = 5
	// MaxWriteQueueSize bounds pending write requests per publisher.
	MaxWriteQueueSize = 100

	publishTimeout = 2 * time.Second
)

var errNotRunning = errors.New("mqtt: publisher not running")

// Publisher handles one broker connection.
type Publisher struct {
	config config.MQTTConfig
	names  *namespace.Builder
	format message.Format
	log    logging.Logger

	mu      sync.RWMutex
	client  pahomqtt.Client
	running bool
	writer  message.Writer

	// publish sends one payload; replaced in tests
	publish func(topic string, retained bool, payload []byte) error

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

type writeJob struct {
	req *message.WriteRequest
	err error // decode failure, answered without writing
}

// NewPublisher creates a publisher for one broker. writer may be nil, in
// which case write requests are not subscribed to.
func NewPublisher(cfg config.MQTTConfig, ns string, writer message.Writer, log logging.Logger) (*Publisher, error) {
	format, err := message.ParseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("mqtt %s: %w", cfg.Name, err)
	}
	if log == nil {
		log = logging.Nop()
	}
	p := &Publisher{
		config:     cfg,
		names:      namespace.New(ns, cfg.Selector),
		format:     format,
		log:        log.With("mqtt", cfg.Name),
		writer:     writer,
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
	p.publish = p.clientPublish
	return p, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.config.Name }

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// RootTopic is the namespace plus the optional selector.
func (p *Publisher) RootTopic() string { return p.names.MQTTRoot() }

// TagTopic is where values of tag on controller are published.
func (p *Publisher) TagTopic(controller, tag string) string {
	return p.names.MQTTTagTopic(controller, tag)
}

// StatusTopic is where the connection status of controller is published.
func (p *Publisher) StatusTopic(controller string) string {
	return p.names.MQTTStatusTopic(controller)
}

// Start connects to the broker and, with a writer set, subscribes to
// <root>/+/write.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		// subscriptions do not survive a reconnect with a clean session
		p.subscribeWrites()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.log.Warn("connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address())
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugConnectError("mqtt", p.Address(), errors.New("timeout"))
		return fmt.Errorf("mqtt %s: connection timeout", p.config.Name)
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("mqtt", p.Address(), err)
		return fmt.Errorf("mqtt %s: %w", p.config.Name, err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.log.Info("connected", "broker", p.Address())
	p.startWriteWorkers()
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		p.log.Warn("timeout waiting for write workers")
	}

	if client != nil {
		client.Disconnect(500)
	}
	return nil
}

// Publish sends a change, status or pack retained to its topic. Trigger
// captures are not retained.
func (p *Publisher) Publish(msg any) error {
	if !p.IsRunning() {
		return errNotRunning
	}
	var topic string
	retained := true
	switch m := msg.(type) {
	case *message.Change:
		topic = p.TagTopic(m.Controller, m.Tag)
	case *message.Status:
		topic = p.StatusTopic(m.Controller)
	case *message.Pack:
		topic = p.names.MQTTPackTopic(m.Name)
	case *message.Capture:
		topic, retained = p.names.MQTTTriggerTopic(m.Trigger), false
	default:
		return fmt.Errorf("mqtt: cannot publish %T", msg)
	}
	payload, err := message.Marshal(p.format, msg)
	if err != nil {
		return err
	}
	return p.publish(topic, retained, payload)
}

func (p *Publisher) clientPublish(topic string, retained bool, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return errNotRunning
	}
	token := client.Publish(topic, p.config.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	return token.Error()
}

func (p *Publisher) subscribeWrites() {
	p.mu.RLock()
	client := p.client
	writer := p.writer
	p.mu.RUnlock()
	if writer == nil || !p.config.Writes {
		return
	}
	if client == nil {
		return
	}
	topic := p.names.MQTTWriteFilter()
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(publishTimeout) {
		p.log.Warn("subscribe timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.log.Warn("subscribe failed", "topic", topic, "error", err)
		return
	}
	p.log.Debug("subscribed", "topic", topic)
}

func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	stop, queue := p.stopChan, p.writeQueue
	p.mu.RUnlock()
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
}

func (p *Publisher) writeWorker(stop chan struct{}, queue chan writeJob) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			p.runWrite(job)
		}
	}
}

func (p *Publisher) runWrite(job writeJob) {
	err := job.err
	if err == nil {
		p.mu.RLock()
		writer := p.writer
		p.mu.RUnlock()
		if writer == nil {
			err = errors.New("writes are disabled")
		} else {
			err = writer.Write(job.req)
		}
	}
	if err != nil {
		p.log.Warn("write rejected", "controller", job.req.Controller, "tag", job.req.Tag, "error", err)
	}
	p.respond(job.req, err)
}

// handleWriteMessage decodes a request from <root>/<controller>/write. The
// topic's controller wins over the payload's.
func (p *Publisher) handleWriteMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	logging.DebugLog("mqtt", "write request on %s: %s", msg.Topic(), msg.Payload())

	controller := p.names.MQTTWriteController(msg.Topic())
	req, err := message.DecodeWrite(p.format, msg.Payload())
	if req == nil {
		req = &message.WriteRequest{}
	}
	req.Controller = controller
	if err != nil && req.Tag != "" && req.Value != nil {
		err = nil // only the controller was missing
	}

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()
	select {
	case queue <- writeJob{req: req, err: err}:
	default:
		p.log.Warn("write queue full", "controller", controller, "tag", req.Tag)
		go p.respond(req, errors.New("write queue full, try again later"))
	}
}

func (p *Publisher) respond(req *message.WriteRequest, err error) {
	payload, mErr := message.Marshal(p.format, req.Result(err))
	if mErr != nil {
		return
	}
	topic := p.names.MQTTWriteResponseTopic(req.Controller)
	if err := p.publish(topic, false, payload); err != nil {
		p.log.Debug("write response failed", "topic", topic, "error", err)
	}
}

// SetWriter replaces the write handler.
func (p *Publisher) SetWriter(w message.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = w
}
