// Package kafka produces tag changes and controller status to Kafka topics
// and consumes write requests from a topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"

	"taglink/config"
	"taglink/logging"
	"taglink/message"
	"taglink/namespace"
)

const produceTimeout = 5 * time.Second

var errNotRunning = errors.New("kafka: producer not running")

// Stats counts produced messages.
type Stats struct {
	Sent     int64
	Failed   int64
	LastSend time.Time
	LastErr  error
}

// Producer writes to one Kafka cluster.
type Producer struct {
	config config.KafkaConfig
	names  *namespace.Builder
	format message.Format
	log    logging.Logger
	mech   sasl.Mechanism

	mu       sync.RWMutex
	writers  map[string]*kafka.Writer // topic -> writer
	running  bool
	writer   message.Writer
	consumer *Consumer
	stats    Stats

	// produce sends messages to topic; replaced in tests
	produce func(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// NewProducer creates a producer. writer may be nil, in which case write
// requests are not consumed.
func NewProducer(cfg config.KafkaConfig, ns string, writer message.Writer, log logging.Logger) (*Producer, error) {
	format, err := message.ParseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("kafka %s: %w", cfg.Name, err)
	}
	mech, err := saslMechanism(cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka %s: %w", cfg.Name, err)
	}
	if log == nil {
		log = logging.Nop()
	}
	p := &Producer{
		config:  cfg,
		names:   namespace.New(ns, ""),
		format:  format,
		log:     log.With("kafka", cfg.Name),
		mech:    mech,
		writers: make(map[string]*kafka.Writer),
		writer:  writer,
	}
	p.produce = p.writeMessages
	return p, nil
}

// Name returns the producer's name.
func (p *Producer) Name() string { return p.config.Name }

// Address returns the configured brokers, comma separated.
func (p *Producer) Address() string { return strings.Join(p.config.Brokers, ",") }

// IsRunning reports whether Start succeeded and Stop has not been called.
func (p *Producer) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// ChangeTopic receives tag changes: the configured topic or <namespace>.changes.
func (p *Producer) ChangeTopic() string {
	if p.config.Topic != "" {
		return p.config.Topic
	}
	return p.names.KafkaChangeTopic()
}

// StatusTopic receives controller connection changes.
func (p *Producer) StatusTopic() string { return p.names.KafkaStatusTopic() }

// WriteTopic is consumed for write requests.
func (p *Producer) WriteTopic() string { return p.names.KafkaWriteTopic() }

// ResponseTopic receives write results.
func (p *Producer) ResponseTopic() string { return p.names.KafkaWriteResponseTopic() }

// ConsumerGroup is the group the write consumer joins.
func (p *Producer) ConsumerGroup() string {
	if p.config.ConsumerGroup != "" {
		return p.config.ConsumerGroup
	}
	return "taglink-" + p.config.Name
}

// route picks the topic and key of a published message. Keys keep all
// updates of one tag on one partition.
func (p *Producer) route(msg any) (topic string, key []byte, err error) {
	switch m := msg.(type) {
	case *message.Change:
		return p.ChangeTopic(), []byte(m.Controller + "/" + m.Tag), nil
	case *message.Status:
		return p.StatusTopic(), []byte(m.Controller), nil
	case *message.Pack:
		return p.names.KafkaPackTopic(), []byte(m.Name), nil
	case *message.Capture:
		return p.names.KafkaTriggerTopic(), []byte(m.Controller + ":" + m.Trigger), nil
	case *message.WriteResult:
		return p.ResponseTopic(), []byte(m.Controller + "/" + m.Tag), nil
	default:
		return "", nil, fmt.Errorf("kafka: cannot publish %T", msg)
	}
}

// Start checks broker connectivity and, with writes enabled, starts the
// write consumer.
func (p *Producer) Start() error {
	if p.IsRunning() {
		return nil
	}
	if len(p.config.Brokers) == 0 {
		return fmt.Errorf("kafka %s: no brokers configured", p.config.Name)
	}

	logging.DebugConnect("kafka", p.config.Brokers[0])
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := newDialer(p.config, p.mech).DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		logging.DebugConnectError("kafka", p.config.Brokers[0], err)
		return fmt.Errorf("kafka %s: connect: %w", p.config.Name, err)
	}
	conn.Close()

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	var consumer *Consumer
	if p.config.Writes && p.writer != nil {
		consumer = newConsumer(p, p.writer)
		p.consumer = consumer
	}
	p.mu.Unlock()

	if consumer != nil {
		consumer.start()
	}
	p.log.Info("connected", "brokers", p.config.Brokers)
	return nil
}

// Stop stops the consumer and closes all topic writers.
func (p *Producer) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	consumer := p.consumer
	p.mu.Unlock()

	// the consumer answers its last batch through the writers
	if consumer != nil {
		consumer.stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumer = nil
	var errs []error
	for topic, w := range p.writers {
		errs = append(errs, w.Close())
		delete(p.writers, topic)
	}
	logging.DebugDisconnect("kafka", p.config.Name, "stopped")
	return errors.Join(errs...)
}

// Publish produces a change, status, pack or trigger capture.
func (p *Producer) Publish(msg any) error {
	if !p.IsRunning() {
		return errNotRunning
	}
	return p.send(msg)
}

func (p *Producer) send(msg any) error {
	topic, key, err := p.route(msg)
	if err != nil {
		return err
	}
	value, err := message.Marshal(p.format, msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
	defer cancel()
	err = p.produce(ctx, topic, kafka.Message{Key: key, Value: value, Time: time.Now()})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.stats.Failed++
		p.stats.LastErr = err
		logging.DebugLog("Kafka", "PRODUCE %s: topic '%s' failed: %v", p.config.Name, topic, err)
		return fmt.Errorf("kafka produce to %s: %w", topic, err)
	}
	p.stats.Sent++
	p.stats.LastSend = time.Now()
	p.stats.LastErr = nil
	return nil
}

func (p *Producer) writeMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	w, err := p.topicWriter(topic)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, msgs...)
}

// topicWriter returns or creates the writer for topic. Topics are created
// by the broker on first produce when it allows auto-creation.
func (p *Producer) topicWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}
	if !p.running && p.consumer == nil {
		return nil, errNotRunning
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Transport:              newTransport(p.config, p.mech),
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:            p.config.MaxRetries,
		BatchSize:              100,
		BatchBytes:             1 << 20,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = w
	logging.DebugLog("Kafka", "TOPIC %s: created writer for '%s'", p.config.Name, topic)
	return w, nil
}
