package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"taglink/logging"
	"taglink/message"
)

// BatchInterval is how often collected write requests are applied.
const BatchInterval = 250 * time.Millisecond

var errSuperseded = errors.New("request superseded by newer write to same tag")

type pendingWrite struct {
	req *message.WriteRequest
	at  time.Time // message timestamp
}

// batch collects write requests between intervals. A later request for the
// same controller and tag replaces the earlier one.
type batch struct {
	order      []string
	pending    map[string]pendingWrite
	superseded []*message.WriteRequest
}

func newBatch() *batch {
	return &batch{pending: make(map[string]pendingWrite)}
}

func (b *batch) add(w pendingWrite) {
	key := w.req.Controller + "/" + w.req.Tag
	if old, ok := b.pending[key]; ok {
		b.superseded = append(b.superseded, old.req)
	} else {
		b.order = append(b.order, key)
	}
	b.pending[key] = w
}

func (b *batch) empty() bool { return len(b.order) == 0 }

// Consumer reads write requests from the producer's write topic.
type Consumer struct {
	producer *Producer
	writer   message.Writer
	maxAge   time.Duration

	reader   *kafka.Reader
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newConsumer(p *Producer, w message.Writer) *Consumer {
	return &Consumer{
		producer: p,
		writer:   w,
		maxAge:   p.config.WriteMaxAge,
		stopChan: make(chan struct{}),
	}
}

func (c *Consumer) start() {
	p := c.producer
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        p.config.Brokers,
		Topic:          p.WriteTopic(),
		GroupID:        p.ConsumerGroup(),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         newDialer(p.config, p.mech),
	})
	p.log.Info("consuming writes", "topic", p.WriteTopic(), "group", p.ConsumerGroup())

	msgs := make(chan kafka.Message)
	c.wg.Add(2)
	go c.fetchLoop(msgs)
	go c.batchLoop(msgs)
}

func (c *Consumer) stop() {
	close(c.stopChan)
	// closing the reader unblocks FetchMessage
	if err := c.reader.Close(); err != nil {
		c.producer.log.Debug("close reader", "error", err)
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		c.producer.log.Warn("timeout waiting for write consumer")
	}
}

func (c *Consumer) fetchLoop(out chan<- kafka.Message) {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.DebugLog("Kafka", "[Consumer] fetch: %v", err)
			select {
			case <-c.stopChan:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		select {
		case out <- msg:
		case <-c.stopChan:
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logging.DebugLog("Kafka", "[Consumer] commit offset %d: %v", msg.Offset, err)
		}
	}
}

func (c *Consumer) batchLoop(in <-chan kafka.Message) {
	defer c.wg.Done()
	ticker := time.NewTicker(BatchInterval)
	defer ticker.Stop()

	b := newBatch()
	for {
		select {
		case <-c.stopChan:
			if !b.empty() {
				c.apply(b, time.Now())
			}
			return
		case <-ticker.C:
			if !b.empty() {
				c.apply(b, time.Now())
				b = newBatch()
			}
		case msg := <-in:
			c.receive(b, msg)
		}
	}
}

// receive decodes msg into b. Undecodable requests are answered at once.
func (c *Consumer) receive(b *batch, msg kafka.Message) {
	logging.DebugLog("Kafka", "[Consumer] write request offset=%d key=%s: %s", msg.Offset, msg.Key, msg.Value)
	req, err := message.DecodeWrite(c.producer.format, msg.Value)
	if err != nil {
		if req == nil {
			req = &message.WriteRequest{}
		}
		c.respond(req, err)
		return
	}
	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}
	b.add(pendingWrite{req: req, at: at})
}

// apply answers superseded requests, skips expired ones and hands the rest
// to the writer in arrival order.
func (c *Consumer) apply(b *batch, now time.Time) {
	for _, req := range b.superseded {
		c.respond(req, errSuperseded)
	}
	for _, key := range b.order {
		w := b.pending[key]
		if age := now.Sub(w.at); c.maxAge > 0 && age > c.maxAge {
			c.respond(w.req, fmt.Errorf("request expired (age %v, max %v)", age.Round(time.Millisecond), c.maxAge))
			continue
		}
		err := c.writer.Write(w.req)
		if err != nil {
			c.producer.log.Warn("write rejected", "controller", w.req.Controller, "tag", w.req.Tag, "error", err)
		}
		c.respond(w.req, err)
	}
}

func (c *Consumer) respond(req *message.WriteRequest, err error) {
	if sendErr := c.producer.send(req.Result(err)); sendErr != nil {
		c.producer.log.Debug("write response failed", "error", sendErr)
	}
}
