// Package valkey mirrors tag values into Valkey/Redis keys, publishes
// changes on Pub/Sub channels and consumes a write queue.
package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"taglink/config"
	"taglink/logging"
	"taglink/message"
	"taglink/namespace"
)

const opTimeout = 2 * time.Second

// command is one SET plus the channels the same payload is published on.
type command struct {
	key      string
	channels []string
}

// Publisher handles one Valkey server.
type Publisher struct {
	config config.ValkeyConfig
	names  *namespace.Builder
	log    logging.Logger

	mu      sync.RWMutex
	client  *redis.Client
	running bool
	writer  message.Writer

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher. writer may be nil.
func NewPublisher(cfg config.ValkeyConfig, ns string, writer message.Writer, log logging.Logger) *Publisher {
	if log == nil {
		log = logging.Nop()
	}
	return &Publisher{
		config:   cfg,
		names:    namespace.New(ns, cfg.Selector),
		log:      log.With("valkey", cfg.Name),
		writer:   writer,
		stopChan: make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.config.Name }

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// TagKey is the key holding the latest value of tag. Tag paths may contain
// colons; the tag is always the last segment.
func (p *Publisher) TagKey(controller, tag string) string {
	return p.names.ValkeyTagKey(controller, tag)
}

// WriteQueue is the list BLPOPed for write requests.
func (p *Publisher) WriteQueue() string { return p.names.ValkeyWriteQueue() }

// ResponseChannel receives write results.
func (p *Publisher) ResponseChannel() string { return p.names.ValkeyWriteResponseChannel() }

// plan maps a published message to its key and channels.
func (p *Publisher) plan(msg any) (command, error) {
	switch m := msg.(type) {
	case *message.Change:
		cmd := command{key: p.TagKey(m.Controller, m.Tag)}
		if p.config.PublishChanges {
			cmd.channels = []string{
				p.names.ValkeyChangesChannel(m.Controller),
				p.names.ValkeyAllChangesChannel(),
			}
		}
		return cmd, nil
	case *message.Status:
		cmd := command{key: p.names.ValkeyHealthKey(m.Controller)}
		if p.config.PublishChanges {
			cmd.channels = []string{cmd.key}
		}
		return cmd, nil
	case *message.Pack:
		cmd := command{key: p.names.ValkeyPackKey(m.Name)}
		if p.config.PublishChanges {
			cmd.channels = []string{cmd.key}
		}
		return cmd, nil
	case *message.Capture:
		cmd := command{key: p.names.ValkeyTriggerKey(m.Trigger)}
		if p.config.PublishChanges {
			cmd.channels = []string{cmd.key}
		}
		return cmd, nil
	default:
		return command{}, fmt.Errorf("valkey: cannot publish %T", msg)
	}
}

// Start connects and, with writes enabled, starts the write queue listener.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	logging.DebugConnect("valkey", p.config.Address)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.config.Address, err)
		client.Close()
		return fmt.Errorf("connect to valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.Writes && p.writer != nil {
		p.wg.Add(1)
		go p.writeListener(client, p.stopChan)
	}
	p.log.Info("connected", "server", p.Address())
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// the listener's BLPOP wakes at least once a second
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}
	return client.Close()
}

// Publish stores a change, status, pack or capture under its key and, with
// publish_changes set, announces it on Pub/Sub.
func (p *Publisher) Publish(msg any) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return nil
	}

	cmd, err := p.plan(msg)
	if err != nil {
		return err
	}
	data, err := message.Marshal(message.JSON, msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pipe := client.Pipeline()
	pipe.Set(ctx, cmd.key, data, p.config.KeyTTL)
	for _, ch := range cmd.channels {
		pipe.Publish(ctx, ch, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("valkey %s: %w", cmd.key, err)
	}
	return nil
}

func (p *Publisher) writeListener(client *redis.Client, stop chan struct{}) {
	defer p.wg.Done()
	queue := p.WriteQueue()

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queue).Result()
		cancel()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				select {
				case <-stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
				p.log.Debug("write queue error", "error", err)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}
		p.handleWrite(client, []byte(result[1]))
	}
}

func (p *Publisher) handleWrite(client *redis.Client, payload []byte) {
	req, err := message.DecodeWrite(message.JSON, payload)
	if req == nil {
		req = &message.WriteRequest{}
	}
	if err == nil {
		err = p.writer.Write(req)
	}
	if err != nil {
		p.log.Warn("write rejected", "controller", req.Controller, "tag", req.Tag, "error", err)
	}

	data, mErr := message.Marshal(message.JSON, req.Result(err))
	if mErr != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	client.Publish(ctx, p.ResponseChannel(), data)
}
