package brokertest

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglink/message"
)

type fakeSink struct {
	name     string
	startErr error
	failEach int // every n-th publish fails when > 0

	mu       sync.Mutex
	started  bool
	stopped  bool
	received []*message.Change
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = f.startErr == nil
	return f.startErr
}

func (f *fakeSink) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeSink) Publish(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg.(*message.Change))
	if f.failEach > 0 && len(f.received)%f.failEach == 0 {
		return errors.New("broker busy")
	}
	return nil
}

func TestRunner_Run(t *testing.T) {
	var out bytes.Buffer
	r := NewRunner(TestConfig{Duration: 50 * time.Millisecond, NumControllers: 2, NumTags: 3, Namespace: "ns"}, &out)

	good := &fakeSink{name: "good"}
	flaky := &fakeSink{name: "flaky", failEach: 2}
	down := &fakeSink{name: "down", startErr: errors.New("refused")}

	results := r.Run([]Target{
		{Kind: "mqtt", Address: "tcp://a:1883", Sink: good},
		{Kind: "valkey", Address: "redis://b:6379", Sink: flaky},
		{Kind: "kafka", Address: "c:9092", Sink: down},
	})
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.Positive(t, results[0].Sent)
	assert.Zero(t, results[0].Errors)
	assert.Positive(t, results[0].Throughput)
	assert.True(t, good.started)
	assert.True(t, good.stopped)
	for _, c := range good.received {
		assert.Equal(t, "ns", c.Namespace)
		assert.Contains(t, []string{"stress-0", "stress-1"}, c.Controller)
		assert.Contains(t, []string{"Tag0", "Tag1", "Tag2"}, c.Tag)
	}

	assert.False(t, results[1].Success)
	assert.Positive(t, results[1].Errors)

	assert.False(t, results[2].Success)
	assert.ErrorContains(t, results[2].Error, "refused")
	assert.False(t, down.stopped)

	assert.Contains(t, out.String(), "Summary: 1 passed, 2 failed")
}

func TestRunner_NoTargets(t *testing.T) {
	var out bytes.Buffer
	assert.Empty(t, NewRunner(DefaultTestConfig(), &out).Run(nil))
	assert.Contains(t, out.String(), "No enabled sinks")
}

func TestLatencyStats(t *testing.T) {
	var l []time.Duration
	for i := 100; i >= 1; i-- {
		l = append(l, time.Duration(i)*time.Millisecond)
	}
	avg, p50, p95, p99, max := latencyStats(l)
	assert.Equal(t, 50500*time.Microsecond, avg)
	assert.Equal(t, 51*time.Millisecond, p50)
	assert.Equal(t, 96*time.Millisecond, p95)
	assert.Equal(t, 100*time.Millisecond, p99)
	assert.Equal(t, 100*time.Millisecond, max)
	assert.Equal(t, 100*time.Millisecond, l[0], "input is not reordered")
}
