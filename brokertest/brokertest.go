// Package brokertest measures how fast the configured sinks accept tag
// changes, using synthetic controllers and tags.
package brokertest

import (
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"taglink/message"
)

// Sink is the part of a broker sink the stress test drives.
type Sink interface {
	Name() string
	Start() error
	Stop() error
	Publish(msg any) error
}

// Target is one sink under test.
type Target struct {
	Kind    string // mqtt, valkey, kafka
	Address string
	Sink    Sink
}

// TestConfig holds configuration for the stress test.
type TestConfig struct {
	Duration       time.Duration
	NumControllers int
	NumTags        int // per controller
	Namespace      string
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration:       10 * time.Second,
		NumControllers: 50,
		NumTags:        100,
		Namespace:      "taglink",
	}
}

// TestResult holds the results from one sink.
type TestResult struct {
	Kind       string
	Name       string
	Address    string
	Duration   time.Duration
	Sent       int64
	Errors     int64
	Throughput float64 // messages per second
	AvgLatency time.Duration
	P50Latency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration
	MaxLatency time.Duration
	Success    bool
	Error      error
}

// Runner executes stress tests and prints a report.
type Runner struct {
	cfg TestConfig
	out io.Writer
	rnd *rand.Rand
}

// NewRunner creates a runner writing its report to out.
func NewRunner(cfg TestConfig, out io.Writer) *Runner {
	if cfg.NumControllers <= 0 {
		cfg.NumControllers = 1
	}
	if cfg.NumTags <= 0 {
		cfg.NumTags = 1
	}
	return &Runner{cfg: cfg, out: out, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Run tests each target in turn and prints the report.
func (r *Runner) Run(targets []Target) []TestResult {
	r.printHeader()
	results := make([]TestResult, 0, len(targets))
	for _, t := range targets {
		results = append(results, r.test(t))
	}
	r.printReport(results)
	return results
}

func (r *Runner) printHeader() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "SINK STRESS TEST")
	fmt.Fprintf(r.out, "  Duration:    %v\n", r.cfg.Duration)
	fmt.Fprintf(r.out, "  Controllers: %d\n", r.cfg.NumControllers)
	fmt.Fprintf(r.out, "  Tags each:   %d\n", r.cfg.NumTags)
	fmt.Fprintf(r.out, "  Total tags:  %d\n\n", r.cfg.NumControllers*r.cfg.NumTags)
}

// change builds a random DINT change for a synthetic tag.
func (r *Runner) change() *message.Change {
	ctrl := r.rnd.Intn(r.cfg.NumControllers)
	tag := r.rnd.Intn(r.cfg.NumTags)
	return &message.Change{
		ID:         uuid.NewString(),
		Namespace:  r.cfg.Namespace,
		Controller: fmt.Sprintf("stress-%d", ctrl),
		Address:    "stress",
		Tag:        fmt.Sprintf("Tag%d", tag),
		Type:       "DINT",
		Value:      int64(r.rnd.Intn(10000)),
		Quality:    message.QualityGood,
		Timestamp:  time.Now().UTC(),
	}
}

// test publishes from a single goroutine, like the engine dispatcher.
func (r *Runner) test(t Target) TestResult {
	result := TestResult{Kind: t.Kind, Name: t.Sink.Name(), Address: t.Address}
	fmt.Fprintf(r.out, "  Testing %s/%s at %s... ", t.Kind, result.Name, t.Address)

	if err := t.Sink.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Fprintf(r.out, "FAILED: %v\n", result.Error)
		return result
	}
	defer t.Sink.Stop()

	latencies := make([]time.Duration, 0, 100000)
	start := time.Now()
	deadline := start.Add(r.cfg.Duration)
	for time.Now().Before(deadline) {
		msg := r.change()
		sent := time.Now()
		if err := t.Sink.Publish(msg); err != nil {
			result.Errors++
			continue
		}
		result.Sent++
		latencies = append(latencies, time.Since(sent))
	}

	result.Duration = time.Since(start)
	result.Throughput = float64(result.Sent) / result.Duration.Seconds()
	if len(latencies) > 0 {
		result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = latencyStats(latencies)
	}
	// under 1% errors passes
	total := result.Sent + result.Errors
	result.Success = result.Sent > 0 && float64(result.Errors) < 0.01*float64(total)

	if result.Success {
		fmt.Fprintln(r.out, "DONE")
	} else {
		fmt.Fprintln(r.out, "FAILED")
	}
	return result
}

// latencyStats returns average, p50, p95, p99 and max of latencies.
func latencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))
	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]
	return
}

func (r *Runner) printReport(results []TestResult) {
	fmt.Fprintln(r.out)
	if len(results) == 0 {
		fmt.Fprintln(r.out, "  No enabled sinks found in configuration.")
		fmt.Fprintln(r.out)
		return
	}

	fmt.Fprintf(r.out, "  %-7s %-16s %14s %12s  %s\n", "Type", "Name", "Throughput", "Messages", "Status")
	passed, failed := 0, 0
	for _, res := range results {
		status := "PASS"
		if res.Success {
			passed++
		} else {
			status = "FAIL"
			failed++
		}
		name := res.Name
		if len(name) > 16 {
			name = name[:16]
		}
		fmt.Fprintf(r.out, "  %-7s %-16s %10.0f/s %12d  %s\n", res.Kind, name, res.Throughput, res.Sent, status)
	}
	fmt.Fprintln(r.out)

	for _, res := range results {
		if res.Error != nil {
			fmt.Fprintf(r.out, "  %s/%s: %v\n", res.Kind, res.Name, res.Error)
			continue
		}
		fmt.Fprintf(r.out, "  %s/%s: %d sent, %d errors in %v\n", res.Kind, res.Name, res.Sent, res.Errors, res.Duration.Round(time.Millisecond))
		if res.AvgLatency > 0 {
			fmt.Fprintf(r.out, "    latency avg %v p50 %v p95 %v p99 %v max %v\n",
				res.AvgLatency.Round(time.Microsecond),
				res.P50Latency.Round(time.Microsecond),
				res.P95Latency.Round(time.Microsecond),
				res.P99Latency.Round(time.Microsecond),
				res.MaxLatency.Round(time.Microsecond))
		}
	}
	fmt.Fprintf(r.out, "\n  Summary: %d passed, %d failed\n\n", passed, failed)
}
