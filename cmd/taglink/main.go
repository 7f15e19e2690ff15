// Taglink polls Logix controllers and republishes tag changes to MQTT,
// Valkey and Kafka, with a REST API for values and writes.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"taglink/api"
	"taglink/brokertest"
	"taglink/config"
	"taglink/engine"
	"taglink/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag turns a bare --log-debug into --log-debug all.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i, arg := range args {
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
	}
}

var (
	configPath   = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion  = flag.Bool("version", false, "Show version and exit")
	namespace    = flag.String("namespace", "", "Set namespace (saved to config)")
	listen       = flag.String("listen", "", "REST API listen address (overrides config)")
	noAPI        = flag.Bool("no-api", false, "Disable REST API")
	hashPassword = flag.String("hash-password", "", "Print a bcrypt hash for api.password_hash and exit")
	logFile      = flag.String("log", "", "Also write the log to this file")
	logDebug     = flag.String("log-debug", "", "Write protocol traces to debug.log (filter: all, eip, cip, logix, ...)")
	printEvery   = flag.Duration("print", 0, "Print a value snapshot at this interval (0 disables)")

	stressTest      = flag.Bool("stress-test", false, "Measure publish throughput of the enabled sinks and exit")
	testDuration    = flag.Duration("test-duration", 10*time.Second, "Duration of each sink stress test")
	testControllers = flag.Int("test-controllers", 50, "Number of simulated controllers for the stress test")
	testTags        = flag.Int("test-tags", 100, "Number of simulated tags per controller for the stress test")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("taglink %s\n", Version)
		os.Exit(0)
	}
	if *hashPassword != "" {
		hash, err := api.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *noAPI {
		cfg.API.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *stressTest {
		os.Exit(runStressTest(cfg))
	}
	os.Exit(run(cfg))
}

// runStressTest publishes synthetic changes to every enabled sink. Write
// requests are not consumed during the test.
func runStressTest(cfg *config.Config) int {
	log := logging.New(logging.Options{Level: "warn", Format: cfg.Log.Format})
	sinks, err := engine.BuildSinks(cfg, nil, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	targets := make([]brokertest.Target, 0, len(sinks))
	for _, s := range sinks {
		t := brokertest.Target{Kind: s.Kind, Sink: s.Sink}
		if a, ok := s.Sink.(interface{ Address() string }); ok {
			t.Address = a.Address()
		}
		targets = append(targets, t)
	}

	runner := brokertest.NewRunner(brokertest.TestConfig{
		Duration:       *testDuration,
		NumControllers: *testControllers,
		NumTags:        *testTags,
		Namespace:      cfg.Namespace,
	}, os.Stdout)
	for _, r := range runner.Run(targets) {
		if !r.Success {
			return 1
		}
	}
	return 0
}

func run(cfg *config.Config) int {
	var out io.Writer = os.Stderr
	path := *logFile
	if path == "" {
		path = cfg.Log.File
	}
	if path != "" {
		fileLogger, err := logging.NewFileLogger(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			defer fileLogger.Close()
			out = io.MultiWriter(os.Stderr, fileLogger)
		}
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})

	debugPath, filter := cfg.Log.DebugFile, cfg.Log.DebugFilter
	if *logDebug != "" {
		debugPath, filter = "debug.log", *logDebug
	}
	if debugPath != "" {
		dl, err := logging.NewDebugLogger(debugPath)
		if err != nil {
			log.Warn("debug log unavailable", "path", debugPath, "error", err)
		} else {
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			dl.SetFilter(filter)
			logging.SetGlobalDebugLogger(dl)
			defer dl.Close()
			log.Info("protocol debug logging enabled", "path", debugPath, "filter", filter)
		}
	}

	eng := engine.New(engine.Config{AppConfig: cfg, ConfigPath: *configPath, Logger: log})
	if err := eng.Start(); err != nil {
		log.Error("engine failed to start", "error", err)
		return 1
	}
	defer eng.Stop()

	if cfg.API.Enabled {
		srv := api.NewServer(eng, cfg.API, log)
		if err := srv.Start(); err != nil {
			log.Warn("continuing without REST API", "error", err)
		} else {
			defer srv.Stop()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var ticks <-chan time.Time
	if *printEvery > 0 {
		ticker := time.NewTicker(*printEvery)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case s := <-sig:
			log.Info("shutting down", "signal", s.String())
			return 0
		case <-ticks:
			printSnapshot(eng)
		}
	}
}

// printSnapshot writes one line per cached value, grouped by controller.
func printSnapshot(eng *engine.Engine) {
	for _, c := range eng.ControllerInfos() {
		fmt.Printf("%s (%s) %s\n", c.Name, c.Address, c.State)
		tags, err := eng.Tags(c.Name)
		if err != nil {
			continue
		}
		sort.SliceStable(tags, func(i, j int) bool { return tags[i].Index < tags[j].Index })
		for _, t := range tags {
			if t.Error != "" {
				fmt.Printf("  %-32s %v [%s: %s]\n", t.Name, t.Value, t.Quality, t.Error)
				continue
			}
			fmt.Printf("  %-32s %v [%s]\n", t.Name, t.Value, t.Quality)
		}
	}
}
