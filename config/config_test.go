package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func intPtr(i int) *int { return &i }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.PollRate != time.Second {
		t.Errorf("expected 1s poll rate, got %v", cfg.PollRate)
	}
	if cfg.MaxRequestSize != 480 {
		t.Errorf("expected max request size 480, got %d", cfg.MaxRequestSize)
	}
	if cfg.FailureThreshold != 3 {
		t.Errorf("expected failure threshold 3, got %d", cfg.FailureThreshold)
	}
	if cfg.Reconnect.Multiplier != 2 {
		t.Errorf("expected reconnect multiplier 2, got %g", cfg.Reconnect.Multiplier)
	}
	if !cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:8080" {
		t.Errorf("unexpected API defaults: %+v", cfg.API)
	}
	if len(cfg.Controllers) != 0 {
		t.Errorf("expected no controllers")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestDefaultSinkConfigs(t *testing.T) {
	mqtt := DefaultMQTTConfig("test")
	if mqtt.Name != "test" || mqtt.Broker != "localhost" || mqtt.Port != 1883 {
		t.Errorf("unexpected MQTT defaults: %+v", mqtt)
	}
	if mqtt.Selector != "" {
		t.Errorf("expected empty selector, got %s", mqtt.Selector)
	}

	valkey := DefaultValkeyConfig("test")
	if valkey.Address != "localhost:6379" {
		t.Errorf("expected address 'localhost:6379', got %s", valkey.Address)
	}
	if !valkey.PublishChanges {
		t.Error("expected PublishChanges to be true")
	}

	kafka := DefaultKafkaConfig("test")
	if len(kafka.Brokers) != 1 || kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("expected brokers ['localhost:9092'], got %v", kafka.Brokers)
	}
	if kafka.RequiredAcks != -1 {
		t.Errorf("expected RequiredAcks -1, got %d", kafka.RequiredAcks)
	}
}

func TestControllerConfig_Endpoint(t *testing.T) {
	tests := []struct {
		cfg  ControllerConfig
		want string
	}{
		{ControllerConfig{Address: "10.0.0.5"}, "10.0.0.5:44818"},
		{ControllerConfig{Address: "10.0.0.5", Port: 2222}, "10.0.0.5:2222"},
		{ControllerConfig{Address: "10.0.0.5:3000", Port: 2222}, "10.0.0.5:3000"},
		{ControllerConfig{Address: "plc.local"}, "plc.local:44818"},
		{ControllerConfig{Address: "::1"}, "[::1]:44818"},
	}
	for _, tc := range tests {
		if got := tc.cfg.Endpoint(); got != tc.want {
			t.Errorf("Endpoint(%q, %d) = %q, want %q", tc.cfg.Address, tc.cfg.Port, got, tc.want)
		}
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.PollRate != time.Second {
			t.Error("expected default config")
		}
		if _, err := os.Stat(filepath.Join(tmpDir, "nonexistent.yaml")); !os.IsNotExist(err) {
			t.Error("Load must not create the file")
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test.yaml")

		cfg := DefaultConfig()
		cfg.PollRate = 500 * time.Millisecond
		cfg.Controllers = []ControllerConfig{{
			Name:    "Line1",
			Address: "192.168.1.100",
			Slot:    intPtr(2),
			Enabled: true,
			Tags: []TagConfig{
				{Path: "Counter"},
				{Path: "TestUDT2", Program: "MainProgram", ArraySize: 2, Writable: true},
			},
		}}
		cfg.MQTT = []MQTTConfig{DefaultMQTTConfig("local")}

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if loaded.PollRate != 500*time.Millisecond {
			t.Errorf("expected 500ms poll rate, got %v", loaded.PollRate)
		}
		ctrl := loaded.FindController("Line1")
		if ctrl == nil {
			t.Fatal("controller not preserved")
		}
		if ctrl.Slot == nil || *ctrl.Slot != 2 {
			t.Errorf("slot not preserved: %v", ctrl.Slot)
		}
		if len(ctrl.Tags) != 2 || ctrl.Tags[1].Program != "MainProgram" || ctrl.Tags[1].ArraySize != 2 {
			t.Errorf("tags not preserved: %+v", ctrl.Tags)
		}
		if m := loaded.FindMQTT("local"); m == nil || m.Broker != "localhost" {
			t.Error("MQTT config not preserved")
		}
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(tmpDir, "partial.yaml")
		data := "poll_rate: 250ms\ncontrollers:\n  - name: a\n    address: 10.0.0.1\n    tags:\n      - path: Counter\n"
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.PollRate != 250*time.Millisecond {
			t.Errorf("expected 250ms, got %v", cfg.PollRate)
		}
		if cfg.Timeout != 5*time.Second || cfg.MaxBatchTags != 50 {
			t.Errorf("defaults lost: timeout=%v batch=%d", cfg.Timeout, cfg.MaxBatchTags)
		}
	})

	t.Run("packs triggers and pushes", func(t *testing.T) {
		path := filepath.Join(tmpDir, "actions.yaml")
		data := `controllers:
  - name: a
    address: 10.0.0.1
tag_packs:
  - name: line
    enabled: true
    members:
      - {controller: a, tag: Counter}
      - {controller: a, tag: Temperature, ignore_changes: true}
triggers:
  - name: done
    enabled: true
    controller: a
    tag: Done
    condition: {operator: "==", value: true}
    tags: [Counter, Temperature]
    debounce: 50ms
    ack_tag: DoneAck
pushes:
  - name: alarm
    enabled: true
    url: http://example.invalid/hook
    conditions:
      - {controller: a, tag: Temperature, operator: ">", value: 80}
    auth: {type: bearer, token: abc}
    cooldown: 1m
`
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if p := cfg.FindTagPack("line"); p == nil || len(p.Members) != 2 || !p.Members[1].IgnoreChanges {
			t.Errorf("pack not loaded: %+v", p)
		}
		if len(cfg.Triggers) != 1 || cfg.Triggers[0].Condition.Value != true || cfg.Triggers[0].Debounce != 50*time.Millisecond {
			t.Errorf("trigger not loaded: %+v", cfg.Triggers)
		}
		if len(cfg.Pushes) != 1 || cfg.Pushes[0].Auth.Token != "abc" || cfg.Pushes[0].Conditions[0].Value != 80 {
			t.Errorf("push not loaded: %+v", cfg.Pushes)
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")
		if err := DefaultConfig().Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("config file was not created")
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644)

		if _, err := Load(path); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})

	t.Run("returns error for invalid config", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bad.yaml")
		os.WriteFile(path, []byte("controllers:\n  - name: a\n"), 0644)

		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "address is required") {
			t.Errorf("expected address error, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"bad namespace", func(c *Config) { c.Namespace = "a b" }, "invalid namespace"},
		{"zero poll rate", func(c *Config) { c.PollRate = 0 }, "poll_rate"},
		{"batch too large", func(c *Config) { c.MaxBatchTags = 500 }, "max_batch_tags"},
		{"multiplier below one", func(c *Config) { c.Reconnect.Multiplier = 0.5 }, "multiplier"},
		{"duplicate controller", func(c *Config) {
			c.Controllers = []ControllerConfig{{Name: "a", Address: "x"}, {Name: "a", Address: "y"}}
		}, "duplicate name"},
		{"missing controller name", func(c *Config) {
			c.Controllers = []ControllerConfig{{Address: "x"}}
		}, "name is required"},
		{"slot out of range", func(c *Config) {
			c.Controllers = []ControllerConfig{{Name: "a", Address: "x", Slot: intPtr(300)}}
		}, "slot 300"},
		{"empty tag path", func(c *Config) {
			c.Controllers = []ControllerConfig{{Name: "a", Address: "x", Tags: []TagConfig{{}}}}
		}, "path is required"},
		{"mqtt without broker", func(c *Config) {
			c.MQTT = []MQTTConfig{{Name: "m", Enabled: true}}
		}, "broker is required"},
		{"kafka without brokers", func(c *Config) {
			c.Kafka = []KafkaConfig{{Name: "k", Enabled: true}}
		}, "at least one broker"},
		{"api user without hash", func(c *Config) { c.API.Username = "admin" }, "password_hash"},
		{"duplicate pack", func(c *Config) {
			c.TagPacks = []TagPackConfig{{Name: "p"}, {Name: "p"}}
		}, "duplicate name"},
		{"pack member without tag", func(c *Config) {
			c.TagPacks = []TagPackConfig{{Name: "p", Members: []PackMember{{Controller: "a"}}}}
		}, "controller and tag are required"},
		{"trigger without tag", func(c *Config) {
			c.Triggers = []TriggerConfig{{Name: "t", Controller: "a", Condition: ConditionConfig{Operator: "=="}}}
		}, "controller and tag are required"},
		{"trigger operator", func(c *Config) {
			c.Triggers = []TriggerConfig{{Name: "t", Controller: "a", Tag: "x", Condition: ConditionConfig{Operator: "~"}}}
		}, "unknown operator"},
		{"push without url", func(c *Config) {
			c.Pushes = []PushConfig{{Name: "p"}}
		}, "url is required"},
		{"push auth", func(c *Config) {
			c.Pushes = []PushConfig{{Name: "p", URL: "http://x", Auth: PushAuth{Type: "oauth"}}}
		}, "unknown auth type"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errMsg) {
				t.Errorf("error %q does not mention %q", err, tc.errMsg)
			}
		})
	}
}

func TestControllerOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddController(ControllerConfig{Name: "PLC1", Address: "192.168.1.1"})
	cfg.AddController(ControllerConfig{Name: "PLC2", Address: "192.168.1.2"})

	if found := cfg.FindController("PLC1"); found == nil || found.Address != "192.168.1.1" {
		t.Error("FindController failed")
	}
	if cfg.FindController("nope") != nil {
		t.Error("expected nil for unknown controller")
	}
	if !cfg.RemoveController("PLC1") {
		t.Error("RemoveController should return true")
	}
	if cfg.RemoveController("PLC1") {
		t.Error("second RemoveController should return false")
	}
	if len(cfg.Controllers) != 1 || cfg.Controllers[0].Name != "PLC2" {
		t.Errorf("unexpected controllers: %+v", cfg.Controllers)
	}
}

func TestOnChangeListener(t *testing.T) {
	cfg := DefaultConfig()
	called := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { called <- struct{}{} })

	path := filepath.Join(t.TempDir(), "c.yaml")
	cfg.Lock()
	cfg.PollRate = 2 * time.Second
	if err := cfg.UnlockAndSave(path); err != nil {
		t.Fatal(err)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	select {
	case <-called:
		t.Error("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDefaultPath(t *testing.T) {
	path := DefaultPath()
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
	if !strings.HasSuffix(path, "config.yaml") && path != "taglink.yaml" {
		t.Errorf("unexpected default path %q", path)
	}
}
