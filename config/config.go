// Package config handles configuration persistence for taglink.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the EtherNet/IP TCP port.
const DefaultPort = 44818

// ListenerID identifies a config change listener.
type ListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace        string             `yaml:"namespace"` // prefix for topics and keys
	PollRate         time.Duration      `yaml:"poll_rate"`
	Timeout          time.Duration      `yaml:"timeout"`
	MaxRequestSize   int                `yaml:"max_request_size"`
	MaxBatchTags     int                `yaml:"max_batch_tags"`
	FailureThreshold int                `yaml:"failure_threshold"`
	KeepAlive        time.Duration      `yaml:"keep_alive,omitempty"`
	Reconnect        ReconnectConfig    `yaml:"reconnect"`
	Controllers      []ControllerConfig `yaml:"controllers"`
	MQTT             []MQTTConfig       `yaml:"mqtt,omitempty"`
	Valkey           []ValkeyConfig     `yaml:"valkey,omitempty"`
	Kafka            []KafkaConfig      `yaml:"kafka,omitempty"`
	TagPacks         []TagPackConfig    `yaml:"tag_packs,omitempty"`
	Triggers         []TriggerConfig    `yaml:"triggers,omitempty"`
	Pushes           []PushConfig       `yaml:"pushes,omitempty"`
	API              APIConfig          `yaml:"api"`
	Log              LogConfig          `yaml:"log"`

	// Callers that modify config should Lock(), modify, then UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex          `yaml:"-"`
	listenerCounter uint64                `yaml:"-"`
}

// ReconnectConfig mirrors the session reconnect policy.
type ReconnectConfig struct {
	Disabled     bool          `yaml:"disabled,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRetries   int           `yaml:"max_retries,omitempty"` // 0 = forever
}

// ControllerConfig describes one controller and the tags polled from it.
type ControllerConfig struct {
	Name     string        `yaml:"name"`
	Address  string        `yaml:"address"`
	Port     int           `yaml:"port,omitempty"`
	Slot     *int          `yaml:"slot,omitempty"` // backplane slot; nil sends unrouted
	Enabled  bool          `yaml:"enabled"`
	PollRate time.Duration `yaml:"poll_rate,omitempty"` // overrides the global rate
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Tags     []TagConfig   `yaml:"tags"`
}

// Endpoint returns host:port, defaulting the port.
func (c *ControllerConfig) Endpoint() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	if _, _, err := net.SplitHostPort(c.Address); err == nil {
		return c.Address
	}
	return net.JoinHostPort(c.Address, strconv.Itoa(port))
}

// TagConfig is one polled tag.
type TagConfig struct {
	Path      string `yaml:"path"`
	Program   string `yaml:"program,omitempty"`
	ArrayDims int    `yaml:"array_dims,omitempty"`
	ArraySize int    `yaml:"array_size,omitempty"`
	Writable  bool   `yaml:"writable,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	Format   string `yaml:"format,omitempty"` // json (default) or cbor
	QoS      byte   `yaml:"qos,omitempty"`
	Writes   bool   `yaml:"writes,omitempty"` // accept write requests
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"`
	Writes         bool          `yaml:"writes,omitempty"` // consume the write queue
}

// KafkaConfig holds Kafka producer configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"` // default <namespace>.changes
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	BatchTimeout  time.Duration `yaml:"batch_timeout,omitempty"`
	Format        string        `yaml:"format,omitempty"`

	// Write requests are consumed from <namespace>.writes when set.
	Writes        bool          `yaml:"writes,omitempty"`
	ConsumerGroup string        `yaml:"consumer_group,omitempty"` // default taglink-<name>
	WriteMaxAge   time.Duration `yaml:"write_max_age,omitempty"`  // older requests are skipped
}

// TagPackConfig groups tags from one or more controllers that are
// published together as a single message.
type TagPackConfig struct {
	Name    string       `yaml:"name"`
	Enabled bool         `yaml:"enabled"`
	Members []PackMember `yaml:"members"`
}

// PackMember is one tag of a pack. A change of any member publishes the
// pack unless IgnoreChanges is set.
type PackMember struct {
	Controller    string `yaml:"controller"`
	Tag           string `yaml:"tag"`
	IgnoreChanges bool   `yaml:"ignore_changes,omitempty"`
}

// ConditionConfig compares a tag value with Value. Operator is one of
// ==, !=, >, <, >= or <=.
type ConditionConfig struct {
	Operator string      `yaml:"operator"`
	Value    interface{} `yaml:"value"`
	Not      bool        `yaml:"not,omitempty"`
}

// TriggerConfig captures a set of tags when the condition on Tag becomes
// true. The capture is published to every sink.
type TriggerConfig struct {
	Name       string            `yaml:"name"`
	Enabled    bool              `yaml:"enabled"`
	Controller string            `yaml:"controller"`
	Tag        string            `yaml:"tag"`
	Condition  ConditionConfig   `yaml:"condition"`
	Tags       []string          `yaml:"tags"`
	Metadata   map[string]string `yaml:"metadata,omitempty"`
	Debounce   time.Duration     `yaml:"debounce,omitempty"`
	AckTag     string            `yaml:"ack_tag,omitempty"` // written 1 on success, -1 on failure
	Pack       string            `yaml:"pack,omitempty"`    // published after each capture
}

// PushCondition is one condition of a push.
type PushCondition struct {
	Controller string      `yaml:"controller"`
	Tag        string      `yaml:"tag"`
	Operator   string      `yaml:"operator"`
	Value      interface{} `yaml:"value"`
	Not        bool        `yaml:"not,omitempty"`
}

// Push authentication types.
const (
	PushAuthNone   = ""
	PushAuthBearer = "bearer"
	PushAuthBasic  = "basic"
	PushAuthHeader = "header"
)

// PushAuth holds the credentials of a push request.
type PushAuth struct {
	Type        string `yaml:"type,omitempty"`
	Token       string `yaml:"token,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	HeaderName  string `yaml:"header_name,omitempty"`
	HeaderValue string `yaml:"header_value,omitempty"`
}

// PushConfig sends an HTTP request when any condition rises. Body may
// reference live values as #controller.tag.
type PushConfig struct {
	Name        string            `yaml:"name"`
	Enabled     bool              `yaml:"enabled"`
	Conditions  []PushCondition   `yaml:"conditions"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method,omitempty"`
	ContentType string            `yaml:"content_type,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Body        string            `yaml:"body,omitempty"`
	Auth        PushAuth          `yaml:"auth,omitempty"`
	// Cooldown is the minimum time between requests once the conditions
	// have cleared. With CooldownPerCondition each condition re-arms on its
	// own.
	Cooldown             time.Duration `yaml:"cooldown,omitempty"`
	CooldownPerCondition bool          `yaml:"cooldown_per_condition,omitempty"`
	Timeout              time.Duration `yaml:"timeout,omitempty"`
}

// APIConfig holds the REST API settings. An empty Username disables auth.
type APIConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	Username     string `yaml:"username,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"` // bcrypt
}

// LogConfig selects log output.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // console or json
	File        string `yaml:"file,omitempty"`
	DebugFile   string `yaml:"debug_file,omitempty"` // protocol hex trace
	DebugFilter string `yaml:"debug_filter,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:        "taglink",
		PollRate:         time.Second,
		Timeout:          5 * time.Second,
		MaxRequestSize:   480,
		MaxBatchTags:     50,
		FailureThreshold: 3,
		Reconnect: ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		Controllers: []ControllerConfig{},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// DefaultMQTTConfig returns an MQTT config for a local broker.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Enabled:  true,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "taglink-" + name,
		Format:   "json",
		QoS:      1,
	}
}

// DefaultValkeyConfig returns a Valkey config for a local server.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Enabled:        true,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka config for a local broker.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:         name,
		Enabled:      true,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1,
		MaxRetries:   3,
		BatchTimeout: 10 * time.Millisecond,
		Format:       "json",
		WriteMaxAge:  2 * time.Second,
	}
}

// DefaultPath returns the default configuration file path (~/.taglink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taglink.yaml"
	}
	return filepath.Join(home, ".taglink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults; fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback run after each successful save.
func (c *Config) AddOnChangeListener(cb func()) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ListenerID]func())
	}
	id := ListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	c.notifyChangeListeners()
	return nil
}

// FindController returns the controller config with the given name, or nil.
func (c *Config) FindController(name string) *ControllerConfig {
	for i := range c.Controllers {
		if c.Controllers[i].Name == name {
			return &c.Controllers[i]
		}
	}
	return nil
}

// AddController appends a controller config.
func (c *Config) AddController(ctrl ControllerConfig) {
	c.Controllers = append(c.Controllers, ctrl)
}

// RemoveController removes a controller by name.
func (c *Config) RemoveController(name string) bool {
	for i, ctrl := range c.Controllers {
		if ctrl.Name == name {
			c.Controllers = append(c.Controllers[:i], c.Controllers[i+1:]...)
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

func validOperator(op string) bool {
	switch op {
	case "==", "!=", ">", "<", ">=", "<=":
		return true
	}
	return false
}

// FindTagPack returns the pack named name, or nil. The caller must hold
// the lock.
func (c *Config) FindTagPack(name string) *TagPackConfig {
	for i := range c.TagPacks {
		if c.TagPacks[i].Name == name {
			return &c.TagPacks[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	if !IsValidNamespace(c.Namespace) {
		errs = append(errs, fmt.Errorf("invalid namespace %q: use letters, digits, '-', '_' or '.'", c.Namespace))
	}
	if c.PollRate <= 0 {
		errs = append(errs, errors.New("poll_rate must be positive"))
	}
	if c.MaxBatchTags < 0 || c.MaxBatchTags > 200 {
		errs = append(errs, fmt.Errorf("max_batch_tags %d out of range 0-200", c.MaxBatchTags))
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("reconnect multiplier %g below 1", c.Reconnect.Multiplier))
	}

	names := make(map[string]bool)
	for i, ctrl := range c.Controllers {
		switch {
		case ctrl.Name == "":
			errs = append(errs, fmt.Errorf("controllers[%d]: name is required", i))
		case names[ctrl.Name]:
			errs = append(errs, fmt.Errorf("controllers[%d]: duplicate name %q", i, ctrl.Name))
		}
		names[ctrl.Name] = true
		if ctrl.Address == "" {
			errs = append(errs, fmt.Errorf("controller %q: address is required", ctrl.Name))
		}
		if ctrl.Slot != nil && (*ctrl.Slot < 0 || *ctrl.Slot > 255) {
			errs = append(errs, fmt.Errorf("controller %q: slot %d out of range", ctrl.Name, *ctrl.Slot))
		}
		for j, tag := range ctrl.Tags {
			if tag.Path == "" {
				errs = append(errs, fmt.Errorf("controller %q: tags[%d]: path is required", ctrl.Name, j))
			}
		}
	}
	for _, m := range c.MQTT {
		if m.Enabled && m.Broker == "" {
			errs = append(errs, fmt.Errorf("mqtt %q: broker is required", m.Name))
		}
		if m.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt %q: qos %d out of range", m.Name, m.QoS))
		}
	}
	for _, k := range c.Kafka {
		if k.Enabled && len(k.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("kafka %q: at least one broker is required", k.Name))
		}
		switch k.SASLMechanism {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			errs = append(errs, fmt.Errorf("kafka %q: unknown sasl_mechanism %q", k.Name, k.SASLMechanism))
		}
	}
	packs := make(map[string]bool)
	for i, p := range c.TagPacks {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("tag_packs[%d]: name is required", i))
		case packs[p.Name]:
			errs = append(errs, fmt.Errorf("tag_packs[%d]: duplicate name %q", i, p.Name))
		}
		packs[p.Name] = true
		for j, m := range p.Members {
			if m.Controller == "" || m.Tag == "" {
				errs = append(errs, fmt.Errorf("tag pack %q: members[%d]: controller and tag are required", p.Name, j))
			}
		}
	}
	triggers := make(map[string]bool)
	for i, t := range c.Triggers {
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Errorf("triggers[%d]: name is required", i))
		case triggers[t.Name]:
			errs = append(errs, fmt.Errorf("triggers[%d]: duplicate name %q", i, t.Name))
		}
		triggers[t.Name] = true
		if t.Controller == "" || t.Tag == "" {
			errs = append(errs, fmt.Errorf("trigger %q: controller and tag are required", t.Name))
		}
		if !validOperator(t.Condition.Operator) {
			errs = append(errs, fmt.Errorf("trigger %q: unknown operator %q", t.Name, t.Condition.Operator))
		}
	}
	pushes := make(map[string]bool)
	for i, p := range c.Pushes {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("pushes[%d]: name is required", i))
		case pushes[p.Name]:
			errs = append(errs, fmt.Errorf("pushes[%d]: duplicate name %q", i, p.Name))
		}
		pushes[p.Name] = true
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("push %q: url is required", p.Name))
		}
		for j, cond := range p.Conditions {
			if !validOperator(cond.Operator) {
				errs = append(errs, fmt.Errorf("push %q: conditions[%d]: unknown operator %q", p.Name, j, cond.Operator))
			}
		}
		switch p.Auth.Type {
		case PushAuthNone, PushAuthBearer, PushAuthBasic, PushAuthHeader:
		default:
			errs = append(errs, fmt.Errorf("push %q: unknown auth type %q", p.Name, p.Auth.Type))
		}
	}
	if c.API.Enabled && c.API.Username != "" && c.API.PasswordHash == "" {
		errs = append(errs, errors.New("api: password_hash is required with username"))
	}
	return errors.Join(errs...)
}

// IsValidNamespace reports whether ns contains only alphanumeric
// characters, hyphens, underscores and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
