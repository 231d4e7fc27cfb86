// Package config handles configuration loading and persistence for eiptag.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"eiptag/cip"
	"eiptag/eip"
	"eiptag/logging"
	"eiptag/logix"
)

// EnvPrefix prefixes environment overrides, e.g. EIPTAG_LOGGING_LEVEL=debug.
const EnvPrefix = "EIPTAG"

// Config holds the complete application configuration.
type Config struct {
	Namespace     string               `mapstructure:"namespace" yaml:"namespace"` // topic/key prefix for the sinks
	Logging       logging.Config       `mapstructure:"logging" yaml:"logging"`
	PLCs          []PLCConfig          `mapstructure:"plcs" yaml:"plcs"`
	Health        HealthConfig         `mapstructure:"health" yaml:"health"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions" yaml:"subscriptions,omitempty"`
	MQTT          []MQTTConfig         `mapstructure:"mqtt" yaml:"mqtt,omitempty"`
	Valkey        []ValkeyConfig       `mapstructure:"valkey" yaml:"valkey,omitempty"`
	Kafka         []KafkaConfig        `mapstructure:"kafka" yaml:"kafka,omitempty"`

	// dataMu guards the fields against a concurrent Save.
	dataMu sync.Mutex `yaml:"-"`
}

// PLCConfig describes one controller.
type PLCConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Address string `mapstructure:"address" yaml:"address"`
	Port    int    `mapstructure:"port" yaml:"port,omitempty"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`

	// Slot routes through the backplane to a ControlLogix CPU. Route, when
	// set, overrides it with explicit port/link pairs such as "1,0".
	Slot      int    `mapstructure:"slot" yaml:"slot"`
	Route     string `mapstructure:"route" yaml:"route,omitempty"`
	Connected bool   `mapstructure:"connected" yaml:"connected,omitempty"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout,omitempty"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout,omitempty"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout,omitempty"`
	IdleThreshold  time.Duration `mapstructure:"idle_threshold" yaml:"idle_threshold,omitempty"`

	MaxMessageSize     int  `mapstructure:"max_message_size" yaml:"max_message_size,omitempty"`
	MaxItemsPerBatch   int  `mapstructure:"max_items_per_batch" yaml:"max_items_per_batch,omitempty"`
	InstanceAddressing bool `mapstructure:"instance_addressing" yaml:"instance_addressing,omitempty"`
}

// HealthConfig controls background health polling of every PLC.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"` // 0 disables polling
}

// SubscriptionConfig polls a set of tags on one PLC and publishes changes.
type SubscriptionConfig struct {
	PLC             string        `mapstructure:"plc" yaml:"plc"`
	Tags            []string      `mapstructure:"tags" yaml:"tags"`
	UpdateRate      time.Duration `mapstructure:"update_rate" yaml:"update_rate,omitempty"`
	ChangeThreshold float64       `mapstructure:"change_threshold" yaml:"change_threshold,omitempty"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name            string `mapstructure:"name" yaml:"name"`
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker          string `mapstructure:"broker" yaml:"broker"`
	Port            int    `mapstructure:"port" yaml:"port"`
	Username        string `mapstructure:"username" yaml:"username,omitempty"`
	Password        string `mapstructure:"password" yaml:"password,omitempty"`
	ClientID        string `mapstructure:"client_id" yaml:"client_id"`
	Selector        string `mapstructure:"selector" yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS          bool   `mapstructure:"use_tls" yaml:"use_tls,omitempty"`
	EnableWriteback bool   `mapstructure:"enable_writeback" yaml:"enable_writeback,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `mapstructure:"name" yaml:"name"`
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Address        string        `mapstructure:"address" yaml:"address"` // host:port
	Password       string        `mapstructure:"password" yaml:"password,omitempty"`
	Database       int           `mapstructure:"database" yaml:"database"`
	Selector       string        `mapstructure:"selector" yaml:"selector,omitempty"`
	UseTLS         bool          `mapstructure:"use_tls" yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `mapstructure:"key_ttl" yaml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges bool          `mapstructure:"publish_changes" yaml:"publish_changes,omitempty"`

	// EnableWriteback pops write requests from the {ns}:writes list.
	EnableWriteback bool `mapstructure:"enable_writeback" yaml:"enable_writeback,omitempty"`
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `mapstructure:"name" yaml:"name"`
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers       []string      `mapstructure:"brokers" yaml:"brokers"`
	UseTLS        bool          `mapstructure:"use_tls" yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify" yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `mapstructure:"sasl_mechanism" yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `mapstructure:"username" yaml:"username,omitempty"`
	Password      string        `mapstructure:"password" yaml:"password,omitempty"`
	RequiredAcks  int           `mapstructure:"required_acks" yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
	Selector      string        `mapstructure:"selector" yaml:"selector,omitempty"`
	AutoCreate    bool          `mapstructure:"auto_create_topics" yaml:"auto_create_topics,omitempty"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout,omitempty"`

	// Write-back consumes requests from the {ns}-writes topic.
	EnableWriteback bool          `mapstructure:"enable_writeback" yaml:"enable_writeback,omitempty"`
	ConsumerGroup   string        `mapstructure:"consumer_group" yaml:"consumer_group,omitempty"` // default "eiptag-writeback"
	WriteMaxAge     time.Duration `mapstructure:"write_max_age" yaml:"write_max_age,omitempty"`   // default 2s; older requests are skipped
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "eiptag",
		Logging:   logging.DefaultConfig(),
		PLCs:      []PLCConfig{},
		Health:    HealthConfig{Interval: 10 * time.Second},
	}
}

// DefaultPath returns the default configuration file path (~/.eiptag/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".eiptag", "config.yaml")
}

// Load reads configuration from path, layering EIPTAG_* environment
// variables over the file and the file over the defaults. An empty path
// searches the working directory, ~/.eiptag and /etc/eiptag for
// config.yaml; finding none there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("namespace", def.Namespace)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.file", def.Logging.File)
	v.SetDefault("health.interval", def.Health.Interval)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.eiptag")
		v.AddConfigPath("/etc/eiptag")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML. The file is replaced atomically.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) {
	c.PLCs = append(c.PLCs, plc)
}

// RemovePLC removes a PLC config by name.
func (c *Config) RemovePLC(name string) bool {
	for i, p := range c.PLCs {
		if p.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// EnabledPLCs returns the PLCs marked enabled.
func (c *Config) EnabledPLCs() []PLCConfig {
	var out []PLCConfig
	for _, p := range c.PLCs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("config: invalid namespace %q: use letters, digits, '-', '_' and '.'", c.Namespace)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging: %w", err)
	}
	if c.Health.Interval < 0 {
		return fmt.Errorf("config: health.interval must not be negative")
	}

	names := make(map[string]bool, len(c.PLCs))
	for i := range c.PLCs {
		p := &c.PLCs[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if names[p.Name] {
			return fmt.Errorf("config: duplicate plc name %q", p.Name)
		}
		names[p.Name] = true
	}

	for i, s := range c.Subscriptions {
		if s.PLC == "" {
			return fmt.Errorf("config: subscriptions[%d]: plc is required", i)
		}
		if !names[s.PLC] {
			return fmt.Errorf("config: subscriptions[%d]: unknown plc %q", i, s.PLC)
		}
		if len(s.Tags) == 0 {
			return fmt.Errorf("config: subscriptions[%d]: no tags", i)
		}
		if s.UpdateRate < 0 || s.Timeout < 0 || s.ChangeThreshold < 0 {
			return fmt.Errorf("config: subscriptions[%d]: negative rate, timeout or threshold", i)
		}
	}

	for i, m := range c.MQTT {
		if m.Enabled && m.Broker == "" {
			return fmt.Errorf("config: mqtt[%d] %q: broker is required", i, m.Name)
		}
	}
	for i, v := range c.Valkey {
		if v.Enabled && v.Address == "" {
			return fmt.Errorf("config: valkey[%d] %q: address is required", i, v.Name)
		}
	}
	for i, k := range c.Kafka {
		if k.Enabled && len(k.Brokers) == 0 {
			return fmt.Errorf("config: kafka[%d] %q: at least one broker is required", i, k.Name)
		}
	}
	return nil
}

// Validate checks one PLC entry.
func (p *PLCConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("config: plc with address %q has no name", p.Address)
	}
	if p.Address == "" {
		return fmt.Errorf("config: plc %q: address is required", p.Name)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("config: plc %q: invalid port %d", p.Name, p.Port)
	}
	if p.Slot < 0 || p.Slot > 255 {
		return fmt.Errorf("config: plc %q: invalid slot %d", p.Name, p.Slot)
	}
	if _, err := ParseRoute(p.Route); err != nil {
		return fmt.Errorf("config: plc %q: %w", p.Name, err)
	}
	if p.MaxMessageSize != 0 && (p.MaxMessageSize < 64 || p.MaxMessageSize > 4002) {
		return fmt.Errorf("config: plc %q: max_message_size %d outside 64..4002", p.Name, p.MaxMessageSize)
	}
	if p.MaxItemsPerBatch < 0 {
		return fmt.Errorf("config: plc %q: negative max_items_per_batch", p.Name)
	}
	return nil
}

// Endpoint returns the controller endpoint. Address may carry its own port.
func (p *PLCConfig) Endpoint() (eip.Endpoint, error) {
	ep, err := eip.ParseEndpoint(p.Address)
	if err != nil {
		return ep, err
	}
	if p.Port != 0 {
		ep.Port = uint16(p.Port)
	}
	return ep, nil
}

// ClientOptions converts the entry into logix client options. Zero values
// leave the client defaults in place.
func (p *PLCConfig) ClientOptions() []logix.Option {
	var opts []logix.Option
	if route, _ := ParseRoute(p.Route); len(route) > 0 {
		opts = append(opts, logix.WithRoutePath(route))
	} else if p.Slot > 0 {
		opts = append(opts, logix.WithSlot(byte(p.Slot)))
	}
	if p.Connected {
		opts = append(opts, logix.WithConnected(true))
	}
	if p.MaxMessageSize > 0 {
		opts = append(opts, logix.WithMaxMessageSize(p.MaxMessageSize))
	}
	if p.MaxItemsPerBatch > 0 {
		opts = append(opts, logix.WithMaxItemsPerBatch(p.MaxItemsPerBatch))
	}
	if p.InstanceAddressing {
		opts = append(opts, logix.WithInstanceAddressing(true))
	}

	var sess []eip.SessionOption
	if p.ConnectTimeout > 0 {
		sess = append(sess, eip.WithConnectTimeout(p.ConnectTimeout))
	}
	if p.RequestTimeout > 0 {
		sess = append(sess, eip.WithRequestTimeout(p.RequestTimeout))
	}
	if p.ProbeTimeout > 0 {
		sess = append(sess, eip.WithProbeTimeout(p.ProbeTimeout))
	}
	if p.IdleThreshold > 0 {
		sess = append(sess, eip.WithIdleThreshold(p.IdleThreshold))
	}
	if len(sess) > 0 {
		opts = append(opts, logix.WithSessionOptions(sess...))
	}
	return opts
}

// ParseRoute parses a comma-separated list of port/link bytes, e.g. "1,0"
// for backplane slot 0. The list must hold an even number of bytes.
func ParseRoute(s string) (cip.Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("route %q: need port,link pairs", s)
	}
	path := make(cip.Path, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(strings.TrimSpace(f), 0, 8)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", s, err)
		}
		path = append(path, byte(n))
	}
	return path, nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
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
