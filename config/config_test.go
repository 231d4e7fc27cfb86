package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eiptag/cip"
	"eiptag/eip"
)

const sampleYAML = `
namespace: plant1
logging:
  level: debug
  format: json
  protocols: [logix]
plcs:
  - name: line1
    address: 10.0.0.5
    enabled: true
    slot: 2
    connected: true
    request_timeout: 750ms
    idle_threshold: 30s
    max_message_size: 4002
  - name: line2
    address: 10.0.0.6:2222
    route: "1,0"
health:
  interval: 15s
subscriptions:
  - plc: line1
    tags: [Counter, Speed]
    update_rate: 250ms
    change_threshold: 0.5
mqtt:
  - name: local
    enabled: true
    broker: localhost
    port: 1883
    client_id: eiptag
valkey:
  - name: cache
    enabled: true
    address: localhost:6379
    key_ttl: 1m
    publish_changes: true
kafka:
  - name: events
    enabled: true
    brokers: [localhost:9092]
    required_acks: -1
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "eiptag", cfg.Namespace)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.Empty(t, cfg.PLCs)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "plant1", cfg.Namespace)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, []string{"logix"}, cfg.Logging.Protocols)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)

	require.Len(t, cfg.PLCs, 2)
	line1 := cfg.FindPLC("line1")
	require.NotNil(t, line1)
	assert.True(t, line1.Enabled)
	assert.Equal(t, 2, line1.Slot)
	assert.True(t, line1.Connected)
	assert.Equal(t, 750*time.Millisecond, line1.RequestTimeout)
	assert.Equal(t, 30*time.Second, line1.IdleThreshold)
	assert.Equal(t, 4002, line1.MaxMessageSize)

	require.Len(t, cfg.Subscriptions, 1)
	assert.Equal(t, []string{"Counter", "Speed"}, cfg.Subscriptions[0].Tags)
	assert.Equal(t, 250*time.Millisecond, cfg.Subscriptions[0].UpdateRate)
	assert.InDelta(t, 0.5, cfg.Subscriptions[0].ChangeThreshold, 1e-9)

	require.Len(t, cfg.MQTT, 1)
	assert.Equal(t, 1883, cfg.MQTT[0].Port)
	require.Len(t, cfg.Valkey, 1)
	assert.Equal(t, time.Minute, cfg.Valkey[0].KeyTTL)
	require.Len(t, cfg.Kafka, 1)
	assert.Equal(t, -1, cfg.Kafka[0].RequiredAcks)

	assert.Len(t, cfg.EnabledPLCs(), 1)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", "plcs:\n  - name: a\n    address: 127.0.0.1\n"))
	require.NoError(t, err)

	assert.Equal(t, "eiptag", cfg.Namespace)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("EIPTAG_LOGGING_LEVEL", "warn")
	t.Setenv("EIPTAG_NAMESPACE", "override")

	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "override", cfg.Namespace)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidConfig(t *testing.T) {
	_, err := Load(writeFile(t, "config.yaml", "plcs:\n  - name: a\n"))
	assert.ErrorContains(t, err, "address is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.AddPLC(PLCConfig{Name: "a", Address: "10.0.0.1", Enabled: true})
		cfg.Subscriptions = []SubscriptionConfig{{PLC: "a", Tags: []string{"X"}}}
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "bad namespace", modify: func(c *Config) { c.Namespace = "a/b" }, wantErr: "invalid namespace"},
		{name: "bad log level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging"},
		{name: "duplicate plc", modify: func(c *Config) { c.AddPLC(PLCConfig{Name: "a", Address: "x"}) }, wantErr: "duplicate plc"},
		{name: "missing plc name", modify: func(c *Config) { c.PLCs[0].Name = "" }, wantErr: "no name"},
		{name: "bad port", modify: func(c *Config) { c.PLCs[0].Port = 70000 }, wantErr: "invalid port"},
		{name: "bad slot", modify: func(c *Config) { c.PLCs[0].Slot = 300 }, wantErr: "invalid slot"},
		{name: "odd route", modify: func(c *Config) { c.PLCs[0].Route = "1,0,2" }, wantErr: "port,link pairs"},
		{name: "tiny message size", modify: func(c *Config) { c.PLCs[0].MaxMessageSize = 10 }, wantErr: "max_message_size"},
		{name: "subscription unknown plc", modify: func(c *Config) { c.Subscriptions[0].PLC = "b" }, wantErr: "unknown plc"},
		{name: "subscription no tags", modify: func(c *Config) { c.Subscriptions[0].Tags = nil }, wantErr: "no tags"},
		{name: "mqtt without broker", modify: func(c *Config) { c.MQTT = []MQTTConfig{{Name: "m", Enabled: true}} }, wantErr: "broker is required"},
		{name: "disabled mqtt without broker", modify: func(c *Config) { c.MQTT = []MQTTConfig{{Name: "m"}} }},
		{name: "valkey without address", modify: func(c *Config) { c.Valkey = []ValkeyConfig{{Name: "v", Enabled: true}} }, wantErr: "address is required"},
		{name: "kafka without brokers", modify: func(c *Config) { c.Kafka = []KafkaConfig{{Name: "k", Enabled: true}} }, wantErr: "broker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Namespace = "site"
	cfg.AddPLC(PLCConfig{
		Name:           "press",
		Address:        "192.168.1.10",
		Enabled:        true,
		Slot:           1,
		RequestTimeout: 2 * time.Second,
	})
	cfg.Subscriptions = []SubscriptionConfig{{PLC: "press", Tags: []string{"Counter"}, UpdateRate: time.Second}}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "site", loaded.Namespace)
	require.Len(t, loaded.PLCs, 1)
	assert.Equal(t, cfg.PLCs[0], loaded.PLCs[0])
	assert.Equal(t, cfg.Subscriptions, loaded.Subscriptions)
}

func TestPLCManagement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddPLC(PLCConfig{Name: "a", Address: "1.1.1.1"})
	cfg.AddPLC(PLCConfig{Name: "b", Address: "2.2.2.2"})

	assert.NotNil(t, cfg.FindPLC("b"))
	assert.True(t, cfg.RemovePLC("a"))
	assert.False(t, cfg.RemovePLC("a"))
	assert.Nil(t, cfg.FindPLC("a"))
	assert.Len(t, cfg.PLCs, 1)
}

func TestPLCConfig_Endpoint(t *testing.T) {
	p := PLCConfig{Address: "10.0.0.5"}
	ep, err := p.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, eip.Endpoint{Host: "10.0.0.5", Port: eip.DefaultPort}, ep)

	p = PLCConfig{Address: "10.0.0.5:2222"}
	ep, err = p.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, uint16(2222), ep.Port)

	p = PLCConfig{Address: "10.0.0.5:2222", Port: 3333}
	ep, err = p.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, uint16(3333), ep.Port)
}

func TestParseRoute(t *testing.T) {
	route, err := ParseRoute("1, 0")
	require.NoError(t, err)
	assert.Equal(t, cip.Path{0x01, 0x00}, route)

	route, err = ParseRoute("")
	require.NoError(t, err)
	assert.Nil(t, route)

	_, err = ParseRoute("1,x")
	assert.Error(t, err)

	_, err = ParseRoute("1,256")
	assert.Error(t, err)
}

func TestPLCConfig_ClientOptions(t *testing.T) {
	assert.Empty(t, (&PLCConfig{}).ClientOptions())

	p := PLCConfig{
		Slot:             3,
		Connected:        true,
		MaxMessageSize:   1000,
		MaxItemsPerBatch: 10,
		RequestTimeout:   time.Second,
	}
	assert.Len(t, p.ClientOptions(), 5)
}
