package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"eiptag/config"
	"eiptag/logix"
	"eiptag/namespace"
	"eiptag/registry"
	"eiptag/subscription"
)

func newTestProducer(cfg config.KafkaConfig, ns string) *Producer {
	return NewProducer(&cfg, namespace.New(ns, ""), nil)
}

func TestProducer_BuildMessage(t *testing.T) {
	p := newTestProducer(config.KafkaConfig{Name: "events", Brokers: []string{"localhost:9092"}}, "plant")
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	msg, err := p.BuildMessage(subscription.Update{
		PLC:      "line1",
		Tag:      "Motor",
		Value:    logix.BoolValue(true),
		Previous: logix.BoolValue(false),
		Time:     ts,
	})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if msg.Topic != "plant" {
		t.Errorf("message topic = %q, want plant", msg.Topic)
	}
	if string(msg.Key) != "line1.Motor" {
		t.Errorf("key = %q, want line1.Motor", msg.Key)
	}
	if !msg.Time.Equal(ts) {
		t.Errorf("time = %v, want %v", msg.Time, ts)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	checks := map[string]interface{}{
		"topic":    "plant",
		"plc":      "line1",
		"tag":      "Motor",
		"value":    true,
		"previous": false,
		"type":     "BOOL",
	}
	for field, want := range checks {
		if decoded[field] != want {
			t.Errorf("%s = %v, want %v", field, decoded[field], want)
		}
	}
}

// TestProducer_KeysAreStable checks every update of one tag lands on the
// same partition key.
func TestProducer_KeysAreStable(t *testing.T) {
	p := newTestProducer(config.KafkaConfig{Name: "events"}, "plant")
	a, _ := p.BuildMessage(subscription.Update{PLC: "p", Tag: "Counter", Value: logix.DintValue(1)})
	b, _ := p.BuildMessage(subscription.Update{PLC: "p", Tag: "Counter", Value: logix.DintValue(2)})
	if string(a.Key) != string(b.Key) {
		t.Errorf("keys differ: %q vs %q", a.Key, b.Key)
	}
	if a.Time.IsZero() {
		t.Error("zero update time should default to now")
	}
}

func TestProducer_Topic(t *testing.T) {
	if got := newTestProducer(config.KafkaConfig{}, "plant").Topic(); got != "plant" {
		t.Errorf("Topic() = %q", got)
	}
	if got := newTestProducer(config.KafkaConfig{}, "").Topic(); got != "eiptag" {
		t.Errorf("Topic() with empty namespace = %q", got)
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.KafkaConfig
		wantNil   bool
		wantError bool
		wantName  string
	}{
		{name: "no username", cfg: config.KafkaConfig{SASLMechanism: SASLPlain}, wantNil: true},
		{name: "plain", cfg: config.KafkaConfig{Username: "u", Password: "p", SASLMechanism: "plain"}, wantName: "PLAIN"},
		{name: "default plain", cfg: config.KafkaConfig{Username: "u", Password: "p"}, wantName: "PLAIN"},
		{name: "scram 256", cfg: config.KafkaConfig{Username: "u", Password: "p", SASLMechanism: SASLSCRAMSHA256}, wantName: "SCRAM-SHA-256"},
		{name: "scram 512", cfg: config.KafkaConfig{Username: "u", Password: "p", SASLMechanism: SASLSCRAMSHA512}, wantName: "SCRAM-SHA-512"},
		{name: "unknown", cfg: config.KafkaConfig{Username: "u", SASLMechanism: "GSSAPI"}, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := saslMechanism(&tt.cfg)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if m != nil {
					t.Errorf("mechanism = %v, want nil", m)
				}
				return
			}
			if m == nil || m.Name() != tt.wantName {
				t.Errorf("mechanism = %v, want %s", m, tt.wantName)
			}
		})
	}
}

func TestProducer_PublishWhenDisconnected(t *testing.T) {
	p := newTestProducer(config.KafkaConfig{Name: "events"}, "plant")
	if p.GetStatus() != StatusDisconnected {
		t.Fatalf("status = %s", p.GetStatus())
	}
	if err := p.Publish(context.Background(), subscription.Update{PLC: "p", Tag: "t"}); err == nil {
		t.Error("expected an error publishing while disconnected")
	}
	if err := p.PublishHealth(context.Background(), "p", registry.Health{}); err == nil {
		t.Error("expected an error publishing health while disconnected")
	}
	if err := p.Connect(context.Background()); err == nil {
		t.Error("expected an error connecting without brokers")
	}
	p.Disconnect()
}

func TestConnectionStatus_String(t *testing.T) {
	want := map[ConnectionStatus]string{
		StatusDisconnected:   "Disconnected",
		StatusConnecting:     "Connecting",
		StatusConnected:      "Connected",
		StatusError:          "Error",
		ConnectionStatus(99): "Unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), name)
		}
	}
}

func TestProducer_BuildHealthMessage(t *testing.T) {
	p := newTestProducer(config.KafkaConfig{Name: "events"}, "plant")
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	msg, err := p.BuildHealthMessage("line1", registry.Health{ConsecutiveFailures: 2, LastCheck: ts})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if msg.Topic != "plant.health" {
		t.Errorf("topic = %q, want plant.health", msg.Topic)
	}
	if string(msg.Key) != "line1" {
		t.Errorf("key = %q, want line1", msg.Key)
	}
	if !msg.Time.Equal(ts) {
		t.Errorf("time = %v, want %v", msg.Time, ts)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded["healthy"] != false || decoded["consecutive_failures"] != float64(2) {
		t.Errorf("unexpected health payload %v", decoded)
	}
}
