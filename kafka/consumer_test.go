package kafka

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"eiptag/config"
	"eiptag/logix"
	"eiptag/namespace"
	"eiptag/writeback"
)

type fakeWriter struct {
	calls  []string
	result logix.TagResult
}

func (w *fakeWriter) WriteTag(_ context.Context, name string, _ any, _ ...logix.DataType) logix.TagResult {
	w.calls = append(w.calls, name)
	return w.result
}

func pending(t *testing.T, payload string, at time.Time) pendingWrite {
	t.Helper()
	req, err := writeback.ParseRequest([]byte(payload))
	return pendingWrite{req: req, err: err, msg: kafka.Message{Value: []byte(payload), Time: at}}
}

func TestConsumer_ProcessBatch(t *testing.T) {
	c := NewConsumer(&config.KafkaConfig{Name: "events", WriteMaxAge: time.Second}, namespace.New("plant", ""), nil, nil)
	line1 := &fakeWriter{result: logix.TagResult{Success: true, Value: logix.DintValue(2)}}
	line2 := &fakeWriter{result: logix.TagResult{Err: errors.New(`tag "B": tag not found`)}}
	c.SetWriter("line1", line1)
	c.SetWriter("line2", line2)

	now := time.Now()
	batch := []pendingWrite{
		pending(t, `{"plc":"line1","tag":"Counter","value":1,"request_id":"a"}`, now),
		pending(t, `{"plc":"line1","tag":"Counter","value":2,"request_id":"b"}`, now),
		pending(t, `{"plc":"line2","tag":"B","value":7}`, now),
		pending(t, `{"plc":"line1","tag":"Old","value":3}`, now.Add(-5*time.Second)),
		pending(t, `{"plc":"line1","tag":`, now),
		pending(t, `{"tag":"NoPLC","value":1}`, now),
		pending(t, `{"plc":"line9","tag":"X","value":1}`, now),
	}
	resps := c.processBatch(context.Background(), batch, now)
	if len(resps) != len(batch) {
		t.Fatalf("got %d responses for %d requests", len(resps), len(batch))
	}

	if r := resps[0]; r.Success || !r.Deduplicated || r.RequestID != "a" {
		t.Errorf("first Counter write should be deduplicated: %+v", r)
	}
	if r := resps[1]; !r.Success || r.RequestID != "b" || r.Type != "DINT" {
		t.Errorf("latest Counter write should succeed: %+v", r)
	}
	if r := resps[2]; r.Success || !strings.Contains(r.Error, "tag not found") {
		t.Errorf("line2 write should fail with tag not found: %+v", r)
	}
	if r := resps[3]; r.Success || !r.Skipped || !strings.Contains(r.Error, "expired") {
		t.Errorf("old request should be skipped: %+v", r)
	}
	if r := resps[4]; r.Success || !strings.Contains(r.Error, "invalid JSON") {
		t.Errorf("bad JSON should fail: %+v", r)
	}
	if r := resps[5]; r.Success || !strings.Contains(r.Error, "missing plc") {
		t.Errorf("request without plc should fail: %+v", r)
	}
	if r := resps[6]; r.Success || !strings.Contains(r.Error, "unknown plc") {
		t.Errorf("unknown plc should fail: %+v", r)
	}

	if len(line1.calls) != 1 || line1.calls[0] != "Counter" {
		t.Errorf("line1 writes = %v, want only the latest Counter write", line1.calls)
	}
	if len(line2.calls) != 1 {
		t.Errorf("line2 writes = %v", line2.calls)
	}
}

func TestConsumer_Defaults(t *testing.T) {
	c := NewConsumer(&config.KafkaConfig{Name: "events"}, namespace.New("plant", ""), nil, nil)
	if c.GroupID() != DefaultConsumerGroup {
		t.Errorf("GroupID() = %q", c.GroupID())
	}
	if c.maxAge() != DefaultWriteMaxAge {
		t.Errorf("maxAge() = %v", c.maxAge())
	}
	if c.IsRunning() {
		t.Error("new consumer should not be running")
	}
	if err := c.Start(); err == nil {
		t.Error("expected an error starting without brokers")
	}
	c.Stop()

	c = NewConsumer(&config.KafkaConfig{ConsumerGroup: "ops"}, namespace.New("plant", ""), nil, nil)
	if c.GroupID() != "ops" {
		t.Errorf("GroupID() = %q, want ops", c.GroupID())
	}
}
