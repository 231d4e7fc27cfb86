package brokertest

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eiptag/subscription"
)

type countingSink struct {
	name  string
	calls atomic.Int64
	every int64 // fail every nth publish, 0 never
}

func (s *countingSink) Name() string { return s.name }

func (s *countingSink) Publish(ctx context.Context, u subscription.Update) error {
	n := s.calls.Add(1)
	if u.PLC == "" || u.Tag == "" || !u.Value.Valid() {
		return errors.New("malformed update")
	}
	if s.every > 0 && n%s.every == 0 {
		return errors.New("broker refused")
	}
	time.Sleep(100 * time.Microsecond)
	return ctx.Err()
}

func TestRunner_HealthySink(t *testing.T) {
	sink := &countingSink{name: "fake:ok"}
	var out bytes.Buffer
	r := NewRunner([]subscription.Sink{sink}, TestConfig{Duration: 50 * time.Millisecond, NumPLCs: 2, NumTags: 3}, &out)

	results := r.Run(context.Background())
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, "fake:ok", res.Sink)
	assert.True(t, res.Success)
	assert.Positive(t, res.MessagesSent)
	assert.Zero(t, res.Errors)
	assert.Equal(t, sink.calls.Load(), res.MessagesSent)
	assert.Positive(t, res.Throughput)
	assert.LessOrEqual(t, res.P50Latency, res.MaxLatency)
	assert.Contains(t, out.String(), "1 passed, 0 failed")
}

func TestRunner_FailingSink(t *testing.T) {
	sink := &countingSink{name: "fake:flaky", every: 2}
	var out bytes.Buffer
	r := NewRunner([]subscription.Sink{sink}, TestConfig{Duration: 30 * time.Millisecond}, &out)

	res := r.Run(context.Background())[0]
	assert.False(t, res.Success)
	assert.Positive(t, res.Errors)
	assert.EqualError(t, res.FirstError, "broker refused")
	assert.Contains(t, out.String(), "FAIL")
}

func TestRunner_NoSinks(t *testing.T) {
	var out bytes.Buffer
	results := NewRunner(nil, TestConfig{}, &out).Run(context.Background())
	assert.Empty(t, results)
	assert.Contains(t, out.String(), "No sinks connected")
}

func TestCalculateLatencyStats(t *testing.T) {
	var lats []time.Duration
	for i := 100; i >= 1; i-- {
		lats = append(lats, time.Duration(i)*time.Millisecond)
	}
	avg, p50, p95, p99, max := calculateLatencyStats(lats)
	assert.Equal(t, 50500*time.Microsecond, avg)
	assert.Equal(t, 51*time.Millisecond, p50)
	assert.Equal(t, 96*time.Millisecond, p95)
	assert.Equal(t, 100*time.Millisecond, p99)
	assert.Equal(t, 100*time.Millisecond, max)
	assert.Equal(t, 100*time.Millisecond, lats[0], "input must not be reordered")

	avg, _, _, _, max = calculateLatencyStats(nil)
	assert.Zero(t, avg)
	assert.Zero(t, max)
}
