// Package brokertest stress-tests the publish path of the configured sinks
// with synthetic tag changes.
package brokertest

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"eiptag/logging"
	"eiptag/logix"
	"eiptag/subscription"
)

// Namespace is the prefix stress traffic is published under, kept apart
// from live data.
const Namespace = "eiptag-test-stress"

// TestConfig holds configuration for the stress test.
type TestConfig struct {
	// Duration is how long to run each sink.
	Duration time.Duration
	// NumTags is the number of simulated tags per PLC.
	NumTags int
	// NumPLCs is the number of simulated PLCs.
	NumPLCs int
	// Workers publish concurrently, as several subscriptions would.
	Workers int
	// Timeout bounds each publish.
	Timeout time.Duration
	// MaxErrorRate is the failure fraction above which a sink fails.
	MaxErrorRate float64
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration:     10 * time.Second,
		NumTags:      100,
		NumPLCs:      50,
		Workers:      4,
		Timeout:      30 * time.Second,
		MaxErrorRate: 0.01,
	}
}

// Result holds the outcome for one sink.
type Result struct {
	Sink         string
	Duration     time.Duration
	MessagesSent int64
	Errors       int64
	Throughput   float64 // messages per second
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	MaxLatency   time.Duration
	Success      bool
	FirstError   error
}

// Runner executes stress tests.
type Runner struct {
	sinks   []subscription.Sink
	testCfg TestConfig
	out     io.Writer
	log     *zap.Logger
}

// NewRunner creates a runner for sinks. The report is written to out.
func NewRunner(sinks []subscription.Sink, testCfg TestConfig, out io.Writer) *Runner {
	d := DefaultTestConfig()
	if testCfg.Duration <= 0 {
		testCfg.Duration = d.Duration
	}
	if testCfg.NumTags <= 0 {
		testCfg.NumTags = d.NumTags
	}
	if testCfg.NumPLCs <= 0 {
		testCfg.NumPLCs = d.NumPLCs
	}
	if testCfg.Workers <= 0 {
		testCfg.Workers = d.Workers
	}
	if testCfg.Timeout <= 0 {
		testCfg.Timeout = d.Timeout
	}
	if testCfg.MaxErrorRate <= 0 {
		testCfg.MaxErrorRate = d.MaxErrorRate
	}
	return &Runner{
		sinks:   sinks,
		testCfg: testCfg,
		out:     out,
		log:     logging.L().Named("brokertest"),
	}
}

// Run stresses each sink in turn and prints the report.
func (r *Runner) Run(ctx context.Context) []Result {
	r.printHeader()
	results := make([]Result, 0, len(r.sinks))
	for _, s := range r.sinks {
		if ctx.Err() != nil {
			break
		}
		fmt.Fprintf(r.out, "  Testing %s ... ", s.Name())
		res := r.runSink(ctx, s)
		if res.Success {
			fmt.Fprintln(r.out, "DONE")
		} else {
			fmt.Fprintln(r.out, "FAILED")
		}
		results = append(results, res)
	}
	r.printReport(results)
	return results
}

func (r *Runner) runSink(ctx context.Context, sink subscription.Sink) Result {
	var sent, failed atomic.Int64
	var mu sync.Mutex
	var latencies []time.Duration
	var firstErr error

	rctx, cancel := context.WithTimeout(ctx, r.testCfg.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < r.testCfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, 1024)
			for rctx.Err() == nil {
				u := r.syntheticUpdate()
				// Each publish gets its own deadline so the last one in
				// flight is not cut short by the run ending.
				pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), r.testCfg.Timeout)
				t0 := time.Now()
				err := sink.Publish(pctx, u)
				lat := time.Since(t0)
				pcancel()
				if err != nil {
					failed.Add(1)
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					continue
				}
				sent.Add(1)
				local = append(local, lat)
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	res := Result{
		Sink:         sink.Name(),
		Duration:     time.Since(start),
		MessagesSent: sent.Load(),
		Errors:       failed.Load(),
		FirstError:   firstErr,
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		res.Throughput = float64(res.MessagesSent) / secs
	}
	total := res.MessagesSent + res.Errors
	res.Success = res.MessagesSent > 0 && float64(res.Errors)/float64(total) < r.testCfg.MaxErrorRate
	res.AvgLatency, res.P50Latency, res.P95Latency, res.P99Latency, res.MaxLatency = calculateLatencyStats(latencies)

	r.log.Debug("sink tested",
		zap.String("sink", res.Sink),
		zap.Int64("sent", res.MessagesSent),
		zap.Int64("errors", res.Errors),
		zap.Float64("throughput", res.Throughput))
	return res
}

func (r *Runner) syntheticUpdate() subscription.Update {
	v := logix.DintValue(rand.Int32N(10000))
	return subscription.Update{
		PLC:    fmt.Sprintf("TestPLC%d", rand.IntN(r.testCfg.NumPLCs)),
		Tag:    fmt.Sprintf("Tag%d", rand.IntN(r.testCfg.NumTags)),
		Value:  v,
		Values: []logix.Value{v},
		Time:   time.Now(),
	}
}

// calculateLatencyStats computes avg, p50, p95, p99, and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

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

func (r *Runner) printHeader() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  SINK STRESS TEST")
	fmt.Fprintf(r.out, "    Duration:       %v per sink\n", r.testCfg.Duration)
	fmt.Fprintf(r.out, "    Simulated PLCs: %d\n", r.testCfg.NumPLCs)
	fmt.Fprintf(r.out, "    Tags per PLC:   %d\n", r.testCfg.NumTags)
	fmt.Fprintf(r.out, "    Workers:        %d\n", r.testCfg.Workers)
	fmt.Fprintln(r.out)
}

func (r *Runner) printReport(results []Result) {
	fmt.Fprintln(r.out)
	if len(results) == 0 {
		fmt.Fprintln(r.out, "  No sinks connected. Enable mqtt, valkey or kafka entries in the config.")
		fmt.Fprintln(r.out)
		return
	}

	fmt.Fprintf(r.out, "  %-24s %14s %12s %8s\n", "Sink", "Throughput", "Messages", "Status")
	passed := 0
	for _, res := range results {
		status := "PASS"
		if res.Success {
			passed++
		} else {
			status = "FAIL"
		}
		fmt.Fprintf(r.out, "  %-24s %10.0f msg/s %12d %8s\n", res.Sink, res.Throughput, res.MessagesSent, status)
	}
	fmt.Fprintln(r.out)

	for _, res := range results {
		fmt.Fprintf(r.out, "  %s:\n", res.Sink)
		fmt.Fprintf(r.out, "    Duration:   %v\n", res.Duration.Round(time.Millisecond))
		fmt.Fprintf(r.out, "    Messages:   %d sent, %d errors\n", res.MessagesSent, res.Errors)
		if res.FirstError != nil {
			fmt.Fprintf(r.out, "    First error: %v\n", res.FirstError)
		}
		if res.AvgLatency > 0 {
			fmt.Fprintf(r.out, "    Latency:    avg %v, p50 %v, p95 %v, p99 %v, max %v\n",
				res.AvgLatency.Round(time.Microsecond),
				res.P50Latency.Round(time.Microsecond),
				res.P95Latency.Round(time.Microsecond),
				res.P99Latency.Round(time.Microsecond),
				res.MaxLatency.Round(time.Microsecond))
		}
	}
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "  Summary: %d passed, %d failed\n\n", passed, len(results)-passed)
}
