package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"eiptag/logging"
)

// Sink receives tag updates, typically to forward them to a broker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, u Update) error
}

// Message is the broker-neutral form of an Update.
type Message struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Values    []any  `json:"values,omitempty"`
	Previous  any    `json:"previous,omitempty"`
	Type      string `json:"type,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewMessage flattens u into plain values suitable for JSON.
func NewMessage(u Update) Message {
	m := Message{
		PLC:       u.PLC,
		Tag:       u.Tag,
		Timestamp: u.Time.UTC().Format(time.RFC3339Nano),
	}
	if u.Err != nil {
		m.Error = u.Err.Error()
		return m
	}
	m.Type = u.Value.Type().String()
	m.Value = u.Value.Interface()
	if u.Previous.Valid() {
		m.Previous = u.Previous.Interface()
	}
	if len(u.Values) > 1 {
		m.Values = make([]any, len(u.Values))
		for i, v := range u.Values {
			m.Values[i] = v.Interface()
		}
	}
	return m
}

// Dispatcher drains subscriptions into every sink. A failing sink is logged
// and does not hold up the others.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	errors map[string]int64
	wg     sync.WaitGroup
}

// NewDispatcher fans updates out to sinks. timeout bounds each Publish.
func NewDispatcher(sinks []Sink, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = logging.L()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		log:     log.Named("dispatcher"),
		errors:  make(map[string]int64),
	}
}

// Attach forwards every update of s until its channel closes.
func (d *Dispatcher) Attach(ctx context.Context, s *Subscription) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for u := range s.Updates() {
			d.Dispatch(ctx, u)
		}
	}()
}

// Dispatch publishes u to every sink and returns the joined failures.
func (d *Dispatcher) Dispatch(ctx context.Context, u Update) error {
	var errs []error
	for _, sink := range d.sinks {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Publish(pctx, u)
		cancel()
		if err == nil {
			continue
		}
		d.mu.Lock()
		d.errors[sink.Name()]++
		d.mu.Unlock()
		d.log.Warn("publish failed", zap.String("sink", sink.Name()), zap.String("plc", u.PLC), zap.String("tag", u.Tag), zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Errors reports the publish failures counted per sink.
func (d *Dispatcher) Errors() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.errors))
	for k, v := range d.errors {
		out[k] = v
	}
	return out
}

// Wait blocks until every attached subscription has closed.
func (d *Dispatcher) Wait() { d.wg.Wait() }
