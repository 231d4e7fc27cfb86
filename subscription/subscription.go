// Package subscription polls tags at a fixed rate and emits an update
// whenever a value changes.
package subscription

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"eiptag/logging"
	"eiptag/logix"
)

const (
	DefaultUpdateRate      = 100 * time.Millisecond
	DefaultChangeThreshold = 0.001
	DefaultTimeout         = 5 * time.Second

	// BufferSize is the capacity of the update channel.
	BufferSize = 100
)

// Options controls polling. Zero fields take the defaults.
type Options struct {
	UpdateRate time.Duration
	// ChangeThreshold is the smallest change of a REAL or LREAL that
	// counts. Integer and BOOL values emit on any change.
	ChangeThreshold float64
	// Timeout bounds each poll.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		UpdateRate:      DefaultUpdateRate,
		ChangeThreshold: DefaultChangeThreshold,
		Timeout:         DefaultTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.UpdateRate > 0 {
		d.UpdateRate = o.UpdateRate
	}
	if o.ChangeThreshold > 0 {
		d.ChangeThreshold = o.ChangeThreshold
	}
	if o.Timeout > 0 {
		d.Timeout = o.Timeout
	}
	return d
}

// Update is one change of one tag, or a read failure.
type Update struct {
	PLC      string
	Tag      string
	Value    logix.Value
	Values   []logix.Value
	Previous logix.Value
	Err      error
	Time     time.Time
}

// Reader is the part of logix.Client a subscription needs.
type Reader interface {
	ReadBatch(ctx context.Context, names []string) []logix.TagResult
}

type last struct {
	values []logix.Value
	errMsg string
}

// Subscription polls one controller. Updates are delivered on a buffered
// channel; when the consumer falls behind, new updates are dropped and
// counted.
type Subscription struct {
	plc     string
	tags    []string
	reader  Reader
	opts    Options
	log     *zap.Logger
	updates chan Update

	state   map[string]*last
	dropped atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start begins polling tags on r until ctx ends or Stop is called. The
// first successful read of every tag always emits.
func Start(ctx context.Context, r Reader, plc string, tags []string, opts Options, log *zap.Logger) *Subscription {
	if log == nil {
		log = logging.L()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		plc:     plc,
		tags:    append([]string(nil), tags...),
		reader:  r,
		opts:    opts.withDefaults(),
		log:     log.Named("subscription").With(zap.String("plc", plc)),
		updates: make(chan Update, BufferSize),
		state:   make(map[string]*last, len(tags)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Updates is closed once polling has stopped.
func (s *Subscription) Updates() <-chan Update { return s.updates }

func (s *Subscription) PLC() string { return s.plc }

func (s *Subscription) Tags() []string { return s.tags }

// Dropped counts updates lost to a full channel.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Stop halts polling and waits for the poller to exit.
func (s *Subscription) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)

	s.log.Debug("subscription started", zap.Strings("tags", s.tags), zap.Duration("rate", s.opts.UpdateRate))
	ticker := time.NewTicker(s.opts.UpdateRate)
	defer ticker.Stop()

	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Subscription) poll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	results := s.reader.ReadBatch(pctx, s.tags)
	if ctx.Err() != nil {
		return
	}
	now := time.Now()
	for _, r := range results {
		if u, ok := s.observe(r, now); ok {
			s.emit(u)
		}
	}
}

// observe compares a result with the last one seen for the tag.
func (s *Subscription) observe(r logix.TagResult, now time.Time) (Update, bool) {
	prev := s.state[r.Name]
	if prev == nil {
		prev = &last{}
		s.state[r.Name] = prev
	}
	u := Update{PLC: s.plc, Tag: r.Name, Time: now}

	if !r.Success {
		msg := r.Err.Error()
		if prev.errMsg == msg {
			return u, false
		}
		prev.errMsg = msg
		u.Err = r.Err
		return u, true
	}

	vals := r.Values
	if len(vals) == 0 {
		vals = []logix.Value{r.Value}
	}
	recovered := prev.errMsg != ""
	prev.errMsg = ""
	if !recovered && prev.values != nil && !Changed(prev.values, vals, s.opts.ChangeThreshold) {
		return u, false
	}
	if len(prev.values) > 0 {
		u.Previous = prev.values[0]
	}
	prev.values = vals
	u.Value = r.Value
	u.Values = vals
	return u, true
}

func (s *Subscription) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		if s.dropped.Add(1) == 1 {
			s.log.Warn("update channel full, dropping updates")
		}
	}
}

// Changed reports whether cur differs from prev. Float elements must move
// by more than threshold; every other type changes on any difference.
func Changed(prev, cur []logix.Value, threshold float64) bool {
	if len(prev) != len(cur) {
		return true
	}
	for i := range cur {
		if valueChanged(prev[i], cur[i], threshold) {
			return true
		}
	}
	return false
}

func valueChanged(a, b logix.Value, threshold float64) bool {
	if a.Type() != b.Type() {
		return true
	}
	if !b.Type().IsFloat() {
		return a != b
	}
	x, y := a.Float(), b.Float()
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.IsNaN(x) != math.IsNaN(y)
	case math.IsInf(x, 0) || math.IsInf(y, 0):
		return x != y
	}
	return math.Abs(y-x) > threshold
}
