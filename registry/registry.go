// Package registry manages tag clients for many controllers, keyed by
// opaque ids, with optional background health polling.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eiptag/eip"
	"eiptag/logging"
	"eiptag/logix"
)

var (
	ErrUnknownClient = errors.New("registry: unknown client id")
	ErrDuplicateName = errors.New("registry: name already registered")
)

// ID identifies a registered client.
type ID = uuid.UUID

// Health is the latest health check outcome for a client.
type Health struct {
	Healthy             bool
	LastCheck           time.Time
	LastSuccess         time.Time
	ConsecutiveFailures int
	Latency             time.Duration
}

// Status is the JSON form of a client's health, as published to brokers.
type Status struct {
	PLC                 string  `json:"plc"`
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LatencyMS           float64 `json:"latency_ms"`
	LastSuccess         string  `json:"last_success,omitempty"`
	Timestamp           string  `json:"timestamp"`
}

// Status describes h for the named PLC.
func (h Health) Status(plc string) Status {
	s := Status{
		PLC:                 plc,
		Healthy:             h.Healthy,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LatencyMS:           float64(h.Latency.Microseconds()) / 1000,
		Timestamp:           h.LastCheck.UTC().Format(time.RFC3339),
	}
	if !h.LastSuccess.IsZero() {
		s.LastSuccess = h.LastSuccess.UTC().Format(time.RFC3339)
	}
	return s
}

// HealthHook is called after every health check with the PLC's name.
type HealthHook func(name string, h Health)

type entry struct {
	id     ID
	name   string
	client *logix.Client

	mu     sync.RWMutex
	health Health
}

func (e *entry) record(ok bool, latency time.Duration) Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.health.Healthy = ok
	e.health.LastCheck = now
	e.health.Latency = latency
	if ok {
		e.health.LastSuccess = now
		e.health.ConsecutiveFailures = 0
	} else {
		e.health.ConsecutiveFailures++
	}
	return e.health
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry and, unless a client option
// overrides it, for every registered client.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithHealthHook sets a function called after every recorded check. It
// runs on the checking goroutine and must not block for long.
func WithHealthHook(fn HealthHook) Option {
	return func(r *Registry) { r.hook = fn }
}

// WithConcurrency bounds the parallel health checks of CheckAll.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// Registry owns a set of clients. Entries only leave through Remove; a lost
// connection never removes one.
type Registry struct {
	log         *zap.Logger
	concurrency int
	hook        HealthHook

	mu      sync.RWMutex
	entries map[ID]*entry
	names   map[string]ID

	pollMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		concurrency: 16,
		entries:     make(map[ID]*entry),
		names:       make(map[string]ID),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.L()
	}
	r.log = r.log.Named("registry")
	return r
}

// Register creates a client for ep named after the endpoint. It does not
// connect.
func (r *Registry) Register(ep eip.Endpoint, opts ...logix.Option) (ID, error) {
	return r.RegisterNamed(ep.String(), ep, opts...)
}

// RegisterNamed creates a client under a unique name.
func (r *Registry) RegisterNamed(name string, ep eip.Endpoint, opts ...logix.Option) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[name]; dup {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	opts = append([]logix.Option{logix.WithLogger(r.log.With(zap.String("plc", name)))}, opts...)
	e := &entry{id: uuid.New(), name: name, client: logix.NewClient(ep, opts...)}
	r.entries[e.id] = e
	r.names[name] = e.id
	r.log.Debug("client registered", zap.String("plc", name), zap.Stringer("id", e.id))
	return e.id, nil
}

func (r *Registry) entry(id ID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return e, nil
}

// Get returns the client registered under id.
func (r *Registry) Get(id ID) (*logix.Client, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// Lookup finds a client id by name.
func (r *Registry) Lookup(name string) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	return id, ok
}

// Name returns the name a client was registered under.
func (r *Registry) Name(id ID) (string, error) {
	e, err := r.entry(id)
	if err != nil {
		return "", err
	}
	return e.name, nil
}

// Remove disconnects a client and forgets it.
func (r *Registry) Remove(id ID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		delete(r.names, e.name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	e.client.Disconnect()
	return nil
}

func (r *Registry) Connect(ctx context.Context, id ID) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	if err := e.client.Connect(ctx); err != nil {
		r.log.Warn("connect failed", zap.String("plc", e.name), zap.Error(err))
		return err
	}
	r.log.Info("connected", zap.String("plc", e.name), zap.String("mode", e.client.ConnectionMode()))
	return nil
}

func (r *Registry) Disconnect(id ID) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.client.Disconnect()
	return nil
}

// ConnectAll connects every client in parallel and returns the failures
// joined.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, e := range r.snapshot() {
		g.Go(func() error {
			if err := r.Connect(gctx, e.id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// DisconnectAll disconnects every client, keeping the entries.
func (r *Registry) DisconnectAll() {
	for _, e := range r.snapshot() {
		e.client.Disconnect()
	}
}

// CheckHealth checks one client and records the outcome.
func (r *Registry) CheckHealth(ctx context.Context, id ID) (bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return false, err
	}
	return r.check(ctx, e), nil
}

func (r *Registry) check(ctx context.Context, e *entry) bool {
	start := time.Now()
	ok := e.client.CheckHealth(ctx)
	h := e.record(ok, time.Since(start))
	if !ok {
		r.log.Debug("unhealthy", zap.String("plc", e.name), zap.Int("failures", h.ConsecutiveFailures))
	}
	if r.hook != nil {
		r.hook(e.name, h)
	}
	return ok
}

// CheckAll checks every client in parallel.
func (r *Registry) CheckAll(ctx context.Context) map[ID]bool {
	entries := r.snapshot()
	out := make(map[ID]bool, len(entries))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for _, e := range entries {
		g.Go(func() error {
			ok := r.check(ctx, e)
			mu.Lock()
			out[e.id] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Health returns the last recorded health of a client.
func (r *Registry) Health(id ID) (Health, error) {
	e, err := r.entry(id)
	if err != nil {
		return Health{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health, nil
}

// IDs lists registered ids ordered by name.
func (r *Registry) IDs() []ID {
	entries := r.snapshot()
	ids := make([]ID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// StartHealthPolling checks every client each interval until Stop or ctx
// ends. Polling only observes: it never reconnects.
func (r *Registry) StartHealthPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	if r.cancel != nil {
		return // already running
	}
	pctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				r.CheckAll(pctx)
			}
		}
	}()
}

// Stop halts health polling.
func (r *Registry) Stop() {
	r.pollMu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.pollMu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Close stops polling and disconnects every client.
func (r *Registry) Close() {
	r.Stop()
	r.DisconnectAll()
}
