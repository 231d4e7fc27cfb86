package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eiptag/config"
	"eiptag/eip"
	"eiptag/kafka"
	"eiptag/mqtt"
	"eiptag/namespace"
	"eiptag/registry"
	"eiptag/subscription"
	"eiptag/valkey"
	"eiptag/writeback"
)

var watchPrint bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the configured subscriptions and publish changes",
	Long: `Connect to every PLC that has a subscription in the config, poll its tags,
and publish each change to the enabled MQTT, Valkey and Kafka sinks. Runs
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd.Context(), appConfig, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchPrint, "print", false, "also print every update to stdout")
}

func runWatch(ctx context.Context, cfg *config.Config, out io.Writer) error {
	subs := cfg.Subscriptions
	if plcName != "" {
		subs = nil
		for _, s := range cfg.Subscriptions {
			if s.PLC == plcName {
				subs = append(subs, s)
			}
		}
	}
	if len(subs) == 0 {
		return errors.New("no subscriptions configured")
	}

	health := &healthFanout{}
	reg := registry.New(registry.WithLogger(logger), registry.WithHealthHook(health.publish))
	defer reg.Close()
	for _, s := range subs {
		if _, ok := reg.Lookup(s.PLC); ok {
			continue
		}
		p := cfg.FindPLC(s.PLC)
		if p == nil {
			return fmt.Errorf("subscription references unknown PLC %q", s.PLC)
		}
		ep, err := p.Endpoint()
		if err != nil {
			return fmt.Errorf("PLC %s: %w", p.Name, err)
		}
		if _, err := reg.RegisterNamed(p.Name, ep, p.ClientOptions()...); err != nil {
			return err
		}
	}
	// Controllers that are down now are retried by reconnectLoop.
	if err := reg.ConnectAll(ctx); err != nil {
		logger.Warn("initial connect", zap.Error(err))
	}

	sinks, stopSinks := startSinks(ctx, cfg, reg)
	defer stopSinks()
	health.set(sinks)
	if watchPrint || len(sinks) == 0 {
		sinks = append(sinks, &printSink{w: out})
	}
	d := subscription.NewDispatcher(sinks, 5*time.Second, logger)

	// Updates still buffered at shutdown are flushed past ctx.
	dctx := context.WithoutCancel(ctx)
	var running []*subscription.Subscription
	for _, s := range subs {
		id, _ := reg.Lookup(s.PLC)
		client, err := reg.Get(id)
		if err != nil {
			return err
		}
		sub := subscription.Start(ctx, client, s.PLC, s.Tags, subscription.Options{
			UpdateRate:      s.UpdateRate,
			ChangeThreshold: s.ChangeThreshold,
			Timeout:         s.Timeout,
		}, logger)
		d.Attach(dctx, sub)
		running = append(running, sub)
	}
	if cfg.Health.Interval > 0 {
		reg.StartHealthPolling(ctx, cfg.Health.Interval)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconnectLoop(ctx, reg, reconnectInterval(cfg))
	}()
	logger.Info("watching",
		zap.Int("subscriptions", len(running)),
		zap.Int("plcs", reg.Len()),
		zap.Int("sinks", len(sinks)))

	<-ctx.Done()
	logger.Info("shutting down")
	for _, sub := range running {
		sub.Stop()
		if n := sub.Dropped(); n > 0 {
			logger.Warn("updates dropped", zap.String("plc", sub.PLC()), zap.Int64("count", n))
		}
	}
	d.Wait()
	wg.Wait()
	for name, n := range d.Errors() {
		logger.Warn("publish failures", zap.String("sink", name), zap.Int64("count", n))
	}
	return nil
}

func reconnectInterval(cfg *config.Config) time.Duration {
	if cfg.Health.Interval > 0 {
		return cfg.Health.Interval
	}
	return 10 * time.Second
}

// reconnectLoop redials every controller whose session is down. Health
// polling never reconnects on its own.
func reconnectLoop(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, id := range reg.IDs() {
			c, err := reg.Get(id)
			if err != nil || c.Session().State() == eip.StateRegistered {
				continue
			}
			_ = reg.Connect(ctx, id)
		}
	}
}

// startSinks connects every enabled sink. A sink that cannot connect is
// logged and left out. The returned func disconnects the rest.
func startSinks(ctx context.Context, cfg *config.Config, reg *registry.Registry) ([]subscription.Sink, func()) {
	var sinks []subscription.Sink
	var stops []func()

	for i := range cfg.MQTT {
		mc := &cfg.MQTT[i]
		if !mc.Enabled {
			continue
		}
		p := mqtt.NewPublisher(mc, namespace.New(cfg.Namespace, mc.Selector), logger)
		if mc.EnableWriteback {
			setWriters(reg, p.SetWriter)
		}
		if err := p.Start(); err != nil {
			logger.Error("mqtt start", zap.String("broker", mc.Name), zap.Error(err))
			continue
		}
		sinks = append(sinks, p)
		stops = append(stops, p.Stop)
	}

	for i := range cfg.Valkey {
		vc := &cfg.Valkey[i]
		if !vc.Enabled {
			continue
		}
		p := valkey.NewPublisher(vc, namespace.New(cfg.Namespace, vc.Selector), logger)
		if vc.EnableWriteback {
			setWriters(reg, p.SetWriter)
		}
		if err := p.Start(ctx); err != nil {
			logger.Error("valkey start", zap.String("server", vc.Name), zap.Error(err))
			continue
		}
		sinks = append(sinks, p)
		stops = append(stops, func() { _ = p.Stop() })
	}

	for i := range cfg.Kafka {
		kc := &cfg.Kafka[i]
		if !kc.Enabled {
			continue
		}
		ns := namespace.New(cfg.Namespace, kc.Selector)
		p := kafka.NewProducer(kc, ns, logger)
		if err := p.Connect(ctx); err != nil {
			logger.Error("kafka connect", zap.String("cluster", kc.Name), zap.Error(err))
			continue
		}
		sinks = append(sinks, p)
		stops = append(stops, p.Disconnect)

		if kc.EnableWriteback {
			c := kafka.NewConsumer(kc, ns, p, logger)
			setWriters(reg, c.SetWriter)
			if err := c.Start(); err != nil {
				logger.Error("kafka write-back", zap.String("cluster", kc.Name), zap.Error(err))
				continue
			}
			stops = append(stops, c.Stop)
		}
	}

	// Reverse order: a Kafka consumer flushes its responses through its
	// producer.
	return sinks, func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
}

// setWriters registers every client in reg as a write-back target.
func setWriters(reg *registry.Registry, set func(plc string, w writeback.Writer)) {
	for _, id := range reg.IDs() {
		name, err := reg.Name(id)
		if err != nil {
			continue
		}
		if c, err := reg.Get(id); err == nil {
			set(name, c)
		}
	}
}

// healthPublisher is a sink that also publishes PLC health.
type healthPublisher interface {
	Name() string
	PublishHealth(ctx context.Context, plc string, h registry.Health) error
}

// healthFanout forwards every recorded health check to the sinks that
// publish health. The sinks start after the registry, so they are set late.
type healthFanout struct {
	mu   sync.RWMutex
	pubs []healthPublisher
}

func (f *healthFanout) set(sinks []subscription.Sink) {
	var pubs []healthPublisher
	for _, s := range sinks {
		if hp, ok := s.(healthPublisher); ok {
			pubs = append(pubs, hp)
		}
	}
	f.mu.Lock()
	f.pubs = pubs
	f.mu.Unlock()
}

func (f *healthFanout) publish(plc string, h registry.Health) {
	f.mu.RLock()
	pubs := f.pubs
	f.mu.RUnlock()
	for _, p := range pubs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.PublishHealth(ctx, plc, h); err != nil {
			logger.Debug("publish health", zap.String("sink", p.Name()), zap.String("plc", plc), zap.Error(err))
		}
		cancel()
	}
}

// printSink writes updates as text lines.
type printSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *printSink) Name() string { return "stdout" }

func (s *printSink) Publish(_ context.Context, u subscription.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := u.Time.Format("15:04:05.000")
	if u.Err != nil {
		_, err := fmt.Fprintf(s.w, "%s %s/%s error: %v\n", ts, u.PLC, u.Tag, u.Err)
		return err
	}
	if len(u.Values) > 1 {
		_, err := fmt.Fprintf(s.w, "%s %s/%s = %v (%s[%d])\n", ts, u.PLC, u.Tag, u.Values, u.Value.Type(), len(u.Values))
		return err
	}
	_, err := fmt.Fprintf(s.w, "%s %s/%s = %s (%s)\n", ts, u.PLC, u.Tag, u.Value, u.Value.Type())
	return err
}
