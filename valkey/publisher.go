// Package valkey stores tag values in Valkey/Redis and announces changes
// over Pub/Sub.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"eiptag/config"
	"eiptag/logging"
	"eiptag/namespace"
	"eiptag/subscription"
	"eiptag/writeback"
)

// TagMessage is the value stored under each tag key.
type TagMessage struct {
	Factory string `json:"factory"`
	subscription.Message
}

// Publisher handles publishing tag values to a Valkey server.
type Publisher struct {
	config *config.ValkeyConfig
	ns     *namespace.Builder
	log    *zap.Logger

	mu      sync.RWMutex
	client  *redis.Client
	running bool
	writers *writeback.Router
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns *namespace.Builder, log *zap.Logger) *Publisher {
	if log == nil {
		log = logging.L()
	}
	return &Publisher{
		config:  cfg,
		ns:      ns,
		log:     log.Named("valkey").With(zap.String("server", cfg.Name)),
		writers: writeback.NewRouter(),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return "valkey:" + p.config.Name
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s/%d", scheme, p.config.Address, p.config.Database)
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the server and verifies it with a PING.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	logging.DebugConnect("Valkey", p.Address())
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		logging.DebugConnectError("Valkey", p.Address(), err)
		return fmt.Errorf("valkey: connect to %s: %w", p.config.Address, err)
	}
	logging.DebugConnectSuccess("Valkey", p.Address(), "")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	if p.config.EnableWriteback {
		lctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.wg.Add(1)
		go p.writebackListener(lctx, client)
	}
	p.log.Info("connected", zap.String("address", p.Address()))
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	client := p.client
	cancel := p.cancel
	p.client = nil
	p.cancel = nil
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	if client == nil {
		return nil
	}
	logging.DebugDisconnect("Valkey", p.Address(), "publisher stopped")
	return client.Close()
}

// Publish stores u under its tag key, with the configured TTL, and when
// enabled announces it on the PLC and all-changes channels. It implements
// subscription.Sink.
func (p *Publisher) Publish(ctx context.Context, u subscription.Update) error {
	p.mu.RLock()
	client, running := p.client, p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return fmt.Errorf("valkey: %s not connected", p.config.Name)
	}

	key, data, err := p.BuildMessage(u)
	if err != nil {
		return err
	}

	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, p.config.KeyTTL)
		if p.config.PublishChanges {
			pipe.Publish(ctx, p.ns.ValkeyChangesChannel(u.PLC), data)
			pipe.Publish(ctx, p.ns.ValkeyAllChangesChannel(), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("valkey: set %s: %w", key, err)
	}
	return nil
}

// BuildMessage returns the key and JSON value for u.
func (p *Publisher) BuildMessage(u subscription.Update) (string, []byte, error) {
	key := p.ns.ValkeyTagKey(u.PLC, u.Tag)
	data, err := json.Marshal(TagMessage{
		Factory: p.ns.ValkeyFactory(),
		Message: subscription.NewMessage(u),
	})
	if err != nil {
		return "", nil, fmt.Errorf("valkey: marshal %s: %w", key, err)
	}
	return key, data, nil
}
