// Package mqtt publishes tag updates to an MQTT broker and, optionally,
// accepts tag writes from it.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"eiptag/config"
	"eiptag/logging"
	"eiptag/namespace"
	"eiptag/registry"
	"eiptag/subscription"
	"eiptag/writeback"
)

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// TagMessage is the JSON structure published for each update.
type TagMessage struct {
	Topic string `json:"topic"`
	subscription.Message
}

// Publisher handles the connection to a single broker. Updates are published
// retained with QoS 1 so late subscribers see the last value.
type Publisher struct {
	config *config.MQTTConfig
	ns     *namespace.Builder
	log    *zap.Logger

	mu      sync.RWMutex
	client  pahomqtt.Client
	running bool
	writers *writeback.Router // PLC name -> write target

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates a publisher for cfg. Topics are built by ns.
func NewPublisher(cfg *config.MQTTConfig, ns *namespace.Builder, log *zap.Logger) *Publisher {
	if log == nil {
		log = logging.L()
	}
	return &Publisher{
		config:  cfg,
		ns:      ns,
		log:     log.Named("mqtt").With(zap.String("broker", cfg.Name)),
		writers: writeback.NewRouter(),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return "mqtt:" + p.config.Name
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	scheme := "tcp"
	if p.config.UseTLS {
		scheme = "ssl"
	}
	port := p.config.Port
	if port == 0 {
		port = 1883
		if p.config.UseTLS {
			port = 8883
		}
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.config.Broker, port)
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the broker. When write-back is enabled it also
// subscribes to the write topic of every PLC registered with SetWriter.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "eiptag-" + p.config.Name
	}
	opts.SetClientID(clientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		// Subscriptions are lost across reconnects.
		p.subscribeWriteTopics()
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("MQTT", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		err := fmt.Errorf("mqtt: connect to %s: timeout", p.Address())
		logging.DebugConnectError("MQTT", p.Address(), err)
		return err
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("MQTT", p.Address(), err)
		return fmt.Errorf("mqtt: connect to %s: %w", p.Address(), err)
	}
	logging.DebugConnectSuccess("MQTT", p.Address(), "client_id="+clientID)

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	if p.config.EnableWriteback {
		p.startWriteWorkers()
	}
	p.subscribeWriteTopics()
	p.log.Info("connected", zap.String("address", p.Address()))
	return nil
}

// Stop waits for queued writes and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	client.Disconnect(250)
	logging.DebugDisconnect("MQTT", p.Address(), "publisher stopped")
}

// Publish sends u to its tag topic. It implements subscription.Sink.
func (p *Publisher) Publish(ctx context.Context, u subscription.Update) error {
	topic, payload, err := p.BuildMessage(u)
	if err != nil {
		return err
	}
	return p.publishRetained(ctx, topic, payload)
}

// PublishHealth publishes the health of plc, retained, to its health topic.
func (p *Publisher) PublishHealth(ctx context.Context, plc string, h registry.Health) error {
	topic := p.ns.MQTTHealthTopic(plc)
	payload, err := json.Marshal(h.Status(plc))
	if err != nil {
		return fmt.Errorf("mqtt: marshal %s: %w", topic, err)
	}
	return p.publishRetained(ctx, topic, payload)
}

func (p *Publisher) publishRetained(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	client, running := p.client, p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return fmt.Errorf("mqtt: %s not connected", p.config.Name)
	}

	token := client.Publish(topic, 1, true, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish %s: %w", topic, ctx.Err())
	}
}

// BuildMessage returns the topic and JSON payload for u.
func (p *Publisher) BuildMessage(u subscription.Update) (string, []byte, error) {
	topic := p.ns.MQTTTagTopic(u.PLC, u.Tag)
	payload, err := json.Marshal(TagMessage{Topic: topic, Message: subscription.NewMessage(u)})
	if err != nil {
		return "", nil, fmt.Errorf("mqtt: marshal %s: %w", topic, err)
	}
	return topic, payload, nil
}
