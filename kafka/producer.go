// Package kafka produces tag updates to a Kafka topic, keyed by PLC and tag
// so every tag's history stays on one partition.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"eiptag/config"
	"eiptag/logging"
	"eiptag/namespace"
	"eiptag/registry"
	"eiptag/subscription"
)

// SASL mechanism names accepted in config.KafkaConfig.
const (
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// TagMessage is the JSON value of each Kafka message.
type TagMessage struct {
	Topic string `json:"topic"`
	subscription.Message
}

// Producer writes tag updates to one cluster.
type Producer struct {
	config *config.KafkaConfig
	ns     *namespace.Builder
	log    *zap.Logger

	mu      sync.RWMutex
	writer  *kafka.Writer
	status  ConnectionStatus
	lastErr error

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg *config.KafkaConfig, ns *namespace.Builder, log *zap.Logger) *Producer {
	if log == nil {
		log = logging.L()
	}
	return &Producer{
		config: cfg,
		ns:     ns,
		log:    log.Named("kafka").With(zap.String("cluster", cfg.Name)),
		status: StatusDisconnected,
	}
}

// Name returns the producer's name.
func (p *Producer) Name() string {
	return "kafka:" + p.config.Name
}

// Topic is where tag updates are written.
func (p *Producer) Topic() string {
	return p.ns.KafkaTagTopic()
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, failed int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect checks that a broker is reachable and prepares the writer.
func (p *Producer) Connect(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	logging.DebugConnect("Kafka", strings.Join(p.config.Brokers, ","))

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var conn *kafka.Conn
	for _, broker := range p.config.Brokers {
		conn, err = dialer.DialContext(dctx, "tcp", broker)
		if err == nil {
			break
		}
	}
	if err != nil {
		err = fmt.Errorf("kafka: connect %s: %w", p.config.Name, err)
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugConnectError("Kafka", strings.Join(p.config.Brokers, ","), err)
		return err
	}
	conn.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		p.writer = p.newWriter(mechanism)
	}
	p.status = StatusConnected
	logging.DebugConnectSuccess("Kafka", strings.Join(p.config.Brokers, ","), "topic="+p.Topic())
	p.log.Info("connected", zap.Strings("brokers", p.config.Brokers), zap.String("topic", p.Topic()))
	return nil
}

func (p *Producer) newWriter(mechanism sasl.Mechanism) *kafka.Writer {
	timeout := p.config.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := p.config.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	// No writer topic: tag, health and write-response messages name their own.
	return &kafka.Writer{
		Addr:     kafka.TCP(p.config.Brokers...),
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			DialTimeout: 10 * time.Second,
			TLS:         tlsConfig(p.config),
			SASL:        mechanism,
		},
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:            maxAttempts,
		WriteTimeout:           timeout,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: p.config.AutoCreate,
	}
}

// Disconnect flushes and closes the writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.status = StatusDisconnected
	p.lastErr = nil
	p.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			p.log.Warn("close writer", zap.Error(err))
		}
		logging.DebugDisconnect("Kafka", strings.Join(p.config.Brokers, ","), "producer stopped")
	}
}

// Publish writes u, keyed by plc.tag. It implements subscription.Sink and
// blocks until the write is acknowledged or ctx ends.
func (p *Producer) Publish(ctx context.Context, u subscription.Update) error {
	msg, err := p.BuildMessage(u)
	if err != nil {
		return err
	}
	return p.write(ctx, msg)
}

// Produce writes one raw message to topic.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	return p.write(ctx, kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now()})
}

// PublishHealth writes the health of plc to the health topic, keyed by plc.
func (p *Producer) PublishHealth(ctx context.Context, plc string, h registry.Health) error {
	msg, err := p.BuildHealthMessage(plc, h)
	if err != nil {
		return err
	}
	return p.write(ctx, msg)
}

func (p *Producer) write(ctx context.Context, msg kafka.Message) error {
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("kafka: %s not connected", p.config.Name)
	}

	err := w.WriteMessages(ctx, msg)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.messagesError++
		p.lastErr = err
		logging.DebugLog("Kafka", "PRODUCE %s: topic %s failed: %v", p.config.Name, msg.Topic, err)
		return fmt.Errorf("kafka: produce %s: %w", string(msg.Key), err)
	}
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	return nil
}

// BuildMessage returns the Kafka message for u.
func (p *Producer) BuildMessage(u subscription.Update) (kafka.Message, error) {
	topic := p.Topic()
	value, err := json.Marshal(TagMessage{Topic: topic, Message: subscription.NewMessage(u)})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: marshal %s/%s: %w", u.PLC, u.Tag, err)
	}
	ts := u.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(p.ns.KafkaKey(u.PLC, u.Tag)),
		Value: value,
		Time:  ts,
	}, nil
}

// BuildHealthMessage returns the Kafka message for the health of plc.
func (p *Producer) BuildHealthMessage(plc string, h registry.Health) (kafka.Message, error) {
	value, err := json.Marshal(h.Status(plc))
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: marshal health %s: %w", plc, err)
	}
	ts := h.LastCheck
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Topic: p.ns.KafkaHealthTopic(),
		Key:   []byte(plc),
		Value: value,
		Time:  ts,
	}, nil
}

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil without a
// username.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "", SASLPlain:
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}
