package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"eiptag/config"
	"eiptag/logging"
	"eiptag/namespace"
	"eiptag/writeback"
)

const (
	// WriteBackBatchInterval is how often accumulated write requests run.
	WriteBackBatchInterval = 250 * time.Millisecond
	// DefaultConsumerGroup is used when the config names none.
	DefaultConsumerGroup = "eiptag-writeback"
	// DefaultWriteMaxAge is how old a request may get before it is skipped.
	DefaultWriteMaxAge = 2 * time.Second

	writeTimeout = 5 * time.Second
	fetchTimeout = 50 * time.Millisecond
)

// pendingWrite is one fetched request waiting for its batch.
type pendingWrite struct {
	req writeback.Request
	err error // decode failure
	msg kafka.Message
}

// Consumer reads write requests from the write topic, runs them in
// batches of WriteBackBatchInterval and produces a response for each.
// Within a batch only the latest request for a PLC tag runs; earlier ones
// are answered as deduplicated.
type Consumer struct {
	config   *config.KafkaConfig
	ns       *namespace.Builder
	producer *Producer // for responses
	log      *zap.Logger
	writers  *writeback.Router

	mu     sync.Mutex
	reader *kafka.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a write-back consumer. Responses go out through
// producer.
func NewConsumer(cfg *config.KafkaConfig, ns *namespace.Builder, producer *Producer, log *zap.Logger) *Consumer {
	if log == nil {
		log = logging.L()
	}
	return &Consumer{
		config:   cfg,
		ns:       ns,
		producer: producer,
		log:      log.Named("kafka").With(zap.String("cluster", cfg.Name), zap.String("role", "consumer")),
		writers:  writeback.NewRouter(),
	}
}

// SetWriter routes write requests naming plc to w.
func (c *Consumer) SetWriter(plc string, w writeback.Writer) {
	c.writers.Set(plc, w)
}

// GroupID returns the consumer group.
func (c *Consumer) GroupID() string {
	if c.config.ConsumerGroup != "" {
		return c.config.ConsumerGroup
	}
	return DefaultConsumerGroup
}

func (c *Consumer) maxAge() time.Duration {
	if c.config.WriteMaxAge > 0 {
		return c.config.WriteMaxAge
	}
	return DefaultWriteMaxAge
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader != nil
}

// Start joins the consumer group and begins consuming.
func (c *Consumer) Start() error {
	if len(c.config.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	mechanism, err := saslMechanism(c.config)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return nil
	}

	topic := c.ns.KafkaWriteTopic()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          topic,
		GroupID:        c.GroupID(),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           tlsConfig(c.config),
			SASLMechanism: mechanism,
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.reader = reader
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx, reader)

	c.log.Info("consuming write requests", zap.String("topic", topic), zap.String("group", c.GroupID()))
	return nil
}

// Stop runs any pending requests, then leaves the group.
func (c *Consumer) Stop() {
	c.mu.Lock()
	reader, cancel := c.reader, c.cancel
	c.reader, c.cancel = nil, nil
	c.mu.Unlock()
	if reader == nil {
		return
	}

	cancel()
	c.wg.Wait()
	if err := reader.Close(); err != nil {
		c.log.Warn("close reader", zap.Error(err))
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, reader *kafka.Reader) {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	var batch []pendingWrite
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		c.sendResponses(ctx, c.processBatch(ctx, batch, time.Now()))
		c.commit(ctx, reader, batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			flush(fctx)
			cancel()
			return
		case <-ticker.C:
			flush(ctx)
			continue
		default:
		}

		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		msg, err := reader.FetchMessage(fctx)
		cancel()
		if err != nil {
			continue
		}
		logging.DebugLog("Kafka", "[Consumer] write request partition=%d offset=%d: %s", msg.Partition, msg.Offset, msg.Value)
		req, err := writeback.ParseRequest(msg.Value)
		batch = append(batch, pendingWrite{req: req, err: err, msg: msg})
	}
}

// processBatch runs one batch and returns a response per request, in
// fetch order.
func (c *Consumer) processBatch(ctx context.Context, batch []pendingWrite, now time.Time) []writeback.Response {
	latest := make(map[string]int, len(batch))
	for i, pw := range batch {
		if pw.err == nil {
			latest[c.ns.KafkaKey(pw.req.PLC, pw.req.Tag)] = i
		}
	}
	maxAge := c.maxAge()

	out := make([]writeback.Response, 0, len(batch))
	for i, pw := range batch {
		req := pw.req
		switch {
		case pw.err != nil:
			out = append(out, writeback.Failed(req.PLC, req, pw.err))
		case req.PLC == "":
			out = append(out, writeback.Failed("", req, errors.New("missing plc")))
		case latest[c.ns.KafkaKey(req.PLC, req.Tag)] != i:
			resp := writeback.Failed(req.PLC, req, errors.New("request superseded by newer write to same tag"))
			resp.Deduplicated = true
			out = append(out, resp)
		case !pw.msg.Time.IsZero() && now.Sub(pw.msg.Time) > maxAge:
			age := now.Sub(pw.msg.Time).Round(time.Millisecond)
			resp := writeback.Failed(req.PLC, req, fmt.Errorf("request expired (age: %v, max: %v)", age, maxAge))
			resp.Skipped = true
			out = append(out, resp)
		default:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			out = append(out, c.writers.Handle(wctx, req))
			cancel()
		}
	}
	return out
}

func (c *Consumer) sendResponses(ctx context.Context, resps []writeback.Response) {
	if c.producer == nil || c.producer.GetStatus() != StatusConnected {
		c.log.Warn("cannot send write responses: producer not connected", zap.Int("responses", len(resps)))
		return
	}
	topic := c.ns.KafkaWriteResponseTopic()
	for _, resp := range resps {
		payload, err := json.Marshal(resp)
		if err != nil {
			c.log.Warn("marshal write response", zap.Error(err))
			continue
		}
		key := []byte(c.ns.KafkaKey(resp.PLC, resp.Tag))
		if err := c.producer.Produce(ctx, topic, key, payload); err != nil {
			c.log.Warn("produce write response", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (c *Consumer) commit(ctx context.Context, reader *kafka.Reader, batch []pendingWrite) {
	msgs := make([]kafka.Message, len(batch))
	for i, pw := range batch {
		msgs[i] = pw.msg
	}
	if err := reader.CommitMessages(ctx, msgs...); err != nil {
		c.log.Warn("commit write requests", zap.Error(err))
	}
}
