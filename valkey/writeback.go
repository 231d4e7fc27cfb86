package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"eiptag/logging"
	"eiptag/registry"
	"eiptag/writeback"
)

const (
	// writeTimeout bounds one write-back request against the PLC.
	writeTimeout = 5 * time.Second
	// popTimeout is how long BLPOP blocks before the listener rechecks ctx.
	popTimeout = time.Second
)

// SetWriter routes write requests naming plc to w.
func (p *Publisher) SetWriter(plc string, w writeback.Writer) {
	p.writers.Set(plc, w)
}

// writebackListener pops requests from the write queue until ctx ends and
// publishes each response on the response channel.
func (p *Publisher) writebackListener(ctx context.Context, client *redis.Client) {
	defer p.wg.Done()

	queue := p.ns.ValkeyWriteQueue()
	channel := p.ns.ValkeyWriteResponseChannel()
	logging.DebugLog("Valkey", "write-back listening on %s", queue)

	for ctx.Err() == nil {
		result, err := client.BLPop(ctx, popTimeout, queue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logging.DebugLog("Valkey", "write queue error: %v", err)
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.processWriteRequest(ctx, []byte(result[1]))
		data, err := json.Marshal(resp)
		if err != nil {
			p.log.Warn("marshal write response", zap.Error(err))
			continue
		}
		if err := client.Publish(ctx, channel, data).Err(); err != nil {
			p.log.Warn("publish write response", zap.String("channel", channel), zap.Error(err))
		}
		logging.DebugLog("Valkey", "write %s/%s = %v -> success=%v", resp.PLC, resp.Tag, resp.Value, resp.Success)
	}
}

// processWriteRequest decodes one queued request and carries it out.
func (p *Publisher) processWriteRequest(ctx context.Context, payload []byte) writeback.Response {
	req, err := writeback.ParseRequest(payload)
	if err != nil {
		return writeback.Failed(req.PLC, req, err)
	}
	if req.PLC == "" {
		return writeback.Failed("", req, errors.New("missing plc"))
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.writers.Handle(wctx, req)
}

// PublishHealth stores the health of plc under its health key, with the
// configured TTL, and announces it on the same name when changes are
// published.
func (p *Publisher) PublishHealth(ctx context.Context, plc string, h registry.Health) error {
	p.mu.RLock()
	client, running := p.client, p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return fmt.Errorf("valkey: %s not connected", p.config.Name)
	}

	key, data, err := p.BuildHealthMessage(plc, h)
	if err != nil {
		return err
	}
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, p.config.KeyTTL)
		if p.config.PublishChanges {
			pipe.Publish(ctx, key, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("valkey: set %s: %w", key, err)
	}
	return nil
}

// HealthMessage is the value stored under each health key.
type HealthMessage struct {
	Factory string `json:"factory"`
	registry.Status
}

// BuildHealthMessage returns the key and JSON value for the health of plc.
func (p *Publisher) BuildHealthMessage(plc string, h registry.Health) (string, []byte, error) {
	key := p.ns.ValkeyHealthKey(plc)
	data, err := json.Marshal(HealthMessage{Factory: p.ns.ValkeyFactory(), Status: h.Status(plc)})
	if err != nil {
		return "", nil, fmt.Errorf("valkey: marshal %s: %w", key, err)
	}
	return key, data, nil
}
