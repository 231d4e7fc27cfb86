package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"eiptag/logging"
	"eiptag/writeback"
)

// writeTimeout bounds one write-back request against the PLC.
const writeTimeout = 5 * time.Second

type writeJob struct {
	client pahomqtt.Client
	plc    string
	writer writeback.Writer
	req    writeback.Request
}

// SetWriter enables write requests for plc on the next (re)connect.
func (p *Publisher) SetWriter(plc string, w writeback.Writer) {
	p.writers.Set(plc, w)
}

func (p *Publisher) startWriteWorkers() {
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
}

func (p *Publisher) writeWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case job := <-p.writeQueue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			resp := writeback.Execute(ctx, job.writer, job.plc, job.req)
			cancel()
			p.publishWriteResponse(job.client, resp)
		}
	}
}

func (p *Publisher) subscribeWriteTopics() {
	if !p.config.EnableWriteback {
		return
	}
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}

	for _, plc := range p.writers.Names() {
		w, _ := p.writers.Get(plc)
		topic := p.ns.MQTTWriteTopic(plc)
		token := client.Subscribe(topic, 1, p.writeHandler(plc, w))
		if !token.WaitTimeout(2 * time.Second) {
			p.log.Warn("subscribe timeout", zap.String("topic", topic))
			continue
		}
		if err := token.Error(); err != nil {
			p.log.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		logging.DebugLog("MQTT", "subscribed to %s", topic)
	}
}

func (p *Publisher) writeHandler(plc string, w writeback.Writer) pahomqtt.MessageHandler {
	return func(client pahomqtt.Client, msg pahomqtt.Message) {
		logging.DebugLog("MQTT", "write request on %s: %s", msg.Topic(), msg.Payload())

		// The topic names the PLC; a plc field in the payload is ignored.
		req, err := writeback.ParseRequest(msg.Payload())
		if err != nil {
			p.publishWriteResponse(client, writeback.Failed(plc, req, err))
			return
		}

		select {
		case p.writeQueue <- writeJob{client: client, plc: plc, writer: w, req: req}:
		default:
			p.log.Warn("write queue full", zap.String("plc", plc), zap.String("tag", req.Tag))
			p.publishWriteResponse(client, writeback.Failed(plc, req, errors.New("write queue full, try again later")))
		}
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, resp writeback.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		p.log.Warn("marshal write response", zap.Error(err))
		return
	}
	token := client.Publish(p.ns.MQTTWriteResponseTopic(resp.PLC), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
