// SPDX-License-Identifier: MIT
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"biostream/internal/classify"
	"biostream/internal/config"
	"biostream/internal/stream"
)

// State is the retained message published for every classification.
type State struct {
	Session    string             `json:"session"`
	Time       float64            `json:"t"` // Seconds since session start.
	Channel    int                `json:"channel"`
	Label      classify.Label     `json:"label"`
	Confidence float64            `json:"confidence"`
	Features   map[string]float64 `json:"features,omitempty"`
}

// EncodeState renders a result as a State message.
func EncodeState(session string, res classify.Result) ([]byte, error) {
	return json.Marshal(State{
		Session:    session,
		Time:       res.Time.Seconds(),
		Channel:    res.Channel,
		Label:      res.Label,
		Confidence: res.Confidence,
		Features:   res.Features,
	})
}

// Publisher publishes classification state to the state topic.
type Publisher struct {
	cfg    config.MQTTConfig
	client paho.Client

	mu      sync.Mutex
	session string
	topic   string
	failed  int
}

// NewPublisher connects a publishing client.
func NewPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	client, err := connect(cfg, cfg.ClientID+"-state", nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, client: client, topic: FormatTopic(cfg.StateTopic, "")}, nil
}

// OnSessionStart switches to the new session's topic.
func (p *Publisher) OnSessionStart(id string, _ time.Time) {
	p.mu.Lock()
	p.session = id
	p.topic = FormatTopic(p.cfg.StateTopic, id)
	p.mu.Unlock()
}

// OnSamples is a no-op.
func (p *Publisher) OnSamples([]stream.Sample) {}

// OnClassification publishes the result as a retained message.
func (p *Publisher) OnClassification(res classify.Result) {
	p.mu.Lock()
	session, topic := p.session, p.topic
	p.mu.Unlock()

	payload, err := EncodeState(session, res)
	if err != nil {
		mqttLog.Errorf("encode state: %v", err)
		return
	}
	if err := p.publish(topic, payload); err != nil {
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		mqttLog.Warnf("publish %s: %v", topic, err)
	}
}

// OnError is a no-op; errors are reported by other sinks.
func (p *Publisher) OnError(error) {}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(time.Second) {
		return fmt.Errorf("timed out")
	}
	return token.Error()
}

// Failed returns the number of publishes that did not complete.
func (p *Publisher) Failed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
