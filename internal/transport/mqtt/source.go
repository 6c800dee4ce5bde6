// SPDX-License-Identifier: MIT
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"biostream/internal/config"
	"biostream/internal/stream"
	"biostream/internal/transport"
)

// heartbeat is how long Read waits before returning an empty batch.
const heartbeat = 500 * time.Millisecond

// Payload is one batch published by the device. Seq is the index of the
// first sample in the device's stream; a jump in Seq is a gap.
type Payload struct {
	Seq     uint64      `json:"seq"`
	Samples [][]float64 `json:"samples"`
	Poor    bool        `json:"poor,omitempty"`
}

// DecodePayload parses and validates a batch message.
func DecodePayload(data []byte, channels int) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode batch: %w", err)
	}
	for i, row := range p.Samples {
		if len(row) != channels {
			return p, fmt.Errorf("sample %d has %d channels, want %d", i, len(row), channels)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return p, fmt.Errorf("sample %d has a non-finite value", i)
			}
		}
	}
	return p, nil
}

// Source subscribes to the samples topic and turns messages into batches.
type Source struct {
	cfg      config.MQTTConfig
	rate     float64
	channels int

	client paho.Client
	msgs   chan []byte
	lost   chan error
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	dropped int // Messages discarded because msgs was full.

	started bool
	first   uint64 // Seq of the first sample of the session.
	next    uint64 // Expected Seq of the next batch.
}

// NewSource creates an MQTT source delivering samples at rate with the given
// channel count.
func NewSource(cfg config.MQTTConfig, rate float64, channels int) *Source {
	s := &Source{cfg: cfg, rate: rate, channels: channels}
	s.init()
	return s
}

func (s *Source) init() {
	size := s.cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	s.msgs = make(chan []byte, size)
	s.lost = make(chan error, 1)
	s.done = make(chan struct{})
}

// Connect dials the broker and subscribes to the samples topic.
func (s *Source) Connect(ctx context.Context) (transport.Info, error) {
	if err := ctx.Err(); err != nil {
		return transport.Info{}, err
	}
	client, err := connect(s.cfg, s.cfg.ClientID, func(err error) {
		select {
		case s.lost <- err:
		default:
		}
	})
	if err != nil {
		return transport.Info{}, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	token := client.Subscribe(s.cfg.SamplesTopic, 1, func(_ paho.Client, msg paho.Message) {
		s.enqueue(msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		client.Disconnect(250)
		return transport.Info{}, fmt.Errorf("%w: subscribe %s: %v", transport.ErrTransport, s.cfg.SamplesTopic, token.Error())
	}
	s.client = client
	mqttLog.Infof("subscribed to %s", s.cfg.SamplesTopic)
	return transport.Info{
		Name:       "mqtt:" + s.cfg.Broker + "/" + s.cfg.SamplesTopic,
		SampleRate: s.rate,
		Channels:   s.channels,
	}, nil
}

// enqueue hands a message to Read without blocking the paho router. When
// the queue is full the message is dropped; the sequence gap reports it.
func (s *Source) enqueue(payload []byte) {
	data := make([]byte, len(payload))
	copy(data, payload)
	select {
	case s.msgs <- data:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns the number of messages discarded on a full queue.
func (s *Source) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Read returns the next batch, a heartbeat after 500ms of silence, or io.EOF
// once the broker connection is lost.
func (s *Source) Read(ctx context.Context) (stream.Batch, error) {
	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	select {
	case data := <-s.msgs:
		return s.batch(data)
	case err := <-s.lost:
		return stream.Batch{}, fmt.Errorf("mqtt connection lost: %v: %w", err, io.EOF)
	case <-s.done:
		return stream.Batch{}, io.EOF
	case <-ctx.Done():
		return stream.Batch{}, ctx.Err()
	case <-timer.C:
		return stream.Batch{}, nil
	}
}

// batch converts one payload. Sequence jumps become the batch gap; samples
// already delivered are discarded.
func (s *Source) batch(data []byte) (stream.Batch, error) {
	p, err := DecodePayload(data, s.channels)
	if err != nil {
		return stream.Batch{}, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	if !s.started {
		s.started = true
		s.first = p.Seq
		s.next = p.Seq
	}

	var b stream.Batch
	switch {
	case p.Seq > s.next:
		b.Gap = int(p.Seq - s.next)
	case p.Seq < s.next:
		skip := s.next - p.Seq
		if skip >= uint64(len(p.Samples)) {
			return b, nil
		}
		p.Samples = p.Samples[skip:]
		p.Seq = s.next
	}

	b.Samples = make([]stream.Sample, len(p.Samples))
	for i, row := range p.Samples {
		idx := p.Seq - s.first + uint64(i)
		b.Samples[i] = stream.Sample{
			Time:   time.Duration(float64(idx) / s.rate * float64(time.Second)),
			Values: row,
		}
		if p.Poor {
			b.Samples[i].Flags |= stream.FlagPoorSignal
		}
	}
	s.next = p.Seq + uint64(len(p.Samples))
	return b, nil
}

// Close unsubscribes and disconnects.
func (s *Source) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.client != nil {
			s.client.Unsubscribe(s.cfg.SamplesTopic).WaitTimeout(time.Second)
			s.client.Disconnect(250)
		}
	})
	return nil
}

var _ transport.Source = (*Source)(nil)
