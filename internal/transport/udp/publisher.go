// SPDX-License-Identifier: MIT
package udp

import (
	"fmt"
	"math"
	"sync"
	"time"

	"biostream/internal/classify"
	applog "biostream/internal/log"
	"biostream/internal/stream"
)

// UDPPublisher keeps the latest classification and sends it as a binary
// packet on every tick, so displays keep receiving state between windows.
// It runs in a separate goroutine managed by Start and Stop methods.
type UDPPublisher struct {
	sender   *UDPSender    // The underlying UDP sender instance.
	interval time.Duration // The interval at which packets are sent.

	ticker   *time.Ticker   // Ticker that triggers packet sending.
	doneChan chan struct{}  // Channel used to signal the publisher goroutine to stop.
	stopOnce sync.Once      // Ensures the stop logic runs only once per Start/Stop cycle.
	wg       sync.WaitGroup // Waits for the publisher goroutine to finish during Stop.
	mu       sync.Mutex     // Protects ticker, doneChan and latest.

	latest *classify.Result // Most recent result, nil until the first window.

	sequenceNum uint32 // Monotonically increasing sequence number for packets.

	f32Buffer []float32 // Band powers converted for packing.
}

// NewUDPPublisher creates a publisher. If the interval is invalid (<= 0), it
// defaults to 100ms.
func NewUDPPublisher(interval time.Duration, sender *UDPSender) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
		applog.Warnf("UDPPublisher: Invalid interval provided, defaulting to %s", interval)
	}
	applog.Infof("UDPPublisher: Initializing (Interval: %s)", interval)
	return &UDPPublisher{
		sender:   sender,
		interval: interval,
	}, nil
}

// Start begins the periodic publishing process. Subsequent calls are no-ops
// while running.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		applog.Warnf("UDPPublisher: Start called but already running.")
		return
	}
	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}
	ticker := p.ticker
	doneChan := p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the publisher goroutine to terminate and waits for it to exit.
// It is safe to call Stop multiple times.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})
	p.mu.Unlock()

	p.wg.Wait()
	applog.Debugf("UDPPublisher: Publisher goroutine finished.")
	return nil
}

// OnSessionStart clears the state of the previous session.
func (p *UDPPublisher) OnSessionStart(string, time.Time) {
	p.mu.Lock()
	p.latest = nil
	p.mu.Unlock()
}

// OnSamples is a no-op; raw samples are too dense for the feature channel.
func (p *UDPPublisher) OnSamples([]stream.Sample) {}

// OnClassification records the latest result for the next tick.
func (p *UDPPublisher) OnClassification(res classify.Result) {
	p.mu.Lock()
	p.latest = &res
	p.mu.Unlock()
}

// OnError is a no-op.
func (p *UDPPublisher) OnError(error) {}

// bandOrder fixes the order of band powers on the wire.
var bandOrder = []string{"delta", "theta", "alpha", "beta", "gamma"}

// buildAndSendPacket sends the latest result. Nothing is sent before the
// first classification.
func (p *UDPPublisher) buildAndSendPacket() {
	p.mu.Lock()
	res := p.latest
	p.mu.Unlock()
	if res == nil {
		return
	}

	p.sequenceNum++
	pk := packetFor(p.sequenceNum, time.Now().UnixNano(), res, p.f32Buffer[:0])
	p.f32Buffer = pk.Bands
	if err := p.sender.Send(pk); err == nil {
		applog.Debugf("UDPPublisher: Sent packet %d", p.sequenceNum)
	}
}

// packetFor maps a result onto the wire layout. Missing bands are NaN.
func packetFor(seq uint32, timestamp int64, res *classify.Result, bands []float32) Packet {
	for _, name := range bandOrder {
		v, ok := res.Features[name]
		if !ok {
			v = math.NaN()
		}
		bands = append(bands, float32(v))
	}
	return Packet{
		Sequence:   seq,
		Timestamp:  timestamp,
		WindowEnd:  res.Time,
		Label:      res.Label.Code(),
		Confidence: float32(res.Confidence),
		Bands:      bands,
	}
}

// Stats returns the sender counters.
func (p *UDPPublisher) Stats() SenderStats { return p.sender.Stats() }

// Close stops the publisher and closes its sender.
func (p *UDPPublisher) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.sender.Close()
}

// Ensure UDPPublisher satisfies the io.Closer interface at compile time.
var _ interface{ Close() error } = (*UDPPublisher)(nil)
