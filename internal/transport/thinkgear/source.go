// SPDX-License-Identifier: MIT

// Package thinkgear reads raw EEG from NeuroSky ThinkGear headsets. Each
// channel is a separate headset on its own serial port; samples from all
// ports are paired in lock-step, one reading per port per sample.
package thinkgear

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"biostream/internal/config"
	"biostream/internal/log"
	"biostream/internal/stream"
	"biostream/internal/transport"
)

// NominalRate is the raw sample rate of a ThinkGear ASIC.
const NominalRate = 512

// IdleTimeout is how long every port may stay silent before the link is
// considered lost.
const IdleTimeout = 5 * time.Second

var tgLog = log.New("thinkgear")

// OpenFunc opens one serial port.
type OpenFunc func(name string, baud int, timeout time.Duration) (io.ReadCloser, error)

// OpenSerial opens a port with github.com/tarm/serial.
func OpenSerial(name string, baud int, timeout time.Duration) (io.ReadCloser, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: timeout})
}

// meters holds the latest eSense values of one headset; -1 until reported.
type meters struct {
	attention  int
	meditation int
}

type reading struct {
	value float64
	poor  bool
	lost  int // Packets dropped on this port before this reading.
}

// Source pairs raw readings from one or more headsets.
type Source struct {
	cfg  config.ThinkGearConfig
	rate float64
	open OpenFunc

	ports    []io.ReadCloser
	readings []chan reading
	errc     chan error
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	mu     sync.Mutex // Guards labels and meters.
	labels []string
	meters []meters

	row      []reading // Readings of the sample being assembled.
	emitted  int64
	lastData time.Time
}

// New creates a source for the configured ports. rate is the session rate
// used to timestamp samples.
func New(cfg config.ThinkGearConfig, rate float64, open OpenFunc) (*Source, error) {
	if len(cfg.Ports) == 0 {
		return nil, fmt.Errorf("%w: no thinkgear ports configured", transport.ErrTransport)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: thinkgear batch size must be positive", transport.ErrTransport)
	}
	if open == nil {
		open = OpenSerial
	}
	return &Source{cfg: cfg, rate: rate, open: open, done: make(chan struct{})}, nil
}

// Connect opens every port and starts one reader goroutine per port.
func (s *Source) Connect(ctx context.Context) (transport.Info, error) {
	for _, name := range s.cfg.Ports {
		if err := ctx.Err(); err != nil {
			s.closePorts()
			return transport.Info{}, err
		}
		port, err := s.open(name, s.cfg.Baud, s.cfg.ReadTimeout)
		if err != nil {
			s.closePorts()
			return transport.Info{}, fmt.Errorf("%w: open %s: %v", transport.ErrTransport, name, err)
		}
		tgLog.Infof("opened %s at %d baud", name, s.cfg.Baud)
		s.ports = append(s.ports, port)
	}

	labels := make([]string, len(s.cfg.Ports))
	for i, name := range s.cfg.Ports {
		labels[i] = name[strings.LastIndex(name, "/")+1:]
	}
	s.mu.Lock()
	s.labels = labels
	s.meters = make([]meters, len(s.ports))
	for i := range s.meters {
		s.meters[i] = meters{attention: -1, meditation: -1}
	}
	s.mu.Unlock()

	s.errc = make(chan error, len(s.ports))
	s.readings = make([]chan reading, len(s.ports))
	for i, port := range s.ports {
		s.readings[i] = make(chan reading, 4*NominalRate)
		s.wg.Add(1)
		go s.readPort(i, port, s.readings[i])
	}
	s.lastData = time.Now()

	return transport.Info{
		Name:       "thinkgear:" + strings.Join(s.cfg.Ports, ","),
		SampleRate: NominalRate,
		Channels:   len(s.ports),
		Labels:     labels,
	}, nil
}

// readPort decodes one serial stream until the port fails or the source
// closes. A zero-byte read is a port read timeout.
func (s *Source) readPort(idx int, port io.Reader, out chan<- reading) {
	defer s.wg.Done()
	name := s.cfg.Ports[idx]

	var (
		parser   Parser
		poor     bool
		reported uint64 // Checksum failures already attached to a reading.
		buf      = make([]byte, 512)
	)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n], func(pk Packet) {
				if pk.HasPoorSignal {
					poor = pk.PoorSignal > 0
				}
				if pk.HasAttention || pk.HasMeditation {
					s.updateMeters(idx, pk)
				}
				for _, raw := range pk.Raw {
					r := reading{value: Microvolts(raw), poor: poor, lost: int(parser.Checksums - reported)}
					select {
					case out <- r:
						reported = parser.Checksums
					case <-s.done:
					}
				}
			})
		}
		if err != nil && !(n == 0 && errors.Is(err, io.EOF)) {
			select {
			case <-s.done:
			default:
				s.errc <- fmt.Errorf("%w: read %s: %v", transport.ErrTransport, name, err)
			}
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Source) updateMeters(idx int, pk Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pk.HasAttention {
		s.meters[idx].attention = int(pk.Attention)
	}
	if pk.HasMeditation {
		s.meters[idx].meditation = int(pk.Meditation)
	}
}

// Readings returns the latest attention and meditation meters per headset,
// keyed "<port>.attention" and "<port>.meditation". Meters a headset has not
// reported yet are omitted.
func (s *Source) Readings() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, 2*len(s.meters))
	for i, m := range s.meters {
		if m.attention >= 0 {
			out[s.labels[i]+".attention"] = float64(m.attention)
		}
		if m.meditation >= 0 {
			out[s.labels[i]+".meditation"] = float64(m.meditation)
		}
	}
	return out
}

// Read assembles up to BatchSize samples. It returns early with what it has
// after ReadTimeout, so a silent headset yields heartbeats until IdleTimeout
// expires and Read reports io.EOF.
func (s *Source) Read(ctx context.Context) (stream.Batch, error) {
	if s.readings == nil {
		return stream.Batch{}, fmt.Errorf("%w: thinkgear source not connected", transport.ErrTransport)
	}
	timeout := s.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var batch stream.Batch
	for len(batch.Samples) < s.cfg.BatchSize {
		ch := len(s.row)
		select {
		case r := <-s.readings[ch]:
			s.lastData = time.Now()
			s.row = append(s.row, r)
			if len(s.row) == len(s.readings) {
				batch.Samples = append(batch.Samples, s.assemble())
			}
		case err := <-s.errc:
			return batch, err
		case <-s.done:
			return batch, io.EOF
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-timer.C:
			if time.Since(s.lastData) > IdleTimeout {
				return batch, fmt.Errorf("thinkgear: no data for %s: %w", IdleTimeout, io.EOF)
			}
			return batch, nil
		}
	}
	return batch, nil
}

// assemble turns the current row into a sample. Lost packets advance the
// timeline and flag the sample as following a gap.
func (s *Source) assemble() stream.Sample {
	lost := 0
	sample := stream.Sample{Values: make([]float64, len(s.row))}
	for i, r := range s.row {
		sample.Values[i] = r.value
		lost = max(lost, r.lost)
		if r.poor {
			sample.Flags |= stream.FlagPoorSignal
		}
	}
	if lost > 0 {
		sample.Flags |= stream.FlagGap
		s.emitted += int64(lost)
	}
	sample.Time = time.Duration(float64(s.emitted) / s.rate * float64(time.Second))
	s.emitted++
	s.row = s.row[:0]
	return sample
}

// Close stops the readers and closes every port.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.closePorts()
		s.wg.Wait()
	})
	return err
}

func (s *Source) closePorts() error {
	var errs []error
	for _, p := range s.ports {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.ports = nil
	return errors.Join(errs...)
}

var (
	_ transport.Source   = (*Source)(nil)
	_ transport.Reporter = (*Source)(nil)
)
