// SPDX-License-Identifier: MIT

// Package synthetic provides a Source that streams generated sinusoids with
// mains interference, used for demos and end-to-end tests.
package synthetic

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"biostream/internal/config"
	"biostream/internal/stream"
	"biostream/internal/transport"
	"biostream/pkg/synth"
)

// Source generates batches of samples from a synth.Generator.
type Source struct {
	cfg      config.SyntheticConfig
	rate     float64
	channels int
	labels   []string

	gen   *synth.Generator
	limit int64 // Total samples to emit, 0 for unlimited.
	start time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a synthetic source for the given rate and channel count.
func New(cfg config.SyntheticConfig, rate float64, channels int, labels []string) (*Source, error) {
	if rate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: synthetic source needs a positive rate and channel count", transport.ErrTransport)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: synthetic batch size must be positive", transport.ErrTransport)
	}
	s := &Source{
		cfg:      cfg,
		rate:     rate,
		channels: channels,
		labels:   labels,
		done:     make(chan struct{}),
	}
	if cfg.Duration > 0 {
		s.limit = int64(cfg.Duration.Seconds()*rate + 0.5)
	}
	return s, nil
}

// Connect starts a fresh stream from the first sample.
func (s *Source) Connect(ctx context.Context) (transport.Info, error) {
	if err := ctx.Err(); err != nil {
		return transport.Info{}, err
	}
	s.gen = synth.New(synth.Signal{
		Frequencies: s.cfg.Frequencies,
		Amplitude:   s.cfg.Amplitude,
		LineNoise:   s.cfg.LineNoise,
		LineFreq:    s.cfg.LineFreq,
		NoiseStdDev: s.cfg.NoiseStdDev,
		Seed:        s.cfg.Seed,
	}, s.rate, s.channels)
	s.start = time.Now()
	return transport.Info{
		Name:       "synthetic",
		SampleRate: s.rate,
		Channels:   s.channels,
		Labels:     s.labels,
	}, nil
}

// Read returns the next batch. In realtime mode it waits until the last
// sample of the batch is due on the wall clock. Once Duration is exhausted
// Read returns io.EOF.
func (s *Source) Read(ctx context.Context) (stream.Batch, error) {
	if s.gen == nil {
		return stream.Batch{}, fmt.Errorf("%w: synthetic source not connected", transport.ErrTransport)
	}
	select {
	case <-s.done:
		return stream.Batch{}, io.EOF
	default:
	}

	n := int64(s.cfg.BatchSize)
	if s.limit > 0 {
		n = min(n, s.limit-s.gen.Emitted())
		if n <= 0 {
			return stream.Batch{}, io.EOF
		}
	}

	if s.cfg.Realtime {
		due := s.start.Add(s.gen.Offset(s.gen.Emitted() + n - 1))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return stream.Batch{}, ctx.Err()
			case <-s.done:
				return stream.Batch{}, io.EOF
			}
		}
	}
	return stream.Batch{Samples: s.gen.Next(int(n))}, nil
}

// Close unblocks a pending Read. It is safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

var _ transport.Source = (*Source)(nil)
