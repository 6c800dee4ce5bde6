// SPDX-License-Identifier: MIT
// Package normalize converts each channel to a running z-score.
package normalize

import (
	"errors"
	"fmt"
	"math"

	"biostream/internal/config"
	"biostream/internal/stream"
)

// ErrConfig is returned for an unusable normalizer configuration.
var ErrConfig = errors.New("invalid normalizer configuration")

// minStdDev is the spread below which a channel counts as constant.
const minStdDev = 1e-12

// stats is the running estimate for one channel.
type stats interface {
	// meanStd reports the estimate before the next sample is absorbed.
	meanStd() (mean, std float64, ok bool)
	add(x float64)
	reset()
}

// Normalizer subtracts the running mean and divides by the running standard
// deviation, per channel. Statistics are taken before the current sample is
// absorbed. Outputs during warm-up carry FlagLowConfidence.
type Normalizer struct {
	enabled  bool
	channels int
	warmup   int
	seen     int
	stats    []stats
}

// New builds a normalizer for the processed sample rate.
func New(cfg config.NormalizeConfig, rate float64, channels int) (*Normalizer, error) {
	n := &Normalizer{enabled: cfg.Enabled, channels: channels}
	if !cfg.Enabled {
		return n, nil
	}
	length := int(math.Round(cfg.Window.Seconds() * rate))
	if length < 2 {
		return nil, fmt.Errorf("%w: window %s holds %d samples at %.1f Hz", ErrConfig, cfg.Window, length, rate)
	}
	n.warmup = int(math.Round(cfg.WarmupDuration().Seconds() * rate))
	n.stats = make([]stats, channels)
	for ch := range n.stats {
		switch cfg.Mode {
		case "window":
			n.stats[ch] = newWindowStats(length)
		case "ewm":
			n.stats[ch] = newEWMStats(length)
		default:
			return nil, fmt.Errorf("%w: mode %q", ErrConfig, cfg.Mode)
		}
	}
	return n, nil
}

// Process normalizes the samples in arrival order.
func (n *Normalizer) Process(in []stream.Sample) []stream.Sample {
	out := make([]stream.Sample, len(in))
	for i, s := range in {
		if !n.enabled {
			out[i] = s.Clone()
			continue
		}
		values := make([]float64, len(s.Values))
		for ch, x := range s.Values {
			if ch >= n.channels {
				values[ch] = x
				continue
			}
			st := n.stats[ch]
			mean, std, ok := st.meanStd()
			switch {
			case !ok:
				values[ch] = 0
			case std < minStdDev:
				values[ch] = x - mean
			default:
				values[ch] = (x - mean) / std
			}
			st.add(x)
		}
		flags := s.Flags
		if n.seen < n.warmup {
			flags |= stream.FlagLowConfidence
		}
		n.seen++
		out[i] = stream.Sample{Time: s.Time, Values: values, Flags: flags}
	}
	return out
}

// Reset discards all running statistics and restarts warm-up.
func (n *Normalizer) Reset() {
	n.seen = 0
	for _, st := range n.stats {
		st.reset()
	}
}

// windowStats tracks mean and variance over the trailing length samples.
// Sums are recomputed from the ring once per revolution to bound drift.
type windowStats struct {
	ring       []float64
	head, size int
	sum, sumSq float64
	updates    int
}

func newWindowStats(length int) *windowStats {
	return &windowStats{ring: make([]float64, length)}
}

func (w *windowStats) meanStd() (float64, float64, bool) {
	if w.size == 0 {
		return 0, 0, false
	}
	n := float64(w.size)
	mean := w.sum / n
	variance := w.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance), true
}

func (w *windowStats) add(x float64) {
	if w.size == len(w.ring) {
		old := w.ring[w.head]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.size++
	}
	w.ring[w.head] = x
	w.sum += x
	w.sumSq += x * x
	w.head = (w.head + 1) % len(w.ring)

	w.updates++
	if w.updates == len(w.ring) {
		w.updates = 0
		w.sum, w.sumSq = 0, 0
		for i := range w.size {
			v := w.ring[(w.head-w.size+i+len(w.ring))%len(w.ring)]
			w.sum += v
			w.sumSq += v * v
		}
	}
}

func (w *windowStats) reset() {
	clear(w.ring)
	w.head, w.size, w.sum, w.sumSq, w.updates = 0, 0, 0, 0, 0
}

// ewmStats is an exponentially weighted mean and variance with a time
// constant of span samples.
type ewmStats struct {
	alpha   float64
	mean, v float64
	primed  bool
}

func newEWMStats(span int) *ewmStats {
	return &ewmStats{alpha: 1 - math.Exp(-1/float64(span))}
}

func (e *ewmStats) meanStd() (float64, float64, bool) {
	if !e.primed {
		return 0, 0, false
	}
	return e.mean, math.Sqrt(e.v), true
}

func (e *ewmStats) add(x float64) {
	if !e.primed {
		e.mean, e.v, e.primed = x, 0, true
		return
	}
	diff := x - e.mean
	incr := e.alpha * diff
	e.mean += incr
	e.v = (1 - e.alpha) * (e.v + diff*incr)
}

func (e *ewmStats) reset() {
	e.mean, e.v, e.primed = 0, 0, false
}
