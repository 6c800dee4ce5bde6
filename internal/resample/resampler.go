// SPDX-License-Identifier: MIT
/*
Package resample reduces the processed sample rate. Integer ratios use a
Kaiser-windowed FIR decimator with an exact output count; rational ratios use
a polyphase engine. Both keep their filter history across calls.
*/
package resample

import (
	"errors"
	"fmt"
	"math"

	"biostream/internal/config"
	"biostream/internal/log"
	"biostream/internal/stream"
)

// ErrConfig is returned for unsupported rate combinations.
var ErrConfig = errors.New("invalid resampler configuration")

var logger = log.New("resample")

// Mode names the active resampling strategy.
type Mode string

const (
	ModePassThrough Mode = "passthrough"
	ModeDecimate    Mode = "decimate"
	ModePolyphase   Mode = "polyphase"
)

// Resampler converts samples from the input rate to the configured output rate.
type Resampler struct {
	mode    Mode
	inRate  float64
	outRate float64

	dec  *decimator
	poly *polyphase
}

// New builds a resampler for the session. A disabled config, or a target equal
// to the input rate, yields a pass-through.
func New(cfg config.ResampleConfig, inRate float64, channels int) (*Resampler, error) {
	r := &Resampler{mode: ModePassThrough, inRate: inRate, outRate: inRate}
	if !cfg.Enabled || cfg.TargetRate == inRate {
		return r, nil
	}
	if cfg.TargetRate <= 0 || cfg.TargetRate > inRate {
		return nil, fmt.Errorf("%w: %.2f Hz -> %.2f Hz, only downsampling is supported", ErrConfig, inRate, cfg.TargetRate)
	}
	r.outRate = cfg.TargetRate

	ratio := inRate / cfg.TargetRate
	factor := int(math.Round(ratio))
	integer := math.Abs(ratio-float64(factor)) < 1e-9

	mode := cfg.Mode
	if mode == "" || mode == "auto" {
		mode = string(ModePolyphase)
		if integer {
			mode = string(ModeDecimate)
		}
	}

	switch Mode(mode) {
	case ModeDecimate:
		if !integer {
			return nil, fmt.Errorf("%w: decimation needs an integer ratio, got %.4f", ErrConfig, ratio)
		}
		r.mode = ModeDecimate
		r.dec = newDecimator(factor, channels)
		logger.Debugf("decimating by %d with %d taps", factor, len(r.dec.taps))
	case ModePolyphase:
		poly, err := newPolyphase(inRate, cfg.TargetRate, channels, parseQuality(cfg.Quality))
		if err != nil {
			return nil, err
		}
		r.mode = ModePolyphase
		r.poly = poly
		logger.Debugf("polyphase %.2f Hz -> %.2f Hz, latency %d samples", inRate, cfg.TargetRate, poly.engine.GetLatency())
	default:
		return nil, fmt.Errorf("%w: mode %q", ErrConfig, cfg.Mode)
	}
	return r, nil
}

// Process resamples the samples in arrival order. Flags of inputs that do not
// map to an output are carried to the next output.
func (r *Resampler) Process(in []stream.Sample) []stream.Sample {
	switch r.mode {
	case ModeDecimate:
		return r.dec.process(in)
	case ModePolyphase:
		out, err := r.poly.process(in)
		if err != nil {
			logger.Errorf("polyphase: %v", err)
			return nil
		}
		return out
	default:
		out := make([]stream.Sample, len(in))
		for i, s := range in {
			out[i] = s.Clone()
		}
		return out
	}
}

// Reset restores the freshly constructed state.
func (r *Resampler) Reset() {
	switch r.mode {
	case ModeDecimate:
		r.dec.reset()
	case ModePolyphase:
		r.poly.reset()
	}
}

// Mode returns the strategy in use.
func (r *Resampler) Mode() Mode { return r.mode }

// OutputRate returns the output sample rate in Hz.
func (r *Resampler) OutputRate() float64 { return r.outRate }
