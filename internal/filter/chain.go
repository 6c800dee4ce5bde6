// SPDX-License-Identifier: MIT
/*
Package filter implements the fixed-topology filter chain applied to raw
samples: a Butterworth band-pass (high-pass at the lower cutoff cascaded with
low-pass at the upper cutoff) followed by a second-order notch for mains
interference.

All sections are biquads in transposed direct form II. Each stage keeps one
delay line per section per channel, so processing a stream in one call or in
arbitrary splits yields identical output.
*/
package filter

import (
	"errors"
	"fmt"
	"strings"

	"biostream/internal/config"
	"biostream/internal/stream"
)

// ErrConfig is returned for filter parameters that cannot be realised at the
// session sample rate.
var ErrConfig = errors.New("invalid filter configuration")

// stage is one cascade of sections with per-channel state.
type stage struct {
	sections []biquad
	state    [][]biquadState // [channel][section]
}

func newStage(sections []biquad, channels int) *stage {
	st := &stage{sections: sections, state: make([][]biquadState, channels)}
	for ch := range st.state {
		st.state[ch] = make([]biquadState, len(sections))
	}
	return st
}

func (s *stage) apply(ch int, x float64) float64 {
	states := s.state[ch]
	for i := range s.sections {
		x = s.sections[i].process(&states[i], x)
	}
	return x
}

func (s *stage) reset() {
	for ch := range s.state {
		clear(s.state[ch])
	}
}

// Chain is the band-pass + notch filter for one session.
type Chain struct {
	sampleRate float64
	channels   int
	cfg        config.FilterConfig

	highpass *stage // nil when the band-pass is disabled
	lowpass  *stage
	notch    *stage // nil when the notch is disabled
}

// New builds a chain for the given sample rate and channel count.
func New(cfg config.FilterConfig, sampleRate float64, channels int) (*Chain, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: channel count %d", ErrConfig, channels)
	}
	if err := Validate(cfg, sampleRate); err != nil {
		return nil, err
	}
	c := &Chain{sampleRate: sampleRate, channels: channels}
	c.rebuild(cfg, true, true, true)
	return c, nil
}

// Validate checks cutoffs, orders and Q against the Nyquist frequency.
func Validate(cfg config.FilterConfig, sampleRate float64) error {
	nyquist := sampleRate / 2
	if bp := cfg.BandPass; bp.Enabled {
		if bp.Order < config.MinFilterOrder || bp.Order > config.MaxFilterOrder || bp.Order%2 != 0 {
			return fmt.Errorf("%w: band-pass order %d must be even in [%d, %d]",
				ErrConfig, bp.Order, config.MinFilterOrder, config.MaxFilterOrder)
		}
		if bp.Low <= 0 || bp.High <= bp.Low || bp.High >= nyquist {
			return fmt.Errorf("%w: band-pass %.2f-%.2f Hz requires 0 < low < high < %.2f Hz",
				ErrConfig, bp.Low, bp.High, nyquist)
		}
	}
	if n := cfg.Notch; n.Enabled {
		if n.Frequency <= 0 || n.Frequency >= nyquist {
			return fmt.Errorf("%w: notch %.2f Hz outside (0, %.2f) Hz", ErrConfig, n.Frequency, nyquist)
		}
		if n.Q <= 0 {
			return fmt.Errorf("%w: notch Q %.2f must be positive", ErrConfig, n.Q)
		}
	}
	return nil
}

// Reconfigure replaces the filter parameters. Only stages whose parameters
// changed are rebuilt, and only their state is reset. On error the chain is
// left unchanged.
func (c *Chain) Reconfigure(cfg config.FilterConfig) error {
	if err := Validate(cfg, c.sampleRate); err != nil {
		return err
	}
	old := c.cfg
	hp := old.BandPass.Enabled != cfg.BandPass.Enabled ||
		old.BandPass.Low != cfg.BandPass.Low || old.BandPass.Order != cfg.BandPass.Order
	lp := old.BandPass.Enabled != cfg.BandPass.Enabled ||
		old.BandPass.High != cfg.BandPass.High || old.BandPass.Order != cfg.BandPass.Order
	nt := old.Notch != cfg.Notch
	c.rebuild(cfg, hp, lp, nt)
	return nil
}

func (c *Chain) rebuild(cfg config.FilterConfig, hp, lp, nt bool) {
	bp := cfg.BandPass
	if hp {
		c.highpass = nil
		if bp.Enabled {
			c.highpass = newStage(butterworth(highpass, c.sampleRate, bp.Low, bp.Order), c.channels)
		}
	}
	if lp {
		c.lowpass = nil
		if bp.Enabled {
			c.lowpass = newStage(butterworth(lowpass, c.sampleRate, bp.High, bp.Order), c.channels)
		}
	}
	if nt {
		c.notch = nil
		if cfg.Notch.Enabled {
			c.notch = newStage([]biquad{notch(c.sampleRate, cfg.Notch.Frequency, cfg.Notch.Q)}, c.channels)
		}
	}
	c.cfg = cfg
}

func butterworth(design func(rate, f, q float64) biquad, rate, cutoff float64, order int) []biquad {
	qs := butterworthQ(order)
	sections := make([]biquad, len(qs))
	for i, q := range qs {
		sections[i] = design(rate, cutoff, q)
	}
	return sections
}

// Process filters the samples in arrival order. Input samples are not
// modified; the returned samples carry the input times and flags.
func (c *Chain) Process(in []stream.Sample) []stream.Sample {
	out := make([]stream.Sample, len(in))
	for i, s := range in {
		values := make([]float64, len(s.Values))
		for ch, x := range s.Values {
			if ch < c.channels {
				if c.highpass != nil {
					x = c.highpass.apply(ch, x)
					x = c.lowpass.apply(ch, x)
				}
				if c.notch != nil {
					x = c.notch.apply(ch, x)
				}
			}
			values[ch] = x
		}
		out[i] = stream.Sample{Time: s.Time, Values: values, Flags: s.Flags}
	}
	return out
}

// Reset clears every delay line.
func (c *Chain) Reset() {
	for _, st := range c.stages() {
		st.reset()
	}
}

func (c *Chain) stages() []*stage {
	var out []*stage
	for _, st := range []*stage{c.highpass, c.lowpass, c.notch} {
		if st != nil {
			out = append(out, st)
		}
	}
	return out
}

// Config returns the active parameters.
func (c *Chain) Config() config.FilterConfig { return c.cfg }

// Describe renders the enabled filters, e.g.
// "bandpass 1-40Hz order 4; notch 50Hz Q30".
func (c *Chain) Describe() string {
	return Describe(c.cfg)
}

// Describe renders a filter configuration for recording headers.
func Describe(cfg config.FilterConfig) string {
	var parts []string
	if bp := cfg.BandPass; bp.Enabled {
		parts = append(parts, fmt.Sprintf("bandpass %g-%gHz order %d", bp.Low, bp.High, bp.Order))
	}
	if n := cfg.Notch; n.Enabled {
		parts = append(parts, fmt.Sprintf("notch %gHz Q%g", n.Frequency, n.Q))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "; ")
}

// Response returns the magnitude response of the active chain at f.
func (c *Chain) Response(f float64) float64 {
	var sections []biquad
	for _, st := range c.stages() {
		sections = append(sections, st.sections...)
	}
	return magnitude(sections, c.sampleRate, f)
}
