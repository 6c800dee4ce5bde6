// SPDX-License-Identifier: MIT
package resample

import (
	"fmt"
	"time"

	resampler "github.com/tphakala/go-audio-resampler"

	"biostream/internal/stream"
)

// polyphase handles rational ratios. Output timestamps are derived from an
// exact output sample counter anchored at the first input sample.
type polyphase struct {
	engine   resampler.Resampler
	channels int
	outRate  float64

	started bool
	origin  time.Duration
	emitted int64
	pending stream.Flags
}

func newPolyphase(inRate, outRate float64, channels int, quality resampler.QualityPreset) (*polyphase, error) {
	engine, err := resampler.New(&resampler.Config{
		InputRate:  inRate,
		OutputRate: outRate,
		Channels:   channels,
		Quality:    resampler.QualitySpec{Preset: quality},
		EnableSIMD: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &polyphase{engine: engine, channels: channels, outRate: outRate}, nil
}

func (p *polyphase) process(in []stream.Sample) ([]stream.Sample, error) {
	if len(in) == 0 {
		return nil, nil
	}
	if !p.started {
		p.started = true
		p.origin = in[0].Time
	}
	for _, s := range in {
		p.pending |= s.Flags
	}

	cols, err := p.engine.ProcessMulti(stream.Columns(in, p.channels))
	if err != nil {
		return nil, err
	}
	n := 0
	if len(cols) > 0 {
		n = len(cols[0])
	}
	out := make([]stream.Sample, n)
	for i := range out {
		values := make([]float64, p.channels)
		for ch := range values {
			if i < len(cols[ch]) {
				values[ch] = cols[ch][i]
			}
		}
		t := p.origin + time.Duration(float64(p.emitted)/p.outRate*float64(time.Second))
		out[i] = stream.Sample{Time: t, Values: values}
		p.emitted++
	}
	if n > 0 {
		out[0].Flags = p.pending
		p.pending = 0
	}
	return out, nil
}

func (p *polyphase) reset() {
	p.engine.Reset()
	p.started, p.origin, p.emitted, p.pending = false, 0, 0, 0
}

func parseQuality(name string) resampler.QualityPreset {
	switch name {
	case "quick":
		return resampler.QualityQuick
	case "low":
		return resampler.QualityLow
	case "high":
		return resampler.QualityHigh
	case "veryhigh":
		return resampler.QualityVeryHigh
	default:
		return resampler.QualityMedium
	}
}
