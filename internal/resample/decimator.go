// SPDX-License-Identifier: MIT
package resample

import (
	"github.com/tphakala/simd/f64"

	"biostream/internal/stream"
)

const (
	tapsPerFactor = 24
	kaiserBeta    = 8.6 // about 80 dB stopband
	cutoffFactor  = 0.45
)

// decimator is an integer-factor FIR decimator. It emits exactly one output
// for every factor inputs, at input positions 0, factor, 2*factor, ...
// counted from the start of the session.
type decimator struct {
	factor   int
	channels int
	taps     []float64

	// lines holds one doubled delay line per channel so the newest taps
	// samples are always contiguous at lines[ch][pos:pos+len(taps)].
	lines   [][]float64
	pos     int
	phase   int
	pending stream.Flags
}

func newDecimator(factor, channels int) *decimator {
	n := tapsPerFactor*factor + 1
	d := &decimator{
		factor:   factor,
		channels: channels,
		taps:     kaiserLowPass(n, cutoffFactor/float64(factor), kaiserBeta),
		lines:    make([][]float64, channels),
	}
	for ch := range d.lines {
		d.lines[ch] = make([]float64, 2*n)
	}
	return d
}

func (d *decimator) process(in []stream.Sample) []stream.Sample {
	n := len(d.taps)
	out := make([]stream.Sample, 0, (len(in)+d.phase)/d.factor+1)
	for _, s := range in {
		d.pos--
		if d.pos < 0 {
			d.pos = n - 1
		}
		for ch := 0; ch < d.channels; ch++ {
			var x float64
			if ch < len(s.Values) {
				x = s.Values[ch]
			}
			d.lines[ch][d.pos] = x
			d.lines[ch][d.pos+n] = x
		}

		emit := d.phase == 0
		d.phase++
		if d.phase == d.factor {
			d.phase = 0
		}
		if !emit {
			d.pending |= s.Flags
			continue
		}

		values := make([]float64, d.channels)
		for ch := range values {
			values[ch] = f64.DotProduct(d.taps, d.lines[ch][d.pos:d.pos+n])
		}
		out = append(out, stream.Sample{Time: s.Time, Values: values, Flags: s.Flags | d.pending})
		d.pending = 0
	}
	return out
}

func (d *decimator) reset() {
	for ch := range d.lines {
		clear(d.lines[ch])
	}
	d.pos, d.phase, d.pending = 0, 0, 0
}
