// SPDX-License-Identifier: MIT
package analysis

import "biostream/internal/config"

// BandPower is the summed spectral power of one named band.
type BandPower struct {
	Name  string  `json:"name"`
	Power float64 `json:"power"`
}

// frequencyBand is a band resolved to FFT bins [first, last].
type frequencyBand struct {
	name        string
	first, last int // inclusive; first > last means no bins
}

// resolveBands maps each band [Low, High) to the bins whose centre frequency
// falls inside it.
func resolveBands(bands []config.BandConfig, s *spectrum) []frequencyBand {
	out := make([]frequencyBand, len(bands))
	bins := len(s.power)
	for i, b := range bands {
		fb := frequencyBand{name: b.Name, first: bins, last: -1}
		for k := range bins {
			f := s.frequency(k)
			if f >= b.Low && f < b.High {
				fb.first = min(fb.first, k)
				fb.last = max(fb.last, k)
			}
		}
		out[i] = fb
	}
	return out
}

// bandPowers sums |X_k|^2 over the bins of every band into dst.
func bandPowers(dst []float64, bands []frequencyBand, power []float64) {
	for i, b := range bands {
		sum := 0.0
		for k := b.first; k <= b.last; k++ {
			sum += power[k]
		}
		dst[i] = sum
	}
}
