// SPDX-License-Identifier: MIT
package resample

import (
	"math"

	"github.com/tphakala/simd/f64"
)

// besselI0 is the zeroth-order modified Bessel function of the first kind,
// evaluated by its power series.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	half := x / 2
	for k := 1; k < 64; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < sum*1e-16 {
			break
		}
	}
	return sum
}

// kaiserLowPass designs a linear-phase windowed-sinc low-pass filter with unit
// DC gain. cutoff is normalized to the input rate (cycles per sample, < 0.5).
func kaiserLowPass(taps int, cutoff, beta float64) []float64 {
	h := make([]float64, taps)
	center := float64(taps-1) / 2
	i0Beta := besselI0(beta)
	for n := range taps {
		x := float64(n) - center
		sinc := 2 * cutoff
		if x != 0 {
			sinc = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		r := x / center
		h[n] = sinc * besselI0(beta*math.Sqrt(1-r*r)) / i0Beta
	}
	if sum := f64.Sum(h); sum != 0 {
		f64.Scale(h, h, 1/sum)
	}
	return h
}
