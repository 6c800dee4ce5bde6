// SPDX-License-Identifier: MIT
package filter

import "math"

// biquad holds normalized second-order section coefficients (a0 == 1).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// biquadState is the transposed direct form II delay line of one section
// for one channel.
type biquadState struct {
	z1, z2 float64
}

// process runs one sample through the section, updating its delay line.
func (q *biquad) process(st *biquadState, x float64) float64 {
	y := q.b0*x + st.z1
	st.z1 = q.b1*x - q.a1*y + st.z2
	st.z2 = q.b2*x - q.a2*y
	return y
}

func normalized(b0, b1, b2, a0, a1, a2 float64) biquad {
	return biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// lowpass and highpass are the bilinear-transform sections from the RBJ audio
// EQ cookbook, pre-warped at the cutoff frequency.
func lowpass(sampleRate, cutoff, q float64) biquad {
	w0 := 2 * math.Pi * cutoff / sampleRate
	cosW, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	return normalized((1-cosW)/2, 1-cosW, (1-cosW)/2, 1+alpha, -2*cosW, 1-alpha)
}

func highpass(sampleRate, cutoff, q float64) biquad {
	w0 := 2 * math.Pi * cutoff / sampleRate
	cosW, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	return normalized((1+cosW)/2, -(1 + cosW), (1+cosW)/2, 1+alpha, -2*cosW, 1-alpha)
}

func notch(sampleRate, freq, q float64) biquad {
	w0 := 2 * math.Pi * freq / sampleRate
	cosW, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	return normalized(1, -2*cosW, 1, 1+alpha, -2*cosW, 1-alpha)
}

// butterworthQ returns the per-section quality factors of an even-order
// Butterworth prototype, lowest Q first so the cascade does not clip
// internally on resonant sections.
func butterworthQ(order int) []float64 {
	n := order / 2
	qs := make([]float64, n)
	for k := range n {
		theta := math.Pi * float64(2*k+1) / float64(2*order)
		qs[k] = 1 / (2 * math.Cos(theta))
	}
	return qs
}

// magnitude evaluates |H(e^jw)| of a cascade at frequency f.
func magnitude(sections []biquad, sampleRate, f float64) float64 {
	w := 2 * math.Pi * f / sampleRate
	z1 := complex(math.Cos(-w), math.Sin(-w))
	z2 := z1 * z1
	h := complex(1, 0)
	for _, s := range sections {
		num := complex(s.b0, 0) + complex(s.b1, 0)*z1 + complex(s.b2, 0)*z2
		den := complex(1, 0) + complex(s.a1, 0)*z1 + complex(s.a2, 0)*z2
		h *= num / den
	}
	return math.Hypot(real(h), imag(h))
}
