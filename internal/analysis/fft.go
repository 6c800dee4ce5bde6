// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// WindowFunc defines the type for selecting an FFT window function.
type WindowFunc int

// Enum for available window functions.
const (
	BartlettHann WindowFunc = iota
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
)

// spectrum holds the pre-allocated buffers for one window length. A
// spectrum is owned by a single analyzer and is not safe for concurrent use.
type spectrum struct {
	fft       *fourier.FFT // Reusable FFT calculator instance.
	size      int          // Number of points in the window.
	rate      float64      // Sample rate of the input (Hz).
	window    []float64    // Pre-calculated window coefficients.
	input     []float64    // Buffer for the windowed input.
	fftOutput []complex128 // Buffer for FFT complex results.
	power     []float64    // |X_k|^2 for k in [0, size/2].
}

func newSpectrum(size int, rate float64, windowType WindowFunc) *spectrum {
	coeffs := make([]float64, size)
	applyWindow(coeffs, windowType)
	bins := size/2 + 1
	return &spectrum{
		fft:       fourier.NewFFT(size),
		size:      size,
		rate:      rate,
		window:    coeffs,
		input:     make([]float64, size),
		fftOutput: make([]complex128, bins),
		power:     make([]float64, bins),
	}
}

// compute windows x (len(x) == size), transforms it and returns the power
// spectrum. The returned slice is reused by the next call.
func (s *spectrum) compute(x []float64) []float64 {
	for i := range s.size {
		s.input[i] = x[i] * s.window[i]
	}
	s.fft.Coefficients(s.fftOutput, s.input)
	for i, c := range s.fftOutput {
		s.power[i] = real(c)*real(c) + imag(c)*imag(c)
	}
	return s.power
}

// frequency returns the centre frequency (Hz) of bin k.
func (s *spectrum) frequency(k int) float64 {
	return float64(k) * s.rate / float64(s.size)
}

// ParseWindowFunc converts a string name (case-insensitive) to a WindowFunc
// enum, returns a known default (Hann) and an error if the name is unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "bartletthann":
		return BartlettHann, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "hann", "hanning", "":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "lanczos":
		return Lanczos, nil
	case "nuttall":
		return Nuttall, nil
	default:
		return Hann, fmt.Errorf("unknown window function name: '%s'", name)
	}
}

// applyWindow fills coeffs with the selected window.
func applyWindow(coeffs []float64, windowType WindowFunc) {
	// The gonum window functions scale the slice in place.
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch windowType {
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	default:
		window.Hann(coeffs)
	}
}
