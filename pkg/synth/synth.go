// SPDX-License-Identifier: MIT

// Package synth generates deterministic multichannel test signals: sums of
// sinusoids with optional mains interference and seeded Gaussian noise.
package synth

import (
	"math"
	"math/rand"
	"time"

	"biostream/internal/stream"
)

// Signal describes the generated waveform. Amplitudes are in microvolts.
type Signal struct {
	Frequencies []float64
	Amplitude   float64
	LineNoise   float64
	LineFreq    float64
	NoiseStdDev float64
	Seed        int64
}

// Generator produces consecutive samples of a Signal. Channel c is phase
// shifted by c*pi/8 so channels are distinguishable but correlated.
type Generator struct {
	sig      Signal
	rate     float64
	channels int
	n        int64
	rng      *rand.Rand
}

// New creates a generator at the given rate.
func New(sig Signal, rate float64, channels int) *Generator {
	return &Generator{
		sig:      sig,
		rate:     rate,
		channels: channels,
		rng:      rand.New(rand.NewSource(sig.Seed)),
	}
}

// Next returns the following n samples.
func (g *Generator) Next(n int) []stream.Sample {
	out := make([]stream.Sample, n)
	for i := range out {
		t := float64(g.n) / g.rate
		values := make([]float64, g.channels)
		for ch := range values {
			phase := float64(ch) * math.Pi / 8
			var v float64
			for _, f := range g.sig.Frequencies {
				v += g.sig.Amplitude * math.Sin(2*math.Pi*f*t+phase)
			}
			if g.sig.LineNoise != 0 {
				v += g.sig.LineNoise * math.Sin(2*math.Pi*g.sig.LineFreq*t)
			}
			if g.sig.NoiseStdDev != 0 {
				v += g.rng.NormFloat64() * g.sig.NoiseStdDev
			}
			values[ch] = v
		}
		out[i] = stream.Sample{Time: g.Offset(g.n), Values: values}
		g.n++
	}
	return out
}

// Offset returns the timestamp of sample index n.
func (g *Generator) Offset(n int64) time.Duration {
	return time.Duration(float64(n) / g.rate * float64(time.Second))
}

// Emitted returns the number of samples generated so far.
func (g *Generator) Emitted() int64 { return g.n }

// Reset rewinds the generator to its first sample and reseeds the noise.
func (g *Generator) Reset() {
	g.n = 0
	g.rng = rand.New(rand.NewSource(g.sig.Seed))
}

// GenerateSineWave returns size samples of a unit sine.
func GenerateSineWave(size int, sampleRate, frequency float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = math.Sin(2 * math.Pi * frequency * t)
	}
	return buffer
}

// FindPeakBin returns the index of the largest value in [startBin, endBin].
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}
	startBin = max(startBin, 0)
	endBin = min(endBin, len(magnitudes)-1)

	peakBin := startBin
	peakValue := magnitudes[startBin]
	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}
	return peakBin
}
