// SPDX-License-Identifier: MIT
/*
Package stream defines the values that travel through the acquisition and
processing chain: samples, batches and the Transform capability implemented by
every stateful stage.

Every stage owns its recursive state. A stage instance belongs to exactly one
session and is never shared between sessions or goroutines.
*/
package stream

import (
	"strings"
	"time"
)

// Flags annotate a single sample with conditions detected upstream.
type Flags uint8

const (
	// FlagGap marks the first sample after a discontinuity: samples were lost
	// by the transport or evicted from the sample buffer.
	FlagGap Flags = 1 << iota
	// FlagLowConfidence marks samples produced while running statistics are
	// still warming up.
	FlagLowConfidence
	// FlagPoorSignal marks samples the transport reported with poor contact.
	FlagPoorSignal
)

// String renders the set flags as a compact, separator-free token such as
// "gap|lowconf". An empty set renders as "".
func (f Flags) String() string {
	if f == 0 {
		return ""
	}
	var parts []string
	if f&FlagGap != 0 {
		parts = append(parts, "gap")
	}
	if f&FlagLowConfidence != 0 {
		parts = append(parts, "lowconf")
	}
	if f&FlagPoorSignal != 0 {
		parts = append(parts, "poor")
	}
	return strings.Join(parts, "|")
}

// ParseFlags is the inverse of Flags.String. Unknown tokens are ignored.
func ParseFlags(s string) Flags {
	var f Flags
	for _, tok := range strings.Split(s, "|") {
		switch tok {
		case "gap":
			f |= FlagGap
		case "lowconf":
			f |= FlagLowConfidence
		case "poor":
			f |= FlagPoorSignal
		}
	}
	return f
}

// Sample is one multichannel reading. Time is the monotonic offset from the
// start of the session.
type Sample struct {
	Time   time.Duration
	Values []float64
	Flags  Flags
}

// Clone returns a deep copy of the sample.
func (s Sample) Clone() Sample {
	values := make([]float64, len(s.Values))
	copy(values, s.Values)
	return Sample{Time: s.Time, Values: values, Flags: s.Flags}
}

// Batch is one delivery from the transport. An empty batch is a heartbeat.
// Gap is the number of samples the transport knows were lost immediately
// before the first sample of the batch.
type Batch struct {
	Samples []Sample
	Gap     int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.Samples) }

// Transform is the capability shared by the filter chain, the resampler and
// the normalizer. Process consumes input in arrival order and returns the
// transformed output; state carries over between calls. Reset restores the
// state a freshly constructed instance would have.
type Transform interface {
	Process(in []Sample) []Sample
	Reset()
}

// Columns transposes samples into one slice per channel.
func Columns(samples []Sample, channels int) [][]float64 {
	cols := make([][]float64, channels)
	for ch := range cols {
		cols[ch] = make([]float64, len(samples))
	}
	for i, s := range samples {
		for ch := 0; ch < channels && ch < len(s.Values); ch++ {
			cols[ch][i] = s.Values[ch]
		}
	}
	return cols
}
