// SPDX-License-Identifier: MIT
package filter

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biostream/internal/config"
	"biostream/internal/stream"
)

const testRate = 256.0

func defaultFilters() config.FilterConfig {
	return config.DefaultSession().Filters
}

// tone returns n samples of sum(sin(2*pi*f*t)) on every channel.
func tone(n, channels int, freqs ...float64) []stream.Sample {
	out := make([]stream.Sample, n)
	for i := range out {
		t := float64(i) / testRate
		v := 0.0
		for _, f := range freqs {
			v += math.Sin(2 * math.Pi * f * t)
		}
		values := make([]float64, channels)
		for ch := range values {
			values[ch] = v * float64(ch+1)
		}
		out[i] = stream.Sample{Time: time.Duration(float64(i) / testRate * float64(time.Second)), Values: values}
	}
	return out
}

// amplitude estimates the amplitude of frequency f in x by projection.
func amplitude(x []float64, f float64) float64 {
	var re, im float64
	for i, v := range x {
		w := 2 * math.Pi * f * float64(i) / testRate
		re += v * math.Cos(w)
		im += v * math.Sin(w)
	}
	return 2 * math.Hypot(re, im) / float64(len(x))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.FilterConfig)
	}{
		{"odd order", func(c *config.FilterConfig) { c.BandPass.Order = 3 }},
		{"order too high", func(c *config.FilterConfig) { c.BandPass.Order = 10 }},
		{"inverted band", func(c *config.FilterConfig) { c.BandPass.Low, c.BandPass.High = 40, 1 }},
		{"above nyquist", func(c *config.FilterConfig) { c.BandPass.High = 128 }},
		{"notch above nyquist", func(c *config.FilterConfig) { c.Notch.Frequency = 200 }},
		{"zero q", func(c *config.FilterConfig) { c.Notch.Q = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultFilters()
			tt.mutate(&cfg)
			_, err := New(cfg, testRate, 2)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestChain_SplitBatchesMatchSingleCall(t *testing.T) {
	in := tone(1000, 3, 10, 50)

	whole, err := New(defaultFilters(), testRate, 3)
	require.NoError(t, err)
	want := whole.Process(in)

	split, err := New(defaultFilters(), testRate, 3)
	require.NoError(t, err)
	var got []stream.Sample
	for _, cut := range [][2]int{{0, 1}, {1, 17}, {17, 256}, {256, 257}, {257, 1000}} {
		got = append(got, split.Process(in[cut[0]:cut[1]])...)
	}

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Time, got[i].Time)
		for ch := range want[i].Values {
			// Bit-identical: the same operations run in the same order.
			assert.Equal(t, want[i].Values[ch], got[i].Values[ch], "sample %d channel %d", i, ch)
		}
	}
}

func TestChain_RemovesMainsKeepsAlpha(t *testing.T) {
	c, err := New(defaultFilters(), testRate, 1)
	require.NoError(t, err)

	out := c.Process(tone(4*int(testRate), 1, 10, 50))
	tail := stream.Columns(out[2*int(testRate):], 1)[0]

	assert.Greater(t, amplitude(tail, 10), 0.9)
	assert.Less(t, amplitude(tail, 50), 0.02)

	assert.InDelta(t, 1.0, c.Response(10), 0.05)
	assert.Less(t, c.Response(50), 1e-6)
	assert.Less(t, c.Response(0.1), 0.01)
}

func TestChain_DoesNotModifyInput(t *testing.T) {
	c, err := New(defaultFilters(), testRate, 2)
	require.NoError(t, err)
	in := tone(64, 2, 10)
	before := in[10].Values[1]
	c.Process(in)
	assert.Equal(t, before, in[10].Values[1])
}

func TestChain_ReconfigureResetsOnlyChangedStages(t *testing.T) {
	c, err := New(defaultFilters(), testRate, 1)
	require.NoError(t, err)
	c.Process(tone(128, 1, 10, 50))

	highpass := c.highpass
	require.NotZero(t, c.notch.state[0][0])

	cfg := defaultFilters()
	cfg.Notch.Frequency = 60
	require.NoError(t, c.Reconfigure(cfg))

	assert.Same(t, highpass, c.highpass, "band-pass stage kept")
	assert.NotZero(t, c.highpass.state[0][0], "band-pass state kept")
	assert.Zero(t, c.notch.state[0][0], "notch state reset")
	assert.Equal(t, "bandpass 1-40Hz order 4; notch 60Hz Q30", c.Describe())

	bad := cfg
	bad.BandPass.High = 500
	assert.ErrorIs(t, c.Reconfigure(bad), ErrConfig)
	assert.Equal(t, cfg, c.Config(), "failed reconfigure leaves chain unchanged")
}

func TestChain_DisabledIsPassThrough(t *testing.T) {
	c, err := New(config.FilterConfig{}, testRate, 2)
	require.NoError(t, err)
	in := tone(32, 2, 10)
	out := c.Process(in)
	for i := range in {
		assert.Equal(t, in[i].Values, out[i].Values)
	}
	assert.Equal(t, "none", c.Describe())
}

func TestChain_Reset(t *testing.T) {
	c, err := New(defaultFilters(), testRate, 1)
	require.NoError(t, err)
	in := tone(256, 1, 10)
	first := c.Process(in)
	c.Reset()
	second := c.Process(in)
	assert.Equal(t, first, second)
}

func TestButterworthQ(t *testing.T) {
	assert.InDeltaSlice(t, []float64{1 / math.Sqrt2}, butterworthQ(2), 1e-12)
	assert.InDeltaSlice(t, []float64{0.5412, 1.3066}, butterworthQ(4), 1e-4)
}

func BenchmarkChainProcess(b *testing.B) {
	c, err := New(defaultFilters(), testRate, 4)
	require.NoError(b, err)
	in := tone(256, 4, 10, 50)
	for b.Loop() {
		c.Process(in)
	}
}
