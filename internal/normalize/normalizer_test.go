// SPDX-License-Identifier: MIT
package normalize

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biostream/internal/config"
	"biostream/internal/stream"
)

func samples(values ...float64) []stream.Sample {
	out := make([]stream.Sample, len(values))
	for i, v := range values {
		out[i] = stream.Sample{Time: time.Duration(i) * time.Second / 10, Values: []float64{v}}
	}
	return out
}

func windowCfg(window time.Duration) config.NormalizeConfig {
	return config.NormalizeConfig{Enabled: true, Mode: "window", Window: window}
}

func TestNormalizer_UsesStatisticsBeforeCurrentSample(t *testing.T) {
	// 10 Hz rate, 0.4 s window: 4 samples of history.
	n, err := New(windowCfg(400*time.Millisecond), 10, 1)
	require.NoError(t, err)

	out := n.Process(samples(1, 3, 1, 3, 1, 3, 10))
	// First sample has no history.
	assert.Equal(t, 0.0, out[0].Values[0])
	// Second: history {1}, zero variance, mean-removed.
	assert.Equal(t, 2.0, out[1].Values[0])
	// Last: history {1,3,1,3}, mean 2, std 1.
	assert.InDelta(t, 8.0, out[6].Values[0], 1e-12)
}

func TestNormalizer_ConstantChannelIsMeanRemoved(t *testing.T) {
	n, err := New(windowCfg(time.Second), 10, 1)
	require.NoError(t, err)
	out := n.Process(samples(5, 5, 5, 5, 5))
	for _, s := range out[1:] {
		assert.Equal(t, 0.0, s.Values[0])
		assert.False(t, math.IsNaN(s.Values[0]))
	}
}

func TestNormalizer_WarmupFlags(t *testing.T) {
	cfg := windowCfg(time.Second)
	cfg.Warmup = 300 * time.Millisecond
	n, err := New(cfg, 10, 1)
	require.NoError(t, err)

	in := samples(1, 2, 3, 4, 5)
	in[4].Flags = stream.FlagGap
	out := n.Process(in)
	for i := range 3 {
		assert.NotZero(t, out[i].Flags&stream.FlagLowConfidence, "sample %d", i)
	}
	assert.Zero(t, out[3].Flags&stream.FlagLowConfidence)
	assert.Equal(t, stream.FlagGap, out[4].Flags, "upstream flags kept")

	n.Reset()
	out = n.Process(samples(1))
	assert.NotZero(t, out[0].Flags&stream.FlagLowConfidence, "reset restarts warm-up")
}

func TestNormalizer_WindowMatchesDirectComputation(t *testing.T) {
	const rate, length = 100.0, 50
	n, err := New(windowCfg(500*time.Millisecond), rate, 1)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 1000)
	for i := range values {
		values[i] = 1e3 + rng.NormFloat64()*5
	}
	out := n.Process(samples(values...))

	for _, i := range []int{60, 333, 999} {
		hist := values[i-length : i]
		mean, sq := 0.0, 0.0
		for _, v := range hist {
			mean += v
		}
		mean /= length
		for _, v := range hist {
			sq += (v - mean) * (v - mean)
		}
		std := math.Sqrt(sq / length)
		assert.InDelta(t, (values[i]-mean)/std, out[i].Values[0], 1e-6, "sample %d", i)
	}
}

func TestNormalizer_EWMConverges(t *testing.T) {
	n, err := New(config.NormalizeConfig{Enabled: true, Mode: "ewm", Window: time.Second}, 100, 1)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	values := make([]float64, 5000)
	for i := range values {
		values[i] = 40 + rng.NormFloat64()*2
	}
	out := n.Process(samples(values...))

	var mean, sq float64
	tail := out[1000:]
	for _, s := range tail {
		mean += s.Values[0]
	}
	mean /= float64(len(tail))
	for _, s := range tail {
		sq += (s.Values[0] - mean) * (s.Values[0] - mean)
	}
	assert.InDelta(t, 0, mean, 0.1)
	assert.InDelta(t, 1, math.Sqrt(sq/float64(len(tail))), 0.15)
}

func TestNormalizer_Disabled(t *testing.T) {
	n, err := New(config.NormalizeConfig{}, 100, 1)
	require.NoError(t, err)
	out := n.Process(samples(3, 4))
	assert.Equal(t, []float64{4}, out[1].Values)
	assert.Zero(t, out[1].Flags)
}

func TestNew_RejectsShortWindow(t *testing.T) {
	_, err := New(windowCfg(time.Millisecond), 100, 1)
	assert.ErrorIs(t, err, ErrConfig)
}
