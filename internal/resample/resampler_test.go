// SPDX-License-Identifier: MIT
package resample

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biostream/internal/config"
	"biostream/internal/stream"
)

func sine(n int, rate, freq float64, channels int) []stream.Sample {
	out := make([]stream.Sample, n)
	for i := range out {
		v := math.Sin(2 * math.Pi * freq * float64(i) / rate)
		values := make([]float64, channels)
		for ch := range values {
			values[ch] = v
		}
		out[i] = stream.Sample{Time: time.Duration(float64(i) / rate * float64(time.Second)), Values: values}
	}
	return out
}

func decimateCfg(target float64) config.ResampleConfig {
	return config.ResampleConfig{Enabled: true, TargetRate: target, Mode: "auto"}
}

func TestNew_SelectsMode(t *testing.T) {
	r, err := New(decimateCfg(128), 256, 2)
	require.NoError(t, err)
	assert.Equal(t, ModeDecimate, r.Mode())
	assert.Equal(t, 128.0, r.OutputRate())

	r, err = New(decimateCfg(256), 256, 2)
	require.NoError(t, err)
	assert.Equal(t, ModePassThrough, r.Mode())

	r, err = New(config.ResampleConfig{Enabled: false, TargetRate: 128}, 256, 2)
	require.NoError(t, err)
	assert.Equal(t, ModePassThrough, r.Mode())

	_, err = New(decimateCfg(512), 256, 2)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(config.ResampleConfig{Enabled: true, TargetRate: 100, Mode: "decimate"}, 256, 2)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestDecimator_ExactRateAcrossSplits(t *testing.T) {
	in := sine(2560, 256, 10, 4)

	whole, err := New(decimateCfg(128), 256, 4)
	require.NoError(t, err)
	want := whole.Process(in)
	require.Len(t, want, 1280)

	split, err := New(decimateCfg(128), 256, 4)
	require.NoError(t, err)
	var got []stream.Sample
	for start := 0; start < len(in); {
		end := min(start+1+start%37, len(in))
		got = append(got, split.Process(in[start:end])...)
		start = end
	}
	require.Len(t, got, 1280)
	for i := range want {
		assert.Equal(t, want[i].Time, got[i].Time)
		assert.InDeltaSlice(t, want[i].Values, got[i].Values, 1e-12)
	}

	for k, s := range want {
		assert.Equal(t, in[2*k].Time, s.Time, "output %d aligned to input %d", k, 2*k)
	}
}

func TestDecimator_PassbandAndAlias(t *testing.T) {
	r, err := New(decimateCfg(128), 256, 1)
	require.NoError(t, err)
	out := stream.Columns(r.Process(sine(2048, 256, 10, 1)), 1)[0]
	peak := 0.0
	for _, v := range out[256:] {
		peak = math.Max(peak, math.Abs(v))
	}
	assert.InDelta(t, 1.0, peak, 0.02)

	// 100 Hz would fold to 28 Hz at 128 Hz.
	r, err = New(decimateCfg(128), 256, 1)
	require.NoError(t, err)
	out = stream.Columns(r.Process(sine(2048, 256, 100, 1)), 1)[0]
	peak = 0
	for _, v := range out[256:] {
		peak = math.Max(peak, math.Abs(v))
	}
	assert.Less(t, peak, 1e-3)
}

func TestDecimator_CarriesDroppedFlags(t *testing.T) {
	r, err := New(decimateCfg(64), 256, 1)
	require.NoError(t, err)
	in := sine(12, 256, 10, 1)
	in[2].Flags = stream.FlagGap
	in[5].Flags = stream.FlagPoorSignal

	out := r.Process(in)
	require.Len(t, out, 3)
	assert.Equal(t, stream.Flags(0), out[0].Flags)
	assert.Equal(t, stream.FlagGap, out[1].Flags, "input 2 dropped, carried to input 4")
	assert.Equal(t, stream.FlagPoorSignal, out[2].Flags, "input 5 dropped, carried to input 8")
}

func TestResampler_ResetRestoresInitialState(t *testing.T) {
	r, err := New(decimateCfg(128), 256, 2)
	require.NoError(t, err)
	in := sine(101, 256, 7, 2)
	first := r.Process(in)
	r.Reset()
	assert.Equal(t, first, r.Process(in))
}

func TestPolyphase_RationalRatio(t *testing.T) {
	r, err := New(config.ResampleConfig{Enabled: true, TargetRate: 100, Mode: "auto", Quality: "medium"}, 256, 2)
	require.NoError(t, err)
	require.Equal(t, ModePolyphase, r.Mode())

	in := sine(256*20, 256, 5, 2)
	var out []stream.Sample
	for start := 0; start < len(in); start += 128 {
		out = append(out, r.Process(in[start:start+128])...)
	}
	assert.Greater(t, len(out), 1500)
	assert.LessOrEqual(t, len(out), 2001)
	for i := 1; i < len(out); i++ {
		assert.InDelta(t, float64(10*time.Millisecond), float64(out[i].Time-out[i-1].Time), float64(time.Microsecond))
	}
}

func TestKaiserLowPass_UnitDCGain(t *testing.T) {
	h := kaiserLowPass(49, 0.225, kaiserBeta)
	sum := 0.0
	for _, v := range h {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.InDelta(t, h[0], h[48], 1e-15, "symmetric")
}

func BenchmarkDecimate(b *testing.B) {
	r, err := New(decimateCfg(128), 256, 4)
	require.NoError(b, err)
	in := sine(256, 256, 10, 4)
	for b.Loop() {
		r.Process(in)
	}
}
