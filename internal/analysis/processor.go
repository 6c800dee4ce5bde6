// SPDX-License-Identifier: MIT
/*
Package analysis slices the processed stream into overlapping windows and
reduces each window to band powers, per channel or averaged across channels.
*/
package analysis

import (
	"errors"
	"fmt"
	"math"
	"time"

	"biostream/internal/config"
	"biostream/internal/log"
	"biostream/internal/stream"
	"biostream/pkg/bitint"
)

// ErrConfig is returned for unusable windowing parameters.
var ErrConfig = errors.New("invalid analysis configuration")

// AllChannels is the Channel value of a vector averaged across channels.
const AllChannels = -1

var logger = log.New("analysis")

// FeatureVector holds the band powers of one window.
type FeatureVector struct {
	Start         time.Duration `json:"start"`          // Time of the first sample in the window.
	End           time.Duration `json:"end"`            // Time of the last sample in the window.
	Channel       int           `json:"channel"`        // Channel index, or AllChannels.
	Bands         []BandPower   `json:"bands"`          // In configured band order.
	LowConfidence bool          `json:"low_confidence"` // Window held warm-up or poor-signal samples.
	Gap           bool          `json:"gap"`            // Window spans a discontinuity.
}

// Power returns the power of the named band.
func (v FeatureVector) Power(name string) (float64, bool) {
	for _, b := range v.Bands {
		if b.Name == name {
			return b.Power, true
		}
	}
	return 0, false
}

// Map returns the band powers keyed by name.
func (v FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Bands))
	for _, b := range v.Bands {
		m[b.Name] = b.Power
	}
	return m
}

// Analyzer accumulates processed samples and emits one or more feature
// vectors each time a full window is available.
type Analyzer struct {
	channels  int
	length    int
	stride    int
	aggregate bool

	spec    *spectrum
	bands   []frequencyBand
	pending []stream.Sample
	column  []float64
	powers  [][]float64 // [channel][band]
}

// New builds an analyzer for the processed rate.
func New(cfg config.AnalysisConfig, rate float64, channels int) (*Analyzer, error) {
	length := int(math.Round(cfg.Window.Seconds() * rate))
	if length < 4 {
		return nil, fmt.Errorf("%w: window %s is %d samples at %.1f Hz", ErrConfig, cfg.Window, length, rate)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= 1 {
		return nil, fmt.Errorf("%w: overlap %.2f outside [0, 1)", ErrConfig, cfg.Overlap)
	}
	stride := int(math.Round(float64(length) * (1 - cfg.Overlap)))
	stride = max(stride, 1)
	if !bitint.IsPowerOfTwo(length) {
		logger.Infof("window of %d samples is not a power of two (nearest %d)", length, bitint.NextPowerOfTwo(length))
	}
	windowType, err := ParseWindowFunc(cfg.WindowFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	spec := newSpectrum(length, rate, windowType)
	a := &Analyzer{
		channels:  channels,
		length:    length,
		stride:    stride,
		aggregate: cfg.Aggregate != "none",
		spec:      spec,
		bands:     resolveBands(cfg.Bands, spec),
		column:    make([]float64, length),
		powers:    make([][]float64, channels),
	}
	for ch := range a.powers {
		a.powers[ch] = make([]float64, len(cfg.Bands))
	}
	for _, b := range a.bands {
		if b.first > b.last {
			logger.Warnf("band %s contains no FFT bins at %.2f Hz resolution", b.name, rate/float64(length))
		}
	}
	logger.Debugf("window %d samples, stride %d, %d bands", length, stride, len(a.bands))
	return a, nil
}

// Process appends samples and returns the vectors of every window completed.
func (a *Analyzer) Process(in []stream.Sample) []FeatureVector {
	a.pending = append(a.pending, in...)
	var out []FeatureVector
	for len(a.pending) >= a.length {
		out = append(out, a.analyze(a.pending[:a.length])...)
		a.pending = append(a.pending[:0], a.pending[a.stride:]...)
	}
	return out
}

func (a *Analyzer) analyze(win []stream.Sample) []FeatureVector {
	var flags stream.Flags
	for _, s := range win {
		flags |= s.Flags
	}
	base := FeatureVector{
		Start:         win[0].Time,
		End:           win[len(win)-1].Time,
		LowConfidence: flags&(stream.FlagLowConfidence|stream.FlagPoorSignal) != 0,
		Gap:           gapInside(win),
	}

	for ch := range a.channels {
		for i, s := range win {
			a.column[i] = 0
			if ch < len(s.Values) {
				a.column[i] = s.Values[ch]
			}
		}
		bandPowers(a.powers[ch], a.bands, a.spec.compute(a.column))
	}

	if a.aggregate {
		v := base
		v.Channel = AllChannels
		v.Bands = make([]BandPower, len(a.bands))
		for i, b := range a.bands {
			sum := 0.0
			for ch := range a.channels {
				sum += a.powers[ch][i]
			}
			v.Bands[i] = BandPower{Name: b.name, Power: sum / float64(a.channels)}
		}
		return []FeatureVector{v}
	}

	out := make([]FeatureVector, a.channels)
	for ch := range a.channels {
		v := base
		v.Channel = ch
		v.Bands = make([]BandPower, len(a.bands))
		for i, b := range a.bands {
			v.Bands[i] = BandPower{Name: b.name, Power: a.powers[ch][i]}
		}
		out[ch] = v
	}
	return out
}

// gapInside ignores a gap on the first sample: that discontinuity lies
// before the window.
func gapInside(win []stream.Sample) bool {
	for _, s := range win[1:] {
		if s.Flags&stream.FlagGap != 0 {
			return true
		}
	}
	return false
}

// Reset discards buffered samples.
func (a *Analyzer) Reset() {
	a.pending = a.pending[:0]
}

// WindowLength returns the window length in samples.
func (a *Analyzer) WindowLength() int { return a.length }

// Stride returns the hop between windows in samples.
func (a *Analyzer) Stride() int { return a.stride }
