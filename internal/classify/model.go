// SPDX-License-Identifier: MIT
package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"biostream/internal/config"
)

// Label is a mental-state class.
type Label string

const (
	Wakeful      Label = "wakeful"
	Drowsy       Label = "drowsy"
	Undetermined Label = "undetermined"
)

// Code is the compact numeric form used on the wire.
func (l Label) Code() uint8 {
	switch l {
	case Wakeful:
		return 1
	case Drowsy:
		return 2
	default:
		return 0
	}
}

// Ratio feature names.
const (
	DeltaAlpha = "delta_alpha"
	ThetaAlpha = "theta_alpha"
	ThetaBeta  = "theta_beta"
	AlphaBeta  = "alpha_beta"
)

var requiredBands = []string{"delta", "theta", "alpha", "beta"}

// Model maps a feature set to a raw label and a confidence in [0, 1].
type Model interface {
	Predict(features map[string]float64) (Label, float64)
	Name() string
}

// Features derives the model inputs from band powers: the floored powers,
// their natural logs ("log_<band>") and the clamped ratios.
func Features(bands map[string]float64, minPower, maxRatio float64) map[string]float64 {
	out := make(map[string]float64, 3*len(bands))
	for name, p := range bands {
		p = math.Max(p, minPower)
		out[name] = p
		out["log_"+name] = math.Log(p)
	}
	ratio := func(num, den string) float64 {
		return math.Min(out[num]/out[den], maxRatio)
	}
	out[DeltaAlpha] = ratio("delta", "alpha")
	out[ThetaAlpha] = ratio("theta", "alpha")
	out[ThetaBeta] = ratio("theta", "beta")
	out[AlphaBeta] = ratio("alpha", "beta")
	return out
}

// RatioModel is the fixed-threshold rule: drowsy when both delta/alpha and
// theta/alpha reach their thresholds.
type RatioModel struct {
	DeltaAlpha float64
	ThetaAlpha float64
}

// NewRatioModel reads the thresholds, falling back to the defaults.
func NewRatioModel(thresholds map[string]float64) *RatioModel {
	def := config.DefaultThresholds()
	m := &RatioModel{DeltaAlpha: def[DeltaAlpha], ThetaAlpha: def[ThetaAlpha]}
	if v, ok := thresholds[DeltaAlpha]; ok {
		m.DeltaAlpha = v
	}
	if v, ok := thresholds[ThetaAlpha]; ok {
		m.ThetaAlpha = v
	}
	return m
}

func (m *RatioModel) Name() string { return "ratio" }

// Predict scores the weaker of the two ratio margins. Confidence grows from
// 0.5 at the threshold to 1 at a factor of two away from it.
func (m *RatioModel) Predict(f map[string]float64) (Label, float64) {
	score := math.Min(f[DeltaAlpha]/m.DeltaAlpha, f[ThetaAlpha]/m.ThetaAlpha)
	confidence := 0.5 + 0.5*math.Min(math.Abs(math.Log2(score)), 1)
	if score >= 1 {
		return Drowsy, confidence
	}
	return Wakeful, confidence
}

// LinearModel is a linear score over named features compared to a threshold.
type LinearModel struct {
	Coefficients map[string]float64 `json:"coefficients"`
	Intercept    float64            `json:"intercept"`
	Threshold    float64            `json:"threshold"` // Scores at or above are drowsy.
}

// LoadLinearModel reads a JSON model file.
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if len(m.Coefficients) == 0 {
		return nil, fmt.Errorf("model %s has no coefficients", path)
	}
	return &m, nil
}

func (m *LinearModel) Name() string { return "linear" }

// Predict computes the score; confidence is the logistic of the distance to
// the threshold. Features missing from the input count as zero.
func (m *LinearModel) Predict(f map[string]float64) (Label, float64) {
	score := m.Intercept
	for name, coef := range m.Coefficients {
		score += coef * f[name]
	}
	margin := score - m.Threshold
	confidence := 1 / (1 + math.Exp(-math.Abs(margin)))
	if margin >= 0 {
		return Drowsy, confidence
	}
	return Wakeful, confidence
}
