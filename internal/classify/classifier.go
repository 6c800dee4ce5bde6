// SPDX-License-Identifier: MIT
/*
Package classify turns band-power feature vectors into smoothed mental-state
labels. A Model produces a raw label per window; a Smoother per channel
suppresses flicker between labels.
*/
package classify

import (
	"errors"
	"fmt"
	"math"
	"time"

	"biostream/internal/analysis"
	"biostream/internal/config"
)

// ErrInput is returned for feature vectors with missing or non-finite
// band powers.
var ErrInput = errors.New("invalid classifier input")

// Result is one smoothed classification.
type Result struct {
	Time          time.Duration      `json:"time"`    // End of the analysed window.
	Channel       int                `json:"channel"` // analysis.AllChannels for the mean.
	Label         Label              `json:"label"`
	Confidence    float64            `json:"confidence"`
	RawLabel      Label              `json:"raw_label"`
	Features      map[string]float64 `json:"features,omitempty"`
	LowConfidence bool               `json:"low_confidence"`
}

// Classifier owns the model and one smoother per channel for a session.
type Classifier struct {
	cfg       config.ClassifierConfig
	model     Model
	smoothers map[int]*Smoother
}

// New builds a classifier from configuration.
func New(cfg config.ClassifierConfig) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg, model: model, smoothers: make(map[int]*Smoother)}, nil
}

func newModel(cfg config.ClassifierConfig) (Model, error) {
	switch cfg.Model {
	case "linear":
		return LoadLinearModel(cfg.ModelPath)
	case "ratio":
		return NewRatioModel(cfg.Thresholds), nil
	default:
		return nil, fmt.Errorf("unknown classifier model %q", cfg.Model)
	}
}

// Classify labels one feature vector. Invalid input yields an Undetermined
// result wrapped with ErrInput; it does not enter the smoothing history.
func (c *Classifier) Classify(v analysis.FeatureVector) (Result, error) {
	res := Result{Time: v.End, Channel: v.Channel, Label: Undetermined, RawLabel: Undetermined, LowConfidence: v.LowConfidence}

	bands := v.Map()
	for _, name := range requiredBands {
		p, ok := bands[name]
		switch {
		case !ok:
			return res, fmt.Errorf("%w: missing band %s", ErrInput, name)
		case math.IsNaN(p) || math.IsInf(p, 0) || p < 0:
			return res, fmt.Errorf("%w: band %s power %v", ErrInput, name, p)
		}
	}

	features := Features(bands, c.cfg.MinPower, c.cfg.MaxRatio)
	raw, rawConfidence := c.model.Predict(features)

	sm, ok := c.smoothers[v.Channel]
	if !ok {
		sm = NewSmoother(c.cfg.History, c.cfg.Votes())
		c.smoothers[v.Channel] = sm
	}
	label, agreement := sm.Push(raw)

	res.Label = label
	res.RawLabel = raw
	res.Confidence = agreement
	if label == raw {
		res.Confidence = agreement * rawConfidence
	}
	res.Features = features
	return res, nil
}

// Reconfigure swaps the model. Smoothing history survives unless the history
// length or vote count changed.
func (c *Classifier) Reconfigure(cfg config.ClassifierConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	model, err := newModel(cfg)
	if err != nil {
		return err
	}
	if cfg.History != c.cfg.History || cfg.Votes() != c.cfg.Votes() {
		clear(c.smoothers)
	}
	c.cfg, c.model = cfg, model
	return nil
}

// Reset clears every smoothing history.
func (c *Classifier) Reset() {
	clear(c.smoothers)
}

// ModelName returns the active model variant.
func (c *Classifier) ModelName() string { return c.model.Name() }
