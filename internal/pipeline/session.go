// SPDX-License-Identifier: MIT
package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"biostream/internal/analysis"
	"biostream/internal/buffer"
	"biostream/internal/classify"
	"biostream/internal/config"
	"biostream/internal/filter"
	"biostream/internal/normalize"
	"biostream/internal/recorder"
	"biostream/internal/resample"
	"biostream/internal/stream"
)

// Session owns the configuration snapshot and every stateful stage of one
// acquisition run. It is created by Start and discarded by Stop; nothing in
// it survives into the next session.
type Session struct {
	ID     string
	Start  time.Time
	Config config.SessionConfig

	buffer     *buffer.SampleBuffer
	chain      *filter.Chain
	resampler  *resample.Resampler
	normalizer *normalize.Normalizer
	analyzer   *analysis.Analyzer
	classifier *classify.Classifier
	recorder   *recorder.Recorder
	recSource  string
	logResults bool
}

// newSession validates cfg and builds every stage.
func newSession(cfg config.SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		ID:     uuid.NewString(),
		Start:  time.Now(),
		Config: cfg,
	}

	var err error
	if s.buffer, err = buffer.New(cfg.BufferCapacity, cfg.Channels); err != nil {
		return nil, err
	}
	if s.chain, err = filter.New(cfg.Filters, cfg.SampleRate, cfg.Channels); err != nil {
		return nil, err
	}
	if s.resampler, err = resample.New(cfg.Resample, cfg.SampleRate, cfg.Channels); err != nil {
		return nil, err
	}
	rate := s.resampler.OutputRate()
	if s.normalizer, err = normalize.New(cfg.Normalize, rate, cfg.Channels); err != nil {
		return nil, err
	}
	if s.analyzer, err = analysis.New(cfg.Analysis, rate, cfg.Channels); err != nil {
		return nil, err
	}
	if s.classifier, err = classify.New(cfg.Classifier); err != nil {
		return nil, err
	}
	return s, nil
}

// openRecorder starts the session recording. onError is called once if the
// recorder degrades.
func (s *Session) openRecorder(rc config.RecorderConfig, onError func(error)) error {
	rate := s.resampler.OutputRate()
	if rc.Source == "raw" {
		rate = s.Config.SampleRate
	}
	sep := ','
	if r := []rune(rc.Separator); len(r) == 1 {
		sep = r[0]
	}
	hdr := recorder.Header{
		SessionID:     s.ID,
		Start:         s.Start,
		SampleRate:    rate,
		Channels:      s.Config.Channels,
		ChannelLabels: s.Config.ChannelLabels,
		Filters:       s.chain.Describe(),
		Source:        rc.Source,
		Separator:     sep,
		PhysicalMin:   rc.PhysicalMin,
		PhysicalMax:   rc.PhysicalMax,
	}
	rec, err := recorder.Open(recordingPath(rc, s), hdr, recorder.Options{
		Format:        rc.Format,
		QueueSize:     rc.QueueSize,
		FlushInterval: rc.FlushInterval,
		OnError:       onError,
	})
	if err != nil {
		return err
	}
	s.recorder = rec
	s.recSource = rc.Source
	s.logResults = rc.LogClassifications && (rc.Format == "" || rc.Format == "csv")
	return nil
}

// recordingPath returns the configured path or an auto-generated name in
// the output directory.
func recordingPath(rc config.RecorderConfig, s *Session) string {
	if rc.Path != "" {
		return rc.Path
	}
	ext := rc.Format
	if ext == "" {
		ext = "csv"
	}
	name := fmt.Sprintf("biostream-%s-%s.%s", s.Start.Format("20060102-150405"), s.ID[:8], ext)
	return filepath.Join(rc.OutputDir, name)
}

// record appends samples to the recorder when source matches the
// configured recording source.
func (s *Session) record(source string, samples []stream.Sample) {
	if s.recorder == nil || s.recSource != source {
		return
	}
	for _, smp := range samples {
		s.recorder.Append(recorder.FromSample(smp))
	}
}
