// SPDX-License-Identifier: MIT
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "failed to write temp config")
	return path
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultSampleRate, cfg.Session.SampleRate)
	assert.Equal(t, "synthetic", cfg.Transport.Kind)
	assert.Len(t, cfg.Session.Analysis.Bands, 5)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("nonexistent.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_UnmarshalError(t *testing.T) {
	path := writeTempConfig(t, ":\n:bad")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
log_level: debug
session:
  sample_rate: 512
  channels: 2
  filters:
    notch:
      enabled: true
      frequency: 60
      q: 25
  resample:
    enabled: true
    target_rate: 128
  analysis:
    window: 2s
transport:
  kind: thinkgear
  thinkgear:
    ports: ["/dev/ttyUSB0", "/dev/ttyUSB1"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 512.0, cfg.Session.SampleRate)
	assert.Equal(t, 2, cfg.Session.Channels)
	assert.Equal(t, 60.0, cfg.Session.Filters.Notch.Frequency)
	assert.Equal(t, 2*time.Second, cfg.Session.Analysis.Window)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultBandPassLow, cfg.Session.Filters.BandPass.Low)
	assert.Equal(t, 57600, cfg.Transport.ThinkGear.Baud)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BIOSTREAM_SAMPLE_RATE", "512")
	t.Setenv("BIOSTREAM_RECORDER_ENABLED", "true")
	t.Setenv("BIOSTREAM_RECORDER_PATH", "/tmp/session.csv")
	t.Setenv("BIOSTREAM_CHANNELS", "not-a-number")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 512.0, cfg.Session.SampleRate)
	assert.True(t, cfg.Recorder.Enabled)
	assert.Equal(t, "/tmp/session.csv", cfg.Recorder.Path)
	assert.Equal(t, DefaultChannels, cfg.Session.Channels, "unparseable override is ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero channels", func(c *Config) { c.Session.Channels = 0 }},
		{"label count", func(c *Config) { c.Session.ChannelLabels = []string{"Fp1"} }},
		{"upsampling", func(c *Config) { c.Session.Resample.TargetRate = 1000 }},
		{"overlap one", func(c *Config) { c.Session.Analysis.Overlap = 1 }},
		{"band above nyquist", func(c *Config) {
			c.Session.Analysis.Bands = append(c.Session.Analysis.Bands, BandConfig{Name: "high", Low: 60, High: 80})
		}},
		{"duplicate band", func(c *Config) {
			c.Session.Analysis.Bands = append(c.Session.Analysis.Bands, BandConfig{Name: "alpha", Low: 8, High: 12})
		}},
		{"linear without model", func(c *Config) { c.Session.Classifier.Model = "linear" }},
		{"votes above history", func(c *Config) { c.Session.Classifier.SwitchVotes = 9 }},
		{"simple majority votes", func(c *Config) { c.Session.Classifier.SwitchVotes = 3 }},
		{"half of even history", func(c *Config) {
			c.Session.Classifier.History = 4
			c.Session.Classifier.SwitchVotes = 2
		}},
		{"history of one", func(c *Config) {
			c.Session.Classifier.History = 1
			c.Session.Classifier.SwitchVotes = 1
		}},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "bluetooth" }},
		{"thinkgear port count", func(c *Config) { c.Transport.Kind = "thinkgear" }},
		{"recorder format", func(c *Config) {
			c.Recorder.Enabled = true
			c.Recorder.Format = "parquet"
		}},
		{"recorder separator", func(c *Config) {
			c.Recorder.Enabled = true
			c.Recorder.Separator = ";;"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestSessionDerivedValues(t *testing.T) {
	s := DefaultSession()
	assert.Equal(t, 128.0, s.ProcessedRate())
	s.Resample.Enabled = false
	assert.Equal(t, 256.0, s.ProcessedRate())

	assert.Equal(t, s.Normalize.Window, s.Normalize.WarmupDuration())
	s.Normalize.Warmup = time.Second
	assert.Equal(t, time.Second, s.Normalize.WarmupDuration())

	assert.Equal(t, 4, s.Classifier.Votes())
	s.Classifier.History = 10
	assert.Equal(t, 7, s.Classifier.Votes())
	s.Classifier.SwitchVotes = 3
	assert.Equal(t, 3, s.Classifier.Votes())
}
