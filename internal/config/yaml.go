// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"biostream/internal/log"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "BIOSTREAM_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Default returns the built-in configuration used when no file is found.
func Default() Config {
	return Config{
		LogLevel: "info",
		Session:  DefaultSession(),
		Transport: TransportConfig{
			Kind: "synthetic",
			Synthetic: SyntheticConfig{
				Frequencies: []float64{10},
				Amplitude:   20,
				LineNoise:   10,
				LineFreq:    50,
				BatchSize:   32,
				Realtime:    true,
				Seed:        1,
			},
			ThinkGear: ThinkGearConfig{
				Baud:        57600,
				ReadTimeout: 500 * time.Millisecond,
				BatchSize:   32,
			},
			MQTT: MQTTConfig{
				Broker:       "tcp://localhost:1883",
				ClientID:     "biostream",
				SamplesTopic: "biostream/samples",
				StateTopic:   "biostream/{session_id}/state",
				QueueSize:    256,
			},
			Soundcard: SoundcardConfig{
				Device:          -1, // -1 for default device.
				FramesPerBuffer: 64,
				Gain:            100,
			},
		},
		Recorder: RecorderConfig{
			Enabled:       false,
			OutputDir:     "./recordings",
			Format:        DefaultRecorderFormat,
			Source:        DefaultRecorderSource,
			Separator:     ",",
			QueueSize:     DefaultRecorderQueue,
			FlushInterval: DefaultFlushInterval,
			PhysicalMin:   -500,
			PhysicalMax:   500,
		},
		Display: DisplayConfig{
			QueueSize:        DefaultSubscriberQueue,
			WebSocketAddr:    "localhost:8080",
			UDPTargetAddress: "127.0.0.1:9090",
			TUIRefresh:       250 * time.Millisecond,
		},
		Store: StoreConfig{
			Addr:     "localhost:9000",
			Database: "biostream",
			Username: "default",
		},
	}
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml"). If no file is found, it uses built-in
// defaults. A ".env" file in the working directory, when present, is loaded into the
// process environment first; environment overrides are then applied and the final
// configuration validated.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	// Missing .env is the common case.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("configuration: ignoring .env: %v", err)
	}

	if path == "" {
		candidates := []string{
			"config.yaml",
			"biostream.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if _, ok := log.ParseLevel(c.LogLevel); !ok {
		return invalid("log_level %q is not recognized", c.LogLevel)
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}

	switch c.Transport.Kind {
	case "synthetic":
		if c.Transport.Synthetic.BatchSize <= 0 {
			return invalid("transport.synthetic.batch_size must be positive")
		}
	case "thinkgear":
		if len(c.Transport.ThinkGear.Ports) != c.Session.Channels {
			return invalid("transport.thinkgear.ports has %d entries, session has %d channels",
				len(c.Transport.ThinkGear.Ports), c.Session.Channels)
		}
	case "mqtt":
		if c.Transport.MQTT.Broker == "" || c.Transport.MQTT.SamplesTopic == "" {
			return invalid("transport.mqtt.broker and samples_topic must be set")
		}
	case "soundcard":
		if c.Transport.Soundcard.FramesPerBuffer <= 0 {
			return invalid("transport.soundcard.frames_per_buffer must be positive")
		}
	default:
		return invalid("transport.kind %q is not supported", c.Transport.Kind)
	}

	if c.Recorder.Enabled {
		switch c.Recorder.Format {
		case "csv", "edf", "wav":
		default:
			return invalid("recorder.format %q is not supported", c.Recorder.Format)
		}
		if c.Recorder.Source != "raw" && c.Recorder.Source != "processed" {
			return invalid("recorder.source must be raw or processed")
		}
		if len([]rune(c.Recorder.Separator)) != 1 {
			return invalid("recorder.separator must be a single character")
		}
		if c.Recorder.QueueSize <= 0 {
			return invalid("recorder.queue_size must be positive")
		}
		if c.Recorder.PhysicalMax <= c.Recorder.PhysicalMin {
			return invalid("recorder physical range is empty")
		}
	}

	if c.Display.QueueSize <= 0 {
		return invalid("display.queue_size must be positive")
	}
	if c.Display.UDPEnabled && !strings.Contains(c.Display.UDPTargetAddress, ":") {
		return invalid("display.udp_target_address %q appears invalid (missing port?)", c.Display.UDPTargetAddress)
	}
	if c.Store.Enabled && c.Store.Addr == "" {
		return invalid("store.addr must be set when the store is enabled")
	}
	return nil
}

// Validate checks the session parameters that do not depend on a
// concrete filter design. Filter cutoffs are checked against the rate by
// the filter package.
func (s *SessionConfig) Validate() error {
	if s.SampleRate < MinSampleRate || s.SampleRate > MaxSampleRate {
		return invalid("session.sample_rate %.1f outside [%.0f, %.0f]", s.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if s.Channels < 1 || s.Channels > MaxChannels {
		return invalid("session.channels %d outside [1, %d]", s.Channels, MaxChannels)
	}
	if len(s.ChannelLabels) > 0 && len(s.ChannelLabels) != s.Channels {
		return invalid("session.channel_labels has %d entries, want %d", len(s.ChannelLabels), s.Channels)
	}
	if s.BufferCapacity <= 0 {
		return invalid("session.buffer_capacity must be positive")
	}
	if s.DrainMax < 0 {
		return invalid("session.drain_max must not be negative")
	}
	if s.PollInterval <= 0 {
		return invalid("session.poll_interval must be positive")
	}

	if s.Resample.Enabled {
		if s.Resample.TargetRate <= 0 || s.Resample.TargetRate > s.SampleRate {
			return invalid("session.resample.target_rate %.1f must be in (0, %.1f]", s.Resample.TargetRate, s.SampleRate)
		}
		switch s.Resample.Mode {
		case "", "auto", "decimate", "polyphase":
		default:
			return invalid("session.resample.mode %q is not supported", s.Resample.Mode)
		}
	}

	if s.Normalize.Enabled {
		if s.Normalize.Mode != "window" && s.Normalize.Mode != "ewm" {
			return invalid("session.normalize.mode %q is not supported", s.Normalize.Mode)
		}
		if s.Normalize.Window <= 0 {
			return invalid("session.normalize.window must be positive")
		}
	}

	a := s.Analysis
	if a.Window <= 0 {
		return invalid("session.analysis.window must be positive")
	}
	if a.Overlap < 0 || a.Overlap >= 1 {
		return invalid("session.analysis.overlap %.2f outside [0, 1)", a.Overlap)
	}
	if a.Aggregate != "mean" && a.Aggregate != "none" {
		return invalid("session.analysis.aggregate must be mean or none")
	}
	if len(a.Bands) == 0 {
		return invalid("session.analysis.bands must not be empty")
	}
	nyquist := s.ProcessedRate() / 2
	seen := make(map[string]bool, len(a.Bands))
	for _, b := range a.Bands {
		if b.Name == "" || seen[b.Name] {
			return invalid("session.analysis.bands: empty or duplicate name %q", b.Name)
		}
		seen[b.Name] = true
		if b.Low < 0 || b.High <= b.Low || b.High > nyquist {
			return invalid("band %s [%.1f, %.1f) invalid for Nyquist %.1f Hz", b.Name, b.Low, b.High, nyquist)
		}
	}

	return s.Classifier.Validate()
}

// Validate checks the classifier parameters.
func (c *ClassifierConfig) Validate() error {
	switch c.Model {
	case "ratio":
	case "linear":
		if c.ModelPath == "" {
			return invalid("classifier.model_path is required for the linear model")
		}
	default:
		return invalid("classifier.model %q is not supported", c.Model)
	}
	if c.History < 2 {
		return invalid("classifier.history must be at least 2")
	}
	// Alternating labels give the newest one (History+1)/2 entries.
	if v, lo := c.Votes(), (c.History+1)/2+1; v < lo || v > c.History {
		return invalid("classifier.switch_votes %d outside [%d, %d]", v, lo, c.History)
	}
	if c.MinPower <= 0 || c.MaxRatio <= 0 {
		return invalid("classifier.min_power and max_ratio must be positive")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// applyEnvOverrides applies BIOSTREAM_* variables on top of file values.
// Unparseable values are logged and ignored.
func (c *Config) applyEnvOverrides() {
	str := func(name string, dst *string) {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = val
			log.Debugf("configuration: overriding %s from env", strings.ToLower(name))
		}
	}
	boolean := func(name string, dst *bool) {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				log.Warnf("configuration: %s%s=%q is not a bool", EnvPrefix, name, val)
				return
			}
			*dst = b
		}
	}
	float := func(name string, dst *float64) {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				log.Warnf("configuration: %s%s=%q is not a number", EnvPrefix, name, val)
				return
			}
			*dst = f
		}
	}
	integer := func(name string, dst *int) {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				log.Warnf("configuration: %s%s=%q is not an integer", EnvPrefix, name, val)
				return
			}
			*dst = n
		}
	}

	str("LOG_LEVEL", &c.LogLevel)

	// Session.
	float("SAMPLE_RATE", &c.Session.SampleRate)
	integer("CHANNELS", &c.Session.Channels)
	float("NOTCH_FREQUENCY", &c.Session.Filters.Notch.Frequency)

	// Transport.
	str("TRANSPORT", &c.Transport.Kind)
	if val, ok := os.LookupEnv(EnvPrefix + "THINKGEAR_PORTS"); ok {
		c.Transport.ThinkGear.Ports = strings.Split(val, ",")
	}
	str("MQTT_BROKER", &c.Transport.MQTT.Broker)
	str("MQTT_USERNAME", &c.Transport.MQTT.Username)
	str("MQTT_PASSWORD", &c.Transport.MQTT.Password)

	// Recorder.
	boolean("RECORDER_ENABLED", &c.Recorder.Enabled)
	str("RECORDER_PATH", &c.Recorder.Path)
	str("RECORDER_FORMAT", &c.Recorder.Format)

	// Display.
	boolean("UDP_ENABLED", &c.Display.UDPEnabled)
	str("UDP_TARGET_ADDRESS", &c.Display.UDPTargetAddress)

	// Store.
	boolean("CLICKHOUSE_ENABLED", &c.Store.Enabled)
	str("CLICKHOUSE_ADDR", &c.Store.Addr)
	str("CLICKHOUSE_USERNAME", &c.Store.Username)
	str("CLICKHOUSE_PASSWORD", &c.Store.Password)
}
