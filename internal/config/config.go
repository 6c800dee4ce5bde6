// SPDX-License-Identifier: MIT
package config

import "time"

// Core configuration constants that define the boundaries and defaults
// for the acquisition and processing pipeline.
const (
	// Acquisition defaults.
	DefaultSampleRate     = 256.0 // Nominal device rate (Hz)
	DefaultChannels       = 4
	DefaultBufferCapacity = 8192                  // Samples held between transport and processing
	DefaultDrainMax       = 1024                  // Max samples per processing cycle
	DefaultPollInterval   = 50 * time.Millisecond // Max consumer wait without a ready signal

	// Filter defaults (matches the headset settings dialog).
	DefaultBandPassLow   = 1.0
	DefaultBandPassHigh  = 40.0
	DefaultFilterOrder   = 4
	DefaultNotchFreq     = 50.0
	DefaultNotchQ        = 30.0
	DefaultResampleRate  = 128.0
	DefaultResampleMode  = "auto"
	DefaultNormalizeMode = "window"
	DefaultNormWindow    = 2 * time.Second

	// Spectral analysis defaults.
	DefaultAnalysisWindow = time.Second
	DefaultOverlap        = 0.5
	DefaultWindowFunc     = "Hann"
	DefaultAggregate      = "mean"

	// Classifier defaults.
	DefaultClassifierModel = "ratio"
	DefaultHistory         = 5
	DefaultMinPower        = 1e-3
	DefaultMaxRatio        = 20.0

	// Recorder defaults.
	DefaultRecorderFormat = "csv"
	DefaultRecorderSource = "processed"
	DefaultRecorderQueue  = 4096
	DefaultFlushInterval  = 250 * time.Millisecond

	// Display defaults.
	DefaultSubscriberQueue = 64

	// Hardware and processing limits.
	MinSampleRate  = 32.0
	MaxSampleRate  = 16384.0
	MaxChannels    = 64
	MinFilterOrder = 2
	MaxFilterOrder = 8
)

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	LogLevel  string          `yaml:"log_level"` // Logging level ("debug", "info", "warn", "error").
	Session   SessionConfig   `yaml:"session"`   // Acquisition and processing chain.
	Transport TransportConfig `yaml:"transport"` // Sensor link selection and settings.
	Recorder  RecorderConfig  `yaml:"recorder"`  // Durable recording.
	Display   DisplayConfig   `yaml:"display"`   // Live consumers.
	Store     StoreConfig     `yaml:"store"`     // Classification log database.
}

// SessionConfig is the immutable per-session processing configuration.
// Filters and Classifier may be replaced while streaming through the
// orchestrator's UpdateConfig; everything else is fixed at session start.
type SessionConfig struct {
	SampleRate     float64          `yaml:"sample_rate"`     // Nominal input rate in Hz.
	Channels       int              `yaml:"channels"`        // Channel count, fixed for the session.
	ChannelLabels  []string         `yaml:"channel_labels"`  // Optional labels, e.g. "Fp1".
	BufferCapacity int              `yaml:"buffer_capacity"` // Sample buffer capacity in samples.
	DrainMax       int              `yaml:"drain_max"`       // Samples drained per processing cycle.
	PollInterval   time.Duration    `yaml:"poll_interval"`   // Processing loop wake-up interval.
	Filters        FilterConfig     `yaml:"filters"`
	Resample       ResampleConfig   `yaml:"resample"`
	Normalize      NormalizeConfig  `yaml:"normalize"`
	Analysis       AnalysisConfig   `yaml:"analysis"`
	Classifier     ClassifierConfig `yaml:"classifier"`
}

// FilterConfig selects the fixed band-pass + notch topology.
type FilterConfig struct {
	BandPass BandPassConfig `yaml:"bandpass"`
	Notch    NotchConfig    `yaml:"notch"`
}

// BandPassConfig is a Butterworth high-pass/low-pass pair.
type BandPassConfig struct {
	Enabled bool    `yaml:"enabled"`
	Low     float64 `yaml:"low"`   // Lower cutoff (Hz).
	High    float64 `yaml:"high"`  // Upper cutoff (Hz).
	Order   int     `yaml:"order"` // Even order of each half (2-8).
}

// NotchConfig is a single second-order notch for mains interference.
type NotchConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Frequency float64 `yaml:"frequency"` // Centre frequency (Hz), 50 or 60.
	Q         float64 `yaml:"q"`         // Quality factor.
}

// ResampleConfig controls the decimation stage.
type ResampleConfig struct {
	Enabled    bool    `yaml:"enabled"`
	TargetRate float64 `yaml:"target_rate"` // Output rate (Hz).
	Mode       string  `yaml:"mode"`        // "auto", "decimate" or "polyphase".
	Quality    string  `yaml:"quality"`     // Polyphase preset: "quick", "low", "medium", "high".
}

// NormalizeConfig controls the running-statistics normalizer.
type NormalizeConfig struct {
	Enabled bool          `yaml:"enabled"`
	Mode    string        `yaml:"mode"`   // "window" (trailing) or "ewm" (exponential).
	Window  time.Duration `yaml:"window"` // Trailing window or EWM time constant.
	Warmup  time.Duration `yaml:"warmup"` // Low-confidence period; 0 means equal to Window.
}

// AnalysisConfig controls windowing and band-power extraction.
type AnalysisConfig struct {
	Window     time.Duration `yaml:"window"`      // Window length.
	Overlap    float64       `yaml:"overlap"`     // Fraction of overlap between windows, [0, 1).
	WindowFunc string        `yaml:"window_func"` // Tapering function name ("Hann", "Hamming", ...).
	Aggregate  string        `yaml:"aggregate"`   // "mean" across channels or "none".
	Bands      []BandConfig  `yaml:"bands"`
}

// BandConfig is one named frequency band [Low, High).
type BandConfig struct {
	Name string  `yaml:"name"`
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// ClassifierConfig selects the mental-state model and smoothing.
type ClassifierConfig struct {
	Model       string             `yaml:"model"`        // "ratio" or "linear".
	ModelPath   string             `yaml:"model_path"`   // JSON model for "linear".
	History     int                `yaml:"history"`      // Smoothing history length K.
	SwitchVotes int                `yaml:"switch_votes"` // Votes needed to change label; 0 means ceil(0.7*K).
	MinPower    float64            `yaml:"min_power"`    // Floor applied to band powers.
	MaxRatio    float64            `yaml:"max_ratio"`    // Clamp applied to band ratios.
	Thresholds  map[string]float64 `yaml:"thresholds"`   // Ratio thresholds, e.g. "delta_alpha": 3.0.
}

// RecorderConfig controls durable recording.
type RecorderConfig struct {
	Enabled            bool          `yaml:"enabled"`
	OutputDir          string        `yaml:"output_dir"`          // Directory for auto-named files.
	Path               string        `yaml:"path"`                // Explicit file path; overrides OutputDir.
	Format             string        `yaml:"format"`              // "csv", "edf" or "wav".
	Source             string        `yaml:"source"`              // "raw" or "processed".
	Separator          string        `yaml:"separator"`           // CSV column separator (single character).
	QueueSize          int           `yaml:"queue_size"`          // Frames buffered ahead of the disk.
	FlushInterval      time.Duration `yaml:"flush_interval"`      // Max time rows stay unflushed.
	LogClassifications bool          `yaml:"log_classifications"` // Add classification rows (csv only).
	PhysicalMin        float64       `yaml:"physical_min"`        // EDF/WAV physical range.
	PhysicalMax        float64       `yaml:"physical_max"`
}

// TransportConfig selects the sensor link.
type TransportConfig struct {
	Kind      string          `yaml:"kind"` // "synthetic", "thinkgear", "mqtt" or "soundcard".
	Synthetic SyntheticConfig `yaml:"synthetic"`
	ThinkGear ThinkGearConfig `yaml:"thinkgear"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Soundcard SoundcardConfig `yaml:"soundcard"`
}

// SyntheticConfig drives the built-in signal generator.
type SyntheticConfig struct {
	Frequencies []float64     `yaml:"frequencies"`  // Sinusoid components (Hz).
	Amplitude   float64       `yaml:"amplitude"`    // Per-component amplitude (uV).
	LineNoise   float64       `yaml:"line_noise"`   // Mains interference amplitude (uV).
	LineFreq    float64       `yaml:"line_freq"`    // Mains frequency (Hz).
	BatchSize   int           `yaml:"batch_size"`   // Samples per delivered batch.
	Duration    time.Duration `yaml:"duration"`     // Stream length; 0 streams until stopped.
	Realtime    bool          `yaml:"realtime"`     // Pace batches at the nominal rate.
	Seed        int64         `yaml:"seed"`         // Random noise seed.
	NoiseStdDev float64       `yaml:"noise_stddev"` // Broadband noise (uV).
}

// ThinkGearConfig describes one serial port per channel.
type ThinkGearConfig struct {
	Ports       []string      `yaml:"ports"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	BatchSize   int           `yaml:"batch_size"`
}

// MQTTConfig describes the broker link for batch ingestion and state publishing.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	SamplesTopic string `yaml:"samples_topic"` // Batches from the device.
	StateTopic   string `yaml:"state_topic"`   // Classification results, "{session_id}" expanded.
	QueueSize    int    `yaml:"queue_size"`
}

// SoundcardConfig selects a PortAudio capture device.
type SoundcardConfig struct {
	Device          int     `yaml:"device"` // -1 for the system default.
	FramesPerBuffer int     `yaml:"frames_per_buffer"`
	Gain            float64 `yaml:"gain"` // Full scale to uV.
}

// DisplayConfig enables live consumers.
type DisplayConfig struct {
	QueueSize        int           `yaml:"queue_size"` // Per-subscriber event queue.
	WebSocketEnabled bool          `yaml:"websocket_enabled"`
	WebSocketAddr    string        `yaml:"websocket_addr"`
	UDPEnabled       bool          `yaml:"udp_enabled"`
	UDPTargetAddress string        `yaml:"udp_target_address"`
	MQTTPublish      bool          `yaml:"mqtt_publish"`
	TUI              bool          `yaml:"tui"`
	TUIRefresh       time.Duration `yaml:"tui_refresh"`
}

// StoreConfig enables the ClickHouse classification log.
type StoreConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultBands are the classic EEG rhythm bands.
func DefaultBands() []BandConfig {
	return []BandConfig{
		{Name: "delta", Low: 0.5, High: 4},
		{Name: "theta", Low: 4, High: 8},
		{Name: "alpha", Low: 8, High: 13},
		{Name: "beta", Low: 13, High: 30},
		{Name: "gamma", Low: 30, High: 45},
	}
}

// DefaultThresholds are the fixed drowsiness ratio thresholds.
func DefaultThresholds() map[string]float64 {
	return map[string]float64{
		"delta_alpha": 3.0,
		"theta_alpha": 2.3,
		"theta_beta":  1.8,
		"alpha_beta":  1.4,
	}
}

// DefaultSession returns the reference session: 256 Hz, 4 channels,
// 1-40 Hz band-pass, 50 Hz notch, decimation to 128 Hz, 2 s normalization,
// 1 s analysis windows with 50% overlap.
func DefaultSession() SessionConfig {
	return SessionConfig{
		SampleRate:     DefaultSampleRate,
		Channels:       DefaultChannels,
		BufferCapacity: DefaultBufferCapacity,
		DrainMax:       DefaultDrainMax,
		PollInterval:   DefaultPollInterval,
		Filters: FilterConfig{
			BandPass: BandPassConfig{Enabled: true, Low: DefaultBandPassLow, High: DefaultBandPassHigh, Order: DefaultFilterOrder},
			Notch:    NotchConfig{Enabled: true, Frequency: DefaultNotchFreq, Q: DefaultNotchQ},
		},
		Resample: ResampleConfig{Enabled: true, TargetRate: DefaultResampleRate, Mode: DefaultResampleMode, Quality: "medium"},
		Normalize: NormalizeConfig{
			Enabled: true,
			Mode:    DefaultNormalizeMode,
			Window:  DefaultNormWindow,
		},
		Analysis: AnalysisConfig{
			Window:     DefaultAnalysisWindow,
			Overlap:    DefaultOverlap,
			WindowFunc: DefaultWindowFunc,
			Aggregate:  DefaultAggregate,
			Bands:      DefaultBands(),
		},
		Classifier: ClassifierConfig{
			Model:      DefaultClassifierModel,
			History:    DefaultHistory,
			MinPower:   DefaultMinPower,
			MaxRatio:   DefaultMaxRatio,
			Thresholds: DefaultThresholds(),
		},
	}
}

// ProcessedRate is the sample rate after the resampler.
func (s SessionConfig) ProcessedRate() float64 {
	if s.Resample.Enabled && s.Resample.TargetRate > 0 {
		return s.Resample.TargetRate
	}
	return s.SampleRate
}

// WarmupDuration resolves the normalizer warm-up period.
func (n NormalizeConfig) WarmupDuration() time.Duration {
	if n.Warmup > 0 {
		return n.Warmup
	}
	return n.Window
}

// Votes resolves the number of smoothing votes needed to switch label.
func (c ClassifierConfig) Votes() int {
	if c.SwitchVotes > 0 {
		return c.SwitchVotes
	}
	return (7*c.History + 9) / 10
}
