// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biostream/internal/classify"
	"biostream/internal/config"
	"biostream/internal/filter"
	"biostream/internal/recorder"
	"biostream/internal/stream"
	"biostream/internal/transport"
	"biostream/internal/transport/synthetic"
)

const waitFor = 5 * time.Second

// collector records everything a subscriber sees, keyed by session.
type collector struct {
	mu       sync.Mutex
	sessions []string
	samples  map[string][]stream.Sample
	results  []classify.Result
	errs     []error
}

func newCollector() *collector {
	return &collector{samples: make(map[string][]stream.Sample)}
}

func (c *collector) OnSessionStart(id string, _ time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, id)
	c.results = nil
}

func (c *collector) OnSamples(samples []stream.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.sessions[len(c.sessions)-1]
	c.samples[id] = append(c.samples[id], samples...)
}

func (c *collector) OnClassification(res classify.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
}

func (c *collector) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) resultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *collector) sampleCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples[id])
}

func (c *collector) hasError(kind ErrorKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range c.errs {
		var pe *Error
		if errors.As(err, &pe) && pe.Kind == kind {
			return true
		}
	}
	return false
}

// fakeSource is a transport driven by the test through channels.
type fakeSource struct {
	info    transport.Info
	connErr error
	batches chan stream.Batch
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeSource(channels int) *fakeSource {
	return &fakeSource{
		info:    transport.Info{Name: "fake", SampleRate: config.DefaultSampleRate, Channels: channels},
		batches: make(chan stream.Batch, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSource) Connect(context.Context) (transport.Info, error) {
	return f.info, f.connErr
}

func (f *fakeSource) Read(ctx context.Context) (stream.Batch, error) {
	select {
	case b := <-f.batches:
		return b, nil
	case err := <-f.errs:
		return stream.Batch{}, err
	case <-f.closed:
		return stream.Batch{}, io.EOF
	case <-ctx.Done():
		return stream.Batch{}, ctx.Err()
	}
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSource) factory() SourceFactory {
	return func(config.SessionConfig) (transport.Source, error) { return f, nil }
}

// sineBatch returns n samples of a 10 Hz sine starting at sample index first.
func sineBatch(first, n, channels int, rate float64) stream.Batch {
	b := stream.Batch{Samples: make([]stream.Sample, n)}
	for i := range n {
		idx := first + i
		t := float64(idx) / rate
		values := make([]float64, channels)
		for ch := range values {
			values[ch] = 20 * math.Sin(2*math.Pi*10*t+float64(ch))
		}
		b.Samples[i] = stream.Sample{Time: time.Duration(t * float64(time.Second)), Values: values}
	}
	return b
}

func syntheticFactory(sig config.SyntheticConfig) SourceFactory {
	return func(cfg config.SessionConfig) (transport.Source, error) {
		return synthetic.New(sig, cfg.SampleRate, cfg.Channels, cfg.ChannelLabels)
	}
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Status().State == want },
		waitFor, 5*time.Millisecond, "state never became %s (now %s)", want, o.Status().State)
}

func TestEndToEndSynthetic(t *testing.T) {
	cfg := config.DefaultSession()
	cfg.Analysis.Bands = append(cfg.Analysis.Bands, config.BandConfig{Name: "line", Low: 45, High: 55})
	sig := config.SyntheticConfig{
		Frequencies: []float64{10},
		Amplitude:   20,
		LineNoise:   10,
		LineFreq:    50,
		BatchSize:   32,
		Duration:    10 * time.Second,
		Seed:        1,
	}

	o := New(Options{NewSource: syntheticFactory(sig), QueueSize: 4096})
	c := newCollector()
	require.NoError(t, o.Subscribe("collector", c))
	require.NoError(t, o.Start(cfg))

	waitState(t, o, StateStopped)
	require.Eventually(t, func() bool { return c.resultCount() == 19 }, waitFor, 5*time.Millisecond)

	st := o.Status()
	assert.Equal(t, uint64(2560), st.Processed)
	assert.Equal(t, uint64(19), st.Windows)
	assert.Contains(t, st.Err, "disconnected")
	assert.True(t, c.hasError(KindTransport))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.samples[st.SessionID], 1280)
	for _, res := range c.results {
		if res.Time < 3*time.Second {
			continue
		}
		ratio := res.Features["line"] / res.Features["alpha"]
		assert.Less(t, ratio, 0.0025, "window ending at %s", res.Time)
		assert.NotEmpty(t, res.Label)
	}
}

func TestStopStartIsRepeatable(t *testing.T) {
	cfg := config.DefaultSession()
	sig := config.SyntheticConfig{
		Frequencies: []float64{6, 10},
		Amplitude:   15,
		NoiseStdDev: 3,
		BatchSize:   64,
		Duration:    2 * time.Second,
		Seed:        42,
	}
	o := New(Options{NewSource: syntheticFactory(sig), QueueSize: 4096})
	c := newCollector()
	require.NoError(t, o.Subscribe("collector", c))

	var ids []string
	for range 2 {
		require.NoError(t, o.Start(cfg))
		id := o.Status().SessionID
		waitState(t, o, StateStopped)
		require.Eventually(t, func() bool { return c.sampleCount(id) == 256 }, waitFor, 5*time.Millisecond)
		ids = append(ids, id)
	}

	require.NotEqual(t, ids[0], ids[1])
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, c.samples[ids[0]], c.samples[ids[1]])
}

func TestPauseResume(t *testing.T) {
	cfg := config.DefaultSession()
	src := newFakeSource(cfg.Channels)
	o := New(Options{NewSource: src.factory(), QueueSize: 1024})
	defer o.Close()

	assert.ErrorIs(t, o.Pause(), ErrState)
	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)
	assert.ErrorIs(t, o.Resume(), ErrState)

	src.batches <- sineBatch(0, 256, cfg.Channels, cfg.SampleRate)
	require.Eventually(t, func() bool { return o.Status().Processed == 256 }, waitFor, 5*time.Millisecond)

	require.NoError(t, o.Pause())
	assert.Equal(t, StatePaused, o.Status().State)
	assert.ErrorIs(t, o.Pause(), ErrState)

	src.batches <- sineBatch(256, 256, cfg.Channels, cfg.SampleRate)
	require.Eventually(t, func() bool { return o.Status().Discarded == 256 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(256), o.Status().Processed)

	require.NoError(t, o.Resume())
	src.batches <- sineBatch(512, 256, cfg.Channels, cfg.SampleRate)
	require.Eventually(t, func() bool { return o.Status().Processed == 512 }, waitFor, 5*time.Millisecond)

	require.NoError(t, o.Stop())
	st := o.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Empty(t, st.Err)
	assert.Equal(t, uint64(256), st.Discarded)
}

func TestUpdateConfig(t *testing.T) {
	cfg := config.DefaultSession()
	src := newFakeSource(cfg.Channels)
	o := New(Options{NewSource: src.factory(), QueueSize: 1024})
	defer o.Close()

	assert.ErrorIs(t, o.UpdateConfig(Update{Filters: &cfg.Filters}), ErrState)

	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)

	bad := cfg.Filters
	bad.BandPass.High = 200
	assert.ErrorIs(t, o.UpdateConfig(Update{Filters: &bad}), filter.ErrConfig)

	badModel := cfg.Classifier
	badModel.Model = "tea leaves"
	assert.Error(t, o.UpdateConfig(Update{Classifier: &badModel}))

	time.Sleep(3 * cfg.PollInterval)
	assert.Equal(t, cfg.Filters, o.Status().Config.Filters)

	good := cfg.Filters
	good.Notch.Frequency = 60
	require.NoError(t, o.UpdateConfig(Update{Filters: &good}))
	require.Eventually(t, func() bool {
		return o.Status().Config.Filters.Notch.Frequency == 60
	}, waitFor, 5*time.Millisecond)
}

func TestTransportErrorStopsSession(t *testing.T) {
	cfg := config.DefaultSession()
	src := newFakeSource(cfg.Channels)
	o := New(Options{NewSource: src.factory(), QueueSize: 1024})
	defer o.Close()
	c := newCollector()
	require.NoError(t, o.Subscribe("collector", c))

	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)
	src.errs <- errors.New("checksum storm")

	waitState(t, o, StateStopped)
	assert.Contains(t, o.Status().Err, "checksum storm")
	require.Eventually(t, func() bool { return c.hasError(KindTransport) }, waitFor, 5*time.Millisecond)

	// A stopped orchestrator can start again.
	src2 := newFakeSource(cfg.Channels)
	o.opts.NewSource = src2.factory()
	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)
	assert.Empty(t, o.Status().Err)
}

func TestChannelMismatchStopsSession(t *testing.T) {
	cfg := config.DefaultSession()
	src := newFakeSource(cfg.Channels - 1)
	o := New(Options{NewSource: src.factory(), QueueSize: 1024})
	defer o.Close()

	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStopped)
	assert.Contains(t, o.Status().Err, "channels")
}

func TestConnectFailureStopsSession(t *testing.T) {
	cfg := config.DefaultSession()
	src := newFakeSource(cfg.Channels)
	src.connErr = errors.New("no such device")
	o := New(Options{NewSource: src.factory(), QueueSize: 1024})
	defer o.Close()

	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStopped)
	assert.Contains(t, o.Status().Err, "no such device")
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	src := newFakeSource(4)
	o := New(Options{NewSource: src.factory()})
	defer o.Close()

	cfg := config.DefaultSession()
	cfg.Channels = 0
	assert.ErrorIs(t, o.Start(cfg), config.ErrInvalid)
	assert.Equal(t, StateIdle, o.Status().State)

	cfg = config.DefaultSession()
	require.NoError(t, o.Start(cfg))
	assert.ErrorIs(t, o.Start(cfg), ErrState)
}

func TestStopFromIdle(t *testing.T) {
	o := New(Options{})
	require.NoError(t, o.Stop())
	assert.Equal(t, StateStopped, o.Status().State)
	require.NoError(t, o.Close())
	assert.ErrorIs(t, o.Subscribe("late", newCollector()), ErrState)
}

func TestBufferOverflowIsReported(t *testing.T) {
	cfg := config.DefaultSession()
	cfg.BufferCapacity = 64
	src := newFakeSource(cfg.Channels)
	o := New(Options{NewSource: src.factory(), QueueSize: 1024})
	defer o.Close()
	c := newCollector()
	require.NoError(t, o.Subscribe("collector", c))

	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)
	src.batches <- sineBatch(0, 200, cfg.Channels, cfg.SampleRate)

	require.Eventually(t, func() bool { return c.hasError(KindOverflow) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(136), o.Status().Buffer.Overflow)
	assert.Equal(t, StateStreaming, o.Status().State)
}

func TestMarkWritesRecording(t *testing.T) {
	cfg := config.DefaultSession()
	src := newFakeSource(cfg.Channels)
	rc := config.Default().Recorder
	rc.Enabled = true
	rc.LogClassifications = true
	rc.Path = filepath.Join(t.TempDir(), "session.csv")
	o := New(Options{NewSource: src.factory(), Recorder: rc, QueueSize: 1024})
	defer o.Close()

	assert.Error(t, o.Mark("too early"))
	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)

	src.batches <- sineBatch(0, 256, cfg.Channels, cfg.SampleRate)
	require.Eventually(t, func() bool { return o.Status().Processed == 256 }, waitFor, 5*time.Millisecond)
	assert.Error(t, o.Mark(""))
	require.NoError(t, o.Mark("eyes closed"))
	src.batches <- sineBatch(256, 256, cfg.Channels, cfg.SampleRate)
	require.Eventually(t, func() bool { return o.Status().Processed == 512 }, waitFor, 5*time.Millisecond)

	require.NoError(t, o.Stop())
	st := o.Status()
	require.NotNil(t, st.Recorder)
	assert.False(t, st.Recorder.Degraded)

	f, err := os.Open(rc.Path)
	require.NoError(t, err)
	defer f.Close()
	hdr, frames, err := recorder.ReadCSV(f)
	require.NoError(t, err)
	assert.Equal(t, st.SessionID, hdr.SessionID)
	assert.Equal(t, 128.0, hdr.SampleRate)

	var values, labels, markers int
	for _, fr := range frames {
		switch {
		case fr.Marker != "":
			markers++
			assert.Equal(t, "eyes closed", fr.Marker)
			assert.Equal(t, sineBatch(255, 1, cfg.Channels, cfg.SampleRate).Samples[0].Time, fr.Time)
		case fr.Label != "":
			labels++
		case fr.Values != nil:
			values++
		}
	}
	assert.Equal(t, 1, markers)
	assert.Equal(t, 256, values)
	assert.Equal(t, 3, labels)
}

func TestStopDuringStartCancelsSession(t *testing.T) {
	cfg := config.DefaultSession()
	rc := config.Default().Recorder
	rc.Enabled = true
	rc.Path = filepath.Join(t.TempDir(), "cancelled.csv")

	entered := make(chan struct{}, 2)
	gate := make(chan struct{})
	sources := make(chan *fakeSource, 2)
	factory := func(config.SessionConfig) (transport.Source, error) {
		entered <- struct{}{}
		<-gate
		src := newFakeSource(cfg.Channels)
		sources <- src
		return src, nil
	}
	o := New(Options{NewSource: factory, Recorder: rc, QueueSize: 1024})
	defer o.Close()

	startErr := make(chan error, 1)
	go func() { startErr <- o.Start(cfg) }()
	<-entered
	assert.Equal(t, StateConnecting, o.Status().State)
	assert.ErrorIs(t, o.Start(cfg), ErrState)

	require.NoError(t, o.Stop())
	assert.Equal(t, StateStopped, o.Status().State)
	close(gate)

	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, ErrState)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	first := <-sources
	select {
	case <-first.closed:
	default:
		t.Fatal("source of the cancelled session left open")
	}
	st := o.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Empty(t, st.SessionID)

	f, err := os.Open(rc.Path)
	require.NoError(t, err)
	_, frames, err := recorder.ReadCSV(f)
	f.Close()
	require.NoError(t, err)
	assert.Empty(t, frames)

	rc.Path = filepath.Join(t.TempDir(), "second.csv")
	o.opts.Recorder = rc
	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)
	second := <-sources
	second.batches <- sineBatch(0, 256, cfg.Channels, cfg.SampleRate)
	require.Eventually(t, func() bool { return o.Status().Processed == 256 }, waitFor, 5*time.Millisecond)

	require.NoError(t, o.Stop())
	select {
	case <-second.closed:
	default:
		t.Fatal("source of the second session left open")
	}
	assert.Equal(t, StateStopped, o.Status().State)
}

func TestRecorderOpenFailureIsPublished(t *testing.T) {
	cfg := config.DefaultSession()
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	rc := config.Default().Recorder
	rc.Enabled = true
	rc.Path = filepath.Join(blocker, "session.csv")

	src := newFakeSource(cfg.Channels)
	o := New(Options{NewSource: src.factory(), Recorder: rc, QueueSize: 1024})
	defer o.Close()
	col := newCollector()
	require.NoError(t, o.Subscribe("collector", col))

	err := o.Start(cfg)
	require.ErrorIs(t, err, recorder.ErrWrite)
	assert.Equal(t, StateStopped, o.Status().State)
	assert.NotEmpty(t, o.Status().Err)
	assert.Eventually(t, func() bool { return col.hasError(KindRecorder) }, waitFor, 5*time.Millisecond)
	select {
	case <-src.closed:
	default:
		t.Fatal("source left open after recorder failure")
	}
}

func TestPauseResumeMarksRecording(t *testing.T) {
	cfg := config.DefaultSession()
	src := newFakeSource(cfg.Channels)
	rc := config.Default().Recorder
	rc.Enabled = true
	rc.Path = filepath.Join(t.TempDir(), "paused.csv")
	o := New(Options{NewSource: src.factory(), Recorder: rc, QueueSize: 1024})
	defer o.Close()

	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)
	src.batches <- sineBatch(0, 256, cfg.Channels, cfg.SampleRate)
	require.Eventually(t, func() bool { return o.Status().Processed == 256 }, waitFor, 5*time.Millisecond)

	require.NoError(t, o.Pause())
	src.batches <- sineBatch(256, 256, cfg.Channels, cfg.SampleRate)
	require.Eventually(t, func() bool { return o.Status().Discarded == 256 }, waitFor, 5*time.Millisecond)
	require.NoError(t, o.Resume())
	require.NoError(t, o.Stop())

	f, err := os.Open(rc.Path)
	require.NoError(t, err)
	defer f.Close()
	_, frames, err := recorder.ReadCSV(f)
	require.NoError(t, err)

	var markers []string
	for _, fr := range frames {
		if fr.Marker != "" {
			markers = append(markers, fr.Marker)
		}
	}
	assert.Equal(t, []string{"paused", "resumed"}, markers)
}

type meteredSource struct {
	*fakeSource
}

func (meteredSource) Readings() map[string]float64 {
	return map[string]float64{"left.attention": 48}
}

func TestStatusIncludesSourceReadings(t *testing.T) {
	cfg := config.DefaultSession()
	src := meteredSource{newFakeSource(cfg.Channels)}
	factory := func(config.SessionConfig) (transport.Source, error) { return src, nil }
	o := New(Options{NewSource: factory, QueueSize: 1024})
	defer o.Close()

	require.NoError(t, o.Start(cfg))
	waitState(t, o, StateStreaming)
	assert.Equal(t, map[string]float64{"left.attention": 48}, o.Status().SourceReadings)
	require.NoError(t, o.Stop())
}
