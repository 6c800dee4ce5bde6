// SPDX-License-Identifier: MIT
package recorder

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OpenPSG/edf"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biostream/internal/stream"
)

func testHeader() Header {
	return Header{
		SessionID:   "6f1c8a52-3d1e-4c1b-9d8e-0a1b2c3d4e5f",
		Start:       time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		SampleRate:  128,
		Channels:    2,
		Filters:     "bandpass 1-40Hz order 4; notch 50Hz Q30",
		Source:      "processed",
		Separator:   ',',
		PhysicalMin: -500,
		PhysicalMax: 500,
	}
}

func sampleFrames(n int) []Frame {
	out := make([]Frame, n)
	for i := range out {
		out[i] = Frame{
			Time:   time.Duration(i) * time.Second / 128,
			Values: []float64{float64(i) * 0.5, -float64(i)},
		}
	}
	return out
}

func TestCSV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.csv")
	rec, err := Open(path, testHeader(), Options{Format: "csv", QueueSize: 64, FlushInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	frames := sampleFrames(300)
	frames[7].Flags = stream.FlagGap | stream.FlagLowConfidence
	for _, f := range frames {
		rec.Append(f)
		// Give the writer a chance so nothing overflows the small queue.
		if rec.Stats().Queued > 32 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	rec.Append(Frame{Time: 2 * time.Second, Label: "drowsy", Confidence: 0.8})
	rec.Mark(2*time.Second, "eyes closed, relaxed")
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close(), "second close is a no-op")

	st := rec.Stats()
	assert.Zero(t, st.Dropped)
	assert.EqualValues(t, 302, st.Written)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	hdr, got, err := ReadCSV(f)
	require.NoError(t, err)

	want := testHeader()
	assert.Equal(t, want.SessionID, hdr.SessionID)
	assert.True(t, want.Start.Equal(hdr.Start))
	assert.Equal(t, want.SampleRate, hdr.SampleRate)
	assert.Equal(t, want.Channels, hdr.Channels)
	assert.Equal(t, want.Filters, hdr.Filters)
	assert.Equal(t, want.Source, hdr.Source)
	assert.Equal(t, []string{"ch1", "ch2"}, hdr.ChannelLabels)

	require.Len(t, got, 302)
	for i, f := range frames {
		assert.Equal(t, f.Time, got[i].Time)
		assert.Equal(t, f.Values, got[i].Values)
		assert.Equal(t, f.Flags, got[i].Flags)
	}
	assert.Nil(t, got[300].Values)
	assert.Equal(t, "drowsy", got[300].Label)
	assert.InDelta(t, 0.8, got[300].Confidence, 1e-9)
	assert.Equal(t, "eyes closed, relaxed", got[301].Marker)
}

func TestCSV_IgnoresTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.csv")
	rec, err := Open(path, testHeader(), Options{QueueSize: 128})
	require.NoError(t, err)
	for _, f := range sampleFrames(40) {
		rec.Append(f)
	}
	require.NoError(t, rec.Close())

	// Simulate a crash midway through the next row.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = append(data, []byte("312.5,1.25,-")...)

	_, got, err := ReadCSV(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, got, 40)
}

func TestCSV_TabSeparator(t *testing.T) {
	hdr := testHeader()
	hdr.Separator = '\t'
	hdr.ChannelLabels = []string{"Fp1", "Fp2"}
	path := filepath.Join(t.TempDir(), "tab.tsv")
	rec, err := Open(path, hdr, Options{QueueSize: 8})
	require.NoError(t, err)
	rec.Mark(0, "start\tnow")
	require.NoError(t, rec.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, frames, err := ReadCSV(f)
	require.NoError(t, err)
	assert.Equal(t, '\t', got.Separator)
	assert.Equal(t, []string{"Fp1", "Fp2"}, got.ChannelLabels)
	require.Len(t, frames, 1)
	assert.Equal(t, "start\tnow", frames[0].Marker)
}

// blockingEncoder holds the writer inside encode until released.
type blockingEncoder struct {
	entered chan struct{}
	release chan struct{}
	frames  atomic.Int64
	fail    error
}

func (b *blockingEncoder) encode(frames []Frame) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	b.frames.Add(int64(len(frames)))
	return b.fail
}

func (b *blockingEncoder) close() error { return nil }

func TestRecorder_DropsOldestWhenFull(t *testing.T) {
	enc := &blockingEncoder{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := newRecorder("mem", enc, Options{QueueSize: 4, FlushInterval: time.Millisecond})

	r.Append(Frame{Time: 0, Values: []float64{0}})
	<-enc.entered // writer holds frame 0

	for i := 1; i <= 10; i++ {
		r.Append(Frame{Time: time.Duration(i), Values: []float64{float64(i)}})
	}
	st := r.Stats()
	assert.EqualValues(t, 6, st.Dropped)
	assert.Equal(t, 4, st.Queued)

	batch, _ := r.take()
	require.Len(t, batch, 4)
	assert.Equal(t, time.Duration(7), batch[0].Time, "oldest frames were dropped")
	assert.Equal(t, time.Duration(10), batch[3].Time)

	close(enc.release)
	require.NoError(t, r.Close())
}

func TestRecorder_DegradedModeOnWriteError(t *testing.T) {
	enc := &blockingEncoder{entered: make(chan struct{}, 1), release: make(chan struct{}), fail: errors.New("disk full")}
	close(enc.release)

	var notified atomic.Int32
	r := newRecorder("mem", enc, Options{
		QueueSize:     8,
		FlushInterval: time.Millisecond,
		OnError:       func(error) { notified.Add(1) },
	})

	r.Append(Frame{Values: []float64{1}})
	require.Eventually(t, func() bool { return r.Stats().Degraded }, time.Second, time.Millisecond)

	for range 5 {
		r.Append(Frame{Values: []float64{2}})
	}
	st := r.Stats()
	assert.EqualValues(t, 6, st.Dropped)
	assert.Zero(t, st.Written)
	assert.Contains(t, st.Err, "disk full")
	assert.EqualValues(t, 1, notified.Load())

	assert.ErrorIs(t, r.Close(), ErrWrite)
	assert.EqualValues(t, 1, enc.frames.Load(), "nothing written after degrading")
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "x.csv"), testHeader(), Options{QueueSize: 0})
	assert.ErrorIs(t, err, ErrWrite)

	_, err = Open(filepath.Join(dir, "x.bin"), testHeader(), Options{Format: "bin", QueueSize: 4})
	assert.ErrorIs(t, err, ErrWrite)

	hdr := testHeader()
	hdr.SampleRate = 100.5
	_, err = Open(filepath.Join(dir, "x.edf"), hdr, Options{Format: "edf", QueueSize: 4})
	assert.ErrorIs(t, err, ErrWrite)
}

func TestEDF_Records(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.edf")
	rec, err := Open(path, testHeader(), Options{Format: "edf", QueueSize: 1024})
	require.NoError(t, err)
	frames := sampleFrames(320) // 2.5 records
	for _, f := range frames {
		rec.Append(f)
	}
	rec.Mark(time.Second, "ignored")
	require.NoError(t, rec.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	er, err := edf.Open(f)
	require.NoError(t, err)
	sr, err := er.Signal(1)
	require.NoError(t, err)

	got := make([]float64, 3*128)
	n, err := sr.Read(got)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, 3*128, n, "partial last record padded")
	step := 1000.0 / 65535
	for i := range 320 {
		assert.InDelta(t, frames[i].Values[1], got[i], step, "sample %d", i)
	}
	assert.InDelta(t, 0, got[3*128-1], step)
}

func TestWAV_Samples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.wav")
	rec, err := Open(path, testHeader(), Options{Format: "wav", QueueSize: 1024})
	require.NoError(t, err)
	rec.Append(Frame{Values: []float64{500, -500}})
	rec.Append(Frame{Values: []float64{0, 1000}})
	require.NoError(t, rec.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Format.NumChannels)
	assert.Equal(t, 128, buf.Format.SampleRate)
	require.Len(t, buf.Data, 4)
	assert.Greater(t, buf.Data[0], 2147483000)
	assert.Less(t, buf.Data[1], -2147483000)
	assert.InDelta(t, 0, buf.Data[2], 1)
	assert.Greater(t, buf.Data[3], 2147483000, "clipped to full scale")
}
