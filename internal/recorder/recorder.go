// SPDX-License-Identifier: MIT
/*
Package recorder persists frames to disk without ever blocking the
processing loop. Append places frames on a bounded queue; a single writer
goroutine drains it in batches and hands each batch to the format encoder.

When the queue is full the oldest queued frame is dropped and counted. A
failed write switches the recorder to degraded mode: subsequent frames are
counted as dropped and nothing further is written.
*/
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"biostream/internal/log"
	"biostream/internal/stream"
)

// ErrWrite wraps every failure to write a recording.
var ErrWrite = errors.New("recorder write failed")

// FormatVersion is written into every recording header.
const FormatVersion = 1

var logger = log.New("recorder")

// Frame is one recorded row: a sample, a classification or a marker.
type Frame struct {
	Time       time.Duration
	Values     []float64 // nil for classification and marker rows
	Flags      stream.Flags
	Label      string
	Confidence float64
	Marker     string
}

// FromSample converts a sample into a frame. Values are copied.
func FromSample(s stream.Sample) Frame {
	c := s.Clone()
	return Frame{Time: c.Time, Values: c.Values, Flags: c.Flags}
}

// Header describes a recording.
type Header struct {
	SessionID     string
	Start         time.Time
	SampleRate    float64
	Channels      int
	ChannelLabels []string
	Filters       string // Human-readable filter chain, e.g. "bandpass 1-40Hz order 4".
	Source        string // "raw" or "processed".
	Separator     rune
	PhysicalMin   float64 // Range mapped onto the integer formats.
	PhysicalMax   float64
}

// Labels returns the channel labels, defaulting to ch1..chN.
func (h Header) Labels() []string {
	if len(h.ChannelLabels) == h.Channels {
		return h.ChannelLabels
	}
	out := make([]string, h.Channels)
	for i := range out {
		out[i] = fmt.Sprintf("ch%d", i+1)
	}
	return out
}

// encoder is implemented by every file format.
type encoder interface {
	// encode writes one batch. It must write whole rows or records only.
	encode(frames []Frame) error
	close() error
}

// Options tune the writer.
type Options struct {
	Format        string        // "csv", "edf" or "wav".
	QueueSize     int           // Frames buffered ahead of the disk.
	FlushInterval time.Duration // Longest time a frame waits in the queue.
	OnError       func(error)   // Called once when the recorder degrades.
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Path     string `json:"path"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Queued   int    `json:"queued"`
	Degraded bool   `json:"degraded"`
	Err      string `json:"error,omitempty"`
}

// Recorder writes frames asynchronously.
type Recorder struct {
	path string
	enc  encoder
	opts Options

	mu     sync.Mutex
	queue  []Frame // ring of len(queue) == QueueSize
	head   int
	size   int
	closed bool
	err    error

	wake chan struct{}
	done chan struct{}

	written  atomic.Uint64
	dropped  atomic.Uint64
	degraded atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Open creates the file, writes the header and starts the writer goroutine.
func Open(path string, hdr Header, opts Options) (*Recorder, error) {
	if opts.QueueSize <= 0 {
		return nil, fmt.Errorf("%w: queue size %d", ErrWrite, opts.QueueSize)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 250 * time.Millisecond
	}
	if hdr.Separator == 0 {
		hdr.Separator = ','
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	var enc encoder
	switch opts.Format {
	case "", "csv":
		enc, err = newCSVEncoder(file, hdr)
	case "edf":
		enc, err = newEDFEncoder(file, hdr)
	case "wav":
		enc, err = newWAVEncoder(file, hdr)
	default:
		err = fmt.Errorf("unknown format %q", opts.Format)
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	logger.Infof("recording %s to %s", formatName(opts.Format), path)
	return newRecorder(path, enc, opts), nil
}

func newRecorder(path string, enc encoder, opts Options) *Recorder {
	r := &Recorder{
		path:  path,
		enc:   enc,
		opts:  opts,
		queue: make([]Frame, opts.QueueSize),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func formatName(f string) string {
	if f == "" {
		return "csv"
	}
	return f
}

// Append queues a frame. It never blocks on I/O.
func (r *Recorder) Append(f Frame) {
	if r.degraded.Load() {
		r.dropped.Add(1)
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.size == len(r.queue) {
		r.queue[r.head] = Frame{}
		r.head = (r.head + 1) % len(r.queue)
		r.size--
		r.dropped.Add(1)
	}
	r.queue[(r.head+r.size)%len(r.queue)] = f
	r.size++
	// Below half full the flush ticker picks the frames up.
	urgent := r.size >= (len(r.queue)+1)/2
	r.mu.Unlock()

	if urgent {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Mark queues a marker row.
func (r *Recorder) Mark(t time.Duration, label string) {
	r.Append(Frame{Time: t, Marker: label})
}

func (r *Recorder) take() ([]Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]Frame, r.size)
	for i := range batch {
		idx := (r.head + i) % len(r.queue)
		batch[i] = r.queue[idx]
		r.queue[idx] = Frame{}
	}
	r.head, r.size = 0, 0
	return batch, r.closed
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.wake:
		case <-ticker.C:
		}
		batch, closed := r.take()
		if len(batch) > 0 {
			r.write(batch)
		}
		if closed {
			return
		}
	}
}

func (r *Recorder) write(batch []Frame) {
	if r.degraded.Load() {
		r.dropped.Add(uint64(len(batch)))
		return
	}
	if err := r.enc.encode(batch); err != nil {
		r.dropped.Add(uint64(len(batch)))
		r.fail(err)
		return
	}
	r.written.Add(uint64(len(batch)))
}

func (r *Recorder) fail(err error) {
	err = fmt.Errorf("%w: %s: %v", ErrWrite, r.path, err)
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	if !r.degraded.Swap(true) {
		logger.Errorf("entering degraded mode: %v", err)
		if r.opts.OnError != nil {
			r.opts.OnError(err)
		}
	}
}

// Close flushes queued frames, finalizes the file and stops the writer.
// It is safe to call more than once.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		select {
		case r.wake <- struct{}{}:
		default:
		}
		<-r.done

		if err := r.enc.close(); err != nil {
			r.closeErr = fmt.Errorf("%w: %v", ErrWrite, err)
		}
		logger.Infof("closed %s: %d written, %d dropped", r.path, r.written.Load(), r.dropped.Load())
	})
	if r.closeErr != nil {
		return r.closeErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Path:     r.path,
		Written:  r.written.Load(),
		Dropped:  r.dropped.Load(),
		Queued:   r.size,
		Degraded: r.degraded.Load(),
	}
	if r.err != nil {
		s.Err = r.err.Error()
	}
	return s
}

// Path returns the output file path.
func (r *Recorder) Path() string { return r.path }
