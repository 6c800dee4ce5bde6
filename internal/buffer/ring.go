// SPDX-License-Identifier: MIT
/*
Package buffer implements the sample buffer sitting between the transport
goroutine and the processing goroutine.

It is a fixed-capacity ring: pushes never wait on the consumer, and when the
ring is full the oldest unread samples are evicted. Each eviction increments
the overflow counter and the first surviving sample is flagged with
stream.FlagGap so downstream consumers (the recorder in particular) can see
where data went missing.
*/
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"biostream/internal/stream"
)

// ErrMalformedBatch is returned by Push for batches that violate the session
// invariants (channel count, non-decreasing timestamps).
var ErrMalformedBatch = errors.New("malformed batch")

// Stats is a point-in-time snapshot of the buffer counters.
type Stats struct {
	Depth    int    // Samples currently buffered.
	Capacity int    // Maximum number of buffered samples.
	Pushed   uint64 // Samples accepted since creation or Reset.
	Overflow uint64 // Samples evicted unread.
}

// SampleBuffer is a single-producer, single-consumer ring of samples.
type SampleBuffer struct {
	mu       sync.Mutex
	ring     []stream.Sample
	head     int // Index of the oldest buffered sample.
	size     int
	channels int

	lastTime   int64 // Nanoseconds of the last accepted sample.
	haveLast   bool
	pendingGap bool // Next pushed sample is flagged with FlagGap.

	pushed   uint64
	overflow uint64

	ready chan struct{}
}

// New creates a buffer holding at most capacity samples of the given channel count.
func New(capacity, channels int) (*SampleBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("buffer channel count must be positive, got %d", channels)
	}
	return &SampleBuffer{
		ring:     make([]stream.Sample, capacity),
		channels: channels,
		ready:    make(chan struct{}, 1),
	}, nil
}

// Push copies the batch into the ring. It only holds the lock for the copy
// and never waits on the consumer. A malformed batch is rejected whole.
func (b *SampleBuffer) Push(batch stream.Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, haveLast := b.lastTime, b.haveLast
	for i, s := range batch.Samples {
		if len(s.Values) != b.channels {
			return fmt.Errorf("%w: sample %d has %d channels, want %d", ErrMalformedBatch, i, len(s.Values), b.channels)
		}
		if haveLast && int64(s.Time) < last {
			return fmt.Errorf("%w: sample %d timestamp %s precedes %d ns", ErrMalformedBatch, i, s.Time, last)
		}
		last, haveLast = int64(s.Time), true
	}

	if batch.Gap > 0 {
		b.pendingGap = true
	}

	for _, s := range batch.Samples {
		c := s.Clone()
		if b.pendingGap {
			c.Flags |= stream.FlagGap
			b.pendingGap = false
		}
		if b.size == len(b.ring) {
			b.evictOldest()
		}
		b.ring[(b.head+b.size)%len(b.ring)] = c
		b.size++
		b.pushed++
	}
	b.lastTime, b.haveLast = last, haveLast

	if len(batch.Samples) > 0 {
		select {
		case b.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

// evictOldest drops the oldest sample and marks its successor as following a gap.
// Callers hold b.mu.
func (b *SampleBuffer) evictOldest() {
	b.ring[b.head] = stream.Sample{}
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	b.overflow++
	if b.size > 0 {
		b.ring[b.head].Flags |= stream.FlagGap
	} else {
		b.pendingGap = true
	}
}

// Drain removes and returns up to maxN samples in arrival order. A maxN of
// zero or less drains everything.
func (b *SampleBuffer) Drain(maxN int) []stream.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	if maxN > 0 && maxN < n {
		n = maxN
	}
	if n == 0 {
		return nil
	}
	out := make([]stream.Sample, n)
	for i := range n {
		idx := (b.head + i) % len(b.ring)
		out[i] = b.ring[idx]
		b.ring[idx] = stream.Sample{}
	}
	b.head = (b.head + n) % len(b.ring)
	b.size -= n
	return out
}

// Ready is signalled after a push that added samples. It is buffered by one,
// so a consumer that misses a signal still sees the next one.
func (b *SampleBuffer) Ready() <-chan struct{} {
	return b.ready
}

// Len returns the number of buffered samples.
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Stats returns the current counters.
func (b *SampleBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Depth:    b.size,
		Capacity: len(b.ring),
		Pushed:   b.pushed,
		Overflow: b.overflow,
	}
}

// Reset discards buffered samples and clears counters and timestamp history.
func (b *SampleBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.ring)
	b.head, b.size = 0, 0
	b.lastTime, b.haveLast, b.pendingGap = 0, false, false
	b.pushed, b.overflow = 0, 0
	select {
	case <-b.ready:
	default:
	}
}
