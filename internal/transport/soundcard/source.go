// SPDX-License-Identifier: MIT

// Package soundcard captures biosignals through an audio interface with
// PortAudio, for amplifiers that expose their channels as line inputs.
package soundcard

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"biostream/internal/config"
	"biostream/internal/log"
	"biostream/internal/stream"
	"biostream/internal/transport"
)

var scLog = log.New("soundcard")

// chunk is one PortAudio callback buffer, interleaved.
type chunk struct {
	data     []int32
	overflow bool // PortAudio reported an input overflow before this buffer.
	lost     int  // Frames dropped because the queue was full.
}

// Source reads interleaved int32 frames from a capture device.
type Source struct {
	cfg      config.SoundcardConfig
	rate     float64
	channels int

	stream *portaudio.Stream
	chunks chan chunk
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending int // Frames lost since the last queued chunk.

	emitted int64
}

// New creates a capture source at the session rate and channel count.
func New(cfg config.SoundcardConfig, rate float64, channels int) (*Source, error) {
	if cfg.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("%w: frames per buffer must be positive", transport.ErrTransport)
	}
	if cfg.Gain <= 0 {
		return nil, fmt.Errorf("%w: gain must be positive", transport.ErrTransport)
	}
	return &Source{
		cfg:      cfg,
		rate:     rate,
		channels: channels,
		chunks:   make(chan chunk, 64),
		done:     make(chan struct{}),
	}, nil
}

// Connect initializes PortAudio and starts the input stream.
func (s *Source) Connect(ctx context.Context) (transport.Info, error) {
	if err := ctx.Err(); err != nil {
		return transport.Info{}, err
	}
	if err := Initialize(); err != nil {
		return transport.Info{}, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	device, err := InputDevice(s.cfg.Device)
	if err != nil {
		Terminate()
		return transport.Info{}, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	if device.MaxInputChannels < s.channels {
		Terminate()
		return transport.Info{}, fmt.Errorf("%w: %s has %d input channels, need %d",
			transport.ErrTransport, device.Name, device.MaxInputChannels, s.channels)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: s.channels,
			Device:   device,
			Latency:  device.DefaultHighInputLatency,
		},
		FramesPerBuffer: s.cfg.FramesPerBuffer,
		SampleRate:      s.rate,
	}
	st, err := portaudio.OpenStream(params, s.callback)
	if err != nil {
		Terminate()
		return transport.Info{}, fmt.Errorf("%w: open stream: %v", transport.ErrTransport, err)
	}
	if err := st.Start(); err != nil {
		st.Close()
		Terminate()
		return transport.Info{}, fmt.Errorf("%w: start stream: %v", transport.ErrTransport, err)
	}
	s.stream = st
	scLog.Infof("capturing from %s at %.0f Hz", device.Name, s.rate)

	return transport.Info{
		Name:       "soundcard:" + device.Name,
		SampleRate: s.rate,
		Channels:   s.channels,
	}, nil
}

// callback runs on the PortAudio thread and never blocks.
func (s *Source) callback(in []int32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	data := make([]int32, len(in))
	copy(data, in)

	s.mu.Lock()
	c := chunk{data: data, overflow: flags&portaudio.InputOverflow != 0, lost: s.pending}
	select {
	case s.chunks <- c:
		s.pending = 0
	default:
		s.pending += len(in) / s.channels
	}
	s.mu.Unlock()
}

// Read returns the next callback buffer as samples.
func (s *Source) Read(ctx context.Context) (stream.Batch, error) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	select {
	case c := <-s.chunks:
		return s.convert(c), nil
	case <-s.done:
		return stream.Batch{}, io.EOF
	case <-ctx.Done():
		return stream.Batch{}, ctx.Err()
	case <-timer.C:
		return stream.Batch{}, nil
	}
}

// convert deinterleaves a chunk and scales full scale to Gain microvolts.
// Lost frames advance the timeline and are reported as the batch gap.
func (s *Source) convert(c chunk) stream.Batch {
	var b stream.Batch
	if c.lost > 0 {
		b.Gap = c.lost
		s.emitted += int64(c.lost)
	}
	frames := len(c.data) / s.channels
	b.Samples = make([]stream.Sample, frames)
	for i := range frames {
		values := make([]float64, s.channels)
		for ch := range values {
			values[ch] = float64(c.data[i*s.channels+ch]) / math.MaxInt32 * s.cfg.Gain
		}
		b.Samples[i] = stream.Sample{
			Time:   time.Duration(float64(s.emitted) / s.rate * float64(time.Second)),
			Values: values,
		}
		s.emitted++
	}
	if c.overflow && frames > 0 {
		b.Samples[0].Flags |= stream.FlagGap
	}
	return b
}

// Close stops the stream and terminates PortAudio.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.stream == nil {
			return
		}
		if err = s.stream.Stop(); err != nil {
			s.stream.Close()
		} else {
			err = s.stream.Close()
		}
		s.stream = nil
		if terr := Terminate(); err == nil {
			err = terr
		}
	})
	return err
}

var _ transport.Source = (*Source)(nil)
