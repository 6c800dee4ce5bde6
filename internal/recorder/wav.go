// SPDX-License-Identifier: MIT
package recorder

import (
	"fmt"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavEncoder stores samples as 32-bit PCM, mapping the physical range onto
// the full integer scale. Non-sample frames are skipped.
type wavEncoder struct {
	file     writeSeekCloser
	enc      *wav.Encoder
	channels int
	mid      float64
	half     float64
	buf      *audio.IntBuffer
}

func newWAVEncoder(file writeSeekCloser, hdr Header) (*wavEncoder, error) {
	rate := int(math.Round(hdr.SampleRate))
	if rate <= 0 {
		return nil, fmt.Errorf("wav needs a positive sample rate, got %g Hz", hdr.SampleRate)
	}
	if hdr.PhysicalMax <= hdr.PhysicalMin {
		return nil, fmt.Errorf("wav physical range [%g, %g] is empty", hdr.PhysicalMin, hdr.PhysicalMax)
	}
	return &wavEncoder{
		file:     file,
		enc:      wav.NewEncoder(file, rate, 32, hdr.Channels, 1),
		channels: hdr.Channels,
		mid:      (hdr.PhysicalMax + hdr.PhysicalMin) / 2,
		half:     (hdr.PhysicalMax - hdr.PhysicalMin) / 2,
		buf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: hdr.Channels,
				SampleRate:  rate,
			},
			SourceBitDepth: 32,
		},
	}, nil
}

func (e *wavEncoder) encode(frames []Frame) error {
	data := e.buf.Data[:0]
	for _, f := range frames {
		if f.Values == nil {
			continue
		}
		for ch := range e.channels {
			v := 0.0
			if ch < len(f.Values) {
				v = f.Values[ch]
			}
			data = append(data, e.scale(v))
		}
	}
	if len(data) == 0 {
		return nil
	}
	e.buf.Data = data
	return e.enc.Write(e.buf)
}

func (e *wavEncoder) scale(v float64) int {
	x := (v - e.mid) / e.half
	x = math.Max(-1, math.Min(1, x))
	return int(math.Round(x * math.MaxInt32))
}

func (e *wavEncoder) close() error {
	if err := e.enc.Close(); err != nil {
		e.file.Close()
		return err
	}
	return e.file.Close()
}
