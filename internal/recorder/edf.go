// SPDX-License-Identifier: MIT
package recorder

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/OpenPSG/edf"
)

// Largest data record the EDF standard recommends, in bytes.
const maxEDFRecordBytes = 61440

type writeSeekCloser interface {
	io.WriteSeeker
	io.Closer
}

// edfEncoder groups samples into one-second data records. Classification
// and marker frames have no EDF representation and are skipped.
type edfEncoder struct {
	file      writeSeekCloser
	w         *edf.Writer
	channels  int
	perRecord int
	pending   [][]float64
}

func newEDFEncoder(file writeSeekCloser, hdr Header) (*edfEncoder, error) {
	perRecord := int(math.Round(hdr.SampleRate))
	if math.Abs(hdr.SampleRate-float64(perRecord)) > 1e-9 || perRecord <= 0 {
		return nil, fmt.Errorf("edf needs an integer sample rate, got %g Hz", hdr.SampleRate)
	}
	if hdr.Channels*perRecord*2 > maxEDFRecordBytes {
		return nil, fmt.Errorf("edf record of %d channels at %d Hz exceeds %d bytes", hdr.Channels, perRecord, maxEDFRecordBytes)
	}
	if hdr.PhysicalMax <= hdr.PhysicalMin {
		return nil, fmt.Errorf("edf physical range [%g, %g] is empty", hdr.PhysicalMin, hdr.PhysicalMax)
	}

	signals := make([]edf.Signal, hdr.Channels)
	for i, label := range hdr.Labels() {
		signals[i] = edf.Signal{
			Label:             clip(label, 16),
			TransducerType:    "EEG electrode",
			PhysicalDimension: "uV",
			PhysicalMin:       hdr.PhysicalMin,
			PhysicalMax:       hdr.PhysicalMax,
			DigitalMin:        math.MinInt16,
			DigitalMax:        math.MaxInt16,
			Prefiltering:      clip(hdr.Filters, 80),
			SamplesPerRecord:  perRecord,
		}
	}
	w, err := edf.Create(file, edf.Header{
		Version:            edf.Version0,
		PatientID:          "X X X X",
		RecordingID:        clip("Startdate "+hdr.Start.Format("02-Jan-2006")+" "+hdr.SessionID+" "+hdr.Source, 80),
		StartTime:          hdr.Start,
		HeaderBytes:        256 * (1 + hdr.Channels),
		DataRecordDuration: time.Second,
		SignalCount:        hdr.Channels,
		Signals:            signals,
	})
	if err != nil {
		return nil, err
	}

	e := &edfEncoder{file: file, w: w, channels: hdr.Channels, perRecord: perRecord, pending: make([][]float64, hdr.Channels)}
	for ch := range e.pending {
		e.pending[ch] = make([]float64, 0, perRecord)
	}
	return e, nil
}

func (e *edfEncoder) encode(frames []Frame) error {
	for _, f := range frames {
		if f.Values == nil {
			continue
		}
		for ch := range e.channels {
			v := 0.0
			if ch < len(f.Values) {
				v = f.Values[ch]
			}
			e.pending[ch] = append(e.pending[ch], v)
		}
		if len(e.pending[0]) == e.perRecord {
			if err := e.w.WriteRecord(e.pending); err != nil {
				return err
			}
			for ch := range e.pending {
				e.pending[ch] = e.pending[ch][:0]
			}
		}
	}
	return nil
}

// close pads a partial final record with zeros and finalizes the header.
func (e *edfEncoder) close() error {
	if n := len(e.pending[0]); n > 0 {
		for ch := range e.pending {
			for range e.perRecord - n {
				e.pending[ch] = append(e.pending[ch], 0)
			}
		}
		if err := e.w.WriteRecord(e.pending); err != nil {
			e.file.Close()
			return err
		}
	}
	if err := e.w.Close(); err != nil {
		e.file.Close()
		return err
	}
	return e.file.Close()
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
