// SPDX-License-Identifier: MIT
package recorder

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"biostream/internal/stream"
)

// Fixed columns after the channel values.
var trailingColumns = []string{"flags", "label", "confidence", "marker"}

// csvEncoder writes a self-describing header followed by one row per frame.
// Each batch is encoded into memory first and reaches the file in a single
// Write, so a crash can only truncate the last row.
type csvEncoder struct {
	file     io.WriteCloser
	channels int
	buf      bytes.Buffer
	w        *csv.Writer
	record   []string
}

func newCSVEncoder(file io.WriteCloser, hdr Header) (*csvEncoder, error) {
	e := &csvEncoder{file: file, channels: hdr.Channels}
	e.w = csv.NewWriter(&e.buf)
	e.w.Comma = hdr.Separator
	e.record = make([]string, 0, hdr.Channels+1+len(trailingColumns))

	columns := append([]string{"time_ms"}, hdr.Labels()...)
	columns = append(columns, trailingColumns...)

	fmt.Fprintf(&e.buf, "# biostream recording\n")
	fmt.Fprintf(&e.buf, "# format_version: %d\n", FormatVersion)
	fmt.Fprintf(&e.buf, "# session_id: %s\n", hdr.SessionID)
	fmt.Fprintf(&e.buf, "# start_time: %s\n", hdr.Start.Format(time.RFC3339Nano))
	fmt.Fprintf(&e.buf, "# sample_rate: %s\n", strconv.FormatFloat(hdr.SampleRate, 'f', -1, 64))
	fmt.Fprintf(&e.buf, "# channels: %d\n", hdr.Channels)
	fmt.Fprintf(&e.buf, "# channel_labels: %s\n", strings.Join(hdr.Labels(), "|"))
	fmt.Fprintf(&e.buf, "# filters: %s\n", oneLine(hdr.Filters))
	fmt.Fprintf(&e.buf, "# source: %s\n", hdr.Source)
	fmt.Fprintf(&e.buf, "# separator: %s\n", strconv.QuoteRune(hdr.Separator))
	fmt.Fprintf(&e.buf, "# columns: %s\n", strings.Join(columns, " "))
	if err := e.w.Write(columns); err != nil {
		return nil, err
	}
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return nil, err
	}
	if _, err := file.Write(e.buf.Bytes()); err != nil {
		return nil, err
	}
	e.buf.Reset()
	return e, nil
}

func (e *csvEncoder) encode(frames []Frame) error {
	e.buf.Reset()
	for _, f := range frames {
		rec := e.record[:0]
		rec = append(rec, strconv.FormatFloat(float64(f.Time)/float64(time.Millisecond), 'f', -1, 64))
		for ch := range e.channels {
			if ch < len(f.Values) {
				rec = append(rec, strconv.FormatFloat(f.Values[ch], 'g', -1, 64))
			} else {
				rec = append(rec, "")
			}
		}
		conf := ""
		if f.Label != "" {
			conf = strconv.FormatFloat(f.Confidence, 'f', 4, 64)
		}
		rec = append(rec, f.Flags.String(), f.Label, conf, oneLine(f.Marker))
		if err := e.w.Write(rec); err != nil {
			return err
		}
	}
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return err
	}
	_, err := e.file.Write(e.buf.Bytes())
	return err
}

func (e *csvEncoder) close() error {
	if f, ok := e.file.(*os.File); ok {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return e.file.Close()
}

// oneLine keeps free text on a single row.
func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// ReadCSV parses a CSV recording. A trailing line without a newline, left by
// an interrupted write, is ignored.
func ReadCSV(r io.Reader) (Header, []Frame, error) {
	var hdr Header
	data, err := io.ReadAll(r)
	if err != nil {
		return hdr, nil, err
	}
	data = data[:bytes.LastIndexByte(data, '\n')+1]

	// Header lines.
	sc := bufio.NewScanner(bytes.NewReader(data))
	offset := 0
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			break
		}
		offset += len(line) + 1
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "#"), ":")
		if !ok {
			continue
		}
		if err := hdr.set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return hdr, nil, fmt.Errorf("header %s: %w", strings.TrimSpace(key), err)
		}
	}
	if hdr.Channels <= 0 {
		return hdr, nil, fmt.Errorf("recording header has no channel count")
	}
	if hdr.Separator == 0 {
		hdr.Separator = ','
	}

	cr := csv.NewReader(bytes.NewReader(data[offset:]))
	cr.Comma = hdr.Separator
	cr.FieldsPerRecord = hdr.Channels + 1 + len(trailingColumns)
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		return hdr, nil, fmt.Errorf("column line: %w", err)
	}

	var frames []Frame
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return hdr, frames, err
		}
		f, err := parseRow(rec, hdr.Channels)
		if err != nil {
			return hdr, frames, fmt.Errorf("row %d: %w", len(frames)+1, err)
		}
		frames = append(frames, f)
	}
	return hdr, frames, nil
}

func parseRow(rec []string, channels int) (Frame, error) {
	var f Frame
	ms, err := strconv.ParseFloat(rec[0], 64)
	if err != nil {
		return f, err
	}
	f.Time = time.Duration(math.Round(ms * float64(time.Millisecond)))

	if rec[1] != "" {
		f.Values = make([]float64, channels)
		for ch := range channels {
			if f.Values[ch], err = strconv.ParseFloat(rec[1+ch], 64); err != nil {
				return f, err
			}
		}
	}
	tail := rec[1+channels:]
	f.Flags = stream.ParseFlags(tail[0])
	f.Label = tail[1]
	if tail[2] != "" {
		if f.Confidence, err = strconv.ParseFloat(tail[2], 64); err != nil {
			return f, err
		}
	}
	f.Marker = tail[3]
	return f, nil
}

func (h *Header) set(key, value string) error {
	var err error
	switch key {
	case "session_id":
		h.SessionID = value
	case "start_time":
		h.Start, err = time.Parse(time.RFC3339Nano, value)
	case "sample_rate":
		h.SampleRate, err = strconv.ParseFloat(value, 64)
	case "channels":
		h.Channels, err = strconv.Atoi(value)
	case "channel_labels":
		if value != "" {
			h.ChannelLabels = strings.Split(value, "|")
		}
	case "filters":
		h.Filters = value
	case "source":
		h.Source = value
	case "separator":
		var sep string
		if sep, err = strconv.Unquote(value); err == nil {
			if r := []rune(sep); len(r) == 1 {
				h.Separator = r[0]
			} else {
				err = fmt.Errorf("separator %q is not a single character", sep)
			}
		}
	}
	return err
}
