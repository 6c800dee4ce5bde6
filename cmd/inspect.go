// SPDX-License-Identifier: MIT
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"biostream/internal/recorder"
	"biostream/internal/stream"
)

// Marker is an annotation found in a recording.
type Marker struct {
	Time  time.Duration `json:"time"`
	Label string        `json:"label"`
}

// Summary describes a CSV recording.
type Summary struct {
	SessionID       string         `json:"session_id"`
	Start           time.Time      `json:"start"`
	SampleRate      float64        `json:"sample_rate"`
	Channels        []string       `json:"channels"`
	Source          string         `json:"source"`
	Filters         string         `json:"filters"`
	Samples         int            `json:"samples"`
	Duration        time.Duration  `json:"duration"`
	Gaps            int            `json:"gaps"`
	PoorSignal      int            `json:"poor_signal"`
	Classifications map[string]int `json:"classifications"`
	MeanConfidence  float64        `json:"mean_confidence"`
	Markers         []Marker       `json:"markers"`
}

func summarize(hdr recorder.Header, frames []recorder.Frame) Summary {
	s := Summary{
		SessionID:       hdr.SessionID,
		Start:           hdr.Start,
		SampleRate:      hdr.SampleRate,
		Channels:        hdr.Labels(),
		Source:          hdr.Source,
		Filters:         hdr.Filters,
		Classifications: make(map[string]int),
	}
	var first, last time.Duration
	var confidence float64
	var results int
	for _, f := range frames {
		switch {
		case f.Marker != "":
			s.Markers = append(s.Markers, Marker{Time: f.Time, Label: f.Marker})
		case f.Label != "":
			s.Classifications[f.Label]++
			confidence += f.Confidence
			results++
		case f.Values != nil:
			if s.Samples == 0 {
				first = f.Time
			}
			last = f.Time
			s.Samples++
			if f.Flags&stream.FlagGap != 0 {
				s.Gaps++
			}
			if f.Flags&stream.FlagPoorSignal != 0 {
				s.PoorSignal++
			}
		}
	}
	if s.Samples > 1 {
		s.Duration = last - first
	}
	if results > 0 {
		s.MeanConfidence = confidence / float64(results)
	}
	return s
}

func writeSummary(w io.Writer, s Summary) {
	fmt.Fprintf(w, "Session:      %s\n", s.SessionID)
	fmt.Fprintf(w, "Started:      %s\n", s.Start.Format(time.RFC3339))
	fmt.Fprintf(w, "Source:       %s at %.1f Hz, channels %s\n", s.Source, s.SampleRate, strings.Join(s.Channels, ", "))
	fmt.Fprintf(w, "Filters:      %s\n", s.Filters)
	fmt.Fprintf(w, "Samples:      %d over %s (%d gaps, %d poor signal)\n", s.Samples, s.Duration, s.Gaps, s.PoorSignal)

	labels := make([]string, 0, len(s.Classifications))
	for l := range s.Classifications {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		fmt.Fprintf(w, "Windows:      %-13s %d\n", l, s.Classifications[l])
	}
	if len(labels) > 0 {
		fmt.Fprintf(w, "Confidence:   %.2f mean\n", s.MeanConfidence)
	}
	for _, m := range s.Markers {
		fmt.Fprintf(w, "Marker:       %-13s %s\n", m.Time, m.Label)
	}
}

func newInspectCommand() *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "inspect <recording.csv>",
		Short: "Summarize a CSV recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			hdr, frames, err := recorder.ReadCSV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			s := summarize(hdr, frames)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			writeSummary(cmd.OutOrStdout(), s)
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return c
}
