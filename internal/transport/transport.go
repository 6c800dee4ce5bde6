// SPDX-License-Identifier: MIT
/*
Package transport defines the sensor link contract and the live display
sinks. Sources deliver batches of samples; sinks receive processed samples,
classifications and errors from the pipeline.
*/
package transport

import (
	"context"
	"errors"

	"biostream/internal/stream"
)

// ErrTransport wraps every failure reported by a source. Any error from
// Connect or Read ends the session.
var ErrTransport = errors.New("transport error")

// Info describes a connected device.
type Info struct {
	Name       string   // Human-readable source name, e.g. "thinkgear:/dev/rfcomm0".
	SampleRate float64  // Nominal rate reported by the device, 0 if unknown.
	Channels   int      // Channel count delivered in every sample.
	Labels     []string // Optional channel labels.
}

// Source is a sensor link. Connect is called once per session; Read blocks
// until a batch, a heartbeat (empty batch) or an error is available. io.EOF
// from Read means the device disconnected. Close must unblock a pending Read.
type Source interface {
	Connect(ctx context.Context) (Info, error)
	Read(ctx context.Context) (stream.Batch, error)
	Close() error
}

// Reporter is implemented by sources that compute values of their own next
// to the sample stream, such as headset meters. Readings must be safe to call
// concurrently with Read.
type Reporter interface {
	Readings() map[string]float64
}

// Sender is anything that accepts encoded messages for broadcast.
type Sender interface {
	Send(data any) error
	Close() error
}
