// SPDX-License-Identifier: MIT
package pipeline

import (
	"errors"
	"fmt"
)

// ErrState is returned for control calls that are not valid in the current
// state, e.g. Pause while idle.
var ErrState = errors.New("invalid pipeline state")

// ErrorKind classifies the errors published to subscribers.
type ErrorKind string

const (
	KindTransport       ErrorKind = "transport"        // Fatal: the session stops.
	KindOverflow        ErrorKind = "overflow"         // Samples evicted from the sample buffer.
	KindRecorder        ErrorKind = "recorder"         // The recorder entered degraded mode.
	KindClassifierInput ErrorKind = "classifier_input" // A window could not be classified.
	KindConfig          ErrorKind = "config"           // A configuration update failed to apply.
)

// Error is an error event published through OnError.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error ends the session.
func (e *Error) Fatal() bool { return e.Kind == KindTransport }

func stateError(op string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrState, op, s)
}
