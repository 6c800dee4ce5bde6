// SPDX-License-Identifier: MIT
package transport

import (
	"sync"
	"time"

	"biostream/internal/classify"
	"biostream/internal/log"
	"biostream/internal/stream"
)

// LoggingSink logs label changes and errors. It is the default display when
// no other sink is configured.
type LoggingSink struct {
	mu     sync.Mutex
	last   map[int]classify.Label
	logger *log.Logger
}

// NewLoggingSink creates a LoggingSink.
func NewLoggingSink() *LoggingSink {
	return &LoggingSink{last: make(map[int]classify.Label), logger: log.New("state")}
}

// OnSessionStart forgets the previous session's labels.
func (ls *LoggingSink) OnSessionStart(id string, start time.Time) {
	ls.mu.Lock()
	clear(ls.last)
	ls.mu.Unlock()
	ls.logger.Infof("session %s started at %s", id, start.Format(time.RFC3339))
}

// OnSamples is a no-op.
func (ls *LoggingSink) OnSamples([]stream.Sample) {}

// OnClassification logs the result when the label changes.
func (ls *LoggingSink) OnClassification(res classify.Result) {
	ls.mu.Lock()
	prev, seen := ls.last[res.Channel]
	ls.last[res.Channel] = res.Label
	ls.mu.Unlock()

	if !seen || prev != res.Label {
		ls.logger.Infof("t=%.1fs channel=%d %s (confidence %.2f)", res.Time.Seconds(), res.Channel, res.Label, res.Confidence)
		return
	}
	ls.logger.Debugf("t=%.1fs channel=%d %s (raw %s)", res.Time.Seconds(), res.Channel, res.Label, res.RawLabel)
}

// OnError logs the error.
func (ls *LoggingSink) OnError(err error) {
	ls.logger.Warnf("%v", err)
}
