// SPDX-License-Identifier: MIT
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"biostream/internal/classify"
	"biostream/internal/stream"
)

// Subscriber receives pipeline events on its own goroutine, in the order the
// processing loop produced them. Implementations may block; a slow
// subscriber loses events rather than stalling the pipeline.
type Subscriber interface {
	OnSamples(samples []stream.Sample)
	OnClassification(res classify.Result)
	OnError(err error)
}

// SessionStarter is implemented by subscribers that want to know when a new
// session begins.
type SessionStarter interface {
	OnSessionStart(id string, start time.Time)
}

// SubscriberStats reports the queue of one subscriber.
type SubscriberStats struct {
	Name    string `json:"name"`
	Queued  int    `json:"queued"`
	Dropped uint64 `json:"dropped"`
}

type eventKind int

const (
	eventSession eventKind = iota
	eventSamples
	eventResult
	eventError
)

type event struct {
	kind    eventKind
	samples []stream.Sample
	result  classify.Result
	err     error
	id      string
	start   time.Time
}

// subscription is the bounded queue and goroutine serving one subscriber.
type subscription struct {
	name    string
	sub     Subscriber
	events  chan event
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

func newSubscription(name string, sub Subscriber, size int) *subscription {
	s := &subscription{
		name:   name,
		sub:    sub,
		events: make(chan event, size),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) run() {
	defer close(s.done)
	for ev := range s.events {
		switch ev.kind {
		case eventSession:
			if ss, ok := s.sub.(SessionStarter); ok {
				ss.OnSessionStart(ev.id, ev.start)
			}
		case eventSamples:
			s.sub.OnSamples(ev.samples)
		case eventResult:
			s.sub.OnClassification(ev.result)
		case eventError:
			s.sub.OnError(ev.err)
		}
	}
}

// deliver queues an event without blocking; a full queue drops it.
func (s *subscription) deliver(ev event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *subscription) stats() SubscriberStats {
	return SubscriberStats{Name: s.name, Queued: len(s.events), Dropped: s.dropped.Load()}
}

// close stops accepting events and waits for the queue to drain.
func (s *subscription) close() {
	s.once.Do(func() { close(s.events) })
	<-s.done
}
