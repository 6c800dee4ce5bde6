// SPDX-License-Identifier: MIT
/*
Package pipeline runs acquisition sessions: it connects a transport, feeds
the sample buffer from an acquisition goroutine and drives the processing
chain (filter, resampler, normalizer, analyzer, classifier) from a second
goroutine, fanning results out to subscribers and the recorder.

State machine:

	Idle -> Connecting -> Streaming <-> Paused
	any  -> Stopped (Stop, transport error or disconnect)
	Stopped -> Connecting (Start)

Configuration updates are validated on the caller's goroutine and applied by
the processing goroutine between cycles, never in the middle of a batch.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"biostream/internal/buffer"
	"biostream/internal/classify"
	"biostream/internal/config"
	"biostream/internal/filter"
	"biostream/internal/log"
	"biostream/internal/recorder"
	"biostream/internal/transport"
)

// State is the orchestrator state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SourceFactory builds the transport for a session.
type SourceFactory func(cfg config.SessionConfig) (transport.Source, error)

// Options configure an Orchestrator.
type Options struct {
	NewSource SourceFactory
	Recorder  config.RecorderConfig
	QueueSize int // Events buffered per subscriber.
}

// Update is a partial configuration change. Nil fields are left unchanged.
type Update struct {
	Filters    *config.FilterConfig
	Classifier *config.ClassifierConfig
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State            State                `json:"state"`
	Err              string               `json:"error,omitempty"`
	SessionID        string               `json:"session_id,omitempty"`
	Started          time.Time            `json:"started"`
	Source           string               `json:"source,omitempty"`
	SourceReadings   map[string]float64   `json:"source_readings,omitempty"` // Device meters, see transport.Reporter.
	Config           config.SessionConfig `json:"-"`
	Buffer           buffer.Stats         `json:"buffer"`
	Recorder         *recorder.Stats      `json:"recorder,omitempty"`
	Subscribers      []SubscriberStats    `json:"subscribers,omitempty"`
	Processed        uint64               `json:"processed"` // Samples that went through the chain.
	Discarded        uint64               `json:"discarded"` // Samples drained while paused.
	Windows          uint64               `json:"windows"`
	ClassifierErrors uint64               `json:"classifier_errors"`
	Last             *classify.Result     `json:"last,omitempty"`
}

// run is the goroutine state of one session.
type run struct {
	sess   *Session
	src    transport.Source
	info   transport.Info // Guarded by Orchestrator.mu.
	cancel context.CancelFunc

	quit     chan struct{} // Closed by teardown.
	acqDone  chan struct{} // Closed when the acquisition goroutine exits.
	acqErr   error         // Written before acqDone is closed.
	wg       sync.WaitGroup
	once     sync.Once
	finished chan struct{}
	stopErr  error

	paused           atomic.Bool
	now              atomic.Int64 // Time of the newest drained sample.
	processed        atomic.Uint64
	discarded        atomic.Uint64
	windows          atomic.Uint64
	classifierErrors atomic.Uint64
	lastOverflow     uint64 // Processing goroutine only.
}

// Orchestrator owns at most one live session at a time.
type Orchestrator struct {
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	state   State
	err     error
	run     *run
	final   Status // Snapshot of the last session after it stopped.
	pending *Update
	last    *classify.Result
	subs    []*subscription
	closed  bool

	// startSeq identifies the Start call that owns StateConnecting before
	// its run is installed. Stop bumps it to cancel that call.
	startSeq uint64
}

// New creates an idle orchestrator.
func New(opts Options) *Orchestrator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultSubscriberQueue
	}
	return &Orchestrator{opts: opts, logger: log.New("pipeline")}
}

// Subscribe registers a subscriber for this and all later sessions.
func (o *Orchestrator) Subscribe(name string, sub Subscriber) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("%w: orchestrator closed", ErrState)
	}
	s := newSubscription(name, sub, o.opts.QueueSize)
	o.subs = append(o.subs, s)
	if o.run != nil {
		s.deliver(event{kind: eventSession, id: o.run.sess.ID, start: o.run.sess.Start})
	}
	return nil
}

// publish fans an event out to every subscriber without blocking.
func (o *Orchestrator) publish(ev event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.subs {
		s.deliver(ev)
	}
}

func (o *Orchestrator) publishError(kind ErrorKind, err error) {
	o.publish(event{kind: eventError, err: &Error{Kind: kind, Err: err}})
}

// Start validates cfg, builds a fresh session and begins connecting. It is
// valid from Idle or Stopped. Invalid configuration leaves the state
// unchanged; a failure to create the transport or open the recorder moves
// the orchestrator to Stopped.
func (o *Orchestrator) Start(cfg config.SessionConfig) error {
	o.mu.Lock()
	prev := o.state
	switch {
	case o.closed:
		o.mu.Unlock()
		return fmt.Errorf("%w: orchestrator closed", ErrState)
	case prev != StateIdle && prev != StateStopped:
		o.mu.Unlock()
		return stateError("start", prev)
	}
	o.state = StateConnecting
	o.startSeq++
	seq := o.startSeq
	o.mu.Unlock()

	sess, err := newSession(cfg)
	if err != nil {
		o.abortStart(seq, prev, nil)
		return err
	}
	if o.opts.NewSource == nil {
		o.abortStart(seq, prev, nil)
		return fmt.Errorf("%w: no transport configured", ErrState)
	}
	src, err := o.opts.NewSource(sess.Config)
	if err != nil {
		err = transportError("create", err)
		o.abortStart(seq, StateStopped, err)
		return err
	}
	if o.opts.Recorder.Enabled {
		onError := func(err error) { o.publishError(KindRecorder, err) }
		if err := sess.openRecorder(o.opts.Recorder, onError); err != nil {
			src.Close()
			o.abortStart(seq, StateStopped, err)
			o.publishError(KindRecorder, err)
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		sess:     sess,
		src:      src,
		cancel:   cancel,
		quit:     make(chan struct{}),
		acqDone:  make(chan struct{}),
		finished: make(chan struct{}),
	}

	o.mu.Lock()
	if o.startSeq != seq {
		o.mu.Unlock()
		cancel()
		if err := src.Close(); err != nil {
			o.logger.Warnf("closing source: %v", err)
		}
		if sess.recorder != nil {
			if err := sess.recorder.Close(); err != nil {
				o.logger.Warnf("closing recorder: %v", err)
			}
		}
		o.logger.Infof("session %s stopped while starting", sess.ID)
		return fmt.Errorf("%w: stopped while starting", ErrState)
	}
	o.run = r
	o.err = nil
	o.pending = nil
	o.last = nil
	for _, s := range o.subs {
		s.deliver(event{kind: eventSession, id: sess.ID, start: sess.Start})
	}
	o.mu.Unlock()

	o.logger.Infof("session %s starting: %.0f Hz, %d channels, %s", sess.ID, cfg.SampleRate, cfg.Channels, sess.chain.Describe())
	r.wg.Add(2)
	go o.acquire(ctx, r)
	go o.process(r)
	return nil
}

// abortStart records a failed Start unless Stop already took over.
func (o *Orchestrator) abortStart(seq uint64, s State, err error) {
	o.mu.Lock()
	if o.startSeq == seq {
		o.startSeq++
		o.state, o.err = s, err
	}
	o.mu.Unlock()
}

func transportError(op string, err error) *Error {
	if errors.Is(err, transport.ErrTransport) {
		err = fmt.Errorf("%s: %w", op, err)
	} else {
		err = fmt.Errorf("%w: %s: %w", transport.ErrTransport, op, err)
	}
	return &Error{Kind: KindTransport, Err: err}
}

// acquire connects the source and pushes batches into the sample buffer
// until the source fails or the session is stopped.
func (o *Orchestrator) acquire(ctx context.Context, r *run) {
	defer r.wg.Done()
	defer close(r.acqDone)

	cfg := r.sess.Config
	info, err := r.src.Connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.acqErr = transportError("connect", err)
		}
		return
	}
	if info.Channels != cfg.Channels {
		r.acqErr = transportError("connect", fmt.Errorf("%s delivers %d channels, session expects %d", info.Name, info.Channels, cfg.Channels))
		return
	}
	if info.SampleRate > 0 && info.SampleRate != cfg.SampleRate {
		o.logger.Warnf("%s reports %.1f Hz, session is configured for %.1f Hz", info.Name, info.SampleRate, cfg.SampleRate)
	}

	o.mu.Lock()
	r.info = info
	if o.run == r && o.state == StateConnecting {
		o.state = StateStreaming
	}
	o.mu.Unlock()
	o.logger.Infof("connected to %s", info.Name)

	for {
		batch, err := r.src.Read(ctx)
		if ctx.Err() != nil {
			return
		}
		if batch.Len() > 0 || batch.Gap > 0 {
			if perr := r.sess.buffer.Push(batch); perr != nil {
				r.acqErr = transportError("read", perr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			r.acqErr = transportError("read", fmt.Errorf("%s disconnected: %w", info.Name, err))
			return
		}
		if err != nil {
			r.acqErr = transportError("read", err)
			return
		}
	}
}

// process runs one cycle per buffer signal or poll tick. When acquisition
// ends on its own, the remaining samples are processed before the session
// is torn down.
func (o *Orchestrator) process(r *run) {
	defer r.wg.Done()

	poll := r.sess.Config.PollInterval
	if poll <= 0 {
		poll = config.DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-r.acqDone:
			select {
			case <-r.quit:
				return
			default:
			}
			for o.cycle(r) > 0 {
			}
			if r.acqErr != nil {
				go o.teardown(r, r.acqErr)
			}
			return
		case <-r.sess.buffer.Ready():
		case <-ticker.C:
		}
		o.cycle(r)
	}
}

// cycle drains one slice of the buffer through the chain and returns the
// number of samples drained.
func (o *Orchestrator) cycle(r *run) int {
	o.applyPending(r)
	sess := r.sess

	samples := sess.buffer.Drain(sess.Config.DrainMax)
	if st := sess.buffer.Stats(); st.Overflow > r.lastOverflow {
		o.publishError(KindOverflow, fmt.Errorf("%d samples evicted from the sample buffer", st.Overflow-r.lastOverflow))
		r.lastOverflow = st.Overflow
	}
	if len(samples) == 0 {
		return 0
	}
	r.now.Store(int64(samples[len(samples)-1].Time))
	if r.paused.Load() {
		r.discarded.Add(uint64(len(samples)))
		return len(samples)
	}

	sess.record("raw", samples)
	out := sess.normalizer.Process(sess.resampler.Process(sess.chain.Process(samples)))
	sess.record("processed", out)
	r.processed.Add(uint64(len(samples)))
	if len(out) > 0 {
		o.publish(event{kind: eventSamples, samples: out})
	}

	for _, v := range sess.analyzer.Process(out) {
		r.windows.Add(1)
		res, err := sess.classifier.Classify(v)
		if err != nil {
			r.classifierErrors.Add(1)
			o.publishError(KindClassifierInput, err)
		}
		if sess.logResults {
			sess.recorder.Append(recorder.Frame{Time: res.Time, Label: string(res.Label), Confidence: res.Confidence})
		}
		o.mu.Lock()
		o.last = &res
		for _, s := range o.subs {
			s.deliver(event{kind: eventResult, result: res})
		}
		o.mu.Unlock()
	}
	return len(samples)
}

// applyPending installs a queued Update. Values were validated by
// UpdateConfig, so failures here are unexpected and only reported.
func (o *Orchestrator) applyPending(r *run) {
	o.mu.Lock()
	u := o.pending
	o.pending = nil
	o.mu.Unlock()
	if u == nil {
		return
	}

	if u.Filters != nil {
		if err := r.sess.chain.Reconfigure(*u.Filters); err != nil {
			o.publishError(KindConfig, err)
		} else {
			o.mu.Lock()
			r.sess.Config.Filters = *u.Filters
			o.mu.Unlock()
			o.logger.Infof("filters now %s", r.sess.chain.Describe())
		}
	}
	if u.Classifier != nil {
		if err := r.sess.classifier.Reconfigure(*u.Classifier); err != nil {
			o.publishError(KindConfig, err)
		} else {
			o.mu.Lock()
			r.sess.Config.Classifier = *u.Classifier
			o.mu.Unlock()
			o.logger.Infof("classifier now %s", r.sess.classifier.ModelName())
		}
	}
}

// UpdateConfig validates a partial configuration against the live session
// and queues it for the next cycle boundary. An invalid update is rejected
// and the active configuration stays in place.
func (o *Orchestrator) UpdateConfig(u Update) error {
	o.mu.Lock()
	r := o.run
	st := o.state
	o.mu.Unlock()
	if r == nil {
		return stateError("update configuration", st)
	}

	if u.Filters != nil {
		if err := filter.Validate(*u.Filters, r.sess.Config.SampleRate); err != nil {
			return err
		}
	}
	if u.Classifier != nil {
		if _, err := classify.New(*u.Classifier); err != nil {
			return err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != r {
		return stateError("update configuration", o.state)
	}
	if o.pending == nil {
		o.pending = &Update{}
	}
	if u.Filters != nil {
		f := *u.Filters
		o.pending.Filters = &f
	}
	if u.Classifier != nil {
		c := *u.Classifier
		o.pending.Classifier = &c
	}
	return nil
}

// Pause stops feeding the chain. Samples keep being drained and discarded
// so the transport never backs up; filter state is kept.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateStreaming {
		return stateError("pause", o.state)
	}
	o.run.paused.Store(true)
	o.state = StatePaused
	o.run.mark("paused")
	return nil
}

// Resume continues processing after Pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePaused {
		return stateError("resume", o.state)
	}
	o.run.paused.Store(false)
	o.state = StateStreaming
	o.run.mark("resumed")
	return nil
}

// Mark writes an annotation row at the newest sample time.
func (o *Orchestrator) Mark(label string) error {
	o.mu.Lock()
	r, st := o.run, o.state
	o.mu.Unlock()
	switch {
	case r == nil:
		return stateError("mark", st)
	case r.sess.recorder == nil:
		return errors.New("mark: recorder not enabled")
	case label == "":
		return errors.New("mark: empty label")
	}
	r.mark(label)
	return nil
}

// mark writes an annotation at the newest sample time when recording.
func (r *run) mark(label string) {
	if rec := r.sess.recorder; rec != nil {
		rec.Mark(time.Duration(r.now.Load()), label)
	}
}

// Stop ends the session from any state. When it returns the source is
// closed, both session goroutines have exited, the buffer is discarded and
// the recording is closed. The returned error is the recorder's.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	r := o.run
	if r == nil {
		// Cancels a Start that has not installed its run yet.
		o.startSeq++
		o.state = StateStopped
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	return o.teardown(r, nil)
}

// teardown stops r once. cause is the fatal error, nil for Stop.
func (o *Orchestrator) teardown(r *run, cause error) error {
	r.once.Do(func() {
		r.cancel()
		close(r.quit)
		if err := r.src.Close(); err != nil {
			o.logger.Warnf("closing source: %v", err)
		}
		r.wg.Wait()

		o.mu.Lock()
		final := o.snapshotLocked(r)
		o.mu.Unlock()

		r.sess.buffer.Reset()
		if rec := r.sess.recorder; rec != nil {
			r.stopErr = rec.Close()
			st := rec.Stats()
			final.Recorder = &st
		}

		o.mu.Lock()
		if o.run == r {
			o.run = nil
			o.final = final
			o.state = StateStopped
			o.err = cause
		}
		o.mu.Unlock()

		if cause != nil {
			o.logger.Errorf("session %s stopped: %v", r.sess.ID, cause)
			o.publish(event{kind: eventError, err: cause})
		} else {
			o.logger.Infof("session %s stopped", r.sess.ID)
		}
		close(r.finished)
	})
	<-r.finished
	return r.stopErr
}

// snapshotLocked builds the session part of Status. Callers hold o.mu.
func (o *Orchestrator) snapshotLocked(r *run) Status {
	st := Status{
		SessionID:        r.sess.ID,
		Started:          r.sess.Start,
		Source:           r.info.Name,
		Config:           r.sess.Config,
		Buffer:           r.sess.buffer.Stats(),
		Processed:        r.processed.Load(),
		Discarded:        r.discarded.Load(),
		Windows:          r.windows.Load(),
		ClassifierErrors: r.classifierErrors.Load(),
	}
	if r.sess.recorder != nil {
		rs := r.sess.recorder.Stats()
		st.Recorder = &rs
	}
	if rep, ok := r.src.(transport.Reporter); ok {
		st.SourceReadings = rep.Readings()
	}
	return st
}

// Status returns the current state, counters and the newest result.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	var st Status
	if o.run != nil {
		st = o.snapshotLocked(o.run)
	} else {
		st = o.final
	}
	st.State = o.state
	if o.err != nil {
		st.Err = o.err.Error()
	}
	if o.last != nil {
		res := *o.last
		st.Last = &res
	}
	st.Subscribers = make([]SubscriberStats, len(o.subs))
	for i, s := range o.subs {
		st.Subscribers[i] = s.stats()
	}
	return st
}

// Close stops the session and waits for subscribers to drain their queues.
func (o *Orchestrator) Close() error {
	err := o.Stop()
	o.mu.Lock()
	o.closed = true
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	return err
}
