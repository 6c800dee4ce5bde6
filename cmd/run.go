// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"biostream/internal/config"
	"biostream/internal/log"
	"biostream/internal/pipeline"
	"biostream/internal/store"
	"biostream/internal/transport"
	"biostream/internal/transport/mqtt"
	"biostream/internal/transport/soundcard"
	"biostream/internal/transport/synthetic"
	"biostream/internal/transport/thinkgear"
	"biostream/internal/transport/udp"
	"biostream/internal/tui"
)

var runLog = log.New("run")

// sourceFactory returns the transport constructor for the configured kind.
func sourceFactory(tc config.TransportConfig) (pipeline.SourceFactory, error) {
	switch tc.Kind {
	case "synthetic":
		return func(s config.SessionConfig) (transport.Source, error) {
			return synthetic.New(tc.Synthetic, s.SampleRate, s.Channels, s.ChannelLabels)
		}, nil
	case "thinkgear":
		return func(s config.SessionConfig) (transport.Source, error) {
			return thinkgear.New(tc.ThinkGear, s.SampleRate, thinkgear.OpenSerial)
		}, nil
	case "mqtt":
		return func(s config.SessionConfig) (transport.Source, error) {
			return mqtt.NewSource(tc.MQTT, s.SampleRate, s.Channels), nil
		}, nil
	case "soundcard":
		return func(s config.SessionConfig) (transport.Source, error) {
			return soundcard.New(tc.Soundcard, s.SampleRate, s.Channels)
		}, nil
	default:
		return nil, fmt.Errorf("%w: transport %q is not supported", config.ErrInvalid, tc.Kind)
	}
}

// sinks subscribes every enabled consumer and returns their closers.
func sinks(o *pipeline.Orchestrator, cfg *config.Config) ([]io.Closer, error) {
	var closers []io.Closer
	add := func(name string, sub pipeline.Subscriber, c io.Closer) error {
		if c != nil {
			closers = append(closers, c)
		}
		return o.Subscribe(name, sub)
	}
	fail := func(err error) ([]io.Closer, error) {
		closeAll(closers)
		return nil, err
	}

	if !cfg.Display.TUI {
		if err := add("log", transport.NewLoggingSink(), nil); err != nil {
			return fail(err)
		}
	}
	if cfg.Display.WebSocketEnabled {
		ws, err := transport.NewWebSocketSink(cfg.Display.WebSocketAddr)
		if err != nil {
			return fail(err)
		}
		if err := add("websocket", ws, ws); err != nil {
			return fail(err)
		}
	}
	if cfg.Display.UDPEnabled {
		sender, err := udp.NewUDPSender(cfg.Display.UDPTargetAddress)
		if err != nil {
			return fail(err)
		}
		pub, err := udp.NewUDPPublisher(0, sender)
		if err != nil {
			sender.Close()
			return fail(err)
		}
		pub.Start()
		if err := add("udp", pub, pub); err != nil {
			return fail(err)
		}
	}
	if cfg.Display.MQTTPublish {
		pub, err := mqtt.NewPublisher(cfg.Transport.MQTT)
		if err != nil {
			return fail(err)
		}
		if err := add("mqtt", pub, pub); err != nil {
			return fail(err)
		}
	}
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store, cfg.Transport.Kind)
		if err != nil {
			return fail(err)
		}
		if err := add("clickhouse", st, st); err != nil {
			return fail(err)
		}
	}
	return closers, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			runLog.Warnf("closing sink: %v", err)
		}
	}
}

// runSession streams until ctx is cancelled, the monitor is closed or the
// session stops on its own.
func runSession(ctx context.Context, cfg *config.Config) error {
	factory, err := sourceFactory(cfg.Transport)
	if err != nil {
		return err
	}

	if cfg.Display.TUI {
		// The monitor owns the terminal.
		f, err := os.OpenFile(filepath.Join(os.TempDir(), "biostream.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
		defer log.SetOutput(os.Stderr)
	}

	o := pipeline.New(pipeline.Options{
		NewSource: factory,
		Recorder:  cfg.Recorder,
		QueueSize: cfg.Display.QueueSize,
	})
	closers, err := sinks(o, cfg)
	if err != nil {
		o.Close()
		return err
	}
	defer closeAll(closers)

	runLog.Infof("transport %s, recording %s", cfg.Transport.Kind, recordingFlag(cfg.Recorder))
	if err := o.Start(cfg.Session); err != nil {
		o.Close()
		return err
	}

	if cfg.Display.TUI {
		err = tui.RunMonitor(ctx, o, cfg.Display.TUIRefresh)
	} else {
		err = waitForStop(ctx, o)
	}

	if cerr := o.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	final := o.Status()
	if final.Recorder != nil {
		runLog.Infof("recording saved to %s (%d rows, %d dropped)", final.Recorder.Path, final.Recorder.Written, final.Recorder.Dropped)
	}
	if final.State == pipeline.StateStopped && final.Err != "" && !finiteSynthetic(cfg, final.Err) {
		err = errors.Join(err, fmt.Errorf("session ended: %s", final.Err))
	}
	return err
}

// waitForStop blocks until ctx is done or the session stopped by itself.
func waitForStop(ctx context.Context, o *pipeline.Orchestrator) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if o.Status().State == pipeline.StateStopped {
				return nil
			}
		}
	}
}

// finiteSynthetic reports whether the session ended because a synthetic
// source with a duration ran out, which is a normal exit.
func finiteSynthetic(cfg *config.Config, reason string) bool {
	return cfg.Transport.Kind == "synthetic" && cfg.Transport.Synthetic.Duration > 0 &&
		strings.Contains(reason, "disconnected")
}
