// SPDX-License-Identifier: MIT

// Package store logs sessions, classifications and pipeline errors to
// ClickHouse for later analysis.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"biostream/internal/classify"
	"biostream/internal/config"
	"biostream/internal/log"
	"biostream/internal/stream"
)

var storeLog = log.New("store")

const writeTimeout = 5 * time.Second

// execer is the subset of driver.Conn the store uses.
type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// Store is a pipeline subscriber writing to ClickHouse. Its callbacks run on
// the subscriber goroutine, so inserts are synchronous.
type Store struct {
	conn execer

	mu      sync.Mutex
	session string
	start   time.Time
	source  string
	written int
	failed  int
}

// Open connects to ClickHouse and creates the tables.
func Open(cfg config.StoreConfig, source string) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	storeLog.Infof("connected to ClickHouse at %s", cfg.Addr)

	s := newStore(conn, source)
	if err := s.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newStore(conn execer, source string) *Store {
	return &Store{conn: conn, source: source}
}

// InitSchema creates missing tables.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, sql := range AllTables() {
		if err := s.conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// OnSessionStart records the new session.
func (s *Store) OnSessionStart(id string, start time.Time) {
	s.mu.Lock()
	s.session, s.start = id, start
	s.mu.Unlock()

	s.exec(`INSERT INTO sessions (session_id, started_at, source) VALUES (?, ?, ?)`, id, start, s.source)
}

// OnSamples is a no-op; raw samples go to the recorder.
func (s *Store) OnSamples([]stream.Sample) {}

// OnClassification inserts one classification row.
func (s *Store) OnClassification(res classify.Result) {
	s.mu.Lock()
	session, start := s.session, s.start
	s.mu.Unlock()

	var low uint8
	if res.LowConfidence {
		low = 1
	}
	features := res.Features
	if features == nil {
		features = map[string]float64{}
	}
	s.exec(`INSERT INTO classifications (timestamp, session_id, offset_ms, channel, label, raw_label, confidence, low_confidence, features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		start.Add(res.Time), session, float64(res.Time)/float64(time.Millisecond), int16(res.Channel),
		string(res.Label), string(res.RawLabel), res.Confidence, low, features)
}

// OnError inserts the error message.
func (s *Store) OnError(err error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	s.exec(`INSERT INTO pipeline_errors (timestamp, session_id, message) VALUES (?, ?, ?)`, time.Now(), session, err.Error())
}

func (s *Store) exec(query string, args ...any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := s.conn.Exec(ctx, query, args...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
		if s.failed == 1 || s.failed%100 == 0 {
			storeLog.Warnf("insert failed (%d so far): %v", s.failed, err)
		}
		return
	}
	s.written++
}

// Counts returns the number of successful and failed inserts.
func (s *Store) Counts() (written, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.failed
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
