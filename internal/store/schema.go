// SPDX-License-Identifier: MIT
package store

const (
	// SessionsTableSQL creates the sessions table, one row per session start.
	SessionsTableSQL = `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id String,
			started_at DateTime64(3),
			source String
		) ENGINE = MergeTree()
		ORDER BY (started_at, session_id)
	`

	// ClassificationsTableSQL creates the classifications table.
	ClassificationsTableSQL = `
		CREATE TABLE IF NOT EXISTS classifications (
			timestamp DateTime64(3),
			session_id String,
			offset_ms Float64,
			channel Int16,
			label LowCardinality(String),
			raw_label LowCardinality(String),
			confidence Float64,
			low_confidence UInt8,
			features Map(String, Float64)
		) ENGINE = MergeTree()
		ORDER BY (session_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// ErrorsTableSQL creates the pipeline_errors table.
	ErrorsTableSQL = `
		CREATE TABLE IF NOT EXISTS pipeline_errors (
			timestamp DateTime64(3),
			session_id String,
			message String
		) ENGINE = MergeTree()
		ORDER BY (session_id, timestamp)
	`
)

// AllTables returns the schema statements in creation order.
func AllTables() []string {
	return []string{SessionsTableSQL, ClassificationsTableSQL, ErrorsTableSQL}
}
