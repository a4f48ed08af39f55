// Package audit provides an optional, disabled-by-default durable log of
// barrier events, for post-hoc debugging of a stuck barrier (spec.md §7).
// Grounded in the teacher's tests/database.go (ConnectDB) and
// nokia-bng-simulator's use of lib/pq for its subscriber store.
package audit

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresSink writes one row per accepted protocol event to a Postgres
// table. It satisfies coordinator.AuditSink. A failed write is the caller's
// concern to log; PostgresSink itself never retries or buffers.
type PostgresSink struct {
	db *sql.DB
}

// Open connects to dsn (a postgres:// connection string, lib/pq's format)
// and ensures the audit table exists. Connection and schema failures are
// both fatal at startup, same as the coordinator's own socket bind.
func Open(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: failed to ping database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: failed to ensure schema: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS barrier_events (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT NOT NULL,
	client_id  INTEGER NOT NULL,
	period     BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// RecordEvent implements coordinator.AuditSink.
func (s *PostgresSink) RecordEvent(kind string, clientID uint16, period uint32) error {
	_, err := s.db.Exec(
		`INSERT INTO barrier_events (kind, client_id, period) VALUES ($1, $2, $3)`,
		kind, clientID, period,
	)
	if err != nil {
		return fmt.Errorf("audit: insert failed: %w", err)
	}
	return nil
}

// Close releases the underlying database connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
