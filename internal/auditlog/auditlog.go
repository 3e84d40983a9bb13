// Package auditlog persists rejection history to SQLite, adapted from
// tokenhub's internal/store.SQLiteStore (same modernc.org/sqlite, WAL
// pragma, and connection-pool settings) but scoped to a single
// write-only table: a record of every RoutingIntent the pipeline
// rejected, so an operator can explain after the fact why a request
// never reached a backend. Writes are fire-and-forget and run off the
// request's hot path; a write failure never affects the HTTP response.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one rejected routing intent.
type Entry struct {
	Timestamp      time.Time
	RequestID      string
	RequestedModel string
	ResolvedModel  string
	Reconciler     string
	AgentID        string
	Reason         string
	SuggestedAction string
}

// Sink writes Entry rows to a SQLite database.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
	queue  chan Entry
	done   chan struct{}
}

// Open creates or opens the audit database at dsn and starts the
// background writer goroutine. Call Close to flush and stop it.
func Open(dsn string, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditlog: sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(context.Background(), createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}

	s := &Sink{
		db:     db,
		logger: logger,
		queue:  make(chan Entry, 1024),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS rejections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	request_id TEXT NOT NULL,
	requested_model TEXT NOT NULL,
	resolved_model TEXT NOT NULL,
	reconciler TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	suggested_action TEXT NOT NULL DEFAULT ''
)`

// Record enqueues an entry for asynchronous persistence. It never
// blocks the caller on disk I/O; if the queue is full the entry is
// dropped and logged, since audit history is best-effort, not a
// durability guarantee the routing path depends on.
func (s *Sink) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("auditlog: queue full, dropping entry", slog.String("request_id", e.RequestID))
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.queue {
		_, err := s.db.Exec(
			`INSERT INTO rejections (timestamp, request_id, requested_model, resolved_model, reconciler, agent_id, reason, suggested_action)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Timestamp, e.RequestID, e.RequestedModel, e.ResolvedModel, e.Reconciler, e.AgentID, e.Reason, e.SuggestedAction,
		)
		if err != nil {
			s.logger.Warn("auditlog: write failed", slog.String("error", err.Error()))
		}
	}
}

// Close stops accepting new entries, flushes the queue, and closes the
// database.
func (s *Sink) Close() error {
	close(s.queue)
	<-s.done
	return s.db.Close()
}

// Recent returns the most recent n rejection entries, newest first.
func (s *Sink) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, request_id, requested_model, resolved_model, reconciler, agent_id, reason, suggested_action
		 FROM rejections ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.RequestID, &e.RequestedModel, &e.ResolvedModel, &e.Reconciler, &e.AgentID, &e.Reason, &e.SuggestedAction); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
