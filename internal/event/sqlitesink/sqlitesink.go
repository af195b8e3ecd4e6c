// Package sqlitesink is an optional, durable EventSink adapter backed by
// SQLite. It is grounded on internal/trace/sqlite.go's schema-init and
// background-write idiom, but is a plain event.Sink — the kernel's core
// subsystems never import this package or database/sql directly; they
// depend only on event.Sink (spec §1: "no storage engine" is a constraint
// on the decision-making core, not on external, pluggable audit sinks).
package sqlitesink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aigos/kernel/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS governance_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	time        DATETIME NOT NULL,
	instance_id TEXT,
	asset_id    TEXT,
	action      TEXT,
	resource    TEXT,
	allowed     INTEGER,
	code        TEXT,
	denied_by   TEXT,
	reason      TEXT,
	dry_run     INTEGER,
	would_deny  INTEGER,
	sandbox     INTEGER,
	severity    TEXT,
	duration_ms REAL
);
CREATE INDEX IF NOT EXISTS idx_gov_events_instance ON governance_events(instance_id);
CREATE INDEX IF NOT EXISTS idx_gov_events_kind ON governance_events(kind);
`

// Sink writes GovernanceEvents to a SQLite database asynchronously: Emit
// enqueues onto a bounded channel and returns immediately, matching
// event.Sink's non-blocking contract; a single background goroutine does
// the actual insert.
type Sink struct {
	db     *sql.DB
	queue  chan event.GovernanceEvent
	logger *slog.Logger
	done   chan struct{}
}

// Open creates (if needed) and opens the SQLite file at path, applies the
// schema, and starts the background writer. queueSize bounds the async
// buffer; events are dropped (and logged) if the queue is full, never
// blocking the caller.
func Open(path string, queueSize int, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite event sink: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite event sink schema: %w", err)
	}
	s := &Sink{
		db:     db,
		queue:  make(chan event.GovernanceEvent, queueSize),
		logger: logger.With("component", "event.sqlitesink.Sink"),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Emit never blocks: a full queue drops the event and logs a warning.
func (s *Sink) Emit(e event.GovernanceEvent) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("event queue full, dropping governance event", "kind", e.Kind)
	}
}

// Close drains the remaining queue and closes the database. Context
// cancellation stops the drain early.
func (s *Sink) Close(ctx context.Context) error {
	close(s.queue)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return s.db.Close()
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.queue {
		if err := s.insert(e); err != nil {
			s.logger.Error("failed to persist governance event", "error", err, "kind", e.Kind)
		}
	}
}

func (s *Sink) insert(e event.GovernanceEvent) error {
	_, err := s.db.Exec(`INSERT INTO governance_events
		(kind, time, instance_id, asset_id, action, resource, allowed, code, denied_by,
		 reason, dry_run, would_deny, sandbox, severity, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.Time, e.InstanceID, e.AssetID, e.Action, e.Resource, e.Allowed, e.Code,
		e.DeniedBy, e.Reason, e.DryRun, e.WouldDeny, e.Sandbox, e.Severity, e.DurationMS,
	)
	return err
}
