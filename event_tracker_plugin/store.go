// Copyright 2025 Overdrive Energy Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event_tracker_plugin

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the pure-Go SQLite driver with database/sql.
	_ "modernc.org/sqlite"
)

// eventSchema creates the tracker tables. active_events keys on system_id so
// each system carries at most one active event; a new start for the same
// system replaces the row. audit_log is append-only.
const eventSchema = `
CREATE TABLE IF NOT EXISTS active_events (
	system_id     TEXT PRIMARY KEY,
	event_id      TEXT NOT NULL,
	location      TEXT NOT NULL DEFAULT '',
	node_id       TEXT NOT NULL DEFAULT '',
	deployment_id TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_active_events_event ON active_events(event_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        INTEGER NOT NULL,
	action    TEXT NOT NULL,
	event_id  TEXT NOT NULL DEFAULT '',
	system_id TEXT NOT NULL DEFAULT '',
	detail    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_log_action_ts ON audit_log(action, ts);
`

// ActiveEvent is one system's current event session. Timestamps are unix
// nanoseconds, matching the line protocol the tracker emits.
type ActiveEvent struct {
	SystemID     string
	EventID      string
	Location     string
	NodeID       string
	DeploymentID string
	StartedAt    int64
	UpdatedAt    int64
}

// AuditEntry is one appended audit row.
type AuditEntry struct {
	ID       int64
	Ts       int64
	Action   string
	EventID  string
	SystemID string
	Detail   string
}

// EventStore persists event sessions in SQLite. The database opens in WAL
// mode with a busy timeout so the heartbeat reader and the command writer can
// share it.
type EventStore struct {
	db *sql.DB
}

// OpenEventStore opens or creates the tracker database at path and applies
// the schema. ":memory:" is accepted for tests.
func OpenEventStore(path string) (*EventStore, error) {
	if path == "" {
		return nil, fmt.Errorf("event store path is required")
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error while opening event store %s: %w", path, err)
	}
	// database/sql pooling plus SQLite single-writer semantics: one
	// connection avoids SQLITE_BUSY churn under concurrent commands.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while creating event store schema: %w", err)
	}
	return &EventStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Active returns the system's active event, or nil when it has none.
func (s *EventStore) Active(ctx context.Context, systemID string) (*ActiveEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT system_id, event_id, location, node_id, deployment_id, started_at, updated_at
		FROM active_events WHERE system_id = ?`, systemID)

	var event ActiveEvent
	err := row.Scan(&event.SystemID, &event.EventID, &event.Location, &event.NodeID,
		&event.DeploymentID, &event.StartedAt, &event.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error while reading active event for %s: %w", systemID, err)
	}
	return &event, nil
}

// ListActive returns every active event ordered by system so heartbeat
// batches come out in a stable order.
func (s *EventStore) ListActive(ctx context.Context) ([]ActiveEvent, error) {
	return s.listActive(ctx, `
		SELECT system_id, event_id, location, node_id, deployment_id, started_at, updated_at
		FROM active_events ORDER BY system_id`)
}

// ListActiveByEvent returns the active rows participating in one event.
func (s *EventStore) ListActiveByEvent(ctx context.Context, eventID string) ([]ActiveEvent, error) {
	return s.listActive(ctx, `
		SELECT system_id, event_id, location, node_id, deployment_id, started_at, updated_at
		FROM active_events WHERE event_id = ? ORDER BY system_id`, eventID)
}

func (s *EventStore) listActive(ctx context.Context, query string, args ...any) ([]ActiveEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error while listing active events: %w", err)
	}
	defer rows.Close()

	var events []ActiveEvent
	for rows.Next() {
		var event ActiveEvent
		if err := rows.Scan(&event.SystemID, &event.EventID, &event.Location, &event.NodeID,
			&event.DeploymentID, &event.StartedAt, &event.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error while scanning active event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// UpsertActive inserts or replaces the system's active event row.
func (s *EventStore) UpsertActive(ctx context.Context, event ActiveEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO active_events
		(system_id, event_id, location, node_id, deployment_id, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.SystemID, event.EventID, event.Location, event.NodeID,
		event.DeploymentID, event.StartedAt, event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error while upserting active event for %s: %w", event.SystemID, err)
	}
	return nil
}

// SetLocation updates the stored location for the system's active event.
func (s *EventStore) SetLocation(ctx context.Context, systemID, location string, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_events SET location = ?, updated_at = ? WHERE system_id = ?`,
		location, updatedAt, systemID)
	if err != nil {
		return fmt.Errorf("error while updating location for %s: %w", systemID, err)
	}
	return nil
}

// DeleteActive removes the system's active event row.
func (s *EventStore) DeleteActive(ctx context.Context, systemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_events WHERE system_id = ?`, systemID)
	if err != nil {
		return fmt.Errorf("error while deleting active event for %s: %w", systemID, err)
	}
	return nil
}

// DeleteActiveByEvent removes every active row for one event and reports how
// many were removed.
func (s *EventStore) DeleteActiveByEvent(ctx context.Context, eventID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM active_events WHERE event_id = ?`, eventID)
	if err != nil {
		return 0, fmt.Errorf("error while ending event %s: %w", eventID, err)
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// ClearActive removes every active event row.
func (s *EventStore) ClearActive(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM active_events`)
	if err != nil {
		return 0, fmt.Errorf("error while clearing active events: %w", err)
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// AppendAudit appends one audit row. ts is unix nanoseconds.
func (s *EventStore) AppendAudit(ctx context.Context, ts int64, action, eventID, systemID, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, action, event_id, system_id, detail)
		VALUES (?, ?, ?, ?, ?)`,
		ts, action, eventID, systemID, detail)
	if err != nil {
		return fmt.Errorf("error while appending audit row: %w", err)
	}
	return nil
}

// RecentAudit returns the newest audit rows, optionally filtered by action.
// Passing an empty action returns all rows.
func (s *EventStore) RecentAudit(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, ts, action, event_id, system_id, detail FROM audit_log`
	args := []any{}
	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error while reading audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.ID, &entry.Ts, &entry.Action, &entry.EventID,
			&entry.SystemID, &entry.Detail); err != nil {
			return nil, fmt.Errorf("error while scanning audit row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
