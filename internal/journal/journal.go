// Package journal persists session and instance lifecycle transitions to
// SQLite. Writes are best-effort: callers log failures and move on rather
// than letting bookkeeping block session work.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lifecycle events recorded by the session layer.
const (
	EventSessionStarted     = "session_started"
	EventSessionReleased    = "session_released"
	EventWorkerSpawned      = "worker_spawned"
	EventWorkerDisconnected = "worker_disconnected"
	EventInstanceStarted    = "instance_started"
	EventInstanceTerminated = "instance_terminated"
)

// Entry is one lifecycle transition.
type Entry struct {
	ID             string
	SessionKey     string
	RuntimeVersion string
	Event          string
	InstanceID     string
	Detail         string
	CreatedAt      time.Time
}

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record appends one entry. The ID and timestamp are assigned here.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.SessionKey == "" {
		return fmt.Errorf("session_key is empty")
	}
	if e.Event == "" {
		return fmt.Errorf("event is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var instanceID, detail any
	if e.InstanceID != "" {
		instanceID = e.InstanceID
	}
	if e.Detail != "" {
		detail = e.Detail
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO session_log(id, session_key, runtime_version, event, instance_id, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, e.SessionKey, e.RuntimeVersion, e.Event, instanceID, detail, now)
	if err != nil {
		return fmt.Errorf("record session event: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest-first, up to limit.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, session_key, runtime_version, event, instance_id, detail, created_at
FROM session_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			instanceID sql.NullString
			detail     sql.NullString
			createdAtS string
		)
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.RuntimeVersion, &e.Event, &instanceID, &detail, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan session log row: %w", err)
		}
		if instanceID.Valid {
			e.InstanceID = instanceID.String
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
