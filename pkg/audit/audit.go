package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends security events to the audit store. With Redact set,
// requester identifiers and filter payloads are replaced by salted
// hashes before they reach the database.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Event is one security-relevant occurrence: a gate rejection, a
// decrypt outcome, a budget consumption.
type Event struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	RequesterID string          `json:"requester_id"`
	Severity    string          `json:"severity"`
	Detail      string          `json:"detail"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS security_events (
    id           TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    requester_id TEXT NOT NULL,
    severity     TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT '',
    metadata     JSONB,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS security_events_requester_idx ON security_events (requester_id, created_at);`

func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, eventsSchema)
	return err
}

func (w *Writer) Append(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if w.Redact {
		ev = redactEvent(ev, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO security_events
		(id, event_type, requester_id, severity, detail, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ev.ID, ev.EventType, ev.RequesterID, ev.Severity, ev.Detail, ev.Metadata, ev.CreatedAt)
	return err
}

// LogSecurityEvent satisfies the gateway's security log. Write errors
// are logged, never propagated into the request path.
func (w *Writer) LogSecurityEvent(ctx context.Context, eventType, requesterID, detail, severity string) {
	err := w.Append(ctx, Event{
		EventType:   eventType,
		RequesterID: requesterID,
		Severity:    severity,
		Detail:      detail,
	})
	if err != nil {
		log.Printf("audit append failed: type=%s err=%v", eventType, err)
	}
}

// Recent returns the newest events for a requester, most recent first.
// The requester id is hashed the same way Append stored it.
func (w *Writer) Recent(ctx context.Context, requesterID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if w.Redact {
		requesterID = hashString(requesterID, w.HashSalt)
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, event_type, requester_id, severity, detail, metadata, created_at
		FROM security_events WHERE requester_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, requesterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.RequesterID, &ev.Severity, &ev.Detail, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
