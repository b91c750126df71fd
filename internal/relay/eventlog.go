package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Event kinds written to the event log.
const (
	EventJoined = "joined"
	EventLeft   = "left"
)

// Event is one row of the workspace audit trail.
type Event struct {
	WorkspaceID string
	UserID      string
	Kind        string
	At          time.Time
}

// EventLog records who joined and left which workspace.
type EventLog interface {
	Record(ctx context.Context, e Event) error
}

// NopEventLog discards events. Used when no database is configured.
type NopEventLog struct{}

func (NopEventLog) Record(context.Context, Event) error { return nil }

// execer is satisfied by *pgxpool.Pool and *pgx.Conn.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createEventsTable = `CREATE TABLE IF NOT EXISTS collab_events (
	id           BIGSERIAL PRIMARY KEY,
	workspace_id TEXT        NOT NULL,
	user_id      TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	at           TIMESTAMPTZ NOT NULL
)`

const insertEvent = `INSERT INTO collab_events (workspace_id, user_id, kind, at) VALUES ($1, $2, $3, $4)`

// PostgresEventLog writes events to the collab_events table.
type PostgresEventLog struct {
	db execer
}

// NewPostgresEventLog creates the table if needed.
func NewPostgresEventLog(ctx context.Context, db execer) (*PostgresEventLog, error) {
	if _, err := db.Exec(ctx, createEventsTable); err != nil {
		return nil, fmt.Errorf("create collab_events: %w", err)
	}
	return &PostgresEventLog{db: db}, nil
}

func (l *PostgresEventLog) Record(ctx context.Context, e Event) error {
	if _, err := l.db.Exec(ctx, insertEvent, e.WorkspaceID, e.UserID, e.Kind, e.At); err != nil {
		return fmt.Errorf("record %s of %s: %w", e.Kind, e.UserID, err)
	}
	return nil
}
