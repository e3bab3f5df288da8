package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Session statuses as persisted. A session is "building" from creation until
// its dev server is reachable ("ready") or the build gives up ("failed").
const (
	StatusBuilding = "building"
	StatusReady    = "ready"
	StatusFailed   = "failed"
)

// ErrNotFound is returned when no archived session matches the given id.
var ErrNotFound = errors.New("session not found")

// Session is the archived outcome of one build session. SessionID is unique;
// restarting a session overwrites its previous row.
type Session struct {
	ID         int64
	SessionID  string
	Prompt     string
	Template   string
	WorkDir    string
	Port       int
	URL        string
	Status     string
	Error      sql.NullString
	StartedAt  time.Time
	FinishedAt sql.NullTime
	UpdatedAt  time.Time
}

// Store persists session outcomes so they survive restarts. All writes are
// best-effort from the caller's perspective; a failed archive never fails a
// build.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// RecordStart upserts the session as building, clearing any prior result.
	RecordStart(ctx context.Context, s Session) error
	// RecordResult marks the session ready or failed. buildErr may be nil.
	RecordResult(ctx context.Context, sessionID, status, url string, port int, buildErr error) error
	GetBySession(ctx context.Context, sessionID string) (Session, error)
	ListRecent(ctx context.Context, limit int) ([]Session, error)
	// PurgeOlderThan deletes terminal sessions untouched since olderThan and
	// returns how many rows went away.
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
