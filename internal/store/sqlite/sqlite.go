package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/appdraft/appdraft/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS build_session(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			prompt TEXT NOT NULL,
			template TEXT NOT NULL,
			workdir TEXT NOT NULL,
			port INTEGER NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_build_session_status ON build_session(status);`,
		`CREATE INDEX IF NOT EXISTS idx_build_session_started ON build_session(started_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, rec store.Session) error {
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_session(session_id, prompt, template, workdir, port, url, status, error, started_at, finished_at, updated_at)
		VALUES(?, ?, ?, ?, 0, '', ?, NULL, ?, NULL, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			prompt=excluded.prompt,
			template=excluded.template,
			workdir=excluded.workdir,
			port=0,
			url='',
			status=excluded.status,
			error=NULL,
			started_at=excluded.started_at,
			finished_at=NULL,
			updated_at=excluded.updated_at;`,
		rec.SessionID, rec.Prompt, rec.Template, rec.WorkDir, store.StatusBuilding, rec.StartedAt.UTC(), now)
	return err
}

func (s *DB) RecordResult(ctx context.Context, sessionID, status, url string, port int, buildErr error) error {
	var errStr sql.NullString
	if buildErr != nil {
		errStr = sql.NullString{String: buildErr.Error(), Valid: true}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE build_session
		SET status=?, url=?, port=?, error=?, finished_at=?, updated_at=?
		WHERE session_id=?;`,
		status, url, port, errStr, now, now, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, sessionID)
	}
	return nil
}

func (s *DB) GetBySession(ctx context.Context, sessionID string) (store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt, template, workdir, port, url, status, error, started_at, finished_at, updated_at
		FROM build_session
		WHERE session_id=?;`, sessionID)
	var r store.Session
	err := row.Scan(&r.ID, &r.SessionID, &r.Prompt, &r.Template, &r.WorkDir, &r.Port, &r.URL, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, fmt.Errorf("%w: %s", store.ErrNotFound, sessionID)
	}
	if err != nil {
		return store.Session{}, err
	}
	return r, nil
}

func (s *DB) ListRecent(ctx context.Context, limit int) ([]store.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt, template, workdir, port, url, status, error, started_at, finished_at, updated_at
		FROM build_session
		ORDER BY started_at DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM build_session WHERE status<>? AND updated_at < ?;`,
		store.StatusBuilding, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSessions(rows *sql.Rows) ([]store.Session, error) {
	out := make([]store.Session, 0)
	for rows.Next() {
		var r store.Session
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Prompt, &r.Template, &r.WorkDir, &r.Port, &r.URL, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
