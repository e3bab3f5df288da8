package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/appdraft/appdraft/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS build_session(
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			prompt TEXT NOT NULL,
			template TEXT NOT NULL,
			workdir TEXT NOT NULL,
			port INTEGER NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_build_session_status ON build_session(status);`,
		`CREATE INDEX IF NOT EXISTS idx_build_session_started ON build_session(started_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordStart(ctx context.Context, rec store.Session) error {
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO build_session(session_id, prompt, template, workdir, port, url, status, error, started_at, finished_at, updated_at)
		VALUES($1,$2,$3,$4,0,'',$5,NULL,$6,NULL,$7)
		ON CONFLICT(session_id) DO UPDATE SET
			prompt=EXCLUDED.prompt,
			template=EXCLUDED.template,
			workdir=EXCLUDED.workdir,
			port=0,
			url='',
			status=EXCLUDED.status,
			error=NULL,
			started_at=EXCLUDED.started_at,
			finished_at=NULL,
			updated_at=EXCLUDED.updated_at;`,
		rec.SessionID, rec.Prompt, rec.Template, rec.WorkDir, store.StatusBuilding, rec.StartedAt.UTC(), now)
	return err
}

func (p *DB) RecordResult(ctx context.Context, sessionID, status, url string, port int, buildErr error) error {
	var errStr sql.NullString
	if buildErr != nil {
		errStr = sql.NullString{String: buildErr.Error(), Valid: true}
	}
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE build_session
		SET status=$1, url=$2, port=$3, error=$4, finished_at=$5, updated_at=$6
		WHERE session_id=$7;`,
		status, url, port, errStr, now, now, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, sessionID)
	}
	return nil
}

func (p *DB) GetBySession(ctx context.Context, sessionID string) (store.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt, template, workdir, port, url, status, error, started_at, finished_at, updated_at
		FROM build_session
		WHERE session_id=$1;`, sessionID)
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

func (p *DB) ListRecent(ctx context.Context, limit int) ([]store.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, prompt, template, workdir, port, url, status, error, started_at, finished_at, updated_at
		FROM build_session
		ORDER BY started_at DESC
		LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (p *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM build_session WHERE status<>$1 AND updated_at < $2;`,
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
