// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/barrierd/internal/persistence/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	icon TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	required_mb INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_kind_status ON entities(kind, status);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	room TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	rustdesk_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	closed_at TEXT,
	closed_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, created_at);
`

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (and migrates) the database at dbPath.
func NewSqliteStore(ctx context.Context, dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(ctx, dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(ctx, db, schemaVersion, schemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return &SqliteStore{DB: db}, nil
}

const entityColumns = `id, kind, name, icon, platform, version, required_mb, status, created_at`

func (s *SqliteStore) CreateEntity(ctx context.Context, e Entity) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Name, e.Icon, e.Platform, e.Version, e.RequiredMB, string(e.Status),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert entity %s: %w", e.ID, err)
	}
	return nil
}

func (s *SqliteStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *SqliteStore) ListEntities(ctx context.Context, kind Kind) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SqliteStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE entities SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SqliteStore) RunningMB(ctx context.Context, kind Kind) (int, error) {
	var sum int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(required_mb), 0) FROM entities WHERE (? = '' OR kind = ?) AND status = ?`,
		string(kind), string(kind), string(StatusRunning),
	).Scan(&sum)
	return sum, err
}

func (s *SqliteStore) PutSession(ctx context.Context, rec SessionRecord) error {
	var closedAt sql.NullString
	if rec.ClosedAt != nil {
		closedAt = sql.NullString{String: rec.ClosedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO sessions (id, device_id, room, state, rustdesk_id, created_at, closed_at, closed_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		rustdesk_id = excluded.rustdesk_id,
		closed_at = excluded.closed_at,
		closed_reason = excluded.closed_reason
	`,
		rec.ID, rec.DeviceID, rec.Room, rec.State, rec.RustDeskID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), closedAt, rec.ClosedReason,
	)
	return err
}

const sessionColumns = `id, device_id, room, state, rustdesk_id, created_at, closed_at, closed_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec       SessionRecord
		createdAt string
		closedAt  sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.DeviceID, &rec.Room, &rec.State, &rec.RustDeskID,
		&createdAt, &closedAt, &rec.ClosedReason); err != nil {
		return SessionRecord{}, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if closedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, closedAt.String); err == nil {
			rec.ClosedAt = &t
		}
	}
	return rec, nil
}

func (s *SqliteStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *SqliteStore) ListSessions(ctx context.Context, deviceID string) ([]SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var (
		e         Entity
		kind      string
		status    string
		createdAt string
	)
	if err := row.Scan(&e.ID, &kind, &e.Name, &e.Icon, &e.Platform, &e.Version, &e.RequiredMB, &status, &createdAt); err != nil {
		return Entity{}, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

var _ Store = (*SqliteStore)(nil)
