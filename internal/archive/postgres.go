package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    session_id    TEXT         PRIMARY KEY,
    room_id       TEXT         NOT NULL,
    started_at    TIMESTAMPTZ  NOT NULL,
    ended_at      TIMESTAMPTZ  NOT NULL,
    dir           TEXT         NOT NULL DEFAULT '',
    participants  INTEGER      NOT NULL DEFAULT 0,
    segments      JSONB        NOT NULL DEFAULT '[]',
    files         JSONB        NOT NULL DEFAULT '[]',
    artifact      TEXT         NOT NULL DEFAULT '',
    timeline      TEXT         NOT NULL DEFAULT '',
    mixdown_error TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_recordings_room_started
    ON recordings (room_id, started_at DESC);
`

// PostgresStore is a [Store] backed by a PostgreSQL recordings table.
// Segments and files are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and creates the
// recordings table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the recordings table and its index. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRecordings); err != nil {
		return fmt.Errorf("create recordings: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres archive: ping: %w", err)
	}
	return nil
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	if r.SessionID == "" {
		return fmt.Errorf("postgres archive: save: empty session id")
	}
	segs, err := json.Marshal(nonNil(r.Segments))
	if err != nil {
		return fmt.Errorf("postgres archive: marshal segments: %w", err)
	}
	files, err := json.Marshal(nonNil(r.Files))
	if err != nil {
		return fmt.Errorf("postgres archive: marshal files: %w", err)
	}

	const q = `
		INSERT INTO recordings
		    (session_id, room_id, started_at, ended_at, dir, participants,
		     segments, files, artifact, timeline, mixdown_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
		    room_id       = EXCLUDED.room_id,
		    started_at    = EXCLUDED.started_at,
		    ended_at      = EXCLUDED.ended_at,
		    dir           = EXCLUDED.dir,
		    participants  = EXCLUDED.participants,
		    segments      = EXCLUDED.segments,
		    files         = EXCLUDED.files,
		    artifact      = EXCLUDED.artifact,
		    timeline      = EXCLUDED.timeline,
		    mixdown_error = EXCLUDED.mixdown_error`

	_, err = s.pool.Exec(ctx, q,
		r.SessionID,
		r.RoomID,
		r.StartedAt,
		r.EndedAt,
		r.Dir,
		r.Participants,
		segs,
		files,
		r.Artifact,
		r.Timeline,
		r.MixdownError,
	)
	if err != nil {
		return fmt.Errorf("postgres archive: save: %w", err)
	}
	return nil
}

const selectRecord = `
	SELECT session_id, room_id, started_at, ended_at, dir, participants,
	       segments, files, artifact, timeline, mixdown_error
	FROM   recordings`

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, roomID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var (
		rows pgx.Rows
		err  error
	)
	if roomID == "" {
		rows, err = s.pool.Query(ctx, selectRecord+"\nORDER BY started_at DESC\nLIMIT $1", limit)
	} else {
		rows, err = s.pool.Query(ctx, selectRecord+"\nWHERE room_id = $1\nORDER BY started_at DESC\nLIMIT $2", roomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres archive: list: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: list: %w", err)
	}
	return records, nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	rows, err := s.pool.Query(ctx, selectRecord+"\nWHERE session_id = $1", sessionID)
	if err != nil {
		return Record{}, fmt.Errorf("postgres archive: get: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("postgres archive: get: %w", err)
	}
	return r, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var (
		r           Record
		segs, files []byte
	)
	if err := row.Scan(
		&r.SessionID,
		&r.RoomID,
		&r.StartedAt,
		&r.EndedAt,
		&r.Dir,
		&r.Participants,
		&segs,
		&files,
		&r.Artifact,
		&r.Timeline,
		&r.MixdownError,
	); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(segs, &r.Segments); err != nil {
		return Record{}, fmt.Errorf("decode segments: %w", err)
	}
	if err := json.Unmarshal(files, &r.Files); err != nil {
		return Record{}, fmt.Errorf("decode files: %w", err)
	}
	return r, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
