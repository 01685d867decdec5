package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPlayHistory = `
CREATE TABLE IF NOT EXISTS play_history (
    id             BIGSERIAL   PRIMARY KEY,
    guild_id       TEXT        NOT NULL,
    title          TEXT        NOT NULL,
    query          TEXT        NOT NULL,
    requester_id   TEXT        NOT NULL,
    requester_name TEXT        NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    ended_at       TIMESTAMPTZ NOT NULL,
    reason         TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_play_history_guild_started
    ON play_history (guild_id, started_at DESC);
`

// Migrate creates the play_history table and its index if they do not
// exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlPlayHistory); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}

// PGStore is a PostgreSQL-backed [Store]. All methods are safe for
// concurrent use.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore connects to the database at dsn and runs [Migrate].
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

// Record implements [Store].
func (s *PGStore) Record(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO play_history
		    (guild_id, title, query, requester_id, requester_name, started_at, ended_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		e.GuildID,
		e.Title,
		e.Query,
		e.RequesterID,
		e.RequesterName,
		e.StartedAt,
		e.EndedAt,
		e.Reason,
	)
	if err != nil {
		return fmt.Errorf("history store: record: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *PGStore) Recent(ctx context.Context, guildID string, limit int) ([]Entry, error) {
	const q = `
		SELECT guild_id, title, query, requester_id, requester_name, started_at, ended_at, reason
		FROM   play_history
		WHERE  guild_id = $1
		ORDER  BY started_at DESC, id DESC
		LIMIT  $2`

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, q, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Entry])
	if err != nil {
		return nil, fmt.Errorf("history store: scan: %w", err)
	}
	return entries, nil
}

// Ping reports whether the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
