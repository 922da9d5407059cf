package sessionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session lifecycle records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			session_id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			end_reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_started ON voice_sessions (started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordStart(ctx context.Context, rec Record) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (session_id, started_at) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID,
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordEnd(ctx context.Context, sessionID, reason string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET ended_at=$2, end_reason=$3 WHERE session_id=$1`,
		sessionID,
		at,
		reason,
	)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, started_at, COALESCE(ended_at, 'epoch'::timestamptz), COALESCE(end_reason, '')
		 FROM voice_sessions ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SessionID, &r.StartedAt, &r.EndedAt, &r.EndReason); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
