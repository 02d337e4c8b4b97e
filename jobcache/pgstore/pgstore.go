// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package pgstore implements jobcache.Returner on top of PostgreSQL via
// pgx, for masters that need job history to survive a restart.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sage-x-project/saltcore/jobcache"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store is a PostgreSQL-backed jobcache.Returner.
type Store struct {
	pool *pgxpool.Pool
}

var _ jobcache.Returner = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	jid              TEXT PRIMARY KEY,
	function         TEXT NOT NULL DEFAULT '',
	arg              JSONB,
	kwarg            JSONB,
	target           TEXT NOT NULL DEFAULT '',
	target_type      TEXT NOT NULL DEFAULT '',
	"user"           TEXT NOT NULL DEFAULT '',
	expected_minions JSONB,
	status           TEXT NOT NULL DEFAULT 'collecting',
	close_reason     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	closed_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS job_returns (
	id          BIGSERIAL PRIMARY KEY,
	jid         TEXT NOT NULL REFERENCES jobs(jid) ON DELETE CASCADE,
	minion_id   TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	result      JSONB,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	late        BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS job_returns_jid_idx ON job_returns (jid);
`

// NewStore opens a connection pool to cfg and ensures the jobs/job_returns
// tables exist.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) PrepJID(ctx context.Context, jid string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (jid, status) VALUES ($1, $2) ON CONFLICT (jid) DO NOTHING`,
		jid, jobcache.StatusCollecting,
	)
	if err != nil {
		return fmt.Errorf("pgstore: prep jid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgstore: jid %s already reserved", jid)
	}
	return nil
}

func (s *Store) SaveLoad(ctx context.Context, job *jobcache.Job) error {
	minions, err := json.Marshal(job.ExpectedMinions)
	if err != nil {
		return fmt.Errorf("pgstore: marshal expected minions: %w", err)
	}

	query := `
		INSERT INTO jobs (jid, function, arg, kwarg, target, target_type, "user", expected_minions, status, close_reason, created_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, '0001-01-01 00:00:00+00'::timestamptz))
		ON CONFLICT (jid) DO UPDATE SET
			function = EXCLUDED.function,
			arg = EXCLUDED.arg,
			kwarg = EXCLUDED.kwarg,
			target = EXCLUDED.target,
			target_type = EXCLUDED.target_type,
			"user" = EXCLUDED."user",
			expected_minions = EXCLUDED.expected_minions,
			status = EXCLUDED.status,
			close_reason = EXCLUDED.close_reason,
			closed_at = EXCLUDED.closed_at
	`

	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.pool.Exec(ctx, query,
		job.JID, job.Function, jsonOrNull(job.Arg), jsonOrNull(job.Kwarg),
		job.Target, job.TargetType, job.User, minions,
		job.Status, job.CloseReason, created, job.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: save load: %w", err)
	}
	return nil
}

func (s *Store) SaveReturn(ctx context.Context, ret *jobcache.Return) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE jid = $1)`, ret.JID).Scan(&exists); err != nil {
		return fmt.Errorf("pgstore: check jid: %w", err)
	}
	if !exists {
		return fmt.Errorf("pgstore: unknown jid %s", ret.JID)
	}

	receivedAt := ret.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_returns (jid, minion_id, success, result, received_at, late) VALUES ($1, $2, $3, $4, $5, $6)`,
		ret.JID, ret.MinionID, ret.Success, jsonOrNull(ret.Result), receivedAt, ret.Late,
	)
	if err != nil {
		return fmt.Errorf("pgstore: save return: %w", err)
	}
	return nil
}

func (s *Store) GetLoad(ctx context.Context, jid string) (*jobcache.Job, error) {
	query := `
		SELECT jid, function, arg, kwarg, target, target_type, "user", expected_minions, status, close_reason, created_at, closed_at
		FROM jobs WHERE jid = $1
	`

	var job jobcache.Job
	var arg, kwarg, minions []byte
	var closedAt *time.Time

	err := s.pool.QueryRow(ctx, query, jid).Scan(
		&job.JID, &job.Function, &arg, &kwarg, &job.Target, &job.TargetType, &job.User,
		&minions, &job.Status, &job.CloseReason, &job.CreatedAt, &closedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("pgstore: unknown jid %s", jid)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get load: %w", err)
	}

	job.Arg = arg
	job.Kwarg = kwarg
	if closedAt != nil {
		job.ClosedAt = *closedAt
	}
	if len(minions) > 0 {
		if err := json.Unmarshal(minions, &job.ExpectedMinions); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal expected minions: %w", err)
		}
	}

	return &job, nil
}

func (s *Store) GetReturn(ctx context.Context, jid string) ([]*jobcache.Return, error) {
	query := `
		SELECT jid, minion_id, success, result, received_at, late
		FROM job_returns WHERE jid = $1 ORDER BY received_at ASC
	`

	rows, err := s.pool.Query(ctx, query, jid)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get return: %w", err)
	}
	defer rows.Close()

	var out []*jobcache.Return
	for rows.Next() {
		var ret jobcache.Return
		var result []byte
		if err := rows.Scan(&ret.JID, &ret.MinionID, &ret.Success, &result, &ret.ReceivedAt, &ret.Late); err != nil {
			return nil, fmt.Errorf("pgstore: scan return: %w", err)
		}
		ret.Result = result
		out = append(out, &ret)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate returns: %w", err)
	}
	return out, nil
}

func (s *Store) GetJIDs(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT jid FROM jobs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get jids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, fmt.Errorf("pgstore: scan jid: %w", err)
		}
		out = append(out, jid)
	}
	return out, rows.Err()
}

func (s *Store) CloseJob(ctx context.Context, jid string, reason jobcache.CloseReason, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, close_reason = $2, closed_at = $3 WHERE jid = $4`,
		jobcache.StatusClosed, reason, closedAt, jid,
	)
	if err != nil {
		return fmt.Errorf("pgstore: close job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgstore: unknown jid %s", jid)
	}
	return nil
}

// Prune discards every job (and, via the job_returns cascade, its
// returns) created before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pgstore: prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func jsonOrNull(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
