// Package postgres stores session snapshots and reports in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hupe1980/loanmesh/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS loan_sessions (
	id            TEXT PRIMARY KEY,
	applicant_ref TEXT NOT NULL,
	state         TEXT NOT NULL,
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	version       BIGINT NOT NULL,
	data          JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS loan_sessions_active_idx ON loan_sessions (active) WHERE active;

CREATE TABLE IF NOT EXISTS loan_reports (
	session_id    TEXT PRIMARY KEY,
	applicant_ref TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	risk_score    DOUBLE PRECISION NOT NULL,
	data          JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS loan_reports_created_idx ON loan_reports (created_at DESC);
`

const queryTimeout = 5 * time.Second

// Store implements core.SessionStore and core.ReportArchive on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ core.SessionStore  = (*Store)(nil)
	_ core.ReportArchive = (*Store)(nil)
)

// New connects to the database at connString.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save upserts the session snapshot as active.
func (s *Store) Save(ctx context.Context, sess *core.Session) error {
	return s.upsertSession(ctx, sess, true)
}

// Archive upserts the final snapshot and clears the active flag.
func (s *Store) Archive(ctx context.Context, sess *core.Session) error {
	return s.upsertSession(ctx, sess, false)
}

func (s *Store) upsertSession(ctx context.Context, sess *core.Session, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	query := `
		INSERT INTO loan_sessions (id, applicant_ref, state, active, version, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			active = EXCLUDED.active,
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.pool.Exec(ctx, query,
		sess.ID, sess.ApplicantRef, string(sess.State), active, sess.Version, data, sess.Updated,
	); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load reads a session snapshot.
func (s *Store) Load(ctx context.Context, id string) (*core.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM loan_sessions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewError(core.CodeSessionNotFound, "session %s not found", id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// Active lists ids of non-archived sessions, sorted.
func (s *Store) Active(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT id FROM loan_sessions WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan session ids: %w", err)
	}
	return ids, nil
}

// Put upserts a report.
func (s *Store) Put(ctx context.Context, r core.Report) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
		INSERT INTO loan_reports (session_id, applicant_ref, outcome, risk_score, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			risk_score = EXCLUDED.risk_score,
			data = EXCLUDED.data,
			created_at = EXCLUDED.created_at
	`
	if _, err := s.pool.Exec(ctx, query,
		r.SessionID, r.ApplicantRef, string(r.Outcome), r.RiskScore, data, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// Get reads the report of a session.
func (s *Store) Get(ctx context.Context, sessionID string) (core.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM loan_reports WHERE session_id = $1`, sessionID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Report{}, core.NewError(core.CodeSessionNotFound, "no report for session %s", sessionID)
		}
		return core.Report{}, fmt.Errorf("failed to get report: %w", err)
	}
	var r core.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return core.Report{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return r, nil
}

// List returns up to limit reports, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]core.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT data FROM loan_reports ORDER BY created_at DESC, session_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.Report, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return core.Report{}, err
		}
		var r core.Report
		err := json.Unmarshal(data, &r)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read reports: %w", err)
	}
	return out, nil
}
