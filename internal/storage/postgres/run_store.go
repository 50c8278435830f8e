// Package postgres persists completed search runs and their ranked
// candidates to Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/facetrace/internal/search"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultRunsTable       = "search_runs"
	defaultCandidatesTable = "search_candidates"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RunsTable       string
	CandidatesTable string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RunStore writes one row per run and one row per ranked candidate.
type RunStore struct {
	pool       pool
	runs       string
	candidates string
}

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRunStoreWithPool(p, cfg.RunsTable, cfg.CandidatesTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, runsTable, candidatesTable string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = defaultRunsTable
	}
	if candidatesTable == "" {
		candidatesTable = defaultCandidatesTable
	}
	for _, table := range []string{runsTable, candidatesTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RunStore{pool: p, runs: runsTable, candidates: candidatesTable}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	run_id       TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	model        TEXT NOT NULL,
	stats        JSONB NOT NULL,
	artifacts    JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
	run_id       TEXT NOT NULL REFERENCES %[1]s (run_id) ON DELETE CASCADE,
	rank         INTEGER NOT NULL,
	page_url     TEXT NOT NULL,
	thumbnail    TEXT NOT NULL,
	local_path   TEXT NOT NULL,
	similarity   DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, rank)
);`, s.runs, s.candidates)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveRun inserts the run and its candidates in a single transaction.
func (s *RunStore) SaveRun(ctx context.Context, result search.Result) (err error) {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if result.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	statsJSON, err := json.Marshal(result.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	artifacts := result.Artifacts
	if artifacts == nil {
		artifacts = map[string]string{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (run_id, source, model, stats, artifacts, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.runs)
	if _, err = tx.Exec(ctx, query,
		result.RunID,
		result.Query.Source,
		result.Query.Model,
		statsJSON,
		artifactsJSON,
		result.StartedAt,
		result.FinishedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if len(result.Candidates) > 0 {
		rows := make([][]any, 0, len(result.Candidates))
		for i, c := range result.Candidates {
			rows = append(rows, []any{result.RunID, i + 1, c.PageURL, c.ThumbnailURL, c.LocalThumbnailPath, c.Similarity})
		}
		if _, err = tx.CopyFrom(ctx,
			pgx.Identifier{s.candidates},
			[]string{"run_id", "rank", "page_url", "thumbnail", "local_path", "similarity"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("insert candidates: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}
