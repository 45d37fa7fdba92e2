package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
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
		`CREATE TABLE IF NOT EXISTS share_runs (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			share_url TEXT NOT NULL,
			target_count INTEGER NOT NULL,
			shared_count INTEGER NOT NULL,
			error_count INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_share_runs_client_ended ON share_runs (client_id, ended_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.EndedAt.IsZero() {
		run.EndedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO share_runs (
			id, process_id, client_id, share_url, target_count, shared_count, error_count,
			outcome, detail, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		run.ID,
		run.ProcessID,
		run.ClientID,
		run.ShareURL,
		run.TargetCount,
		run.SharedCount,
		run.ErrorCount,
		string(run.Outcome),
		run.Detail,
		run.StartedAt,
		run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByClient(ctx context.Context, clientID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, process_id, client_id, share_url, target_count, shared_count, error_count,
		        outcome, detail, started_at, ended_at
		   FROM share_runs WHERE client_id=$1 ORDER BY ended_at DESC LIMIT $2`,
		clientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		var (
			run     Run
			outcome string
		)
		if err := rows.Scan(
			&run.ID,
			&run.ProcessID,
			&run.ClientID,
			&run.ShareURL,
			&run.TargetCount,
			&run.SharedCount,
			&run.ErrorCount,
			&outcome,
			&run.Detail,
			&run.StartedAt,
			&run.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		run.Outcome = Outcome(outcome)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
