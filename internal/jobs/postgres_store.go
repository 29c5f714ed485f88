package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/failure"
)

// PostgresStore persists jobs in PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS edit_jobs (
		id TEXT PRIMARY KEY,
		input_ref TEXT NOT NULL,
		prompt TEXT NOT NULL,
		parsed_actions JSONB,
		processed_ref TEXT,
		output_ref TEXT,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
		failure_kind TEXT,
		failure_reason TEXT,
		callback_url TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_edit_jobs_status_updated ON edit_jobs (status, updated_at);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const pgJobColumns = `id, input_ref, prompt, parsed_actions, processed_ref, output_ref, status,
		failure_kind, failure_reason, callback_url, created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	acts, err := encodeActions(job.ParsedActions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO edit_jobs (`+pgJobColumns+`)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.InputRef, job.Prompt, acts, job.ProcessedRef, job.OutputRef, string(job.Status),
		kindPtr(job.FailureKind), job.FailureReason, job.CallbackURL,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(), job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM edit_jobs WHERE id = $1`, id)
	return scanPgJob(row)
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn MutateFunc) (*Job, error) {
	var out *Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanPgJob(tx.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM edit_jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := checkMutation(cur, next); err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()
		acts, err := encodeActions(next.ParsedActions)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE edit_jobs
			SET parsed_actions = $1::jsonb, processed_ref = $2, output_ref = $3, status = $4,
			    failure_kind = $5, failure_reason = $6, updated_at = $7, completed_at = $8
			WHERE id = $9`,
			acts, next.ProcessedRef, next.OutputRef, string(next.Status),
			kindPtr(next.FailureKind), next.FailureReason, next.UpdatedAt, next.CompletedAt,
			id,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListUnfinished(ctx context.Context, updatedBefore time.Time) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgJobColumns+` FROM edit_jobs
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY created_at`,
		string(StatusPending), string(StatusProcessing), updatedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list unfinished: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgJob(row pgx.Row) (*Job, error) {
	var job Job
	var acts []byte
	var kind *string
	var status string

	if err := row.Scan(
		&job.ID,
		&job.InputRef,
		&job.Prompt,
		&acts,
		&job.ProcessedRef,
		&job.OutputRef,
		&status,
		&kind,
		&job.FailureReason,
		&job.CallbackURL,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	job.Status = st
	if acts != nil {
		list := []actions.Action{}
		if err := json.Unmarshal(acts, &list); err != nil {
			return nil, fmt.Errorf("decode parsed actions: %w", err)
		}
		job.ParsedActions = list
	}
	if kind != nil {
		k := failure.Kind(*kind)
		job.FailureKind = &k
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if job.CompletedAt != nil {
		t := job.CompletedAt.UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}
