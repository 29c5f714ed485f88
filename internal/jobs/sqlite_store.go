package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/common"
	"github.com/jo-hoe/vidprompt/internal/failure"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes read-modify-write transactions.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS edit_jobs (
		id TEXT PRIMARY KEY,
		input_ref TEXT NOT NULL,
		prompt TEXT NOT NULL,
		parsed_actions_json TEXT,
		processed_ref TEXT,
		output_ref TEXT,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
		failure_kind TEXT,
		failure_reason TEXT,
		callback_url TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_edit_jobs_status_updated ON edit_jobs (status, updated_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const sqliteJobColumns = `id, input_ref, prompt, parsed_actions_json, processed_ref, output_ref, status,
		failure_kind, failure_reason, callback_url, created_at, updated_at, completed_at`

func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	acts, err := encodeActions(job.ParsedActions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO edit_jobs (`+sqliteJobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.InputRef, job.Prompt, acts, job.ProcessedRef, job.OutputRef, string(job.Status),
		kindPtr(job.FailureKind), job.FailureReason, job.CallbackURL,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt), formatTimePtr(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM edit_jobs WHERE id = ?`, id)
	return scanSQLiteJob(row)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn MutateFunc) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM edit_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := checkMutation(cur, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	acts, err := encodeActions(next.ParsedActions)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE edit_jobs
		SET parsed_actions_json = ?, processed_ref = ?, output_ref = ?, status = ?,
		    failure_kind = ?, failure_reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		acts, next.ProcessedRef, next.OutputRef, string(next.Status),
		kindPtr(next.FailureKind), next.FailureReason, formatTime(next.UpdatedAt), formatTimePtr(next.CompletedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) ListUnfinished(ctx context.Context, updatedBefore time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteJobColumns+` FROM edit_jobs
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY created_at`,
		string(StatusPending), string(StatusProcessing), formatTime(updatedBefore))
	if err != nil {
		return nil, fmt.Errorf("list unfinished: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	var job Job
	var acts, processed, output, kind, reason, cb, completed sql.NullString
	var status, created, updated string

	if err := row.Scan(
		&job.ID,
		&job.InputRef,
		&job.Prompt,
		&acts,
		&processed,
		&output,
		&status,
		&kind,
		&reason,
		&cb,
		&created,
		&updated,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	job.Status = st
	if acts.Valid {
		var list []actions.Action
		if err := json.Unmarshal([]byte(acts.String), &list); err != nil {
			return nil, fmt.Errorf("decode parsed actions: %w", err)
		}
		if list == nil {
			list = []actions.Action{}
		}
		job.ParsedActions = list
	}
	job.ProcessedRef = nullString(processed)
	job.OutputRef = nullString(output)
	job.FailureReason = nullString(reason)
	job.CallbackURL = nullString(cb)
	if kind.Valid {
		k := failure.Kind(kind.String)
		job.FailureKind = &k
	}
	if job.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		job.CompletedAt = &t
	}
	return &job, nil
}

// encodeActions stores nil as NULL so "not parsed yet" survives a round trip.
func encodeActions(list []actions.Action) (*string, error) {
	if list == nil {
		return nil, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal parsed actions: %w", err)
	}
	v := string(b)
	return &v, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func kindPtr(k *failure.Kind) *string {
	if k == nil {
		return nil
	}
	v := string(*k)
	return &v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}
