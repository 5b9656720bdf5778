// Package jobs is a small persistent job queue backed by the jobs table.
// Delivery is at-least-once: a handler may see the same job again after a
// crash between running it and recording the result.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// DefaultMaxAttempts is used when a queue is created without a limit.
const DefaultMaxAttempts = 5

var ErrJobNotFound = errors.New("job not found")

// Job is a persisted unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   *string         `json:"lastError,omitempty"`
	RunAfter    time.Time       `json:"runAfter"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Queue stores jobs.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	now         func() time.Time
}

// NewQueue creates a queue whose jobs are attempted at most maxAttempts times.
func NewQueue(db *sql.DB, maxAttempts int) *Queue {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		db:          db,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores a new pending job that is due immediately.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}

	id := uuid.NewString()
	now := q.now()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, jobType, string(data), string(StatusPending), q.maxAttempts, now, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return id, nil
}

// Get retrieves a job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns jobs of the given type, oldest first. An empty type lists all.
func (q *Queue) List(ctx context.Context, jobType string) ([]*Job, error) {
	if jobType == "" {
		return q.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	}
	return q.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE type = ? ORDER BY created_at, id`, jobType)
}

// due returns up to limit pending jobs whose run_after has passed.
func (q *Queue) due(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return q.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after, created_at, id
		LIMIT ?`,
		string(StatusPending), q.now(), limit)
}

// claim moves a pending job to running and counts the attempt. It reports
// false when another worker got there first.
func (q *Queue) claim(ctx context.Context, id string) (bool, error) {
	return q.exec(ctx, `UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusRunning), q.now(), id, string(StatusPending))
}

func (q *Queue) complete(ctx context.Context, id string) error {
	_, err := q.exec(ctx, `UPDATE jobs SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		string(StatusDone), q.now(), id)
	return err
}

func (q *Queue) fail(ctx context.Context, id, message string) error {
	_, err := q.exec(ctx, `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), message, q.now(), id)
	return err
}

func (q *Queue) retry(ctx context.Context, id, message string, runAfter time.Time) error {
	_, err := q.exec(ctx, `UPDATE jobs SET status = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		string(StatusPending), message, runAfter.UTC(), q.now(), id)
	return err
}

// RecoverStale returns jobs left running by a previous process to pending.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusPending), q.now(), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to recover running jobs: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queue) exec(ctx context.Context, stmt string, args ...any) (bool, error) {
	res, err := q.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	return n > 0, nil
}

const jobColumns = `id, type, payload, status, attempts, max_attempts, last_error, run_after, created_at, updated_at`

func (q *Queue) query(ctx context.Context, stmt string, args ...any) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		payload   string
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &payload, &status, &j.Attempts, &j.MaxAttempts,
		&lastError, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = Status(status)
	if lastError.Valid {
		s := lastError.String
		j.LastError = &s
	}
	j.RunAfter = j.RunAfter.UTC()
	return &j, nil
}
