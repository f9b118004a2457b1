package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/deep-research/internal/shared"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// A job that never reached the engine may go straight from pending to a
// terminal failure or cancellation.
var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobPending: {
		JobRunning:   {},
		JobFailed:    {},
		JobCancelled: {},
	},
	JobRunning: {
		JobCompleted: {},
		JobFailed:    {},
		JobCancelled: {},
	},
}

func canTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// JobOptions are the caller-supplied knobs of a research job.
type JobOptions struct {
	MaxBudget        float64  `json:"maxBudget,omitempty"`
	SearchDepth      string   `json:"searchDepth,omitempty"`
	IncludeDocuments []string `json:"includeDocuments,omitempty"`
	MaxTurns         int      `json:"maxTurns,omitempty"`
	// Model is the engine model requested for the run. It is stored on the
	// job row, not with the options.
	Model string `json:"-"`
}

type Job struct {
	ID           string     `json:"id"`
	Query        string     `json:"query"`
	Status       JobStatus  `json:"status"`
	Model        string     `json:"model"`
	Options      JobOptions `json:"options"`
	TotalCostUSD float64    `json:"totalCostUsd"`
	TotalTokens  int        `json:"totalTokens"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Usage is the accumulated spend reported for a finished job.
type Usage struct {
	TotalCostUSD float64
	TotalTokens  int
}

const jobColumns = `id, query, status, model, options_json, total_cost_usd, total_tokens, error, created_at, updated_at, completed_at`

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	var optionsJSON string
	var completed sql.NullTime
	if err := scanFn(
		&job.ID,
		&job.Query,
		&job.Status,
		&job.Model,
		&optionsJSON,
		&job.TotalCostUSD,
		&job.TotalTokens,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completed,
	); err != nil {
		return err
	}
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &job.Options); err != nil {
			return fmt.Errorf("decode job options: %w", err)
		}
	}
	job.Options.Model = job.Model
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	} else {
		job.CompletedAt = nil
	}
	return nil
}

// CreateJob inserts job in the pending state. ID, status and timestamps are
// filled in when empty.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = shared.NewID()
	}
	job.Status = JobPending
	job.CreatedAt = now()
	job.UpdatedAt = job.CreatedAt
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO research_jobs (id, query, status, model, options_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, job.ID, job.Query, job.Status, job.Model, string(opts), job.CreatedAt, job.UpdatedAt)
		return err
	})
	if err != nil {
		return writeErr("insert job", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE id = ?;`, id)
	if err := scanJob(row.Scan, &job); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("job %s: %w", id, shared.ErrJobNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status, with the
// total number of matching rows.
func (s *Store) ListJobs(ctx context.Context, status string, limit, offset int) ([]Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	where := ""
	args := []any{}
	if status = strings.TrimSpace(status); status != "" {
		where = " WHERE status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM research_jobs`+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM research_jobs`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?;`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		var job Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// MarkRunning moves a pending job to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.transitionJob(ctx, id, []JobStatus{JobPending}, JobRunning, jobChange{})
}

// CompleteJob moves a running job to completed and records its usage.
func (s *Store) CompleteJob(ctx context.Context, id string, usage Usage) error {
	return s.transitionJob(ctx, id, []JobStatus{JobRunning}, JobCompleted, jobChange{usage: &usage})
}

// FailJob moves a pending or running job to failed with msg as its error.
func (s *Store) FailJob(ctx context.Context, id, msg string) error {
	return s.transitionJob(ctx, id, []JobStatus{JobPending, JobRunning}, JobFailed, jobChange{errMsg: &msg})
}

// CancelJob moves a pending or running job to cancelled.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.transitionJob(ctx, id, []JobStatus{JobPending, JobRunning}, JobCancelled, jobChange{})
}

type jobChange struct {
	usage  *Usage
	errMsg *string
}

// transitionJob applies a compare-and-set status change and appends a
// job_events row in the same transaction. It returns ErrJobNotFound for an
// unknown id and ErrInvalidState when the current status is not in allowedFrom.
func (s *Store) transitionJob(ctx context.Context, id string, allowedFrom []JobStatus, to JobStatus, change jobChange) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return writeErr("begin transition tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current JobStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM research_jobs WHERE id = ?;`, id).Scan(&current); err != nil {
			if isNoRows(err) {
				return fmt.Errorf("job %s: %w", id, shared.ErrJobNotFound)
			}
			return writeErr("select job for transition", err)
		}
		if !slices.Contains(allowedFrom, current) || !canTransition(current, to) {
			return fmt.Errorf("job %s %s -> %s: %w", id, current, to, shared.ErrInvalidState)
		}

		ts := now()
		var completedAt any
		if to.Terminal() {
			completedAt = ts
		}
		var cost float64
		var tokens int
		if change.usage != nil {
			cost, tokens = change.usage.TotalCostUSD, change.usage.TotalTokens
		}
		errMsg := ""
		if change.errMsg != nil {
			errMsg = *change.errMsg
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE research_jobs
			SET status = ?,
				total_cost_usd = CASE WHEN ? THEN ? ELSE total_cost_usd END,
				total_tokens = CASE WHEN ? THEN ? ELSE total_tokens END,
				error = CASE WHEN ? THEN ? ELSE error END,
				completed_at = COALESCE(?, completed_at),
				updated_at = ?
			WHERE id = ? AND status = ?;
		`, to,
			change.usage != nil, cost,
			change.usage != nil, tokens,
			change.errMsg != nil, errMsg,
			completedAt, ts, id, current)
		if err != nil {
			return writeErr("update job transition", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return writeErr("transition rows affected", err)
		} else if n != 1 {
			return fmt.Errorf("job %s changed concurrently: %w", id, shared.ErrInvalidState)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_events (job_id, trace_id, state_from, state_to, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, id, shared.TraceID(ctx), current, to, ts); err != nil {
			return writeErr("insert job_event", err)
		}
		if err := tx.Commit(); err != nil {
			return writeErr("commit transition", err)
		}
		return nil
	})
}

// JobEvent is one recorded status transition.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"jobId"`
	TraceID   string    `json:"traceId"`
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListJobEvents returns the transition history of a job, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, trace_id, state_from, state_to, created_at
		FROM job_events WHERE job_id = ? ORDER BY id;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()
	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.TraceID, &ev.From, &ev.To, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecoverInterrupted fails every job left pending or running by a previous
// process. Returns the number of jobs recovered.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM research_jobs WHERE status IN ('pending', 'running');`)
	if err != nil {
		return 0, fmt.Errorf("select interrupted jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan interrupted job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		if err := s.FailJob(ctx, id, "interrupted by daemon restart"); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM research_jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()
	counts := make(map[JobStatus]int)
	for rows.Next() {
		var st JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
