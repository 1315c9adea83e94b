// Package jobstore persists asynchronous query jobs and their ranked results
// using SQLite.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this state will not change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind names the query a job runs.
type Kind string

const (
	KindTopFields         Kind = "top_fields"
	KindTopGalaxies       Kind = "top_galaxies"
	KindFieldGalaxyCounts Kind = "field_galaxy_counts"
)

// Params holds the query arguments. Which fields are used depends on Kind.
type Params struct {
	Kind      Kind   `json:"kind"`
	SkymapID  int64  `json:"skymap_id,omitempty"`
	Telescope string `json:"telescope,omitempty"`
	Limit     int    `json:"n,omitempty"`
}

// Job is one submitted query.
type Job struct {
	ID          string     `json:"job_id"`
	Status      Status     `json:"status"`
	Params      Params     `json:"params"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ResultCount int        `json:"result_count"`
	Error       string     `json:"error,omitempty"`
}

// Result is one ranked row of a finished job.
type Result struct {
	Rank  int     `json:"rank"`
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Store provides persistent storage for query jobs.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) the job database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create directory for job store")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open job store")
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate job store")
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		result_count INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_query_jobs_status ON query_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_query_jobs_finished ON query_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS query_results (
		job_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		score REAL NOT NULL,
		PRIMARY KEY (job_id, position)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `job_id, status, params_json, result_count, error, created_at, started_at, finished_at`

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params, err := json.Marshal(job.Params)
	if err != nil {
		return errors.Wrap(err, "marshal params")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_jobs (job_id, kind, status, params_json, result_count, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Params.Kind), string(job.Status), string(params), job.ResultCount, job.Error,
		job.CreatedAt.UTC().Format(timeLayout))
	return errors.Wrap(err, "insert job")
}

// GetJob returns a job by ID, or nil if there is none.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM query_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// MarkStarted moves a job to running.
func (s *Store) MarkStarted(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `UPDATE query_jobs SET status = ?, started_at = ? WHERE job_id = ?`,
		string(StatusRunning), now, jobID)
	return errors.Wrap(err, "mark job started")
}

// UpdateStatus sets the job status. Terminal states also stamp finished_at.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().UTC().Format(timeLayout)
		finishedAt = &t
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE query_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return errors.Wrap(err, "update job status")
}

// Complete stores the results and marks the job completed in one
// transaction, so a job is never seen completed with partial results.
func (s *Store) Complete(ctx context.Context, jobID string, results []Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO query_results (job_id, position, item_id, score) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare result insert")
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, jobID, r.Rank, r.ID, r.Score); err != nil {
			return errors.Wrapf(err, "insert result %d", r.Rank)
		}
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
		UPDATE query_jobs SET status = ?, result_count = ?, error = '', finished_at = ?
		WHERE job_id = ?
	`, string(StatusCompleted), len(results), now, jobID)
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	return errors.Wrap(tx.Commit(), "commit results")
}

// Results returns the ranked results of a job in rank order.
func (s *Store) Results(ctx context.Context, jobID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT position, item_id, score FROM query_results WHERE job_id = ? ORDER BY position`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "query results")
	}
	defer rows.Close()

	out := []Result{}
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Rank, &r.ID, &r.Score); err != nil {
			return nil, errors.Wrap(err, "scan result")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "read results")
}

// ListQueuedJobs returns queued jobs oldest first, for restart recovery.
func (s *Store) ListQueuedJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM query_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(StatusQueued))
	if err != nil {
		return nil, errors.Wrap(err, "list queued jobs")
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkRunningAsFailed fails every running job, for restart recovery.
func (s *Store) MarkRunningAsFailed(ctx context.Context, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE query_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(StatusFailed), errMsg, now, string(StatusRunning))
	return errors.Wrap(err, "fail running jobs")
}

// DeleteExpiredJobs deletes jobs finished before the cutoff together with
// their results.
func (s *Store) DeleteExpiredJobs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := before.UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM query_results WHERE job_id IN (
			SELECT job_id FROM query_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired results")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired jobs")
	}
	return res.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM query_results WHERE job_id = ?", jobID); err != nil {
		return errors.Wrap(err, "delete results")
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM query_jobs WHERE job_id = ?", jobID)
	return errors.Wrap(err, "delete job")
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var params, createdAt string
		var startedAt, finishedAt sql.NullString

		err := rows.Scan(&job.ID, &job.Status, &params, &job.ResultCount, &job.Error, &createdAt, &startedAt, &finishedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
			return nil, errors.Wrap(err, "unmarshal params")
		}

		job.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if startedAt.Valid {
			t, _ := time.Parse(timeLayout, startedAt.String)
			job.StartedAt = &t
		}
		if finishedAt.Valid {
			t, _ := time.Parse(timeLayout, finishedAt.String)
			job.FinishedAt = &t
		}
		jobs = append(jobs, &job)
	}
	return jobs, errors.Wrap(rows.Err(), "read jobs")
}
