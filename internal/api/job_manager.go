package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyrange/server/internal/jobstore"
	"github.com/skyrange/server/internal/logger"
	"github.com/skyrange/server/internal/metrics"
	"github.com/skyrange/server/internal/skyerr"
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent query jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	QueueSize     int
}

// Executor runs one query job. It must return a skyerr Cancelled error or
// the context error once ctx is done.
type Executor func(ctx context.Context, params jobstore.Params) ([]jobstore.Result, error)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManager runs query jobs on a bounded worker pool with SQLite
// persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	log      *zap.Logger
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the query.
	Executor Executor
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig, log *zap.Logger) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if log == nil {
		log = logger.L()
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &JobManager{
		cfg:     cfg,
		store:   store,
		log:     log.With(zap.String("component", "jobs")),
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start recovers from a previous shutdown and starts the workers and the
// cleanup ticker.
func (jm *JobManager) Start() {
	ctx := context.Background()

	// running jobs did not survive the restart
	if err := jm.store.MarkRunningAsFailed(ctx, "server restarted"); err != nil {
		jm.log.Error("failed to mark running jobs as failed", zap.Error(err))
	}

	queued, err := jm.store.ListQueuedJobs(ctx)
	if err != nil {
		jm.log.Error("failed to list queued jobs", zap.Error(err))
	}
	for _, job := range queued {
		select {
		case jm.queue <- job.ID:
			jm.log.Info("re-queued job", zap.String("job_id", job.ID))
		default:
			jm.log.Warn("queue full, cannot re-queue job", zap.String("job_id", job.ID))
			jm.finish(job.ID, jobstore.StatusFailed, ErrQueueFull.Error())
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop stops accepting jobs and waits for running ones to finish.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		close(jm.queue)
		jm.mu.Unlock()

		close(jm.stopCh)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

// claim moves a queued job to running and registers its cancel function.
// Jobs cancelled while queued are skipped.
func (jm *JobManager) claim(jobID string) (*jobstore.Job, context.Context, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.store.GetJob(context.Background(), jobID)
	if err != nil || job == nil || job.Status != jobstore.StatusQueued {
		return nil, nil, false
	}
	if err := jm.store.MarkStarted(context.Background(), jobID); err != nil {
		jm.log.Error("failed to mark job started", zap.String("job_id", jobID), zap.Error(err))
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	jm.running[jobID] = cancel
	return job, ctx, true
}

func (jm *JobManager) runJob(jobID string) {
	job, ctx, ok := jm.claim(jobID)
	if !ok {
		return
	}

	start := time.Now()
	var (
		results []jobstore.Result
		execErr error
	)
	if jm.Executor != nil {
		results, execErr = jm.Executor(ctx, job.Params)
	}
	cancelled := jm.release(ctx, jobID)

	switch {
	case cancelled || skyerr.Is(execErr, skyerr.CodeCancelled):
		jm.finish(jobID, jobstore.StatusCancelled, "cancelled by user")
	case execErr != nil:
		jm.finish(jobID, jobstore.StatusFailed, execErr.Error())
	default:
		if err := jm.store.Complete(context.Background(), jobID, results); err != nil {
			jm.log.Error("failed to store job results", zap.String("job_id", jobID), zap.Error(err))
			jm.finish(jobID, jobstore.StatusFailed, err.Error())
			return
		}
		metrics.JobsFinished.WithLabelValues(string(jobstore.StatusCompleted)).Inc()
	}
	jm.log.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("kind", string(job.Params.Kind)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(execErr),
	)
}

func (jm *JobManager) finish(jobID string, status jobstore.Status, msg string) {
	if err := jm.store.UpdateStatus(context.Background(), jobID, status, msg); err != nil {
		jm.log.Error("failed to update job status", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -jm.cfg.RetentionDays)
	deleted, err := jm.store.DeleteExpiredJobs(context.Background(), cutoff)
	if err != nil {
		jm.log.Error("cleanup error", zap.Error(err))
	} else if deleted > 0 {
		jm.log.Info("cleaned up expired jobs", zap.Int64("deleted", deleted))
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(ctx context.Context, params jobstore.Params) (*jobstore.Job, error) {
	job := &jobstore.Job{
		ID:        uuid.NewString(),
		Status:    jobstore.StatusQueued,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	if err := jm.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		jm.finish(job.ID, jobstore.StatusFailed, "server shutting down")
		return nil, ErrQueueFull
	}
	select {
	case jm.queue <- job.ID:
	default:
		jm.finish(job.ID, jobstore.StatusFailed, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}
	return job, nil
}

// Get returns a job by ID, or nil if there is none.
func (jm *JobManager) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	return jm.store.GetJob(ctx, id)
}

// Results returns the ranked results of a completed job.
func (jm *JobManager) Results(ctx context.Context, id string) ([]jobstore.Result, error) {
	return jm.store.Results(ctx, id)
}

// release drops the job from the running set and reports whether it was
// cancelled first. Once released, Cancel no longer claims the job.
func (jm *JobManager) release(ctx context.Context, jobID string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	cancelled := ctx.Err() != nil
	if cancel, ok := jm.running[jobID]; ok {
		cancel()
		delete(jm.running, jobID)
	}
	return cancelled
}

// Cancel cancels a running or queued job. It reports false when the job
// has already finished.
func (jm *JobManager) Cancel(ctx context.Context, id string) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if cancel, ok := jm.running[id]; ok {
		cancel()
		return true, nil
	}

	job, err := jm.store.GetJob(ctx, id)
	if err != nil || job == nil {
		return false, err
	}
	if job.Status == jobstore.StatusQueued {
		jm.finish(id, jobstore.StatusCancelled, "cancelled before start")
		return true, nil
	}
	return false, nil
}
