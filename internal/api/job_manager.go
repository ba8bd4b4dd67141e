// Package api provides HTTP handlers for the histo-embed server.
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/histo-embed/server/internal/loadstore"
)

// ErrQueueFull is returned when a load cannot be queued.
var ErrQueueFull = errors.New("load queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent load jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	Logger        *slog.Logger
}

// Executor runs one load job. Progress and outcomes go to store.
type Executor func(ctx context.Context, store *loadstore.Store, jobID string) error

// JobManager manages dataset load jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *loadstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	logger   *slog.Logger

	// Executor is called to run the actual load.
	Executor Executor
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := loadstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
		logger:  logger.With("component", "load_jobs"),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *loadstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.logger.Error("failed to mark running jobs as failed", "error", err)
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedRuns()
	if err != nil {
		jm.logger.Error("failed to list queued jobs", "error", err)
	} else {
		for _, run := range queued {
			select {
			case jm.queue <- run.ID:
				jm.logger.Info("re-queued job", "job_id", run.ID)
			default:
				jm.logger.Warn("queue full, cannot re-queue job", "job_id", run.ID)
			}
		}
	}

	// Start workers
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	// Start cleanup ticker
	go jm.cleaner()
}

// Stop cancels running jobs and stops all workers.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	run, err := jm.store.GetRun(jobID)
	if err != nil || run == nil || run.Status != loadstore.RunStatusQueued {
		// Cancelled before start, or deleted.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	// Mark as running
	if err := jm.store.UpdateRunStarted(jobID); err != nil {
		jm.logger.Error("failed to mark job started", "job_id", jobID, "error", err)
		return
	}
	jm.logger.Info("load started", "job_id", jobID, "csv_path", run.Params.CSVPath)

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	// Update final status
	var status loadstore.RunStatus
	var msg string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = loadstore.RunStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = loadstore.RunStatusFailed, execErr.Error()
	default:
		status = loadstore.RunStatusCompleted
	}
	if err := jm.store.UpdateRunStatus(jobID, status, msg); err != nil {
		jm.logger.Error("failed to update job status", "job_id", jobID, "error", err)
	}
	jm.logger.Info("load finished", "job_id", jobID, "status", string(status), "error", msg)
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
	deleted, err := jm.store.DeleteExpiredRuns(jm.cfg.RetentionDays)
	if err != nil {
		jm.logger.Error("cleanup failed", "error", err)
	} else if deleted > 0 {
		jm.logger.Info("cleaned up expired jobs", "deleted", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params loadstore.RunParams) (*loadstore.Run, error) {
	run := &loadstore.Run{
		ID:        uuid.NewString(),
		Status:    loadstore.RunStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateRun(run); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- run.ID:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateRunStatus(run.ID, loadstore.RunStatusFailed, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}

	return run, nil
}

// Get returns a job by ID, or nil if it does not exist.
func (jm *JobManager) Get(id string) *loadstore.Run {
	run, err := jm.store.GetRun(id)
	if err != nil {
		jm.logger.Error("failed to get job", "job_id", id, "error", err)
		return nil
	}
	return run
}

// List returns the most recent jobs.
func (jm *JobManager) List(limit int) ([]*loadstore.Run, error) {
	return jm.store.ListRuns(limit)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	run, err := jm.store.GetRun(id)
	if err != nil || run == nil {
		return false
	}
	if run.Status == loadstore.RunStatusQueued {
		jm.store.UpdateRunStatus(id, loadstore.RunStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its slide outcomes.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteRun(id)
}

// Wait blocks until job id is finished or ctx is done.
func (jm *JobManager) Wait(ctx context.Context, id string) (*loadstore.Run, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := jm.store.GetRun(id)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, errors.New("job not found")
		}
		switch run.Status {
		case loadstore.RunStatusCompleted, loadstore.RunStatusFailed, loadstore.RunStatusCancelled:
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}
