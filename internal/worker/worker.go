package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/billrun/internal/domain"
)

// Runner executes one job run synchronously.
type Runner interface {
	Run(ctx context.Context, jobName string) (domain.JobRun, error)
}

// Config holds scheduler configuration
type Config struct {
	// WorkerID identifies this scheduler instance in logs
	WorkerID string

	// JobName is the job triggered on every tick
	JobName string

	// Interval is how often the job is triggered
	Interval time.Duration

	// RunOnStart triggers the job immediately instead of waiting one interval
	RunOnStart bool

	// RunTimeout bounds a single triggered run. Zero means unbounded.
	RunTimeout time.Duration
}

// Scheduler triggers a job on a fixed interval. Runs never overlap within a
// scheduler; across processes the store rejects a second RUNNING run.
type Scheduler struct {
	config Config
	runner Runner
	logger *slog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(runner Runner, config Config, logger *slog.Logger) *Scheduler {
	// Set defaults
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.Interval == 0 {
		config.Interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		config: config,
		runner: runner,
		logger: logger,
	}
}

// Start triggers the job until the context is cancelled. An in-flight run
// sees the cancellation, stops taking new invoices and is finalized before
// Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		"worker_id", s.config.WorkerID,
		"job_name", s.config.JobName,
		"interval", s.config.Interval,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.RunOnStart {
		s.trigger(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down", "worker_id", s.config.WorkerID)
			return ctx.Err()

		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

// trigger runs the job once and logs the outcome
func (s *Scheduler) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	run, err := s.runner.Run(ctx, s.config.JobName)
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		s.logger.Info("job already running, skipping tick",
			"worker_id", s.config.WorkerID,
			"job_name", s.config.JobName,
		)
	case err != nil:
		s.logger.Error("scheduled job failed",
			"worker_id", s.config.WorkerID,
			"job_name", s.config.JobName,
			"run_id", run.ID,
			"error", err,
		)
	default:
		s.logger.Info("scheduled job completed",
			"worker_id", s.config.WorkerID,
			"job_name", s.config.JobName,
			"run_id", run.ID,
			"items_processed", run.ItemsProcessed,
		)
	}
}
