// Package jobs runs the periodic billing cycle and records each execution
// as a JobRun.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/lock"
	"github.com/dukerupert/billrun/internal/service"
	"github.com/dukerupert/billrun/internal/store"
	"github.com/dukerupert/billrun/internal/telemetry"
)

// JobBillingCycle is the only job the runner knows: auto-send approved
// invoices, escalate sent ones, resubmit rescheduled rejections.
const JobBillingCycle = "billing_cycle"

// Actions taken on a candidate invoice
const (
	ActionSend     = "invoice:send"
	ActionEscalate = "invoice:escalate"
	ActionResubmit = "invoice:resubmit"
	ActionSkip     = "invoice:skip"
)

// Dispatcher is the part of the invoice state machine the cycle drives.
type Dispatcher interface {
	MarkSent(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	Resubmit(ctx context.Context, invoiceID string) (*domain.Invoice, error)
}

// Escalator sends the next reminder when it is due.
type Escalator interface {
	Escalate(ctx context.Context, inv domain.Invoice, now time.Time) (service.EscalationResult, error)
}

// Config holds runner configuration
type Config struct {
	// Concurrency is the number of invoices processed in parallel
	Concurrency int

	// StaleAfter marks a RUNNING run older than this as abandoned before a
	// new run starts. Zero disables recovery.
	StaleAfter time.Duration
}

// Runner executes billing cycles. It is safe for concurrent use; the store
// guarantees at most one RUNNING run per job.
type Runner struct {
	store     store.Store
	invoices  Dispatcher
	escalator Escalator
	locker    lock.Locker
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a runner. A nil locker serializes in process.
func NewRunner(
	st store.Store,
	invoices Dispatcher,
	escalator Escalator,
	locker lock.Locker,
	config Config,
	logger *slog.Logger,
) *Runner {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		store:     st,
		invoices:  invoices,
		escalator: escalator,
		locker:    locker,
		config:    config,
		logger:    logger.With(slog.String("component", "job_runner")),
		now:       time.Now,
	}
}

// Jobs lists the job names the runner accepts.
func (r *Runner) Jobs() []string {
	return []string{JobBillingCycle}
}

func (r *Runner) knows(jobName string) error {
	if jobName == JobBillingCycle {
		return nil
	}
	return domain.NotFound("job.lookup", "job", jobName)
}

// Start records a new RUNNING run with a zero counter. It returns
// domain.ErrAlreadyRunning when another run of the job is in progress.
func (r *Runner) Start(ctx context.Context, jobName string) (domain.JobRun, error) {
	if err := r.knows(jobName); err != nil {
		return domain.JobRun{}, err
	}

	now := r.now().UTC()
	if r.config.StaleAfter > 0 {
		n, err := r.store.FailStaleJobRuns(ctx, jobName, now.Add(-r.config.StaleAfter), domain.JobRunResult{
			Status: domain.JobFailed,
			Error:  fmt.Sprintf("abandoned: no progress reported for %s", r.config.StaleAfter),
			At:     now,
		})
		if err != nil {
			return domain.JobRun{}, err
		}
		if n > 0 {
			r.logger.Warn("recovered abandoned job runs",
				slog.String("job_name", jobName),
				slog.Int("count", n))
		}
	}

	run := domain.JobRun{
		ID:        uuid.NewString(),
		JobName:   jobName,
		Status:    domain.JobRunning,
		StartedAt:   now,
		HeartbeatAt: now,
		CreatedAt:   now,
	}
	res, err := r.store.StartJobRun(ctx, run)
	if err != nil {
		return domain.JobRun{}, err
	}
	if res == store.AlreadyExists {
		return domain.JobRun{}, &domain.Error{
			Code:    domain.ECONFLICT,
			Op:      "job.start",
			Message: fmt.Sprintf("Job %s is already running", jobName),
			Err:     domain.ErrAlreadyRunning,
		}
	}

	r.logger.Info("job run started",
		slog.String("job_name", jobName),
		slog.String("run_id", run.ID))
	return run, nil
}

// Run executes one full cycle synchronously and returns the finished run.
// Per-invoice failures are logged and skipped; a store outage aborts the
// cycle and the run is recorded as FAILED.
func (r *Runner) Run(ctx context.Context, jobName string) (domain.JobRun, error) {
	run, err := r.Start(ctx, jobName)
	if err != nil {
		return domain.JobRun{}, err
	}

	started := time.Now()
	processed, cycleErr := r.cycle(ctx, run)

	result := domain.JobRunResult{Status: domain.JobCompleted, ItemsProcessed: processed, At: r.now().UTC()}
	if cycleErr != nil {
		result.Status = domain.JobFailed
		result.Error = cycleErr.Error()
	}

	// The run is finalized even when the caller is shutting down.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.FinishJobRun(finishCtx, run.ID, result); err != nil {
		r.logger.Error("failed to finish job run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
		if cycleErr == nil {
			cycleErr = err
		}
	}

	if telemetry.Business != nil {
		telemetry.Business.JobRuns.WithLabelValues(jobName, string(result.Status)).Inc()
		telemetry.Business.JobItemsProcessed.WithLabelValues(jobName).Add(float64(processed))
		telemetry.Business.JobDuration.WithLabelValues(jobName).Observe(time.Since(started).Seconds())
	}

	run.Status = result.Status
	run.ItemsProcessed = processed
	run.Error = result.Error
	run.FinishedAt = &result.At

	if cycleErr != nil {
		telemetry.CaptureJobError(cycleErr, jobName, run.ID)
		r.logger.Error("job run failed",
			slog.String("job_name", jobName),
			slog.String("run_id", run.ID),
			slog.Int("items_processed", processed),
			slog.String("error", cycleErr.Error()))
		return run, cycleErr
	}

	r.logger.Info("job run completed",
		slog.String("job_name", jobName),
		slog.String("run_id", run.ID),
		slog.Int("items_processed", processed),
		slog.Duration("duration", time.Since(started)))
	return run, nil
}

// Status reports whether the job is running and how its latest run ended.
func (r *Runner) Status(ctx context.Context, jobName string) (domain.JobStatusReport, error) {
	if err := r.knows(jobName); err != nil {
		return domain.JobStatusReport{}, err
	}

	var report domain.JobStatusReport
	if _, err := r.store.GetRunningJobRun(ctx, jobName); err == nil {
		report.Running = true
	} else if !errors.Is(err, store.ErrJobRunNotFound) {
		return report, err
	}

	latest, err := r.store.LatestJobRun(ctx, jobName)
	switch {
	case err == nil:
		report.LastRun = &latest
	case !errors.Is(err, store.ErrJobRunNotFound):
		return report, err
	}
	return report, nil
}

// cycle processes every candidate and returns how many were attempted.
func (r *Runner) cycle(ctx context.Context, run domain.JobRun) (int, error) {
	candidates, err := r.candidates(ctx)
	if err != nil {
		return 0, err
	}

	logger := r.logger.With(slog.String("run_id", run.ID))
	logger.Info("billing cycle candidates", slog.Int("count", len(candidates)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)

	counted := make(chan struct{}, len(candidates))
	for _, inv := range candidates {
		if gctx.Err() != nil {
			break
		}
		inv := inv
		g.Go(func() error {
			action, err := r.process(gctx, inv)
			if incErr := r.store.IncrementJobRun(gctx, run.ID, 1, r.now().UTC()); incErr != nil {
				return fmt.Errorf("failed to record progress: %w", incErr)
			}
			counted <- struct{}{}

			if err == nil {
				return nil
			}
			if domain.IsCode(err, domain.EUNAVAILABLE) {
				return err
			}
			r.itemFailed(logger, run.JobName, inv.ID, action, err)
			return nil
		})
	}

	err = g.Wait()
	close(counted)
	processed := len(counted)

	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("interrupted: %w", ctx.Err())
	}
	return processed, err
}

// candidates lists invoices the cycle may act on, oldest first.
func (r *Runner) candidates(ctx context.Context) ([]domain.Invoice, error) {
	all, err := r.store.ListInvoicesByStatus(ctx, domain.InvoiceApproved, domain.InvoiceSent, domain.InvoiceRejected)
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := all[:0]
	for _, inv := range all {
		if inv.Status == domain.InvoiceRejected && !inv.ResubmitDue(now) {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

// process acts on one invoice under its lock. The invoice is re-read after
// the lock is taken since the listing may be stale.
func (r *Runner) process(ctx context.Context, candidate domain.Invoice) (string, error) {
	unlock, err := r.locker.Lock(ctx, lock.InvoiceKey(candidate.ID))
	if err != nil {
		return ActionSkip, fmt.Errorf("failed to lock invoice: %w", err)
	}
	defer unlock()

	inv, err := r.store.GetInvoice(ctx, candidate.ID)
	if err != nil {
		return ActionSkip, err
	}

	now := r.now()
	switch {
	case inv.Status == domain.InvoiceApproved:
		_, err := r.invoices.MarkSent(ctx, inv.ID)
		return ActionSend, err

	case inv.Status == domain.InvoiceSent:
		_, err := r.escalator.Escalate(ctx, inv, now)
		return ActionEscalate, err

	case inv.ResubmitDue(now):
		_, err := r.invoices.Resubmit(ctx, inv.ID)
		return ActionResubmit, err

	default:
		r.logger.Debug("invoice no longer a candidate",
			slog.String("invoice_id", inv.ID),
			slog.String("status", string(inv.Status)))
		return ActionSkip, nil
	}
}

func (r *Runner) itemFailed(logger *slog.Logger, jobName, invoiceID, action string, err error) {
	if telemetry.Business != nil {
		telemetry.Business.JobItemErrors.WithLabelValues(jobName, action).Inc()
	}

	if domain.IsDeliveryError(err) {
		logger.Warn("billing cycle delivery failed",
			slog.String("invoice_id", invoiceID),
			slog.String("action", action),
			slog.String("error", err.Error()))
		return
	}
	logger.Error("billing cycle item failed",
		slog.String("invoice_id", invoiceID),
		slog.String("action", action),
		slog.String("error", err.Error()))
}
