package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/billrun/internal/domain"
)

// JobRunner runs named jobs and reports their state.
type JobRunner interface {
	Run(ctx context.Context, jobName string) (domain.JobRun, error)
	Status(ctx context.Context, jobName string) (domain.JobStatusReport, error)
}

// JobHandler is the manual trigger for background jobs.
type JobHandler struct {
	runner     JobRunner
	runTimeout time.Duration
}

// NewJobHandler creates a new JobHandler. Runs triggered over HTTP survive a
// client disconnect but are bounded by runTimeout.
func NewJobHandler(runner JobRunner, runTimeout time.Duration) *JobHandler {
	if runTimeout <= 0 {
		runTimeout = 10 * time.Minute
	}
	return &JobHandler{runner: runner, runTimeout: runTimeout}
}

// JobRunResponse is the outcome of a manually triggered run.
type JobRunResponse struct {
	Run   domain.JobRun `json:"run"`
	Error *ErrorDetail  `json:"error,omitempty"`
}

// Run handles POST /api/jobs/:name/run. The run executes synchronously.
func (h *JobHandler) Run(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), h.runTimeout)
	defer cancel()

	run, err := h.runner.Run(ctx, c.Param("name"))
	if err == nil {
		return c.JSON(http.StatusOK, JobRunResponse{Run: run})
	}
	if run.ID == "" {
		// The run never started (unknown job, already running).
		return err
	}

	// The run was recorded as FAILED; report it together with the cause.
	return c.JSON(statusOf(err), JobRunResponse{
		Run: run,
		Error: &ErrorDetail{
			Code:    domain.ErrorCode(err),
			Message: domain.ErrorMessage(err),
		},
	})
}

// Status handles GET /api/jobs/:name/status
func (h *JobHandler) Status(c echo.Context) error {
	report, err := h.runner.Status(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
