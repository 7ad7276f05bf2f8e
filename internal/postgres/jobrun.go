package postgres

import (
	"context"
	"time"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/store"
)

const jobRunColumns = `id, job_name, status, items_processed, error, started_at, heartbeat_at, finished_at, created_at`

func scanJobRun(row rowScanner) (domain.JobRun, error) {
	var (
		run    domain.JobRun
		status string
	)
	if err := row.Scan(&run.ID, &run.JobName, &status, &run.ItemsProcessed, &run.Error,
		&run.StartedAt, &run.HeartbeatAt, &run.FinishedAt, &run.CreatedAt); err != nil {
		return domain.JobRun{}, err
	}
	run.Status = domain.JobStatus(status)
	return run, nil
}

// StartJobRun relies on the partial unique index on RUNNING runs per job.
func (s *Store) StartJobRun(ctx context.Context, run domain.JobRun) (store.InsertResult, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_name, status, items_processed, started_at, heartbeat_at, created_at)
		VALUES ($1, $2, 'RUNNING', 0, $3, $3, $3)
		ON CONFLICT DO NOTHING`,
		run.ID, run.JobName, run.StartedAt,
	)
	if err != nil {
		return 0, storeErr("store.start_job_run", err)
	}
	if tag.RowsAffected() == 0 {
		return store.AlreadyExists, nil
	}
	return store.Inserted, nil
}

func (s *Store) IncrementJobRun(ctx context.Context, id string, delta int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET items_processed = items_processed + $2, heartbeat_at = GREATEST(heartbeat_at, $3)
		WHERE id = $1 AND status = 'RUNNING'`, id, delta, at)
	if err != nil {
		return storeErr("store.increment_job_run", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleStatus
	}
	return nil
}

func (s *Store) FinishJobRun(ctx context.Context, id string, result domain.JobRunResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, items_processed = GREATEST(items_processed, $3), error = $4, finished_at = $5
		WHERE id = $1 AND status = 'RUNNING'`,
		id, string(result.Status), result.ItemsProcessed, result.Error, result.At,
	)
	if err != nil {
		return storeErr("store.finish_job_run", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleStatus
	}
	return nil
}

func (s *Store) FailStaleJobRuns(ctx context.Context, jobName string, cutoff time.Time, result domain.JobRunResult) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $3, error = $4, finished_at = $5
		WHERE job_name = $1 AND status = 'RUNNING' AND heartbeat_at < $2`,
		jobName, cutoff, string(result.Status), result.Error, result.At,
	)
	if err != nil {
		return 0, storeErr("store.fail_stale_job_runs", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetRunningJobRun(ctx context.Context, jobName string) (domain.JobRun, error) {
	run, err := scanJobRun(s.pool.QueryRow(ctx,
		`SELECT `+jobRunColumns+` FROM job_runs WHERE job_name = $1 AND status = 'RUNNING'`, jobName))
	if isNoRows(err) {
		return domain.JobRun{}, store.ErrJobRunNotFound
	}
	return run, storeErr("store.get_running_job_run", err)
}

func (s *Store) LatestJobRun(ctx context.Context, jobName string) (domain.JobRun, error) {
	run, err := scanJobRun(s.pool.QueryRow(ctx, `
		SELECT `+jobRunColumns+`
		FROM job_runs
		WHERE job_name = $1
		ORDER BY started_at DESC
		LIMIT 1`, jobName))
	if isNoRows(err) {
		return domain.JobRun{}, store.ErrJobRunNotFound
	}
	return run, storeErr("store.latest_job_run", err)
}
