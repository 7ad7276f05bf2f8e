package domain

import "time"

// ErrAlreadyRunning is returned when a run is requested while another run of
// the same job is still RUNNING.
var ErrAlreadyRunning = &Error{Code: ECONFLICT, Message: "Job is already running"}

// JobStatus is the state of a single job run.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// JobRun records one execution of a named job.
type JobRun struct {
	ID             string     `json:"id"`
	JobName        string     `json:"job_name"`
	Status         JobStatus  `json:"status"`
	ItemsProcessed int        `json:"items_processed"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`

	// HeartbeatAt is the last time the run reported progress.
	HeartbeatAt time.Time `json:"heartbeat_at"`

	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// JobRunResult finalizes a RUNNING run.
type JobRunResult struct {
	Status         JobStatus
	ItemsProcessed int
	Error          string
	At             time.Time
}

// JobStatusReport answers "is the job running and how did it last end".
type JobStatusReport struct {
	Running bool    `json:"running"`
	LastRun *JobRun `json:"last_run,omitempty"`
}
