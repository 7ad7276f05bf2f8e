// Package store defines the persistence boundary of the billing engine.
//
// Every uniqueness and compare-and-swap rule the engine depends on is enforced
// here, not in the callers: at most one follow-up per (invoice, level), at most
// one PENDING payment request per invoice, at most one RUNNING run per job,
// and status writes that only succeed when the stored status still matches
// what the caller observed.
package store

import (
	"context"
	"time"

	"github.com/dukerupert/billrun/internal/domain"
)

// InsertResult is the outcome of a conditional insert.
type InsertResult int

const (
	Inserted InsertResult = iota
	AlreadyExists
)

func (r InsertResult) String() string {
	if r == AlreadyExists {
		return "already_exists"
	}
	return "inserted"
}

// InvoiceStore persists invoices.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv domain.Invoice) error
	GetInvoice(ctx context.Context, id string) (domain.Invoice, error)

	// ListInvoicesByStatus returns invoices in any of the given statuses,
	// oldest first.
	ListInvoicesByStatus(ctx context.Context, statuses ...domain.InvoiceStatus) ([]domain.Invoice, error)

	// TransitionInvoice applies t only if the stored status equals from.
	// Returns domain.ErrStaleStatus when it does not.
	TransitionInvoice(ctx context.Context, id string, from domain.InvoiceStatus, t domain.InvoiceTransition) (domain.Invoice, error)
}

// EmailLogStore persists outbound email audit records.
type EmailLogStore interface {
	InsertEmailLog(ctx context.Context, log domain.EmailLog) error
	CompleteEmailLog(ctx context.Context, id string, result domain.EmailResult) error
	ListEmailLogs(ctx context.Context, invoiceID string) ([]domain.EmailLog, error)
}

// FollowUpStore persists escalation levels.
type FollowUpStore interface {
	// InsertFollowUp reserves log.Level for log.InvoiceID. Returns AlreadyExists
	// when the level is taken and domain.ErrLevelGap when level-1 is missing.
	InsertFollowUp(ctx context.Context, log domain.FollowUpLog) (InsertResult, error)

	// CompleteFollowUp records the send outcome of a NOT_SENT level.
	CompleteFollowUp(ctx context.Context, id string, result domain.FollowUpResult) error

	// ListFollowUps returns the invoice's levels in ascending order.
	ListFollowUps(ctx context.Context, invoiceID string) ([]domain.FollowUpLog, error)
}

// PaymentRequestStore persists gateway checkouts.
type PaymentRequestStore interface {
	// InsertPaymentRequest returns AlreadyExists when the invoice already has a
	// PENDING request or the external id is taken.
	InsertPaymentRequest(ctx context.Context, pr domain.PaymentRequest) (InsertResult, error)
	GetPaymentRequestByExternalID(ctx context.Context, externalID string) (domain.PaymentRequest, error)
	GetActivePaymentRequest(ctx context.Context, invoiceID string) (domain.PaymentRequest, error)
	ListPaymentRequests(ctx context.Context, invoiceID string) ([]domain.PaymentRequest, error)

	// AdvancePaymentRequest applies adv only if the stored status equals from.
	// Returns domain.ErrStaleStatus when it does not.
	AdvancePaymentRequest(ctx context.Context, id string, from domain.PaymentStatus, adv domain.PaymentAdvance) (domain.PaymentRequest, error)
}

// JobRunStore persists job executions.
type JobRunStore interface {
	// StartJobRun inserts run as RUNNING. Returns AlreadyExists when another
	// run of the same job is RUNNING.
	StartJobRun(ctx context.Context, run domain.JobRun) (InsertResult, error)

	// IncrementJobRun adds delta to the processed counter of a RUNNING run
	// and records at as its heartbeat.
	IncrementJobRun(ctx context.Context, id string, delta int, at time.Time) error

	// FinishJobRun moves a RUNNING run to its final status exactly once.
	// Returns domain.ErrStaleStatus when the run is no longer RUNNING.
	FinishJobRun(ctx context.Context, id string, result domain.JobRunResult) error

	// FailStaleJobRuns marks RUNNING runs whose last heartbeat is before
	// cutoff as FAILED.
	FailStaleJobRuns(ctx context.Context, jobName string, cutoff time.Time, result domain.JobRunResult) (int, error)

	GetRunningJobRun(ctx context.Context, jobName string) (domain.JobRun, error)
	LatestJobRun(ctx context.Context, jobName string) (domain.JobRun, error)
}

// Store is the full persistence boundary.
type Store interface {
	InvoiceStore
	EmailLogStore
	FollowUpStore
	PaymentRequestStore
	JobRunStore
}

// Not-found errors returned by store implementations.
var (
	ErrPaymentRequestNotFound = &domain.Error{Code: domain.ENOTFOUND, Message: "Payment request not found"}
	ErrJobRunNotFound         = &domain.Error{Code: domain.ENOTFOUND, Message: "Job run not found"}
	ErrEmailLogNotFound       = &domain.Error{Code: domain.ENOTFOUND, Message: "Email log not found"}
	ErrFollowUpNotFound       = &domain.Error{Code: domain.ENOTFOUND, Message: "Follow-up not found"}
)
