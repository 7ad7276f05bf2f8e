package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/billrun/internal/domain"
)

// Memory is an in-process Store. It enforces the same uniqueness and
// compare-and-swap rules as the Postgres store under a single mutex and is
// used by tests and by STORE=memory deployments.
type Memory struct {
	mu sync.Mutex

	invoices  map[string]domain.Invoice
	emailLogs map[string]domain.EmailLog
	followUps map[string]domain.FollowUpLog
	payments  map[string]domain.PaymentRequest
	jobRuns   map[string]domain.JobRun

	// FailOn, when set, is consulted at the start of every call with the
	// operation name (e.g. "GetInvoice"). A non-nil return is returned to
	// the caller unchanged.
	FailOn func(op string) error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		invoices:  make(map[string]domain.Invoice),
		emailLogs: make(map[string]domain.EmailLog),
		followUps: make(map[string]domain.FollowUpLog),
		payments:  make(map[string]domain.PaymentRequest),
		jobRuns:   make(map[string]domain.JobRun),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) fail(op string) error {
	if m.FailOn == nil {
		return nil
	}
	return m.FailOn(op)
}

// =============================================================================
// Invoices
// =============================================================================

func (m *Memory) CreateInvoice(ctx context.Context, inv domain.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateInvoice"); err != nil {
		return err
	}

	if _, ok := m.invoices[inv.ID]; ok {
		return domain.Conflict("store.create_invoice", "invoice id already exists")
	}
	for _, existing := range m.invoices {
		if existing.Number == inv.Number {
			return domain.ErrDuplicateNumber
		}
	}
	m.invoices[inv.ID] = inv
	return nil
}

func (m *Memory) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetInvoice"); err != nil {
		return domain.Invoice{}, err
	}

	inv, ok := m.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (m *Memory) ListInvoicesByStatus(ctx context.Context, statuses ...domain.InvoiceStatus) ([]domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListInvoicesByStatus"); err != nil {
		return nil, err
	}

	want := make(map[domain.InvoiceStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []domain.Invoice
	for _, inv := range m.invoices {
		if want[inv.Status] {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) TransitionInvoice(ctx context.Context, id string, from domain.InvoiceStatus, t domain.InvoiceTransition) (domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TransitionInvoice"); err != nil {
		return domain.Invoice{}, err
	}

	inv, ok := m.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	if inv.Status != from {
		return domain.Invoice{}, domain.ErrStaleStatus
	}
	t.Apply(&inv)
	m.invoices[id] = inv
	return inv, nil
}

// =============================================================================
// Email logs
// =============================================================================

func (m *Memory) InsertEmailLog(ctx context.Context, log domain.EmailLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertEmailLog"); err != nil {
		return err
	}

	m.emailLogs[log.ID] = log
	return nil
}

func (m *Memory) CompleteEmailLog(ctx context.Context, id string, result domain.EmailResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CompleteEmailLog"); err != nil {
		return err
	}

	log, ok := m.emailLogs[id]
	if !ok {
		return ErrEmailLogNotFound
	}
	log.Status = result.Status
	log.ProviderMessageID = result.ProviderMessageID
	log.Error = result.Error
	log.UpdatedAt = result.At
	m.emailLogs[id] = log
	return nil
}

func (m *Memory) ListEmailLogs(ctx context.Context, invoiceID string) ([]domain.EmailLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListEmailLogs"); err != nil {
		return nil, err
	}

	var out []domain.EmailLog
	for _, l := range m.emailLogs {
		if l.InvoiceID == invoiceID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// Follow-ups
// =============================================================================

func (m *Memory) InsertFollowUp(ctx context.Context, log domain.FollowUpLog) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertFollowUp"); err != nil {
		return 0, err
	}

	prevFound := log.Level == 1
	for _, existing := range m.followUps {
		if existing.InvoiceID != log.InvoiceID {
			continue
		}
		if existing.Level == log.Level {
			return AlreadyExists, nil
		}
		if existing.Level == log.Level-1 {
			prevFound = true
		}
	}
	if !prevFound {
		return 0, domain.ErrLevelGap
	}

	m.followUps[log.ID] = log
	return Inserted, nil
}

func (m *Memory) CompleteFollowUp(ctx context.Context, id string, result domain.FollowUpResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CompleteFollowUp"); err != nil {
		return err
	}

	log, ok := m.followUps[id]
	if !ok {
		return ErrFollowUpNotFound
	}
	if log.Status != domain.FollowUpNotSent {
		return domain.ErrStaleStatus
	}
	log.Status = result.Status
	log.MessageID = result.MessageID
	log.Error = result.Error
	if result.Status == domain.FollowUpSent {
		at := result.At
		log.SentAt = &at
	}
	m.followUps[id] = log
	return nil
}

func (m *Memory) ListFollowUps(ctx context.Context, invoiceID string) ([]domain.FollowUpLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListFollowUps"); err != nil {
		return nil, err
	}

	var out []domain.FollowUpLog
	for _, l := range m.followUps {
		if l.InvoiceID == invoiceID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

// =============================================================================
// Payment requests
// =============================================================================

func (m *Memory) InsertPaymentRequest(ctx context.Context, pr domain.PaymentRequest) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertPaymentRequest"); err != nil {
		return 0, err
	}

	for _, existing := range m.payments {
		if existing.ExternalRequestID == pr.ExternalRequestID {
			return AlreadyExists, nil
		}
		if existing.InvoiceID == pr.InvoiceID && existing.Status == domain.PaymentPending && pr.Status == domain.PaymentPending {
			return AlreadyExists, nil
		}
	}
	m.payments[pr.ID] = pr
	return Inserted, nil
}

func (m *Memory) GetPaymentRequestByExternalID(ctx context.Context, externalID string) (domain.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPaymentRequestByExternalID"); err != nil {
		return domain.PaymentRequest{}, err
	}

	for _, pr := range m.payments {
		if pr.ExternalRequestID == externalID {
			return pr, nil
		}
	}
	return domain.PaymentRequest{}, ErrPaymentRequestNotFound
}

func (m *Memory) GetActivePaymentRequest(ctx context.Context, invoiceID string) (domain.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetActivePaymentRequest"); err != nil {
		return domain.PaymentRequest{}, err
	}

	for _, pr := range m.payments {
		if pr.InvoiceID == invoiceID && pr.Status == domain.PaymentPending {
			return pr, nil
		}
	}
	return domain.PaymentRequest{}, ErrPaymentRequestNotFound
}

func (m *Memory) ListPaymentRequests(ctx context.Context, invoiceID string) ([]domain.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListPaymentRequests"); err != nil {
		return nil, err
	}

	var out []domain.PaymentRequest
	for _, pr := range m.payments {
		if pr.InvoiceID == invoiceID {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AdvancePaymentRequest(ctx context.Context, id string, from domain.PaymentStatus, adv domain.PaymentAdvance) (domain.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AdvancePaymentRequest"); err != nil {
		return domain.PaymentRequest{}, err
	}

	pr, ok := m.payments[id]
	if !ok {
		return domain.PaymentRequest{}, ErrPaymentRequestNotFound
	}
	if pr.Status != from {
		return domain.PaymentRequest{}, domain.ErrStaleStatus
	}
	pr.Status = adv.Status
	gw := adv.GatewayUpdatedAt
	pr.GatewayUpdatedAt = &gw
	pr.UpdatedAt = adv.At
	m.payments[id] = pr
	return pr, nil
}

// =============================================================================
// Job runs
// =============================================================================

func (m *Memory) StartJobRun(ctx context.Context, run domain.JobRun) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("StartJobRun"); err != nil {
		return 0, err
	}

	for _, existing := range m.jobRuns {
		if existing.JobName == run.JobName && existing.Status == domain.JobRunning {
			return AlreadyExists, nil
		}
	}
	run.Status = domain.JobRunning
	run.ItemsProcessed = 0
	if run.HeartbeatAt.IsZero() {
		run.HeartbeatAt = run.StartedAt
	}
	m.jobRuns[run.ID] = run
	return Inserted, nil
}

func (m *Memory) IncrementJobRun(ctx context.Context, id string, delta int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("IncrementJobRun"); err != nil {
		return err
	}

	run, ok := m.jobRuns[id]
	if !ok {
		return ErrJobRunNotFound
	}
	if run.Status != domain.JobRunning {
		return domain.ErrStaleStatus
	}
	run.ItemsProcessed += delta
	if at.After(run.HeartbeatAt) {
		run.HeartbeatAt = at
	}
	m.jobRuns[id] = run
	return nil
}

func (m *Memory) FinishJobRun(ctx context.Context, id string, result domain.JobRunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FinishJobRun"); err != nil {
		return err
	}

	run, ok := m.jobRuns[id]
	if !ok {
		return ErrJobRunNotFound
	}
	if run.Status != domain.JobRunning {
		return domain.ErrStaleStatus
	}
	m.jobRuns[id] = finish(run, result)
	return nil
}

func (m *Memory) FailStaleJobRuns(ctx context.Context, jobName string, cutoff time.Time, result domain.JobRunResult) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FailStaleJobRuns"); err != nil {
		return 0, err
	}

	n := 0
	for id, run := range m.jobRuns {
		if run.JobName == jobName && run.Status == domain.JobRunning && run.HeartbeatAt.Before(cutoff) {
			result.ItemsProcessed = run.ItemsProcessed
			m.jobRuns[id] = finish(run, result)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetRunningJobRun(ctx context.Context, jobName string) (domain.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetRunningJobRun"); err != nil {
		return domain.JobRun{}, err
	}

	for _, run := range m.jobRuns {
		if run.JobName == jobName && run.Status == domain.JobRunning {
			return run, nil
		}
	}
	return domain.JobRun{}, ErrJobRunNotFound
}

func (m *Memory) LatestJobRun(ctx context.Context, jobName string) (domain.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LatestJobRun"); err != nil {
		return domain.JobRun{}, err
	}

	var latest domain.JobRun
	found := false
	for _, run := range m.jobRuns {
		if run.JobName != jobName {
			continue
		}
		if !found || run.StartedAt.After(latest.StartedAt) {
			latest = run
			found = true
		}
	}
	if !found {
		return domain.JobRun{}, ErrJobRunNotFound
	}
	return latest, nil
}

func finish(run domain.JobRun, result domain.JobRunResult) domain.JobRun {
	at := result.At
	run.Status = result.Status
	if result.ItemsProcessed > run.ItemsProcessed {
		run.ItemsProcessed = result.ItemsProcessed
	}
	run.Error = result.Error
	run.FinishedAt = &at
	return run
}
