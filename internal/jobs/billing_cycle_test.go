package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/email"
	"github.com/dukerupert/billrun/internal/lock"
	"github.com/dukerupert/billrun/internal/service"
	"github.com/dukerupert/billrun/internal/store"
)

var (
	testNow      = time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC)
	errStoreDown = domain.Unavailable(errors.New("connection refused"), "store")
	discard      = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// fakeDispatcher records calls and optionally blocks until released.
type fakeDispatcher struct {
	mu          sync.Mutex
	sent        []string
	resubmitted []string
	escalated   []string
	errs        map[string]error

	started chan struct{}
	release chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{errs: make(map[string]error)}
}

func (f *fakeDispatcher) wait() {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
}

func (f *fakeDispatcher) MarkSent(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, invoiceID)
	return &domain.Invoice{ID: invoiceID, Status: domain.InvoiceSent}, f.errs[invoiceID]
}

func (f *fakeDispatcher) Resubmit(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resubmitted = append(f.resubmitted, invoiceID)
	return &domain.Invoice{ID: invoiceID, Status: domain.InvoicePendingApproval}, f.errs[invoiceID]
}

func (f *fakeDispatcher) Escalate(ctx context.Context, inv domain.Invoice, now time.Time) (service.EscalationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, inv.ID)
	return service.EscalationResult{}, f.errs[inv.ID]
}

func (f *fakeDispatcher) calls() (sent, escalated, resubmitted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent = append([]string(nil), f.sent...)
	escalated = append([]string(nil), f.escalated...)
	resubmitted = append([]string(nil), f.resubmitted...)
	sort.Strings(sent)
	return sent, escalated, resubmitted
}

func newTestRunner(st store.Store, fake *fakeDispatcher, cfg Config) *Runner {
	r := NewRunner(st, fake, fake, lock.NewLocal(), cfg, discard)
	r.now = func() time.Time { return testNow }
	return r
}

func seed(t *testing.T, st *store.Memory, id string, status domain.InvoiceStatus, mutate ...func(*domain.Invoice)) {
	t.Helper()
	inv := domain.Invoice{
		ID:          id,
		Number:      "INV-" + id,
		ClientName:  "Acme Corp",
		ClientEmail: "ap@acme.test",
		Amount:      decimal.NewFromInt(100),
		Currency:    "USD",
		Status:      status,
		CreatedBy:   "user-1",
		CreatedAt:   testNow.Add(-48 * time.Hour),
	}
	for _, m := range mutate {
		m(&inv)
	}
	require.NoError(t, st.CreateInvoice(context.Background(), inv))
}

func rescheduled(at time.Time) func(*domain.Invoice) {
	return func(inv *domain.Invoice) { inv.RescheduleAt = &at }
}

func TestRunner_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("second start is rejected", func(t *testing.T) {
		st := store.NewMemory()
		r := newTestRunner(st, newFakeDispatcher(), Config{})

		run, err := r.Start(ctx, JobBillingCycle)
		require.NoError(t, err)
		assert.Equal(t, domain.JobRunning, run.Status)
		assert.Zero(t, run.ItemsProcessed)

		_, err = r.Start(ctx, JobBillingCycle)
		assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
		assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	})

	t.Run("unknown job", func(t *testing.T) {
		r := newTestRunner(store.NewMemory(), newFakeDispatcher(), Config{})

		_, err := r.Start(ctx, "nightly_export")
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})

	t.Run("abandoned run is recovered", func(t *testing.T) {
		st := store.NewMemory()
		_, err := st.StartJobRun(ctx, domain.JobRun{ID: "old", JobName: JobBillingCycle, StartedAt: testNow.Add(-3 * time.Hour)})
		require.NoError(t, err)
		r := newTestRunner(st, newFakeDispatcher(), Config{StaleAfter: time.Hour})

		run, err := r.Start(ctx, JobBillingCycle)
		require.NoError(t, err)
		assert.NotEqual(t, "old", run.ID)

		report, err := r.Status(ctx, JobBillingCycle)
		require.NoError(t, err)
		assert.True(t, report.Running)
		require.NotNil(t, report.LastRun)
		assert.Equal(t, run.ID, report.LastRun.ID)
	})

	t.Run("long run that reports progress is left alone", func(t *testing.T) {
		st := store.NewMemory()
		_, err := st.StartJobRun(ctx, domain.JobRun{ID: "long", JobName: JobBillingCycle, StartedAt: testNow.Add(-3 * time.Hour)})
		require.NoError(t, err)
		require.NoError(t, st.IncrementJobRun(ctx, "long", 1, testNow.Add(-5*time.Minute)))
		r := newTestRunner(st, newFakeDispatcher(), Config{StaleAfter: time.Hour})

		_, err = r.Start(ctx, JobBillingCycle)
		assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

		running, err := st.GetRunningJobRun(ctx, JobBillingCycle)
		require.NoError(t, err)
		assert.Equal(t, "long", running.ID)
	})

	t.Run("recent run is left alone", func(t *testing.T) {
		st := store.NewMemory()
		_, err := st.StartJobRun(ctx, domain.JobRun{ID: "recent", JobName: JobBillingCycle, StartedAt: testNow.Add(-10 * time.Minute)})
		require.NoError(t, err)
		r := newTestRunner(st, newFakeDispatcher(), Config{StaleAfter: time.Hour})

		_, err = r.Start(ctx, JobBillingCycle)
		assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	})
}

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches each candidate by status", func(t *testing.T) {
		st := store.NewMemory()
		seed(t, st, "approved", domain.InvoiceApproved)
		seed(t, st, "sent", domain.InvoiceSent)
		seed(t, st, "rejected-due", domain.InvoiceRejected, rescheduled(testNow.Add(-time.Hour)))
		seed(t, st, "rejected-later", domain.InvoiceRejected, rescheduled(testNow.Add(time.Hour)))
		seed(t, st, "rejected-final", domain.InvoiceRejected)
		seed(t, st, "draft", domain.InvoiceDraft)
		seed(t, st, "paid", domain.InvoicePaid)

		fake := newFakeDispatcher()
		r := newTestRunner(st, fake, Config{})

		run, err := r.Run(ctx, JobBillingCycle)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, run.Status)
		assert.Equal(t, 3, run.ItemsProcessed)
		require.NotNil(t, run.FinishedAt)

		sent, escalated, resubmitted := fake.calls()
		assert.Equal(t, []string{"approved"}, sent)
		assert.Equal(t, []string{"sent"}, escalated)
		assert.Equal(t, []string{"rejected-due"}, resubmitted)

		report, err := r.Status(ctx, JobBillingCycle)
		require.NoError(t, err)
		assert.False(t, report.Running)
		require.NotNil(t, report.LastRun)
		assert.Equal(t, domain.JobCompleted, report.LastRun.Status)
		assert.Equal(t, 3, report.LastRun.ItemsProcessed)
	})

	t.Run("item failures do not abort the cycle", func(t *testing.T) {
		st := store.NewMemory()
		seed(t, st, "a", domain.InvoiceApproved)
		seed(t, st, "b", domain.InvoiceApproved)
		seed(t, st, "c", domain.InvoiceSent)

		fake := newFakeDispatcher()
		fake.errs["a"] = &domain.DeliveryError{Channel: "email", Target: "ap@acme.test", Err: errors.New("550")}
		fake.errs["c"] = domain.ErrInvalidTransition
		r := newTestRunner(st, fake, Config{})

		run, err := r.Run(ctx, JobBillingCycle)

		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, run.Status)
		assert.Equal(t, 3, run.ItemsProcessed)
		sent, _, _ := fake.calls()
		assert.Equal(t, []string{"a", "b"}, sent)
	})

	t.Run("store outage aborts and fails the run", func(t *testing.T) {
		st := store.NewMemory()
		seed(t, st, "sent", domain.InvoiceSent)

		fake := newFakeDispatcher()
		fake.errs["sent"] = errStoreDown
		r := newTestRunner(st, fake, Config{})

		run, err := r.Run(ctx, JobBillingCycle)

		require.Error(t, err)
		assert.True(t, domain.IsCode(err, domain.EUNAVAILABLE))
		assert.Equal(t, domain.JobFailed, run.Status)
		assert.Contains(t, run.Error, "connection refused")

		report, err := r.Status(ctx, JobBillingCycle)
		require.NoError(t, err)
		assert.False(t, report.Running)
		assert.Equal(t, domain.JobFailed, report.LastRun.Status)
		assert.Contains(t, report.LastRun.Error, "connection refused")
	})

	t.Run("listing failure records a failed run", func(t *testing.T) {
		st := store.NewMemory()
		st.FailOn = func(op string) error {
			if op == "ListInvoicesByStatus" {
				return errStoreDown
			}
			return nil
		}
		r := newTestRunner(st, newFakeDispatcher(), Config{})

		run, err := r.Run(ctx, JobBillingCycle)

		require.Error(t, err)
		assert.Equal(t, domain.JobFailed, run.Status)
		assert.Zero(t, run.ItemsProcessed)
	})

	t.Run("bounded parallelism processes every invoice", func(t *testing.T) {
		st := store.NewMemory()
		for i := 0; i < 20; i++ {
			seed(t, st, string(rune('a'+i)), domain.InvoiceApproved)
		}
		fake := newFakeDispatcher()
		r := newTestRunner(st, fake, Config{Concurrency: 4})

		run, err := r.Run(ctx, JobBillingCycle)

		require.NoError(t, err)
		assert.Equal(t, 20, run.ItemsProcessed)
		sent, _, _ := fake.calls()
		assert.Len(t, sent, 20)
	})
}

func TestRunner_RunWhileRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st, "approved", domain.InvoiceApproved)

	fake := newFakeDispatcher()
	fake.started = make(chan struct{}, 1)
	fake.release = make(chan struct{})
	r := newTestRunner(st, fake, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, JobBillingCycle)
		done <- err
	}()

	select {
	case <-fake.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the dispatcher")
	}

	_, err := r.Run(ctx, JobBillingCycle)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	report, err := r.Status(ctx, JobBillingCycle)
	require.NoError(t, err)
	assert.True(t, report.Running)

	close(fake.release)
	require.NoError(t, <-done)

	report, err = r.Status(ctx, JobBillingCycle)
	require.NoError(t, err)
	assert.False(t, report.Running)
	assert.Equal(t, 1, report.LastRun.ItemsProcessed)
}

func TestRunner_Status_NoRuns(t *testing.T) {
	r := newTestRunner(store.NewMemory(), newFakeDispatcher(), Config{})

	report, err := r.Status(context.Background(), JobBillingCycle)

	require.NoError(t, err)
	assert.False(t, report.Running)
	assert.Nil(t, report.LastRun)
}

// The cycle drives the real state machine and escalation policy.
func TestRunner_BillingCycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clock := testNow

	mailer, err := email.NewService(email.NewLogSender(discard), email.ServiceConfig{FromAddress: "billing@example.test"}, discard)
	require.NoError(t, err)
	machine := service.NewInvoiceMachine(st, billing.NewMockGateway(), mailer, nil, service.InvoiceConfig{
		CompanyName: "Example Co",
		Now:         func() time.Time { return clock },
	}, discard)
	policy, err := service.NewPolicy(st, mailer, service.DefaultEscalationConfig(), "Example Co", discard)
	require.NoError(t, err)

	seed(t, st, "inv-1", domain.InvoiceApproved)

	r := NewRunner(st, machine, policy, lock.NewLocal(), Config{Concurrency: 2}, discard)
	r.now = func() time.Time { return clock }

	_, err = r.Run(ctx, JobBillingCycle)
	require.NoError(t, err)

	inv, err := st.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceSent, inv.Status)

	emails, err := st.ListEmailLogs(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, domain.EmailSent, emails[0].Status)

	clock = clock.Add(8 * 24 * time.Hour)
	_, err = r.Run(ctx, JobBillingCycle)
	require.NoError(t, err)
	_, err = r.Run(ctx, JobBillingCycle)
	require.NoError(t, err)

	followUps, err := st.ListFollowUps(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Equal(t, 1, followUps[0].Level)
	assert.Equal(t, domain.FollowUpSent, followUps[0].Status)
}
