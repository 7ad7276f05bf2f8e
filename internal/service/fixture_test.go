package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/email"
	"github.com/dukerupert/billrun/internal/notify"
	"github.com/dukerupert/billrun/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errStoreDown = domain.Unavailable(errors.New("connection refused"), "store")

// testClock is a settable clock shared by the machine and the policy.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *store.Memory
	gateway *billing.MockGateway
	sender  *email.MockSender
	mailer  *email.Service
	clock   *testClock
	logger  *slog.Logger
	machine *InvoiceMachine
}

// newFixture wires an InvoiceMachine to in-memory collaborators. notifier
// may be nil.
func newFixture(t *testing.T, notifier notify.Sink) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	f := &fixture{
		store:   store.NewMemory(),
		gateway: billing.NewMockGateway(),
		sender:  email.NewMockSender(ctrl),
		clock:   newTestClock(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	mailer, err := email.NewService(f.sender, email.ServiceConfig{
		FromAddress: "billing@example.test",
		FromName:    "Example Billing",
		Timeout:     time.Second,
	}, f.logger)
	require.NoError(t, err)
	f.mailer = mailer

	f.machine = NewInvoiceMachine(f.store, f.gateway, f.mailer, notifier, InvoiceConfig{
		CompanyName: "Example Co",
		Now:         f.clock.Now,
	}, f.logger)
	return f
}

func (f *fixture) newPolicy(t *testing.T, cfg EscalationConfig) *Policy {
	t.Helper()
	p, err := NewPolicy(f.store, f.mailer, cfg, "Example Co", f.logger)
	require.NoError(t, err)
	p.now = f.clock.Now
	return p
}

// createInvoice stores a DRAFT invoice.
func (f *fixture) createInvoice(t *testing.T) *domain.Invoice {
	t.Helper()
	inv, err := f.machine.Create(context.Background(), domain.CreateInvoiceParams{
		Number:      "INV-" + uuid.NewString()[:8],
		ClientName:  "Acme Corp",
		ClientEmail: "ap@acme.test",
		Amount:      decimal.RequireFromString("1250.00"),
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)
	return inv
}

// approvedInvoice drives a new invoice to APPROVED.
func (f *fixture) approvedInvoice(t *testing.T) *domain.Invoice {
	t.Helper()
	ctx := context.Background()
	inv := f.createInvoice(t)
	_, err := f.machine.Submit(ctx, inv.ID)
	require.NoError(t, err)
	inv, err = f.machine.Approve(ctx, domain.ApproveInvoiceParams{InvoiceID: inv.ID, ApproverID: "approver-1"})
	require.NoError(t, err)
	return inv
}

// sentInvoice drives a new invoice to SENT with a successful email.
func (f *fixture) sentInvoice(t *testing.T) *domain.Invoice {
	t.Helper()
	inv := f.approvedInvoice(t)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return("msg-invoice", nil)
	inv, err := f.machine.MarkSent(context.Background(), inv.ID)
	require.NoError(t, err)
	return inv
}

// pendingInvoice drives a new invoice to PENDING_APPROVAL.
func (f *fixture) pendingInvoice(t *testing.T) *domain.Invoice {
	t.Helper()
	inv := f.createInvoice(t)
	inv, err := f.machine.Submit(context.Background(), inv.ID)
	require.NoError(t, err)
	return inv
}

func (f *fixture) reload(t *testing.T, id string) domain.Invoice {
	t.Helper()
	inv, err := f.store.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}
