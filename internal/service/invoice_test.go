package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/email"
	"github.com/dukerupert/billrun/internal/notify"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestInvoiceMachine_Create(t *testing.T) {
	valid := domain.CreateInvoiceParams{
		Number:      "INV-2001",
		ClientName:  "Acme Corp",
		ClientEmail: "ap@acme.test",
		Amount:      decimal.RequireFromString("99.90"),
		CreatedBy:   "user-1",
	}

	tests := []struct {
		name      string
		mutate    func(p *domain.CreateInvoiceParams)
		wantField string
	}{
		{name: "missing number", mutate: func(p *domain.CreateInvoiceParams) { p.Number = "  " }, wantField: "number"},
		{name: "bad email", mutate: func(p *domain.CreateInvoiceParams) { p.ClientEmail = "not-an-email" }, wantField: "client_email"},
		{name: "zero amount", mutate: func(p *domain.CreateInvoiceParams) { p.Amount = decimal.Zero }, wantField: "amount"},
		{name: "negative amount", mutate: func(p *domain.CreateInvoiceParams) { p.Amount = decimal.NewFromInt(-5) }, wantField: "amount"},
		{name: "currency length", mutate: func(p *domain.CreateInvoiceParams) { p.Currency = "EURO" }, wantField: "currency"},
		{name: "missing creator", mutate: func(p *domain.CreateInvoiceParams) { p.CreatedBy = "" }, wantField: "created_by"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			params := valid
			tt.mutate(&params)

			inv, err := f.machine.Create(context.Background(), params)

			require.Error(t, err)
			assert.Nil(t, inv)
			assert.True(t, domain.IsValidationError(err))
			assert.Contains(t, domain.GetValidationFields(err), tt.wantField)
		})
	}

	t.Run("amount-only failure names the operation", func(t *testing.T) {
		f := newFixture(t, nil)
		params := valid
		params.Amount = decimal.Zero

		_, err := f.machine.Create(context.Background(), params)

		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "invoice.create", ve.Op)
		assert.Equal(t, "invoice.create: amount must be greater than 0", err.Error())
	})

	t.Run("stores a draft with the default currency", func(t *testing.T) {
		f := newFixture(t, nil)

		inv, err := f.machine.Create(context.Background(), valid)
		require.NoError(t, err)

		assert.Equal(t, domain.InvoiceDraft, inv.Status)
		assert.Equal(t, "USD", inv.Currency)
		assert.Equal(t, f.clock.Now(), inv.CreatedAt)

		stored := f.reload(t, inv.ID)
		assert.Equal(t, inv.Number, stored.Number)
		assert.True(t, stored.Amount.Equal(valid.Amount))
	})

	t.Run("duplicate number conflicts", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.machine.Create(context.Background(), valid)
		require.NoError(t, err)

		_, err = f.machine.Create(context.Background(), valid)
		assert.ErrorIs(t, err, domain.ErrDuplicateNumber)
	})
}

func TestInvoiceMachine_Transitions(t *testing.T) {
	ctx := context.Background()

	t.Run("approve requires pending approval", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.createInvoice(t)

		_, err := f.machine.Approve(ctx, domain.ApproveInvoiceParams{InvoiceID: inv.ID, ApproverID: "approver-1"})

		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Equal(t, domain.ErrorCode(err), domain.ECONFLICT)
		assert.Equal(t, domain.InvoiceDraft, f.reload(t, inv.ID).Status)
	})

	t.Run("repeating a transition is a no-op", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.pendingInvoice(t)
		submittedAt := *inv.SubmittedAt

		f.clock.Advance(time.Hour)
		again, err := f.machine.Submit(ctx, inv.ID)

		require.NoError(t, err)
		assert.Equal(t, domain.InvoicePendingApproval, again.Status)
		assert.Equal(t, submittedAt, *again.SubmittedAt)
	})

	t.Run("approve records approver", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)

		assert.Equal(t, domain.InvoiceApproved, inv.Status)
		assert.Equal(t, "approver-1", inv.ApprovedBy)
		require.NotNil(t, inv.ApprovedAt)
	})

	t.Run("paid is terminal", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)
		_, err := f.machine.MarkPaid(ctx, inv.ID, "pr-1")
		require.NoError(t, err)

		_, err = f.machine.Submit(ctx, inv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = f.machine.MarkSent(ctx, inv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("unknown invoice", func(t *testing.T) {
		f := newFixture(t, nil)

		_, err := f.machine.Submit(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
	})

	t.Run("store failure is surfaced", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.createInvoice(t)
		f.store.FailOn = func(op string) error {
			if op == "TransitionInvoice" {
				return errStoreDown
			}
			return nil
		}

		_, err := f.machine.Submit(ctx, inv.ID)
		assert.True(t, domain.IsCode(err, domain.EUNAVAILABLE))
	})
}

func TestInvoiceMachine_Reject(t *testing.T) {
	ctx := context.Background()

	t.Run("reason is mandatory", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.pendingInvoice(t)

		_, err := f.machine.Reject(ctx, domain.RejectInvoiceParams{InvoiceID: inv.ID, RejecterID: "approver-1", Reason: "   "})

		require.Error(t, err)
		assert.Contains(t, domain.GetValidationFields(err), "reason")
		assert.Equal(t, domain.InvoicePendingApproval, f.reload(t, inv.ID).Status)
	})

	t.Run("notifies creator and finance", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		sink := notify.NewMockSink(ctrl)
		f := newFixture(t, sink)
		inv := f.pendingInvoice(t)
		reschedule := f.clock.Now().Add(72 * time.Hour)

		sink.EXPECT().
			Notify(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, n notify.Notification) error {
				assert.Equal(t, notify.EventInvoiceRejected, n.Event)
				assert.Equal(t, inv.ID, n.InvoiceID)
				assert.Equal(t, []notify.Recipient{notify.User("user-1"), notify.Role(notify.RoleFinance)}, n.Recipients)
				assert.Equal(t, "Client PO missing", n.Data["reason"])
				assert.NotEmpty(t, n.Data["reschedule_at"])
				assert.NotEmpty(t, n.ID)
				return nil
			})

		rejected, err := f.machine.Reject(ctx, domain.RejectInvoiceParams{
			InvoiceID:    inv.ID,
			RejecterID:   "approver-1",
			Reason:       "Client PO missing",
			RescheduleAt: &reschedule,
		})

		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceRejected, rejected.Status)
		assert.Equal(t, "Client PO missing", rejected.RejectionReason)
		require.NotNil(t, rejected.RescheduleAt)
	})

	t.Run("notification failure does not fail the rejection", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		sink := notify.NewMockSink(ctrl)
		f := newFixture(t, sink)
		inv := f.pendingInvoice(t)

		sink.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("nats: no servers available"))

		rejected, err := f.machine.Reject(ctx, domain.RejectInvoiceParams{InvoiceID: inv.ID, RejecterID: "approver-1", Reason: "Wrong amount"})

		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceRejected, rejected.Status)
	})
}

func TestInvoiceMachine_Resubmit(t *testing.T) {
	ctx := context.Background()

	reject := func(t *testing.T, f *fixture, reschedule *time.Time) *domain.Invoice {
		t.Helper()
		inv := f.pendingInvoice(t)
		inv, err := f.machine.Reject(ctx, domain.RejectInvoiceParams{
			InvoiceID:    inv.ID,
			RejecterID:   "approver-1",
			Reason:       "Not yet",
			RescheduleAt: reschedule,
		})
		require.NoError(t, err)
		return inv
	}

	t.Run("requires a reschedule date", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := reject(t, f, nil)

		_, err := f.machine.Resubmit(ctx, inv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("clears the reschedule date", func(t *testing.T) {
		f := newFixture(t, nil)
		at := f.clock.Now().Add(24 * time.Hour)
		inv := reject(t, f, &at)

		inv, err := f.machine.Resubmit(ctx, inv.ID)
		require.NoError(t, err)

		assert.Equal(t, domain.InvoicePendingApproval, inv.Status)
		assert.Nil(t, inv.RescheduleAt)
	})

	t.Run("draft cannot be resubmitted", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.createInvoice(t)

		_, err := f.machine.Resubmit(ctx, inv.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestInvoiceMachine_MarkSent(t *testing.T) {
	ctx := context.Background()

	t.Run("sends email with checkout link", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)

		var checkoutURL string
		f.gateway.CreateCheckoutFunc = func(ctx context.Context, params billing.CheckoutParams) (*billing.Checkout, error) {
			assert.Equal(t, inv.ID+":1", params.IdempotencyKey)
			assert.True(t, params.Amount.Equal(inv.Amount))
			checkoutURL = "https://checkout.example.test/cs_1"
			return &billing.Checkout{ExternalRequestID: "cs_1", URL: checkoutURL}, nil
		}
		f.sender.EXPECT().
			Send(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, e *email.Email) (string, error) {
				assert.Equal(t, []string{"ap@acme.test"}, e.To)
				assert.Contains(t, e.HTMLBody, checkoutURL)
				assert.NotEmpty(t, e.Headers[email.CorrelationHeader])
				return "msg-1", nil
			})

		sent, err := f.machine.MarkSent(ctx, inv.ID)

		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceSent, sent.Status)
		require.NotNil(t, sent.SentAt)

		detail, err := f.machine.Get(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, detail.EmailLogs, 1)
		assert.Equal(t, domain.EmailSent, detail.EmailLogs[0].Status)
		assert.Equal(t, "msg-1", detail.EmailLogs[0].ProviderMessageID)
		require.Len(t, detail.PaymentRequests, 1)
		assert.Equal(t, domain.PaymentPending, detail.PaymentRequests[0].Status)
		assert.Equal(t, "cs_1", detail.PaymentRequests[0].ExternalRequestID)
	})

	t.Run("failed email is a delivery warning", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)
		f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return("", errors.New("550 mailbox unavailable"))

		sent, err := f.machine.MarkSent(ctx, inv.ID)

		require.Error(t, err)
		assert.True(t, domain.IsDeliveryError(err))
		require.NotNil(t, sent)
		assert.Equal(t, domain.InvoiceSent, sent.Status)

		detail, err := f.machine.Get(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, detail.EmailLogs, 1)
		assert.Equal(t, domain.EmailFailed, detail.EmailLogs[0].Status)
		assert.Contains(t, detail.EmailLogs[0].Error, "550")
	})

	t.Run("gateway failure still dispatches", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)
		f.gateway.CreateCheckoutFunc = func(ctx context.Context, params billing.CheckoutParams) (*billing.Checkout, error) {
			return nil, &billing.StripeError{Message: "api down", HTTPStatus: 503}
		}
		f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return("msg-1", nil)

		sent, err := f.machine.MarkSent(ctx, inv.ID)

		require.Error(t, err)
		var de *domain.DeliveryError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "payment_gateway", de.Channel)
		assert.Equal(t, domain.InvoiceSent, sent.Status)
	})

	t.Run("store outage aborts before dispatch", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)
		f.store.FailOn = func(op string) error {
			if op == "GetActivePaymentRequest" {
				return errStoreDown
			}
			return nil
		}

		_, err := f.machine.MarkSent(ctx, inv.ID)

		assert.True(t, domain.IsCode(err, domain.EUNAVAILABLE))
		f.store.FailOn = nil
		assert.Equal(t, domain.InvoiceApproved, f.reload(t, inv.ID).Status)
	})

	t.Run("unrecorded dispatch leaves the invoice approved", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)
		f.store.FailOn = func(op string) error {
			if op == "InsertEmailLog" {
				return errStoreDown
			}
			return nil
		}

		_, err := f.machine.MarkSent(ctx, inv.ID)

		assert.True(t, domain.IsCode(err, domain.EUNAVAILABLE))
		f.store.FailOn = nil
		assert.Equal(t, domain.InvoiceApproved, f.reload(t, inv.ID).Status)
		logs, err := f.store.ListEmailLogs(ctx, inv.ID)
		require.NoError(t, err)
		assert.Empty(t, logs)

		// A retry dispatches normally.
		f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return("msg-2", nil)
		sent, err := f.machine.MarkSent(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceSent, sent.Status)

		logs, err = f.store.ListEmailLogs(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, domain.EmailKindInvoice, logs[0].Kind)
		assert.Equal(t, domain.EmailSent, logs[0].Status)
	})

	t.Run("failed status write closes the reserved log", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)
		f.store.FailOn = func(op string) error {
			if op == "TransitionInvoice" {
				return errStoreDown
			}
			return nil
		}

		_, err := f.machine.MarkSent(ctx, inv.ID)

		assert.True(t, domain.IsCode(err, domain.EUNAVAILABLE))
		f.store.FailOn = nil
		assert.Equal(t, domain.InvoiceApproved, f.reload(t, inv.ID).Status)
		logs, err := f.store.ListEmailLogs(ctx, inv.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, domain.EmailFailed, logs[0].Status)
		assert.Contains(t, logs[0].Error, "dispatch aborted")
	})

	t.Run("already sent is a no-op", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.sentInvoice(t)

		again, err := f.machine.MarkSent(ctx, inv.ID)

		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceSent, again.Status)
	})

	t.Run("concurrent dispatch sends one email", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)

		var sends atomic.Int32
		f.sender.EXPECT().
			Send(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, e *email.Email) (string, error) {
				sends.Add(1)
				return "msg-1", nil
			}).
			AnyTimes()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sent, err := f.machine.MarkSent(ctx, inv.ID)
				assert.NoError(t, err)
				if assert.NotNil(t, sent) {
					assert.Equal(t, domain.InvoiceSent, sent.Status)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), sends.Load())
		payments, err := f.store.ListPaymentRequests(ctx, inv.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)

		logs, err := f.store.ListEmailLogs(ctx, inv.ID)
		require.NoError(t, err)
		var delivered int
		for _, l := range logs {
			if l.Status == domain.EmailSent {
				delivered++
			} else {
				assert.Equal(t, domain.EmailFailed, l.Status)
			}
		}
		assert.Equal(t, 1, delivered)
	})
}

func TestInvoiceMachine_RequestPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("draft cannot accept payment", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.createInvoice(t)

		_, err := f.machine.RequestPayment(ctx, inv.ID)

		assert.ErrorIs(t, err, domain.ErrPaymentNotAllowed)
		assert.Empty(t, f.gateway.Calls())
	})

	t.Run("gateway failures are payment errors", func(t *testing.T) {
		tests := []struct {
			err     error
			message string
		}{
			{&billing.StripeError{Message: "api down", HTTPStatus: 503}, "Payment gateway is temporarily unavailable"},
			{&billing.StripeError{Message: "declined", Code: "card_declined"}, "Payment gateway declined the checkout"},
			{billing.ErrAmountTooSmall, "Invoice amount is too small to collect"},
			{&billing.StripeError{Message: "bad param", Code: "parameter_invalid", HTTPStatus: 400}, "Payment gateway rejected the checkout"},
		}
		for _, tt := range tests {
			f := newFixture(t, nil)
			inv := f.approvedInvoice(t)
			f.gateway.CreateCheckoutFunc = func(ctx context.Context, params billing.CheckoutParams) (*billing.Checkout, error) {
				return nil, tt.err
			}

			_, err := f.machine.RequestPayment(ctx, inv.ID)

			require.Error(t, err)
			assert.True(t, domain.IsCode(err, domain.EPAYMENT))
			assert.Equal(t, tt.message, domain.ErrorMessage(err))
			assert.ErrorIs(t, err, tt.err)
		}
	})

	t.Run("returns the active request", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)

		first, err := f.machine.RequestPayment(ctx, inv.ID)
		require.NoError(t, err)
		second, err := f.machine.RequestPayment(ctx, inv.ID)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, f.gateway.Calls(), 1)
	})

	t.Run("opens a new request after expiry", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.approvedInvoice(t)

		var keys []string
		f.gateway.CreateCheckoutFunc = func(ctx context.Context, params billing.CheckoutParams) (*billing.Checkout, error) {
			keys = append(keys, params.IdempotencyKey)
			id := "cs_" + params.IdempotencyKey
			return &billing.Checkout{ExternalRequestID: id, URL: "https://checkout.example.test/" + id}, nil
		}

		first, err := f.machine.RequestPayment(ctx, inv.ID)
		require.NoError(t, err)
		_, err = f.store.AdvancePaymentRequest(ctx, first.ID, domain.PaymentPending, domain.PaymentAdvance{
			Status:           domain.PaymentExpired,
			GatewayUpdatedAt: f.clock.Now(),
			At:               f.clock.Now(),
		})
		require.NoError(t, err)

		second, err := f.machine.RequestPayment(ctx, inv.ID)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, []string{inv.ID + ":1", inv.ID + ":2"}, keys)
	})
}

func TestInvoiceMachine_MarkPaid(t *testing.T) {
	ctx := context.Background()

	t.Run("settles a sent invoice once", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.sentInvoice(t)

		paid, err := f.machine.MarkPaid(ctx, inv.ID, "pr-1")
		require.NoError(t, err)
		assert.Equal(t, domain.InvoicePaid, paid.Status)
		assert.Equal(t, "pr-1", paid.PaidWith)

		f.clock.Advance(time.Minute)
		again, err := f.machine.MarkPaid(ctx, inv.ID, "pr-2")
		require.NoError(t, err)
		assert.Equal(t, "pr-1", again.PaidWith)
		assert.Equal(t, *paid.PaidAt, *again.PaidAt)
	})

	t.Run("rejected invoice cannot be paid", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := f.pendingInvoice(t)
		_, err := f.machine.Reject(ctx, domain.RejectInvoiceParams{InvoiceID: inv.ID, RejecterID: "approver-1", Reason: "No"})
		require.NoError(t, err)

		_, err = f.machine.MarkPaid(ctx, inv.ID, "pr-1")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}
