package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/lock"
	"github.com/dukerupert/billrun/internal/notify"
	"github.com/dukerupert/billrun/internal/store"
	"github.com/dukerupert/billrun/internal/telemetry"
	"github.com/google/uuid"
)

// AckOutcome tells the gateway what happened to a callback.
type AckOutcome string

const (
	AckApplied   AckOutcome = "applied"
	AckDuplicate AckOutcome = "duplicate"
	AckUnknown   AckOutcome = "unknown"
)

// Ack is the reconciliation result. Retryable means the gateway should
// deliver the callback again later.
type Ack struct {
	Outcome   AckOutcome
	Retryable bool
}

// Reconciler applies gateway callbacks to payment requests and invoices.
type Reconciler struct {
	store    store.Store
	invoices *InvoiceMachine
	locker   lock.Locker
	notifier notify.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler. A nil locker serializes in process.
func NewReconciler(st store.Store, invoices *InvoiceMachine, locker lock.Locker, notifier notify.Sink, logger *slog.Logger) *Reconciler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    st,
		invoices: invoices,
		locker:   locker,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "reconciler")),
		now:      time.Now,
	}
}

// HandleCallback moves the payment request named by cb forward. Callbacks
// that do not move it forward are acknowledged as duplicates. For a
// completed payment the invoice is settled before the request is advanced,
// so a retried callback finishes whatever a failed attempt left undone.
func (r *Reconciler) HandleCallback(ctx context.Context, cb billing.Callback) (Ack, error) {
	const op = "payment.reconcile"

	if !cb.Status.Valid() {
		return Ack{Outcome: AckDuplicate}, &domain.Error{Code: domain.EINVALID, Op: op, Message: "Unknown payment status " + string(cb.Status), Err: ErrUnknownStatus}
	}

	logger := r.logger.With(
		slog.String("external_request_id", cb.ExternalRequestID),
		slog.String("status", string(cb.Status)))

	for attempt := 1; ; attempt++ {
		pr, err := r.store.GetPaymentRequestByExternalID(ctx, cb.ExternalRequestID)
		if err != nil {
			if domain.ErrorCode(err) == domain.ENOTFOUND {
				logger.Info("callback for unknown payment request")
				r.record(cb.Status, AckUnknown)
				return Ack{Outcome: AckUnknown, Retryable: true}, &domain.Error{
					Code:    domain.ENOTFOUND,
					Op:      op,
					Message: "Payment request " + cb.ExternalRequestID + " not found",
					Err:     domain.ErrUnknownPaymentRequest,
				}
			}
			return Ack{Retryable: true}, err
		}

		if !domain.CanAdvance(pr.Status, cb.Status) {
			logger.Debug("callback does not advance payment request",
				slog.String("payment_request_id", pr.ID),
				slog.String("stored_status", string(pr.Status)))
			r.record(cb.Status, AckDuplicate)
			return Ack{Outcome: AckDuplicate}, nil
		}

		ack, err := r.advance(ctx, pr, cb)
		if errors.Is(err, domain.ErrStaleStatus) && attempt < maxTransitionAttempts {
			logger.Debug("payment request changed concurrently, re-reading", slog.Int("attempt", attempt))
			continue
		}
		if errors.Is(err, domain.ErrStaleStatus) {
			// Whoever won the race has already recorded a terminal status.
			r.record(cb.Status, AckDuplicate)
			return Ack{Outcome: AckDuplicate}, nil
		}
		if err != nil {
			logger.Error("failed to reconcile payment",
				slog.String("payment_request_id", pr.ID),
				slog.String("error", err.Error()))
			return ack, err
		}

		r.record(cb.Status, AckApplied)
		logger.Info("payment callback applied",
			slog.String("payment_request_id", pr.ID),
			slog.String("invoice_id", pr.InvoiceID))
		return ack, nil
	}
}

func (r *Reconciler) advance(ctx context.Context, pr domain.PaymentRequest, cb billing.Callback) (Ack, error) {
	gatewayAt := cb.Timestamp
	if gatewayAt.IsZero() {
		gatewayAt = r.now()
	}
	adv := domain.PaymentAdvance{Status: cb.Status, GatewayUpdatedAt: gatewayAt.UTC(), At: r.now().UTC()}

	if cb.Status != domain.PaymentCompleted {
		if _, err := r.store.AdvancePaymentRequest(ctx, pr.ID, pr.Status, adv); err != nil {
			return Ack{Retryable: true}, err
		}
		r.notifyFailure(ctx, pr, cb.Status)
		return Ack{Outcome: AckApplied}, nil
	}

	unlock, err := r.locker.Lock(ctx, lock.InvoiceKey(pr.InvoiceID))
	if err != nil {
		return Ack{Retryable: true}, domain.Unavailable(err, "payment.reconcile")
	}
	defer unlock()

	if _, err := r.invoices.MarkPaid(ctx, pr.InvoiceID, pr.ID); err != nil {
		return Ack{Retryable: retryable(err)}, err
	}
	if _, err := r.store.AdvancePaymentRequest(ctx, pr.ID, pr.Status, adv); err != nil {
		return Ack{Retryable: true}, err
	}
	return Ack{Outcome: AckApplied}, nil
}

func (r *Reconciler) notifyFailure(ctx context.Context, pr domain.PaymentRequest, status domain.PaymentStatus) {
	if r.notifier == nil {
		return
	}

	event := notify.EventPaymentFailed
	if status == domain.PaymentExpired {
		event = notify.EventPaymentExpired
	}

	var createdBy string
	inv, err := r.store.GetInvoice(ctx, pr.InvoiceID)
	if err == nil {
		createdBy = inv.CreatedBy
	}

	n := notify.Notification{
		ID:         uuid.NewString(),
		Event:      event,
		InvoiceID:  pr.InvoiceID,
		Recipients: notify.Stakeholders(createdBy),
		Data: map[string]string{
			"payment_request_id":  pr.ID,
			"external_request_id": pr.ExternalRequestID,
			"invoice_number":      inv.Number,
		},
		At: r.now().UTC(),
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("invoice_id", pr.InvoiceID),
			slog.String("error", err.Error()))
	}
}

func (r *Reconciler) record(status domain.PaymentStatus, outcome AckOutcome) {
	if telemetry.Business != nil {
		telemetry.Business.PaymentCallbacks.WithLabelValues(string(status), string(outcome)).Inc()
	}
}

// retryable reports whether a failure may succeed on redelivery.
func retryable(err error) bool {
	switch domain.ErrorCode(err) {
	case domain.EINVALID, domain.ECONFLICT, domain.ENOTFOUND:
		return false
	}
	return true
}
