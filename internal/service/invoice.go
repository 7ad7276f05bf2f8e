package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/email"
	"github.com/dukerupert/billrun/internal/notify"
	"github.com/dukerupert/billrun/internal/store"
	"github.com/dukerupert/billrun/internal/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// maxTransitionAttempts bounds compare-and-swap retries after a lost race.
const maxTransitionAttempts = 3

// Mailer is the part of *email.Service the billing core uses.
type Mailer interface {
	SendInvoice(ctx context.Context, to, correlationID string, data email.InvoiceEmail) email.Result
	SendReminder(ctx context.Context, to, correlationID string, data email.ReminderEmail) email.Result
	HasTemplate(name string) bool
}

// InvoiceConfig holds settings shared by every invoice.
type InvoiceConfig struct {
	// CompanyName signs dispatch and reminder emails
	CompanyName string

	// DefaultCurrency applies when an invoice is created without one
	DefaultCurrency string

	// Now overrides the clock in tests
	Now func() time.Time
}

// InvoiceMachine drives invoices through the transition table. It owns
// every invoice status write.
type InvoiceMachine struct {
	store    store.Store
	gateway  billing.Gateway
	mailer   Mailer
	notifier notify.Sink
	validate *validator.Validate
	config   InvoiceConfig
	logger   *slog.Logger
}

// NewInvoiceMachine creates a new InvoiceMachine instance.
func NewInvoiceMachine(
	st store.Store,
	gateway billing.Gateway,
	mailer Mailer,
	notifier notify.Sink,
	config InvoiceConfig,
	logger *slog.Logger,
) *InvoiceMachine {
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "USD"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &InvoiceMachine{
		store:    st,
		gateway:  gateway,
		mailer:   mailer,
		notifier: notifier,
		validate: newValidator(),
		config:   config,
		logger:   logger.With(slog.String("component", "invoice_machine")),
	}
}

var _ domain.InvoiceService = (*InvoiceMachine)(nil)

// Create stores a new invoice in DRAFT.
func (m *InvoiceMachine) Create(ctx context.Context, params domain.CreateInvoiceParams) (*domain.Invoice, error) {
	const op = "invoice.create"

	params.Number = strings.TrimSpace(params.Number)
	params.ClientName = strings.TrimSpace(params.ClientName)
	params.ClientEmail = strings.TrimSpace(params.ClientEmail)
	params.Currency = strings.ToUpper(strings.TrimSpace(params.Currency))

	err := validationError(op, m.validate.Struct(params))
	if !params.Amount.IsPositive() {
		if err == nil {
			err = domain.NewValidationError(op, "amount", "must be greater than 0")
		} else {
			err = domain.AddFieldError(err, "amount", "must be greater than 0")
		}
	}
	if err != nil {
		return nil, err
	}

	currency := params.Currency
	if currency == "" {
		currency = m.config.DefaultCurrency
	}

	now := m.config.Now().UTC()
	inv := domain.Invoice{
		ID:          uuid.NewString(),
		Number:      params.Number,
		ClientName:  params.ClientName,
		ClientEmail: params.ClientEmail,
		PartnerID:   params.PartnerID,
		Amount:      params.Amount,
		Currency:    currency,
		Status:      domain.InvoiceDraft,
		CreatedBy:   params.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	if telemetry.Business != nil {
		telemetry.Business.InvoicesCreated.Inc()
	}
	m.logger.Info("invoice created",
		slog.String("invoice_id", inv.ID),
		slog.String("number", inv.Number))

	return &inv, nil
}

// Get returns the invoice with its email, follow-up and payment history.
func (m *InvoiceMachine) Get(ctx context.Context, invoiceID string) (*domain.InvoiceDetail, error) {
	inv, err := m.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	emailLogs, err := m.store.ListEmailLogs(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list email logs: %w", err)
	}
	followUps, err := m.store.ListFollowUps(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list follow-ups: %w", err)
	}
	payments, err := m.store.ListPaymentRequests(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment requests: %w", err)
	}

	return &domain.InvoiceDetail{
		Invoice:         inv,
		EmailLogs:       emailLogs,
		FollowUps:       followUps,
		PaymentRequests: payments,
	}, nil
}

// Submit moves a DRAFT invoice into PENDING_APPROVAL.
func (m *InvoiceMachine) Submit(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	inv, _, err := m.transition(ctx, "invoice.submit", invoiceID, onlyFrom(domain.InvoiceDraft),
		domain.SubmitForApproval{At: m.config.Now().UTC()})
	return inv, err
}

// Approve moves a PENDING_APPROVAL invoice to APPROVED.
func (m *InvoiceMachine) Approve(ctx context.Context, params domain.ApproveInvoiceParams) (*domain.Invoice, error) {
	const op = "invoice.approve"
	if err := m.validate.Struct(params); err != nil {
		return nil, validationError(op, err)
	}

	inv, _, err := m.transition(ctx, op, params.InvoiceID, nil,
		domain.Approval{ApproverID: params.ApproverID, At: m.config.Now().UTC()})
	return inv, err
}

// Reject moves a PENDING_APPROVAL invoice to REJECTED. The reason is
// mandatory; nothing is persisted without one.
func (m *InvoiceMachine) Reject(ctx context.Context, params domain.RejectInvoiceParams) (*domain.Invoice, error) {
	const op = "invoice.reject"

	params.Reason = strings.TrimSpace(params.Reason)
	if err := m.validate.Struct(params); err != nil {
		return nil, validationError(op, err)
	}

	now := m.config.Now().UTC()
	var reschedule *time.Time
	if params.RescheduleAt != nil {
		at := params.RescheduleAt.UTC()
		reschedule = &at
	}

	inv, applied, err := m.transition(ctx, op, params.InvoiceID, nil, domain.Rejection{
		RejecterID:   params.RejecterID,
		Reason:       params.Reason,
		RescheduleAt: reschedule,
		At:           now,
	})
	if err != nil || !applied {
		return inv, err
	}

	data := map[string]string{
		"invoice_number": inv.Number,
		"reason":         inv.RejectionReason,
		"rejected_by":    inv.RejectedBy,
	}
	if inv.RescheduleAt != nil {
		data["reschedule_at"] = inv.RescheduleAt.Format(time.RFC3339)
	}
	m.notify(ctx, notify.Notification{
		Event:      notify.EventInvoiceRejected,
		InvoiceID:  inv.ID,
		Recipients: notify.Stakeholders(inv.CreatedBy),
		Data:       data,
		At:         now,
	})

	return inv, nil
}

// Resubmit moves a REJECTED invoice back to PENDING_APPROVAL once it has a
// reschedule date. The date is cleared so the edge fires once per rejection.
func (m *InvoiceMachine) Resubmit(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	inv, _, err := m.transition(ctx, "invoice.resubmit", invoiceID,
		func(inv domain.Invoice) bool {
			return inv.Status == domain.InvoiceRejected && inv.RescheduleAt != nil
		},
		domain.Resubmission{At: m.config.Now().UTC()})
	return inv, err
}

// MarkSent dispatches an APPROVED invoice. The dispatch EmailLog is recorded
// before the status write, so a SENT invoice always has one, and only the
// caller whose status write applies sends the email. A failed email or
// payment link is reported as a *domain.DeliveryError alongside the SENT
// invoice.
func (m *InvoiceMachine) MarkSent(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	const op = "invoice.mark_sent"

	current, err := m.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.InvoiceSent {
		return &current, nil
	}
	if current.Status != domain.InvoiceApproved {
		return nil, invalidTransition(op, current.Status, domain.InvoiceSent)
	}

	var warnings []error

	// The payment link is best effort. Dispatch goes ahead without it.
	var checkoutURL string
	pr, err := m.requestPayment(ctx, current)
	switch {
	case err == nil:
		checkoutURL = pr.CheckoutURL
	case domain.IsCode(err, domain.EUNAVAILABLE):
		return nil, err
	default:
		m.logger.Warn("payment link unavailable for dispatch",
			slog.String("invoice_id", invoiceID),
			slog.String("error", err.Error()))
		warnings = append(warnings, &domain.DeliveryError{Channel: "payment_gateway", Target: invoiceID, Err: err})
	}

	data := m.invoiceEmail(current, checkoutURL)
	logEntry := m.newEmailLog(current, domain.EmailKindInvoice, data.Subject())
	if err := m.store.InsertEmailLog(ctx, logEntry); err != nil {
		return nil, fmt.Errorf("failed to record dispatch email: %w", err)
	}

	inv, applied, err := m.transition(ctx, op, invoiceID, onlyFrom(domain.InvoiceApproved),
		domain.Dispatch{At: m.config.Now().UTC()})
	if err != nil || !applied {
		m.abandonEmailLog(ctx, logEntry, err)
		return inv, err
	}

	res := m.mailer.SendInvoice(ctx, inv.ClientEmail, logEntry.CorrelationID, data)
	if err := completeEmailLog(ctx, m.store, m.logger, m.config.Now, logEntry, res); err != nil {
		warnings = append(warnings, err)
	}

	return inv, errors.Join(warnings...)
}

func (m *InvoiceMachine) invoiceEmail(inv domain.Invoice, checkoutURL string) email.InvoiceEmail {
	return email.InvoiceEmail{
		InvoiceNumber: inv.Number,
		ClientName:    inv.ClientName,
		Amount:        inv.Amount.StringFixed(2),
		Currency:      inv.Currency,
		CheckoutURL:   checkoutURL,
		CompanyName:   m.config.CompanyName,
	}
}

func (m *InvoiceMachine) newEmailLog(inv domain.Invoice, kind domain.EmailKind, subject string) domain.EmailLog {
	now := m.config.Now().UTC()
	return domain.EmailLog{
		ID:            uuid.NewString(),
		InvoiceID:     inv.ID,
		Kind:          kind,
		Recipient:     inv.ClientEmail,
		Subject:       subject,
		CorrelationID: uuid.NewString(),
		Status:        domain.EmailPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// abandonEmailLog closes a reserved dispatch log whose status write did not
// apply. Nothing was sent.
func (m *InvoiceMachine) abandonEmailLog(ctx context.Context, logEntry domain.EmailLog, cause error) {
	reason := "invoice was dispatched by another caller"
	if cause != nil {
		reason = "dispatch aborted: " + cause.Error()
	}

	patchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := m.store.CompleteEmailLog(patchCtx, logEntry.ID, domain.EmailResult{
		Status: domain.EmailFailed,
		Error:  reason,
		At:     m.config.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("failed to close abandoned dispatch email",
			slog.String("email_log_id", logEntry.ID),
			slog.String("error", err.Error()))
	}
}

// completeEmailLog stamps the send outcome and converts a failed send into a
// *domain.DeliveryError.
func completeEmailLog(ctx context.Context, st store.EmailLogStore, logger *slog.Logger, now func() time.Time, logEntry domain.EmailLog, res email.Result) error {
	result := domain.EmailResult{Status: domain.EmailSent, ProviderMessageID: res.MessageID, At: now().UTC()}
	if res.Status != email.StatusSent {
		result.Status = domain.EmailFailed
		if res.Err != nil {
			result.Error = res.Err.Error()
		}
	}

	// The outcome is recorded even if the caller's context has ended.
	patchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := st.CompleteEmailLog(patchCtx, logEntry.ID, result); err != nil {
		logger.Error("failed to record email outcome",
			slog.String("email_log_id", logEntry.ID),
			slog.String("error", err.Error()))
	}

	if telemetry.Business != nil {
		if result.Status == domain.EmailSent {
			telemetry.Business.EmailSent.WithLabelValues(string(logEntry.Kind)).Inc()
		} else {
			telemetry.Business.EmailFailed.WithLabelValues(string(logEntry.Kind)).Inc()
		}
	}

	if result.Status == domain.EmailFailed {
		err := res.Err
		if err == nil {
			err = errors.New("email provider reported failure")
		}
		return &domain.DeliveryError{Channel: "email", Target: logEntry.Recipient, Err: err}
	}
	return nil
}

// MarkPaid settles a SENT or APPROVED invoice. Called by payment reconciliation.
func (m *InvoiceMachine) MarkPaid(ctx context.Context, invoiceID, paymentRequestID string) (*domain.Invoice, error) {
	inv, applied, err := m.transition(ctx, "invoice.mark_paid", invoiceID, nil,
		domain.Settlement{PaymentRequestID: paymentRequestID, At: m.config.Now().UTC()})
	if err != nil || !applied {
		return inv, err
	}

	if telemetry.Business != nil {
		amount, _ := inv.Amount.Float64()
		telemetry.Business.RevenueCollected.WithLabelValues(inv.Currency).Add(amount)
	}
	return inv, nil
}

// RequestPayment opens a checkout with the payment gateway, or returns the
// invoice's active request if one exists.
func (m *InvoiceMachine) RequestPayment(ctx context.Context, invoiceID string) (*domain.PaymentRequest, error) {
	inv, err := m.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.InvoiceApproved && inv.Status != domain.InvoiceSent {
		return nil, &domain.Error{
			Code:    domain.ECONFLICT,
			Op:      "invoice.request_payment",
			Message: fmt.Sprintf("Invoice in %s cannot accept payment", inv.Status),
			Err:     domain.ErrPaymentNotAllowed,
		}
	}
	return m.requestPayment(ctx, inv)
}

func (m *InvoiceMachine) requestPayment(ctx context.Context, inv domain.Invoice) (*domain.PaymentRequest, error) {
	active, err := m.store.GetActivePaymentRequest(ctx, inv.ID)
	if err == nil {
		return &active, nil
	}
	if !errors.Is(err, store.ErrPaymentRequestNotFound) {
		return nil, err
	}

	previous, err := m.store.ListPaymentRequests(ctx, inv.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	checkout, err := m.gateway.CreateCheckout(ctx, billing.CheckoutParams{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		Amount:        inv.Amount,
		Currency:      inv.Currency,
		CustomerEmail: inv.ClientEmail,
		// a new key per attempt so a retry after expiry opens a fresh checkout
		IdempotencyKey: inv.ID + ":" + strconv.Itoa(len(previous)+1),
	})
	if telemetry.Business != nil {
		telemetry.Business.GatewayAPILatency.WithLabelValues("create_checkout").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, gatewayError("invoice.request_payment", err)
	}

	now := m.config.Now().UTC()
	pr := domain.PaymentRequest{
		ID:                uuid.NewString(),
		InvoiceID:         inv.ID,
		ExternalRequestID: checkout.ExternalRequestID,
		CheckoutURL:       checkout.URL,
		Amount:            inv.Amount,
		Currency:          inv.Currency,
		Status:            domain.PaymentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	res, err := m.store.InsertPaymentRequest(ctx, pr)
	if err != nil {
		return nil, err
	}
	if res == store.AlreadyExists {
		// Another caller opened one first; the orphaned checkout simply expires.
		active, err := m.store.GetActivePaymentRequest(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		return &active, nil
	}

	if telemetry.Business != nil {
		telemetry.Business.PaymentRequestsCreated.Inc()
	}
	m.logger.Info("payment request opened",
		slog.String("invoice_id", inv.ID),
		slog.String("payment_request_id", pr.ID),
		slog.String("external_request_id", pr.ExternalRequestID))

	return &pr, nil
}

// guard is an extra precondition on top of the transition table.
type guard func(inv domain.Invoice) bool

func onlyFrom(status domain.InvoiceStatus) guard {
	return func(inv domain.Invoice) bool { return inv.Status == status }
}

// transition applies t with compare-and-swap on the observed status.
// applied is false when the invoice was already at t.Target(), which is a
// no-op success. A lost race re-reads and re-evaluates.
func (m *InvoiceMachine) transition(ctx context.Context, op, invoiceID string, allowed guard, t domain.InvoiceTransition) (*domain.Invoice, bool, error) {
	target := t.Target()

	inv, err := m.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, false, err
	}

	for attempt := 1; ; attempt++ {
		if inv.Status == target {
			return &inv, false, nil
		}
		if !domain.CanTransition(inv.Status, target) || (allowed != nil && !allowed(inv)) {
			return nil, false, invalidTransition(op, inv.Status, target)
		}

		updated, err := m.store.TransitionInvoice(ctx, invoiceID, inv.Status, t)
		if err == nil {
			if telemetry.Business != nil {
				telemetry.Business.InvoiceTransitions.WithLabelValues(string(inv.Status), string(target)).Inc()
			}
			m.logger.Info("invoice transitioned",
				slog.String("invoice_id", invoiceID),
				slog.String("from", string(inv.Status)),
				slog.String("to", string(target)))
			return &updated, true, nil
		}
		if !errors.Is(err, domain.ErrStaleStatus) {
			return nil, false, err
		}
		if attempt >= maxTransitionAttempts {
			return nil, false, invalidTransition(op, inv.Status, target)
		}

		m.logger.Debug("lost transition race, re-reading",
			slog.String("invoice_id", invoiceID),
			slog.String("op", op))
		if inv, err = m.store.GetInvoice(ctx, invoiceID); err != nil {
			return nil, false, err
		}
	}
}

func (m *InvoiceMachine) notify(ctx context.Context, n notify.Notification) {
	if m.notifier == nil {
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("notification failed",
			slog.String("event", n.Event),
			slog.String("invoice_id", n.InvoiceID),
			slog.String("error", err.Error()))
	}
}
