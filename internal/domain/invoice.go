package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Invoice-related domain errors.
var (
	ErrInvoiceNotFound   = &Error{Code: ENOTFOUND, Message: "Invoice not found"}
	ErrInvalidTransition = &Error{Code: ECONFLICT, Message: "Invoice status does not allow this operation"}
	ErrStaleStatus       = &Error{Code: ECONFLICT, Message: "Status changed concurrently"}
	ErrDuplicateNumber   = &Error{Code: ECONFLICT, Message: "Invoice number already exists"}
)

// InvoiceStatus is the lifecycle position of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft           InvoiceStatus = "DRAFT"
	InvoicePendingApproval InvoiceStatus = "PENDING_APPROVAL"
	InvoiceApproved        InvoiceStatus = "APPROVED"
	InvoiceSent            InvoiceStatus = "SENT"
	InvoicePaid            InvoiceStatus = "PAID"
	InvoiceRejected        InvoiceStatus = "REJECTED"
)

// invoiceTransitions is the only place that defines which status moves are legal.
var invoiceTransitions = map[InvoiceStatus]map[InvoiceStatus]struct{}{
	InvoiceDraft:           {InvoicePendingApproval: {}},
	InvoicePendingApproval: {InvoiceApproved: {}, InvoiceRejected: {}},
	InvoiceApproved:        {InvoiceSent: {}, InvoicePaid: {}},
	InvoiceSent:            {InvoicePaid: {}},
	InvoiceRejected:        {InvoicePendingApproval: {}},
	InvoicePaid:            {},
}

// Valid reports whether s is one of the declared statuses.
func (s InvoiceStatus) Valid() bool {
	_, ok := invoiceTransitions[s]
	return ok
}

// CanTransition reports whether the table has an edge from -> to.
func CanTransition(from, to InvoiceStatus) bool {
	next, ok := invoiceTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// AwaitingPayment reports whether reminders may still be sent for the status.
func (s InvoiceStatus) AwaitingPayment() bool {
	return s == InvoiceSent
}

// Invoice is the aggregate root of the billing lifecycle.
type Invoice struct {
	ID          string
	Number      string
	ClientName  string
	ClientEmail string
	PartnerID   string
	Amount      decimal.Decimal
	Currency    string
	Status      InvoiceStatus
	CreatedBy   string

	SubmittedAt *time.Time

	ApprovedBy string
	ApprovedAt *time.Time

	RejectedBy      string
	RejectedAt      *time.Time
	RejectionReason string
	RescheduleAt    *time.Time

	SentAt *time.Time

	PaidAt   *time.Time
	PaidWith string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResubmitDue reports whether a rejected invoice has reached its reschedule date.
func (inv *Invoice) ResubmitDue(now time.Time) bool {
	return inv.Status == InvoiceRejected && inv.RescheduleAt != nil && !now.Before(*inv.RescheduleAt)
}

// InvoiceTransition is a typed partial update that moves an invoice to Target.
// Each implementation carries exactly the fields its edge is allowed to set.
type InvoiceTransition interface {
	Target() InvoiceStatus
	Apply(inv *Invoice)
}

// SubmitForApproval moves a draft into the approval queue.
type SubmitForApproval struct {
	At time.Time
}

func (SubmitForApproval) Target() InvoiceStatus { return InvoicePendingApproval }

func (t SubmitForApproval) Apply(inv *Invoice) {
	inv.Status = t.Target()
	inv.SubmittedAt = &t.At
	inv.UpdatedAt = t.At
}

// Approval records who approved the invoice.
type Approval struct {
	ApproverID string
	At         time.Time
}

func (Approval) Target() InvoiceStatus { return InvoiceApproved }

func (t Approval) Apply(inv *Invoice) {
	inv.Status = t.Target()
	inv.ApprovedBy = t.ApproverID
	inv.ApprovedAt = &t.At
	inv.UpdatedAt = t.At
}

// Rejection records who rejected the invoice, why, and optionally when to retry.
type Rejection struct {
	RejecterID   string
	Reason       string
	RescheduleAt *time.Time
	At           time.Time
}

func (Rejection) Target() InvoiceStatus { return InvoiceRejected }

func (t Rejection) Apply(inv *Invoice) {
	inv.Status = t.Target()
	inv.RejectedBy = t.RejecterID
	inv.RejectedAt = &t.At
	inv.RejectionReason = t.Reason
	inv.RescheduleAt = t.RescheduleAt
	inv.UpdatedAt = t.At
}

// Resubmission re-enters the approval queue after a rescheduled rejection.
// The reschedule date is cleared so the edge fires once per rejection.
type Resubmission struct {
	At time.Time
}

func (Resubmission) Target() InvoiceStatus { return InvoicePendingApproval }

func (t Resubmission) Apply(inv *Invoice) {
	inv.Status = t.Target()
	inv.SubmittedAt = &t.At
	inv.RescheduleAt = nil
	inv.UpdatedAt = t.At
}

// Dispatch marks the invoice as delivered to the client.
type Dispatch struct {
	At time.Time
}

func (Dispatch) Target() InvoiceStatus { return InvoiceSent }

func (t Dispatch) Apply(inv *Invoice) {
	inv.Status = t.Target()
	inv.SentAt = &t.At
	inv.UpdatedAt = t.At
}

// Settlement marks the invoice paid by a specific payment request.
type Settlement struct {
	PaymentRequestID string
	At               time.Time
}

func (Settlement) Target() InvoiceStatus { return InvoicePaid }

func (t Settlement) Apply(inv *Invoice) {
	inv.Status = t.Target()
	inv.PaidWith = t.PaymentRequestID
	inv.PaidAt = &t.At
	inv.UpdatedAt = t.At
}

// InvoiceService drives invoices through their lifecycle.
type InvoiceService interface {
	// Create stores a new invoice in DRAFT.
	Create(ctx context.Context, params CreateInvoiceParams) (*Invoice, error)

	// Get returns the invoice with its email, follow-up and payment history.
	Get(ctx context.Context, invoiceID string) (*InvoiceDetail, error)

	// Submit moves a DRAFT invoice into PENDING_APPROVAL.
	Submit(ctx context.Context, invoiceID string) (*Invoice, error)

	// Approve moves a PENDING_APPROVAL invoice to APPROVED.
	Approve(ctx context.Context, params ApproveInvoiceParams) (*Invoice, error)

	// Reject moves a PENDING_APPROVAL invoice to REJECTED and notifies stakeholders.
	Reject(ctx context.Context, params RejectInvoiceParams) (*Invoice, error)

	// Resubmit moves a REJECTED invoice with a reschedule date back to PENDING_APPROVAL.
	Resubmit(ctx context.Context, invoiceID string) (*Invoice, error)

	// MarkSent dispatches an APPROVED invoice. A failed email is reported as a
	// *DeliveryError alongside the updated invoice.
	MarkSent(ctx context.Context, invoiceID string) (*Invoice, error)

	// MarkPaid settles a SENT or APPROVED invoice. Called by payment reconciliation.
	MarkPaid(ctx context.Context, invoiceID, paymentRequestID string) (*Invoice, error)

	// RequestPayment opens a checkout with the payment gateway, or returns the
	// invoice's active request if one exists.
	RequestPayment(ctx context.Context, invoiceID string) (*PaymentRequest, error)
}

// CreateInvoiceParams contains parameters for creating an invoice.
type CreateInvoiceParams struct {
	Number      string          `json:"number" validate:"required,max=64"`
	ClientName  string          `json:"client_name" validate:"required,max=200"`
	ClientEmail string          `json:"client_email" validate:"required,email"`
	PartnerID   string          `json:"partner_id" validate:"omitempty,max=64"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	CreatedBy   string          `json:"created_by" validate:"required"`
}

// ApproveInvoiceParams contains parameters for approving an invoice.
type ApproveInvoiceParams struct {
	InvoiceID  string `json:"-" validate:"required"`
	ApproverID string `json:"approver_id" validate:"required"`
}

// RejectInvoiceParams contains parameters for rejecting an invoice.
type RejectInvoiceParams struct {
	InvoiceID    string     `json:"-" validate:"required"`
	RejecterID   string     `json:"rejecter_id" validate:"required"`
	Reason       string     `json:"reason" validate:"required,max=2000"`
	RescheduleAt *time.Time `json:"reschedule_at,omitempty"`
}

// InvoiceDetail aggregates an invoice with its side-effect history.
type InvoiceDetail struct {
	Invoice         Invoice
	EmailLogs       []EmailLog
	FollowUps       []FollowUpLog
	PaymentRequests []PaymentRequest
}
