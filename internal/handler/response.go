package handler

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/billrun/internal/domain"
)

// Warning reports a side effect that failed while the request succeeded.
type Warning struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// InvoiceResponse is the wire form of an invoice.
type InvoiceResponse struct {
	ID              string          `json:"id"`
	Number          string          `json:"number"`
	ClientName      string          `json:"client_name"`
	ClientEmail     string          `json:"client_email"`
	PartnerID       string          `json:"partner_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	CreatedBy       string          `json:"created_by"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectedBy      string          `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	RescheduleAt    *time.Time      `json:"reschedule_at,omitempty"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	PaidWith        string          `json:"paid_with,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// EmailLogResponse is the wire form of an email audit record.
type EmailLogResponse struct {
	ID                string    `json:"id"`
	Kind              string    `json:"kind"`
	Recipient         string    `json:"recipient"`
	Subject           string    `json:"subject"`
	CorrelationID     string    `json:"correlation_id"`
	Status            string    `json:"status"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// FollowUpResponse is the wire form of one escalation level.
type FollowUpResponse struct {
	ID          string     `json:"id"`
	Level       int        `json:"level"`
	TemplateRef string     `json:"template_ref"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// PaymentRequestResponse is the wire form of a checkout.
type PaymentRequestResponse struct {
	ID                string          `json:"id"`
	InvoiceID         string          `json:"invoice_id"`
	ExternalRequestID string          `json:"external_request_id"`
	CheckoutURL       string          `json:"checkout_url"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// InvoiceDetailResponse is an invoice with its side-effect history.
type InvoiceDetailResponse struct {
	InvoiceResponse
	EmailLogs       []EmailLogResponse       `json:"email_logs"`
	FollowUps       []FollowUpResponse       `json:"follow_ups"`
	PaymentRequests []PaymentRequestResponse `json:"payment_requests"`
}

func newInvoiceResponse(inv *domain.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:              inv.ID,
		Number:          inv.Number,
		ClientName:      inv.ClientName,
		ClientEmail:     inv.ClientEmail,
		PartnerID:       inv.PartnerID,
		Amount:          inv.Amount,
		Currency:        inv.Currency,
		Status:          string(inv.Status),
		CreatedBy:       inv.CreatedBy,
		SubmittedAt:     inv.SubmittedAt,
		ApprovedBy:      inv.ApprovedBy,
		ApprovedAt:      inv.ApprovedAt,
		RejectedBy:      inv.RejectedBy,
		RejectedAt:      inv.RejectedAt,
		RejectionReason: inv.RejectionReason,
		RescheduleAt:    inv.RescheduleAt,
		SentAt:          inv.SentAt,
		PaidAt:          inv.PaidAt,
		PaidWith:        inv.PaidWith,
		CreatedAt:       inv.CreatedAt,
		UpdatedAt:       inv.UpdatedAt,
	}
}

func newPaymentRequestResponse(pr domain.PaymentRequest) PaymentRequestResponse {
	return PaymentRequestResponse{
		ID:                pr.ID,
		InvoiceID:         pr.InvoiceID,
		ExternalRequestID: pr.ExternalRequestID,
		CheckoutURL:       pr.CheckoutURL,
		Amount:            pr.Amount,
		Currency:          pr.Currency,
		Status:            string(pr.Status),
		CreatedAt:         pr.CreatedAt,
	}
}

func newInvoiceDetailResponse(d *domain.InvoiceDetail) InvoiceDetailResponse {
	resp := InvoiceDetailResponse{
		InvoiceResponse: newInvoiceResponse(&d.Invoice),
		EmailLogs:       make([]EmailLogResponse, 0, len(d.EmailLogs)),
		FollowUps:       make([]FollowUpResponse, 0, len(d.FollowUps)),
		PaymentRequests: make([]PaymentRequestResponse, 0, len(d.PaymentRequests)),
	}
	for _, l := range d.EmailLogs {
		resp.EmailLogs = append(resp.EmailLogs, EmailLogResponse{
			ID:                l.ID,
			Kind:              string(l.Kind),
			Recipient:         l.Recipient,
			Subject:           l.Subject,
			CorrelationID:     l.CorrelationID,
			Status:            string(l.Status),
			ProviderMessageID: l.ProviderMessageID,
			Error:             l.Error,
			CreatedAt:         l.CreatedAt,
		})
	}
	for _, f := range d.FollowUps {
		resp.FollowUps = append(resp.FollowUps, FollowUpResponse{
			ID:          f.ID,
			Level:       f.Level,
			TemplateRef: f.TemplateRef,
			Status:      string(f.Status),
			ScheduledAt: f.ScheduledAt,
			SentAt:      f.SentAt,
			Error:       f.Error,
		})
	}
	for _, pr := range d.PaymentRequests {
		resp.PaymentRequests = append(resp.PaymentRequests, newPaymentRequestResponse(pr))
	}
	return resp
}

// deliveryWarnings flattens the delivery errors carried by err.
func deliveryWarnings(err error) []Warning {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else if err != nil {
		errs = []error{err}
	}

	var warnings []Warning
	for _, e := range errs {
		var de *domain.DeliveryError
		if errors.As(e, &de) {
			warnings = append(warnings, Warning{Channel: de.Channel, Target: de.Target, Message: de.Err.Error()})
		}
	}
	return warnings
}
