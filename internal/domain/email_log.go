package domain

import "time"

// EmailStatus is the outcome of a single send attempt.
type EmailStatus string

const (
	EmailPending EmailStatus = "PENDING"
	EmailSent    EmailStatus = "SENT"
	EmailFailed  EmailStatus = "FAILED"
)

// EmailKind distinguishes invoice dispatch from payment reminders.
type EmailKind string

const (
	EmailKindInvoice  EmailKind = "invoice"
	EmailKindReminder EmailKind = "reminder"
)

// EmailLog is the audit record of one outbound email.
type EmailLog struct {
	ID                string
	InvoiceID         string
	Kind              EmailKind
	Recipient         string
	Subject           string
	CorrelationID     string
	Status            EmailStatus
	ProviderMessageID string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EmailResult is the only mutation allowed on an EmailLog after creation.
type EmailResult struct {
	Status            EmailStatus
	ProviderMessageID string
	Error             string
	At                time.Time
}
