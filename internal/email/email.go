package email

import "context"

// Email represents an email message to be sent.
type Email struct {
	To          []string          // Recipient email addresses
	From        string            // Sender email address
	Subject     string            // Email subject
	TextBody    string            // Plain text body
	HTMLBody    string            // HTML body (optional)
	Attachments []Attachment      // File attachments (optional)
	Headers     map[string]string // Custom headers (optional)
}

// Attachment represents a file attachment for an email.
type Attachment struct {
	Filename    string // Name of the file
	ContentType string // MIME type
	Content     []byte // File content
}

// Sender defines the interface for sending emails.
// Implementations can use SMTP, SES, or just log the message.
//
//go:generate mockgen -source=email.go -destination=mock_sender.go -package=email
type Sender interface {
	// Send sends an email message.
	// Returns the message ID from the email provider (if available).
	Send(ctx context.Context, email *Email) (string, error)
}

// CorrelationHeader carries the id that ties a provider message back to its
// EmailLog or FollowUpLog row.
const CorrelationHeader = "X-Correlation-ID"

// Status is the outcome of a delivery attempt.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Message is a rendered email addressed to a single recipient.
type Message struct {
	To            string
	Subject       string
	HTMLBody      string
	TextBody      string
	CorrelationID string
}

// Result is what Deliver reports back to the billing core.
// Err is set only when Status is StatusFailed.
type Result struct {
	Status    Status
	MessageID string
	Err       error
}
