// Package notify delivers stakeholder notifications about invoice and
// payment events. Notifications are fire-and-forget: a sink failure is
// logged by the caller and never changes billing state.
package notify

//go:generate mockgen -source=notify.go -destination=mock_sink.go -package=notify

import (
	"context"
	"encoding/json"
	"time"
)

// Event names.
const (
	EventInvoiceRejected = "invoice.rejected"
	EventPaymentFailed   = "payment.failed"
	EventPaymentExpired  = "payment.expired"
)

// RoleFinance is the role notified about rejections and payment problems.
const RoleFinance = "finance"

// RecipientType distinguishes a single user from everyone holding a role.
type RecipientType string

const (
	RecipientUser RecipientType = "user"
	RecipientRole RecipientType = "role"
)

// Recipient addresses a notification.
type Recipient struct {
	Type RecipientType `json:"type"`
	ID   string        `json:"id"`
}

// User addresses a single user.
func User(id string) Recipient { return Recipient{Type: RecipientUser, ID: id} }

// Role addresses every holder of a role.
func Role(name string) Recipient { return Recipient{Type: RecipientRole, ID: name} }

// Notification is one event for a set of recipients.
type Notification struct {
	ID         string            `json:"id"`
	Event      string            `json:"event"`
	InvoiceID  string            `json:"invoice_id"`
	Recipients []Recipient       `json:"recipients"`
	Data       map[string]string `json:"data,omitempty"`
	At         time.Time         `json:"at"`
}

// Stakeholders returns the invoice creator (when known) and the finance role.
func Stakeholders(createdBy string) []Recipient {
	if createdBy == "" {
		return []Recipient{Role(RoleFinance)}
	}
	return []Recipient{User(createdBy), Role(RoleFinance)}
}

// Sink publishes notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

func encode(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// Multi fans a notification out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
