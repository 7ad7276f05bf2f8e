package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment reconciliation errors.
var (
	ErrUnknownPaymentRequest = &Error{Code: ENOTFOUND, Message: "Payment request not found"}
	ErrPaymentNotAllowed     = &Error{Code: ECONFLICT, Message: "Invoice cannot accept payment in its current status"}
)

// PaymentStatus is the gateway-reported state of a payment request.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentExpired   PaymentStatus = "EXPIRED"
)

// Valid reports whether s is one of the declared statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentExpired:
		return true
	}
	return false
}

// Terminal reports whether no further status change is accepted.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentExpired
}

// CanAdvance reports whether moving from -> to is a forward move.
// PENDING precedes every terminal status and terminal statuses never change.
func CanAdvance(from, to PaymentStatus) bool {
	return from == PaymentPending && to.Terminal()
}

// PaymentRequest is one checkout opened with the payment gateway.
type PaymentRequest struct {
	ID                string
	InvoiceID         string
	ExternalRequestID string
	CheckoutURL       string
	Amount            decimal.Decimal
	Currency          string
	Status            PaymentStatus
	GatewayUpdatedAt  *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaymentAdvance moves a payment request forward to a terminal status.
type PaymentAdvance struct {
	Status           PaymentStatus
	GatewayUpdatedAt time.Time
	At               time.Time
}
