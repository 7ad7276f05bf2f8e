package billing

import (
	"context"
	"strings"
	"time"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/shopspring/decimal"
)

// Gateway defines the interface for the external payment processor.
// Implementations can use Stripe, PayPal, Square, etc.
type Gateway interface {
	// CreateCheckout opens a hosted payment page for an invoice.
	// The returned ExternalRequestID is the key callbacks refer back to.
	CreateCheckout(ctx context.Context, params CheckoutParams) (*Checkout, error)

	// ParseCallback verifies a signed callback payload and translates it.
	// Returns ErrInvalidWebhookSignature when the signature does not verify
	// and ErrIgnoredEvent for event types that carry no payment status.
	ParseCallback(payload []byte, signature string) (*Callback, error)
}

// CheckoutParams contains parameters for opening a checkout.
type CheckoutParams struct {
	InvoiceID     string
	InvoiceNumber string

	// Description appears on the hosted page and in the gateway dashboard
	Description string

	Amount   decimal.Decimal
	Currency string

	// CustomerEmail is used to prefill the payment page
	CustomerEmail string

	// IdempotencyKey prevents duplicate checkouts when a request is retried
	IdempotencyKey string
}

// Checkout is an open payment page.
type Checkout struct {
	ExternalRequestID string
	URL               string
	ExpiresAt         time.Time
}

// Callback is a verified status change reported by the gateway.
type Callback struct {
	ExternalRequestID string
	Status            domain.PaymentStatus

	// Timestamp is when the gateway produced the event
	Timestamp time.Time

	EventID   string
	EventType string
}

// zeroDecimalCurrencies are charged in whole units by the gateway.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorUnits converts an amount to the smallest currency unit
// (cents for USD). Fractions beyond the unit are rounded half away from zero.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}
