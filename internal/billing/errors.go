package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrIgnoredEvent is returned for verified callbacks that do not change
	// a payment status (e.g. checkout.session.completed for an unpaid async method).
	ErrIgnoredEvent = errors.New("billing: event ignored")

	// ErrMalformedEvent is returned when a verified payload cannot be decoded.
	ErrMalformedEvent = errors.New("billing: malformed event")

	// ErrAmountTooSmall is returned when the amount is not positive after
	// conversion to minor units.
	ErrAmountTooSmall = errors.New("billing: amount must be positive")
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Message       string // Human-readable error message
	Code          string // Stripe error code (e.g., "rate_limit")
	DeclineCode   string // Card decline reason (if applicable)
	HTTPStatus    int    // HTTP status code from Stripe
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// IsDeclined returns true if error is due to card decline.
func (e *StripeError) IsDeclined() bool {
	return e.Code == "card_declined" || e.DeclineCode != ""
}

// IsTemporary returns true if error is likely transient and retryable.
func (e *StripeError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Code == "api_connection_error" || e.HTTPStatus >= 500
}
