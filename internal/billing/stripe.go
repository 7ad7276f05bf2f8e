package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/stripe/stripe-go/v83"
	checkoutsession "github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/webhook"
)

// StripeGateway implements Gateway using Stripe Checkout.
type StripeGateway struct {
	config StripeConfig
	logger *slog.Logger

	// newSession is checkoutsession.New outside of tests.
	newSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	now        func() time.Time
}

// NewStripeGateway creates a Stripe gateway. The API key is installed as the
// process-wide stripe-go key.
func NewStripeGateway(config StripeConfig, logger *slog.Logger) (*StripeGateway, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	stripe.Key = config.APIKey

	return &StripeGateway{
		config:     config.withDefaults(),
		logger:     logger.With(slog.String("gateway", "stripe")),
		newSession: checkoutsession.New,
		now:        time.Now,
	}, nil
}

// CreateCheckout opens a one-line-item Checkout Session in payment mode.
func (g *StripeGateway) CreateCheckout(ctx context.Context, params CheckoutParams) (*Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	amount := MinorUnits(params.Amount, params.Currency)
	if amount <= 0 {
		return nil, ErrAmountTooSmall
	}

	description := params.Description
	if description == "" {
		description = "Invoice " + params.InvoiceNumber
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(params.InvoiceID),
		SuccessURL:        stripe.String(g.config.SuccessURL),
		CancelURL:         stripe.String(g.config.CancelURL),
		ExpiresAt:         stripe.Int64(g.now().Add(g.config.CheckoutTTL).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(params.Currency)),
					UnitAmount: stripe.Int64(amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}
	sessionParams.AddMetadata("invoice_id", params.InvoiceID)
	sessionParams.AddMetadata("invoice_number", params.InvoiceNumber)
	if params.IdempotencyKey != "" {
		sessionParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	session, err := g.newSession(sessionParams)
	if err != nil {
		g.logger.Error("failed to create checkout session",
			slog.String("invoice_id", params.InvoiceID),
			slog.String("error", err.Error()))
		return nil, wrapStripeError(err)
	}

	g.logger.Info("checkout session created",
		slog.String("invoice_id", params.InvoiceID),
		slog.String("session_id", session.ID))

	checkout := &Checkout{
		ExternalRequestID: session.ID,
		URL:               session.URL,
	}
	if session.ExpiresAt > 0 {
		checkout.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return checkout, nil
}

// sessionPayload is the subset of a Checkout Session carried in events.
type sessionPayload struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
}

// ParseCallback verifies the Stripe-Signature header and maps Checkout
// Session events onto payment statuses.
func (g *StripeGateway) ParseCallback(payload []byte, signature string) (*Callback, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.config.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                g.config.SignatureTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}

	if event.Data == nil {
		return nil, ErrMalformedEvent
	}
	var session sessionPayload
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil || session.ID == "" {
		return nil, ErrMalformedEvent
	}

	status, ok := sessionEventStatus(string(event.Type), session.PaymentStatus)
	if !ok {
		return nil, ErrIgnoredEvent
	}

	return &Callback{
		ExternalRequestID: session.ID,
		Status:            status,
		Timestamp:         time.Unix(event.Created, 0).UTC(),
		EventID:           event.ID,
		EventType:         string(event.Type),
	}, nil
}

// sessionEventStatus maps a Checkout Session event to a payment status.
// checkout.session.completed only settles when the payment is already
// captured; delayed methods report through the async_payment events.
func sessionEventStatus(eventType, paymentStatus string) (domain.PaymentStatus, bool) {
	switch eventType {
	case "checkout.session.completed":
		if paymentStatus == "paid" || paymentStatus == "no_payment_required" {
			return domain.PaymentCompleted, true
		}
		return "", false
	case "checkout.session.async_payment_succeeded":
		return domain.PaymentCompleted, true
	case "checkout.session.async_payment_failed":
		return domain.PaymentFailed, true
	case "checkout.session.expired":
		return domain.PaymentExpired, true
	default:
		return "", false
	}
}

func wrapStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &StripeError{Message: err.Error(), Code: "api_connection_error", OriginalError: err}
	}
	return &StripeError{
		Message:       stripeErr.Msg,
		Code:          string(stripeErr.Code),
		DeclineCode:   string(stripeErr.DeclineCode),
		HTTPStatus:    stripeErr.HTTPStatusCode,
		RequestID:     stripeErr.RequestID,
		OriginalError: err,
	}
}
