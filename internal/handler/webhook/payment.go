// Package webhook receives payment gateway callbacks.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/middleware"
	"github.com/dukerupert/billrun/internal/service"
	"github.com/dukerupert/billrun/internal/telemetry"
)

// CallbackParser verifies and decodes a signed gateway payload.
type CallbackParser interface {
	ParseCallback(payload []byte, signature string) (*billing.Callback, error)
}

// Reconciler applies a verified callback.
type Reconciler interface {
	HandleCallback(ctx context.Context, cb billing.Callback) (service.Ack, error)
}

// Config contains configuration for callback handling
type Config struct {
	// SignatureHeader carries the payload signature. Defaults to Stripe-Signature.
	SignatureHeader string

	// RetryAfter is advertised when the gateway should redeliver later
	RetryAfter time.Duration
}

// PaymentHandler handles payment gateway callbacks
type PaymentHandler struct {
	parser     CallbackParser
	reconciler Reconciler
	config     Config
	logger     *slog.Logger
}

// NewPaymentHandler creates a new payment callback handler
func NewPaymentHandler(parser CallbackParser, reconciler Reconciler, config Config, logger *slog.Logger) *PaymentHandler {
	if config.SignatureHeader == "" {
		config.SignatureHeader = "Stripe-Signature"
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandler{
		parser:     parser,
		reconciler: reconciler,
		config:     config,
		logger:     logger,
	}
}

// CallbackResponse acknowledges a callback.
type CallbackResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// HandleCallback handles POST /webhooks/payments
//
// The gateway retries anything that is not a 2xx. A callback is answered
// 503 with Retry-After only when redelivery can succeed: an unknown request
// id (the checkout may not be committed yet) or a store outage. Callbacks
// that can never apply are acknowledged so they stop coming back.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/webhooks/payments
//	stripe trigger checkout.session.completed
func (h *PaymentHandler) HandleCallback(c echo.Context) error {
	startTime := time.Now()
	ctx := c.Request().Context()
	logger := middleware.GetLogger(ctx, h.logger)

	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return domain.Invalid("webhook.read", "Error reading request body")
	}

	signature := c.Request().Header.Get(h.config.SignatureHeader)
	if signature == "" {
		logger.Warn("webhook missing signature header")
		return domain.Invalid("webhook.verify", "Missing signature")
	}

	cb, err := h.parser.ParseCallback(payload, signature)
	switch {
	case errors.Is(err, billing.ErrIgnoredEvent):
		h.observe("ignored", startTime)
		return c.JSON(http.StatusOK, CallbackResponse{Received: true, Outcome: "ignored"})
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		logger.Warn("webhook signature verification failed", slog.String("error", err.Error()))
		return domain.Invalid("webhook.verify", "Invalid signature")
	case err != nil:
		logger.Warn("webhook payload rejected", slog.String("error", err.Error()))
		return domain.Invalid("webhook.parse", "Malformed event")
	}

	defer h.observe(cb.EventType, startTime)

	logger = logger.With(
		slog.String("event_id", cb.EventID),
		slog.String("event_type", cb.EventType),
		slog.String("external_request_id", cb.ExternalRequestID))

	ack, err := h.reconciler.HandleCallback(ctx, *cb)
	if ack.Retryable {
		logger.Warn("payment callback deferred",
			slog.String("outcome", string(ack.Outcome)),
			slog.Any("error", err))
		c.Response().Header().Set(echo.HeaderRetryAfter, strconv.Itoa(int(h.config.RetryAfter.Seconds())))
		return c.JSON(http.StatusServiceUnavailable, CallbackResponse{Received: true, Outcome: "retry"})
	}
	if err != nil {
		logger.Error("payment callback rejected", slog.String("error", err.Error()))
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"event_id":            cb.EventID,
			"external_request_id": cb.ExternalRequestID,
		})
		return c.JSON(http.StatusOK, CallbackResponse{Received: true, Outcome: "rejected"})
	}

	logger.Info("payment callback reconciled", slog.String("outcome", string(ack.Outcome)))
	return c.JSON(http.StatusOK, CallbackResponse{Received: true, Outcome: string(ack.Outcome)})
}

func (h *PaymentHandler) observe(eventType string, startTime time.Time) {
	if telemetry.Business == nil {
		return
	}
	telemetry.Business.WebhookReceived.WithLabelValues(eventType).Inc()
	telemetry.Business.WebhookLatency.WithLabelValues(eventType).Observe(time.Since(startTime).Seconds())
}
