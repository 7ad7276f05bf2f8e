package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/dukerupert/billrun/internal/middleware"
)

// RegisterWebhookRoutes registers all webhook routes.
// These routes handle incoming webhooks from external services.
//
// Note: Webhook routes do NOT have authentication middleware.
// Each webhook handler is responsible for verifying the request
// signature (e.g., Stripe signature verification).
func RegisterWebhookRoutes(e *echo.Echo, deps WebhookDeps) {
	e.POST("/webhooks/payments", deps.PaymentHandler.HandleCallback,
		middleware.MaxBodySize(middleware.WebhookMaxBodySize),
		middleware.Timeout(middleware.DefaultTimeout))
}
