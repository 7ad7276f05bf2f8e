package routes

import (
	"net/http"

	"github.com/dukerupert/billrun/internal/handler"
	"github.com/dukerupert/billrun/internal/handler/webhook"
)

// APIDeps contains dependencies for the JSON API
type APIDeps struct {
	// Invoices (create, read, lifecycle transitions, payment requests)
	InvoiceHandler *handler.InvoiceHandler

	// Jobs (manual trigger and status)
	JobHandler *handler.JobHandler
}

// WebhookDeps contains dependencies for webhook routes
type WebhookDeps struct {
	PaymentHandler *webhook.PaymentHandler
}

// OpsDeps contains dependencies for probes and metrics
type OpsDeps struct {
	HealthHandler *handler.HealthHandler

	// MetricsHandler serves the Prometheus scrape endpoint. Optional.
	MetricsHandler http.Handler
}
