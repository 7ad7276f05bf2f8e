package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/dukerupert/billrun/internal/middleware"
)

// RegisterAPIRoutes registers the invoice and job API.
// Authentication is handled in front of this service.
func RegisterAPIRoutes(e *echo.Echo, deps APIDeps) {
	invoices := e.Group("/api/invoices", middleware.Timeout())
	invoices.POST("", deps.InvoiceHandler.Create)
	invoices.GET("/:id", deps.InvoiceHandler.Get)
	invoices.POST("/:id/submit", deps.InvoiceHandler.Submit)
	invoices.POST("/:id/approve", deps.InvoiceHandler.Approve)
	invoices.POST("/:id/reject", deps.InvoiceHandler.Reject)
	invoices.POST("/:id/resubmit", deps.InvoiceHandler.Resubmit)
	invoices.POST("/:id/send", deps.InvoiceHandler.Send)
	invoices.POST("/:id/payment-requests", deps.InvoiceHandler.RequestPayment)

	// Job runs carry their own deadline
	jobs := e.Group("/api/jobs")
	jobs.POST("/:name/run", deps.JobHandler.Run)
	jobs.GET("/:name/status", deps.JobHandler.Status)
}
