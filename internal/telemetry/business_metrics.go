package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for billing-level observability.
type BusinessMetrics struct {
	// Invoice lifecycle
	InvoicesCreated    prometheus.Counter
	InvoiceTransitions *prometheus.CounterVec

	// Dispatch and reminders
	EmailSent      *prometheus.CounterVec
	EmailFailed    *prometheus.CounterVec
	RemindersSent  *prometheus.CounterVec
	ReminderSkips  *prometheus.CounterVec

	// Payments
	PaymentRequestsCreated prometheus.Counter
	PaymentCallbacks       *prometheus.CounterVec
	RevenueCollected       *prometheus.CounterVec

	// Webhooks
	WebhookReceived *prometheus.CounterVec
	WebhookLatency  *prometheus.HistogramVec

	// Job runner
	JobRuns           *prometheus.CounterVec
	JobItemsProcessed *prometheus.CounterVec
	JobItemErrors     *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec

	// External API performance
	GatewayAPILatency *prometheus.HistogramVec
}

// NewBusinessMetrics creates all business metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewBusinessMetrics(namespace string, reg prometheus.Registerer) *BusinessMetrics {
	if namespace == "" {
		namespace = "billrun"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	subsystem := "business"

	m := &BusinessMetrics{
		// =======================================================================
		// Invoice Lifecycle
		// =======================================================================
		InvoicesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "invoices_created_total",
				Help:      "Total invoices created in DRAFT",
			},
		),
		InvoiceTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "invoice_transitions_total",
				Help:      "Total applied invoice status transitions",
			},
			[]string{"from", "to"},
		),

		// =======================================================================
		// Email Delivery
		// =======================================================================
		EmailSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emails_sent_total",
				Help:      "Total emails accepted by the provider",
			},
			[]string{"kind"}, // kind: invoice, reminder
		),
		EmailFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emails_failed_total",
				Help:      "Total emails the provider rejected or timed out on",
			},
			[]string{"kind"},
		),
		RemindersSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reminders_total",
				Help:      "Total follow-up levels attempted, by outcome",
			},
			[]string{"level", "status"}, // status: SENT, FAILED
		),
		ReminderSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reminder_skips_total",
				Help:      "Total escalation evaluations that sent nothing",
			},
			[]string{"reason"}, // reason: not_yet_due, exhausted, already_exists
		),

		// =======================================================================
		// Payments
		// =======================================================================
		PaymentRequestsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_requests_created_total",
				Help:      "Total checkouts opened with the gateway",
			},
		),
		PaymentCallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_callbacks_total",
				Help:      "Total gateway callbacks, by reported status and outcome",
			},
			[]string{"status", "outcome"}, // outcome: applied, duplicate, unknown
		),
		RevenueCollected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "revenue_collected_total",
				Help:      "Total settled invoice amounts in major units",
			},
			[]string{"currency"},
		),

		// =======================================================================
		// Webhooks
		// =======================================================================
		WebhookReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_received_total",
				Help:      "Total payment webhooks received",
			},
			[]string{"event_type"},
		),
		WebhookLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processing_seconds",
				Help:      "Payment webhook processing duration",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"event_type"},
		),

		// =======================================================================
		// Job Runner
		// =======================================================================
		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "job_runs_total",
				Help:      "Total finished job runs",
			},
			[]string{"job_name", "status"}, // status: COMPLETED, FAILED
		),
		JobItemsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "job_items_processed_total",
				Help:      "Total invoices attempted by job runs",
			},
			[]string{"job_name"},
		),
		JobItemErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "job_item_errors_total",
				Help:      "Total per-invoice errors that did not abort a run",
			},
			[]string{"job_name", "action"}, // action: send, escalate, resubmit
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "job_run_duration_seconds",
				Help:      "Job run duration",
				Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"job_name"},
		),

		// =======================================================================
		// External API Performance
		// =======================================================================
		GatewayAPILatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "gateway_api_duration_seconds",
				Help:      "Payment gateway call duration (helps differentiate app slowness from gateway issues)",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"}, // operation: create_checkout
		),
	}

	return m
}

// Global instance for easy access from services and handlers
var Business *BusinessMetrics
