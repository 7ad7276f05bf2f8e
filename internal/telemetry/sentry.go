package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/dukerupert/billrun/internal/domain"
)

// SentryConfig holds configuration for Sentry error tracking
type SentryConfig struct {
	// DSN is the Sentry Data Source Name (required if Enabled is true)
	DSN string

	// Enabled controls whether Sentry is active
	Enabled bool

	Environment string
	Release     string

	// SampleRate is the share of errors captured. Default: 1.0
	SampleRate float64

	// TracesSampleRate is the share of transactions traced. Zero disables tracing.
	TracesSampleRate float64

	// Debug enables Sentry SDK debug logging
	Debug bool
}

var sentryEnabled atomic.Bool

// InitSentry initializes the Sentry client and returns a flush function
// for shutdown. Client errors (not found, invalid, conflict) are dropped
// before sending; only internal failures and outages are reported.
func InitSentry(cfg SentryConfig, logger *slog.Logger) (func(), error) {
	sentryEnabled.Store(false)

	if !cfg.Enabled {
		logger.Info("Sentry disabled")
		return func() {}, nil
	}
	if cfg.DSN == "" {
		logger.Warn("Sentry DSN not configured, disabling error tracking")
		return func() {}, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       sampleRate,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		BeforeSend:       dropClientErrors,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	sentryEnabled.Store(true)

	logger.Info("Sentry initialized",
		"environment", cfg.Environment,
		"release", cfg.Release,
		"sample_rate", sampleRate,
	)

	return func() { sentry.Flush(2 * time.Second) }, nil
}

// IsEnabled returns whether Sentry is currently enabled
func IsEnabled() bool {
	return sentryEnabled.Load()
}

// Reportable reports whether err is worth an error-tracking event.
func Reportable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch domain.ErrorCode(err) {
	case domain.EINTERNAL, domain.EUNAVAILABLE, domain.EPAYMENT:
		return true
	default:
		return false
	}
}

func dropClientErrors(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if hint != nil && hint.OriginalException != nil && !Reportable(hint.OriginalException) {
		return nil
	}
	return event
}

// CaptureJobError captures a job-run failure tagged with the job name.
func CaptureJobError(err error, jobName, runID string) {
	if !IsEnabled() || !Reportable(err) {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_name", jobName)
		scope.SetExtra("job_run_id", runID)
		sentry.CaptureException(err)
	})
}

// CaptureErrorFromContext captures an error using the Sentry hub from the
// request context, falling back to the global hub outside of a request.
// The domain error code and operation are attached as tags.
func CaptureErrorFromContext(ctx context.Context, err error, extras map[string]interface{}) {
	if !IsEnabled() || !Reportable(err) {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}

	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_code", domain.ErrorCode(err))
		if op := domain.ErrorOp(err); op != "" {
			scope.SetTag("op", op)
		}
		for key, value := range extras {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}
