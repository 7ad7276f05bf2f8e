package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	// LoggerContextKey is the context key for storing the request-scoped logger
	LoggerContextKey contextKey = "logger"
)

// WithRequestLogger injects a request-scoped logger into the context and logs
// every completed request. Handler errors are rendered here so the logged
// status is the one the client receives.
// Place it after RequestID in the middleware chain.
func WithRequestLogger(baseLogger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			start := time.Now()

			requestLogger := baseLogger.With(
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
			)
			if requestID := GetRequestID(req.Context()); requestID != "" {
				requestLogger = requestLogger.With(slog.String("request_id", requestID))
			}

			ctx := context.WithValue(req.Context(), LoggerContextKey, requestLogger)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			attrs := []any{
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
			}
			switch {
			case status >= 500:
				requestLogger.Error("request failed", append(attrs, slog.Any("error", err))...)
			case status >= 400:
				requestLogger.Warn("request rejected", attrs...)
			default:
				requestLogger.Info("request completed", attrs...)
			}
			return nil
		}
	}
}

// GetLogger retrieves the request-scoped logger from the context.
// If no logger is found, returns the provided fallback logger.
// If no fallback is provided, returns slog.Default().
func GetLogger(ctx context.Context, fallback ...*slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger); ok {
		return logger
	}
	if len(fallback) > 0 && fallback[0] != nil {
		return fallback[0]
	}
	return slog.Default()
}
