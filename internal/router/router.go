// Package router builds the HTTP server and its global middleware chain.
package router

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/billrun/internal/handler"
	"github.com/dukerupert/billrun/internal/middleware"
)

// Config holds router configuration
type Config struct {
	// BodyLimit caps request bodies. Zero uses middleware.DefaultMaxBodySize.
	BodyLimit int64

	// Debug enables echo's debug mode
	Debug bool
}

// New creates an echo instance with the global middleware chain:
// request id, metrics, request logging, panic recovery, body limit.
// Metrics may be nil.
//
// Order matters: the request logger renders handler errors, so metrics
// sit outside it to observe the final status, and recovery sits inside
// it so a panic is logged as a 500.
func New(logger *slog.Logger, metrics *middleware.Metrics, config Config) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BodyLimit <= 0 {
		config.BodyLimit = middleware.DefaultMaxBodySize
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug
	e.HTTPErrorHandler = handler.NewHTTPErrorHandler(logger)

	e.Use(middleware.RequestID())
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(
		middleware.WithRequestLogger(logger),
		middleware.Recover(logger),
		middleware.MaxBodySize(config.BodyLimit),
	)

	return e
}
