package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"github.com/dukerupert/billrun/internal/telemetry"
)

// Recover turns a handler panic into a 500 and reports it to Sentry when
// error tracking is enabled. Each request gets its own Sentry hub so
// captures carry the request id.
func Recover(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			if telemetry.IsEnabled() {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				if id := GetRequestID(req.Context()); id != "" {
					hub.Scope().SetTag("request_id", id)
				}
				c.SetRequest(req.WithContext(sentry.SetHubOnContext(req.Context(), hub)))
			}

			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				panicErr, ok := r.(error)
				if !ok {
					panicErr = fmt.Errorf("%v", r)
				}
				GetLogger(c.Request().Context(), logger).Error("panic recovered",
					slog.String("error", panicErr.Error()),
					slog.String("stack", string(debug.Stack())))
				telemetry.CaptureErrorFromContext(c.Request().Context(), panicErr, map[string]interface{}{
					"path": c.Path(),
				})

				err = echo.NewHTTPError(http.StatusInternalServerError).SetInternal(panicErr)
			}()

			return next(c)
		}
	}
}
