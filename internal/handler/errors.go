// Package handler exposes the billing engine over HTTP.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/middleware"
	"github.com/dukerupert/billrun/internal/telemetry"
)

// ErrorCodeToHTTPStatus maps a domain error code to an HTTP status.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.EPAYMENT:
		return http.StatusPaymentRequired
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	case domain.EUNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// httpStatusToErrorCode is the reverse mapping for errors raised by echo itself.
func httpStatusToErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return domain.EINVALID
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return domain.ENOTFOUND
	case http.StatusServiceUnavailable:
		return domain.EUNAVAILABLE
	default:
		return domain.EINTERNAL
	}
}

// ErrorBody is the JSON envelope for every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorResponse writes err as a JSON error. Internal details are never
// exposed; validation errors carry their field map.
func ErrorResponse(c echo.Context, err error) error {
	if fields := domain.GetValidationFields(err); fields != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
			Code:    domain.EINVALID,
			Message: "Validation failed",
			Fields:  fields,
		}})
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && he.Code < http.StatusInternalServerError {
			message = m
		}
		return c.JSON(he.Code, ErrorBody{Error: ErrorDetail{
			Code:    httpStatusToErrorCode(he.Code),
			Message: message,
		}})
	}

	code := domain.ErrorCode(err)
	return c.JSON(ErrorCodeToHTTPStatus(code), ErrorBody{Error: ErrorDetail{
		Code:    code,
		Message: domain.ErrorMessage(err),
	}})
}

// NewHTTPErrorHandler renders handler errors and reports server-side failures.
func NewHTTPErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		ctx := c.Request().Context()
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			middleware.GetLogger(ctx, logger).Error("request error",
				slog.String("op", domain.ErrorOp(err)),
				slog.String("error", err.Error()))
			telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
				"path": c.Path(),
				"op":   domain.ErrorOp(err),
			})
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		if werr := ErrorResponse(c, err); werr != nil {
			middleware.GetLogger(ctx, logger).Error("failed to write error response",
				slog.String("error", werr.Error()))
		}
	}
}

func statusOf(err error) int {
	if domain.IsValidationError(err) {
		return http.StatusBadRequest
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return ErrorCodeToHTTPStatus(domain.ErrorCode(err))
}
