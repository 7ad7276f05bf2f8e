package domain

import (
	"errors"
	"fmt"
)

// Error codes. Each maps to one HTTP status in the handler package and
// decides whether the message is safe to show.
const (
	EINVALID     = "invalid"          // 400: bad input
	EPAYMENT     = "payment_required" // 402: gateway refused to open a checkout
	ENOTFOUND    = "not_found"        // 404
	ECONFLICT    = "conflict"         // 409: invalid transition, lost race, duplicate run
	EINTERNAL    = "internal"         // 500: details hidden from callers
	EUNAVAILABLE = "unavailable"      // 503: store or dependency unreachable
)

const internalMessage = "An internal error occurred. Please try again later."

// Error is an application error with a code, a caller-safe message and the
// operation that produced it.
type Error struct {
	Code string

	// Message is safe to show to API callers unless Code is EINTERNAL.
	Message string

	// Op names the failing operation ("invoice.approve"). Logged, never shown.
	Op string

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the first *Error in the chain. A
// ValidationError is EINVALID; anything else without a code is internal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if IsValidationError(err) {
		return EINVALID
	}
	return EINTERNAL
}

// ErrorMessage returns the caller-safe message for err.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != EINTERNAL {
		return e.Message
	}
	if IsValidationError(err) {
		return "Validation failed"
	}
	return internalMessage
}

// ErrorOp returns the operation recorded on err, if any.
func ErrorOp(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// Errorf creates a domain error with a formatted message.
func Errorf(code, op, format string, args ...interface{}) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err carries code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// ValidationError collects per-field input problems. It reports as EINVALID.
type ValidationError struct {
	Fields map[string]string
	Op     string
}

func (e *ValidationError) Error() string {
	prefix := ""
	if e.Op != "" {
		prefix = e.Op + ": "
	}
	if len(e.Fields) == 1 {
		for field, msg := range e.Fields {
			return fmt.Sprintf("%s%s %s", prefix, field, msg)
		}
	}
	return fmt.Sprintf("%svalidation failed for %d fields", prefix, len(e.Fields))
}

// NewValidationError creates a validation error for a single field.
func NewValidationError(op, field, message string) error {
	return &ValidationError{Op: op, Fields: map[string]string{field: message}}
}

// AddFieldError adds a field problem to err when it is a ValidationError,
// or starts a new one otherwise.
func AddFieldError(err error, field, message string) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		ve.Fields[field] = message
		return ve
	}
	return &ValidationError{Op: ErrorOp(err), Fields: map[string]string{field: message}}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// GetValidationFields returns the field problems of a ValidationError, or nil.
func GetValidationFields(err error) map[string]string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

// DeliveryError reports that an outbound side effect (email, payment link)
// failed after the state change it accompanied was committed. Callers treat
// it as a warning.
type DeliveryError struct {
	// Channel is "email" or "payment_gateway".
	Channel string

	// Target is the recipient address or invoice id.
	Target string

	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Channel, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryError reports whether err is or wraps a DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// NotFound reports a missing resource: domain.NotFound("invoice.get", "invoice", id).
func NotFound(op, resource, identifier string) error {
	return &Error{Code: ENOTFOUND, Op: op, Message: fmt.Sprintf("%s not found: %s", resource, identifier)}
}

func Invalid(op, message string) error {
	return &Error{Code: EINVALID, Op: op, Message: message}
}

func Conflict(op, message string) error {
	return &Error{Code: ECONFLICT, Op: op, Message: message}
}

// Unavailable wraps an infrastructure failure (connection refused, timeout)
// so callers can tell it apart from a rejected business rule.
func Unavailable(err error, op string) error {
	return &Error{Code: EUNAVAILABLE, Op: op, Message: "Store unavailable", Err: err}
}

// Internal wraps an unexpected failure. Callers see a generic message.
func Internal(err error, op, message string) error {
	return &Error{Code: EINTERNAL, Op: op, Message: message, Err: err}
}
