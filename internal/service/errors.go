package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dukerupert/billrun/internal/billing"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/go-playground/validator/v10"
)

// Validation errors - use domain.EINVALID
var (
	ErrNonPositiveAmount = domain.Errorf(domain.EINVALID, "", "Amount must be greater than 0")
	ErrUnknownStatus     = domain.Errorf(domain.EINVALID, "", "Unknown payment status")
)

// newValidator returns a validator that reports fields by their json name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validationError converts validator output into a *domain.ValidationError.
func validationError(op string, err error) error {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Invalid(op, err.Error())
	}

	ve := &domain.ValidationError{Op: op, Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		ve.Fields[fe.Field()] = fieldMessage(fe)
	}
	return ve
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// invalidTransition wraps domain.ErrInvalidTransition with the attempted edge.
func invalidTransition(op string, from, to domain.InvoiceStatus) error {
	return &domain.Error{
		Code:    domain.ECONFLICT,
		Op:      op,
		Message: fmt.Sprintf("Invoice cannot move from %s to %s", from, to),
		Err:     domain.ErrInvalidTransition,
	}
}

// gatewayError classifies a checkout failure. Gateway problems never report
// as EUNAVAILABLE: that code is reserved for store outages, which abort
// dispatch, while a missing payment link does not.
func gatewayError(op string, err error) error {
	var se *billing.StripeError
	message := "Payment gateway rejected the checkout"
	switch {
	case errors.Is(err, billing.ErrAmountTooSmall):
		message = "Invoice amount is too small to collect"
	case errors.As(err, &se) && se.IsTemporary():
		message = "Payment gateway is temporarily unavailable"
	case errors.As(err, &se) && se.IsDeclined():
		message = "Payment gateway declined the checkout"
	}
	return &domain.Error{Code: domain.EPAYMENT, Op: op, Message: message, Err: err}
}
