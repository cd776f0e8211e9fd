package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a referenced record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrForbidden is returned when the actor may not act on the record
	ErrForbidden = errors.New("permission denied")

	// ErrDuplicateEvent marks a webhook that was already recorded. Callers treat it as success.
	ErrDuplicateEvent = errors.New("duplicate webhook event")
)

// ValidationError reports malformed caller input. Nothing was mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StockUnavailableError names the product whose stock could not cover the request.
type StockUnavailableError struct {
	ProductID uuid.UUID
	Requested int
	Available int
}

func (e *StockUnavailableError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}

// InvalidTransitionError reports a state change outside the allowed graph.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// GatewayError wraps any failure of a call to the payment gateway.
// Rejected is set only when the provider definitively refused the request,
// so nothing was created on its side. Timeouts, network failures and 5xx
// responses leave the outcome unknown and Rejected false.
type GatewayError struct {
	Op       string
	Err      error
	Rejected bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsGatewayRejection reports whether err is a GatewayError the provider
// definitively refused
func IsGatewayRejection(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Rejected
}

// SignatureError reports a webhook whose authenticity could not be verified.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %v", e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps an error from the service layer onto a response code.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		stock      *StockUnavailableError
		transition *InvalidTransitionError
		gateway    *GatewayError
		signature  *SignatureError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation), errors.As(err, &signature):
		return http.StatusBadRequest
	case errors.As(err, &stock), errors.As(err, &transition):
		return http.StatusConflict
	case errors.As(err, &gateway):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrDuplicateEvent):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
