// Package apperr defines the stable error identifiers returned by the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation            Code = "VALIDATION_FAILED"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeNotFound              Code = "NOT_FOUND"
	CodeIdempotencyConflict   Code = "IDEMPOTENCY_CONFLICT"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeQuotaExceeded         Code = "QUOTA_EXCEEDED"
	CodeAIProvider            Code = "AI_PROVIDER_ERROR"
	CodeStorage               Code = "STORAGE_ERROR"
	CodePaymentWebhookInvalid Code = "PAYMENT_WEBHOOK_INVALID"
	CodePaymentProvider       Code = "PAYMENT_PROVIDER_ERROR"
	CodeInternal              Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeValidation:            http.StatusBadRequest,
	CodeUnauthorized:          http.StatusUnauthorized,
	CodeForbidden:             http.StatusForbidden,
	CodeNotFound:              http.StatusNotFound,
	CodeIdempotencyConflict:   http.StatusConflict,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeQuotaExceeded:         http.StatusTooManyRequests,
	CodeAIProvider:            http.StatusBadGateway,
	CodeStorage:               http.StatusBadGateway,
	CodePaymentWebhookInvalid: http.StatusUnauthorized,
	CodePaymentProvider:       http.StatusBadGateway,
	CodeInternal:              http.StatusInternalServerError,
}

// Status returns the HTTP status for a code. Unknown codes map to 500.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a client-safe failure. Message and Details are returned to the
// caller verbatim; Cause is only ever logged.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]any
	RetryAfter int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Status() int { return e.Code.Status() }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

func Validation(fields ...FieldError) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: "invalid request",
		Details: map[string]any{"fieldErrors": fields},
	}
}

func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal server error", Cause: cause}
}

// From returns err as an *Error, wrapping anything unknown as INTERNAL_ERROR.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// Body is the JSON envelope written for every failed request.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func (e *Error) Body() Body {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return Body{Error: BodyError{Code: e.Code, Message: e.Message, Details: details}}
}
