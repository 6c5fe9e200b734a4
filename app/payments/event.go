// Package payments verifies provider callbacks and creates checkouts. It
// knows each provider's wire format; what a verified event does to a
// subscription is decided by package billing.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	ProviderStripe   = "stripe"
	ProviderYooKassa = "yookassa"
)

type Kind string

const (
	KindSuccess  Kind = "success"
	KindPending  Kind = "pending"
	KindCanceled Kind = "canceled"
	KindRefund   Kind = "refund"
	KindIgnored  Kind = "ignored"
)

// Event is a verified provider callback normalised across providers.
type Event struct {
	Provider string
	// ID is the provider's event id. Empty when the provider sends none.
	ID   string
	Type string
	Kind Kind
	// PaymentID identifies the paid object the event is about. For refunds
	// it is the original payment, not the refund.
	PaymentID string
	// ObjectID is the id of the object carried by the event.
	ObjectID  string
	Status    string
	UserID    string
	CreatedAt string
}

// Request is what a verifier needs from the inbound HTTP call.
type Request struct {
	Body     []byte
	Header   http.Header
	ClientIP string
}

// Verifier authenticates a provider callback and decodes it.
type Verifier interface {
	Provider() string
	Verify(ctx context.Context, req Request) (Event, error)
}

// ErrInvalid marks a callback that failed authentication.
var ErrInvalid = errors.New("payments: webhook verification failed")

// ErrMalformed marks an authenticated callback whose payload cannot be read.
var ErrMalformed = errors.New("payments: malformed webhook payload")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// Checkout is a payment the user still has to confirm at URL.
type Checkout struct {
	Provider  string `json:"provider"`
	PaymentID string `json:"paymentId"`
	URL       string `json:"confirmationUrl"`
}

// ErrNotConfigured is returned by checkout and verifier adapters missing credentials.
var ErrNotConfigured = errors.New("payments: provider not configured")

// ProviderError is a failed call to a payment provider API.
type ProviderError struct {
	Provider string
	Stage    string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Stage)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CheckoutCreator starts a provider payment for one subscription period.
type CheckoutCreator interface {
	Provider() string
	Create(ctx context.Context, userID, idempotencyKey string) (Checkout, error)
}

// RemotePayment is a payment as the provider currently reports it.
type RemotePayment struct {
	ID       string
	Status   string
	Paid     *bool
	Captured *bool
}

// Succeeded reports a settled payment. Some provider reads omit paid or
// captured; only an explicit false blocks activation.
func (p RemotePayment) Succeeded() bool {
	if p.Status != "succeeded" {
		return false
	}
	if p.Paid != nil && !*p.Paid {
		return false
	}
	return p.Captured == nil || *p.Captured
}

// PaymentFetcher reads a payment's state from the provider, for clients that
// return from checkout before the webhook arrives.
type PaymentFetcher interface {
	Provider() string
	Fetch(ctx context.Context, paymentID string) (RemotePayment, error)
}
