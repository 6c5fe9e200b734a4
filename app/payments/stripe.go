package payments

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/velH4ard/FitAIcomp/app/config"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// MaxBodyBytes caps how much of a webhook body is read.
const MaxBodyBytes = int64(65536)

type StripeVerifier struct {
	secret string
}

func NewStripeVerifier(webhookSecret string) *StripeVerifier {
	return &StripeVerifier{secret: webhookSecret}
}

func (v *StripeVerifier) Provider() string { return ProviderStripe }

func (v *StripeVerifier) Verify(_ context.Context, req Request) (Event, error) {
	if v.secret == "" {
		return Event{}, ErrNotConfigured
	}
	if int64(len(req.Body)) > MaxBodyBytes {
		return Event{}, invalid("body exceeds %d bytes", MaxBodyBytes)
	}
	ev, err := webhook.ConstructEventWithOptions(
		req.Body,
		req.Header.Get("Stripe-Signature"),
		v.secret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return Event{}, invalid("stripe signature: %v", err)
	}
	return mapStripeEvent(ev)
}

func mapStripeEvent(ev stripe.Event) (Event, error) {
	out := Event{
		Provider:  ProviderStripe,
		ID:        ev.ID,
		Type:      string(ev.Type),
		Kind:      KindIgnored,
		CreatedAt: strconv.FormatInt(ev.Created, 10),
	}
	if ev.Data == nil {
		return out, nil
	}

	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return Event{}, malformed(err)
		}
		out.ObjectID = sess.ID
		out.PaymentID = sess.ID
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			out.PaymentID = sess.PaymentIntent.ID
		}
		out.Status = string(sess.PaymentStatus)
		out.UserID = sess.Metadata["user_id"]
		if out.UserID == "" {
			out.UserID = sess.ClientReferenceID
		}
		switch {
		case ev.Type == "checkout.session.async_payment_succeeded":
			out.Kind = KindSuccess
		case ev.Type == "checkout.session.completed" && sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			out.Kind = KindSuccess
		case ev.Type == "checkout.session.completed":
			out.Kind = KindPending
		default:
			out.Kind = KindCanceled
		}
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return Event{}, malformed(err)
		}
		out.ObjectID = ch.ID
		out.PaymentID = ch.ID
		if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
			out.PaymentID = ch.PaymentIntent.ID
		}
		out.Status = string(ch.Status)
		out.UserID = ch.Metadata["user_id"]
		out.Kind = KindRefund
	}
	return out, nil
}

// StripeCheckout creates one-off Checkout Sessions for a subscription period.
type StripeCheckout struct {
	client      *session.Client
	priceID     string
	frontendURL string
}

func NewStripeCheckout(cfg config.StripeConfig) *StripeCheckout {
	return &StripeCheckout{
		client:      &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey},
		priceID:     cfg.PriceID,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
	}
}

func (c *StripeCheckout) Provider() string { return ProviderStripe }

// Create starts a Checkout Session tagged with the user id, so the webhook
// can resolve the user from the event alone.
func (c *StripeCheckout) Create(ctx context.Context, userID, idempotencyKey string) (Checkout, error) {
	if c.client.Key == "" || c.priceID == "" || c.frontendURL == "" {
		return Checkout{}, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"user_id": userID},
		},
		SuccessURL: stripe.String(c.frontendURL + "/billing/success"),
		CancelURL:  stripe.String(c.frontendURL + "/billing/cancel"),
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	sess, err := c.client.New(params)
	if err != nil {
		return Checkout{}, &ProviderError{Provider: ProviderStripe, Stage: "create_payment", Err: err}
	}
	return Checkout{Provider: ProviderStripe, PaymentID: sess.ID, URL: sess.URL}, nil
}
