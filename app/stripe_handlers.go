package app

import (
	"io"
	"net/http"

	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/payments"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// CreateCheckoutSession starts a Stripe Checkout Session for the authenticated user.
func (s *Server) CreateCheckoutSession(c *gin.Context) {
	s.startCheckout(c, s.stripeCheckout)
}

// StripeWebhook applies a signed Stripe event.
func (s *Server) StripeWebhook(c *gin.Context) {
	s.handleWebhook(c, s.stripeWebhook)
}

func (s *Server) startCheckout(c *gin.Context, creator payments.CheckoutCreator) {
	ctx := c.Request.Context()
	if creator == nil {
		writeError(c, apperr.Wrap(apperr.CodePaymentProvider, "payment provider error", payments.ErrNotConfigured).
			WithDetails(map[string]any{"stage": "create_payment"}))
		return
	}
	out, err := s.billing.StartCheckout(ctx, creator, userID(ctx), c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// handleWebhook reads at most one byte past the provider limit so the
// verifier can reject oversized bodies instead of seeing a truncated one.
func (s *Server) handleWebhook(c *gin.Context, v payments.Verifier) {
	ctx := c.Request.Context()
	if v == nil {
		writeError(c, apperr.Internal(payments.ErrNotConfigured))
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, payments.MaxBodyBytes+1))
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("provider", v.Provider()).Msg("webhook read failed")
		writeError(c, apperr.Wrap(apperr.CodePaymentProvider, "invalid payload", err).
			WithDetails(map[string]any{"stage": "webhook_read"}))
		return
	}

	_, err = s.billing.Handle(ctx, v, payments.Request{
		Body:     body,
		Header:   c.Request.Header,
		ClientIP: payments.ClientIP(c.Request.Header, c.ClientIP()),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
