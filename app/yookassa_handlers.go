package app

import (
	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/payments"

	"github.com/gin-gonic/gin"
)

// CreateYooKassaPayment registers a YooKassa payment and returns its confirmation URL.
func (s *Server) CreateYooKassaPayment(c *gin.Context) {
	s.startCheckout(c, s.yooCheckout)
}

// YooKassaWebhook applies a YooKassa notification.
func (s *Server) YooKassaWebhook(c *gin.Context) {
	s.handleWebhook(c, s.yooKassaHook)
}

type refreshPaymentRequest struct {
	PaymentID string `json:"paymentId"`
}

// RefreshYooKassaPayment asks YooKassa for the state of a payment the user
// started and returns the resulting subscription.
func (s *Server) RefreshYooKassaPayment(c *gin.Context) {
	ctx := c.Request.Context()
	if s.yooFetcher == nil {
		writeError(c, apperr.Wrap(apperr.CodePaymentProvider, "payment provider error", payments.ErrNotConfigured).
			WithDetails(map[string]any{"stage": "fetch_payment"}))
		return
	}
	var req refreshPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation(apperr.FieldError{Field: "body", Issue: "must be a JSON object"}))
		return
	}
	if _, err := s.billing.Refresh(ctx, s.yooFetcher, userID(ctx), req.PaymentID); err != nil {
		writeError(c, err)
		return
	}
	s.Subscription(c)
}
