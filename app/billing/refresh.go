package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/audit"
	"github.com/velH4ard/FitAIcomp/app/metrics"
	"github.com/velH4ard/FitAIcomp/app/models"
	"github.com/velH4ard/FitAIcomp/app/notify"
	"github.com/velH4ard/FitAIcomp/app/payments"
	"github.com/velH4ard/FitAIcomp/app/store"
	"github.com/velH4ard/FitAIcomp/app/subscription"

	"github.com/rs/zerolog/log"
)

const eventRefresh = "payment.refresh"

// Refresh reads a payment the user started from the provider and applies it
// if it has settled. It shares the per-payment success marker with Handle,
// so a payment extends the subscription once whichever path sees it first.
func (p *Processor) Refresh(ctx context.Context, f payments.PaymentFetcher, userID, paymentID string) (Result, error) {
	provider := f.Provider()
	res, err := p.refresh(ctx, f, userID, paymentID)

	outcome := string(res.Outcome)
	if err != nil {
		outcome = string(apperr.From(err).Code)
	}
	metrics.PaymentRefreshTotal.WithLabelValues(provider, outcome).Inc()
	return res, err
}

func (p *Processor) refresh(ctx context.Context, f payments.PaymentFetcher, userID, paymentID string) (Result, error) {
	provider := f.Provider()
	res := Result{Provider: provider, UserID: userID}
	if paymentID == "" {
		return res, apperr.Validation(apperr.FieldError{Field: "paymentId", Issue: "is required"})
	}

	local, known, err := p.payments.Get(ctx, p.store.DB(), paymentID)
	if err != nil {
		return res, apperr.Internal(err)
	}
	if !known || local.UserID != userID {
		return res, apperr.New(apperr.CodeNotFound, "payment not found")
	}

	logger := log.Ctx(ctx).With().
		Str("provider", provider).
		Str("payment_id", paymentID).
		Str("user_id", userID).
		Logger()

	remote, err := f.Fetch(ctx, paymentID)
	if err != nil {
		paid, lerr := p.hasLocalSuccess(ctx, provider, local)
		if lerr != nil {
			return res, apperr.Internal(lerr)
		}
		if paid {
			logger.Warn().Err(err).Msg("payment fetch failed; payment already applied locally")
			res.Outcome = OutcomeDuplicatePayment
			return res, nil
		}
		logger.Warn().Err(err).Msg("payment fetch failed")
		details := map[string]any{"stage": "fetch_payment"}
		var pe *payments.ProviderError
		if errors.As(err, &pe) && pe.Status != 0 {
			details["providerStatus"] = pe.Status
		}
		return res, apperr.Wrap(apperr.CodePaymentProvider, "payment provider error", err).WithDetails(details)
	}

	now := p.now().UTC()
	switch {
	case remote.Succeeded():
		err = p.store.WithTx(ctx, func(tx *sql.Tx) error {
			return p.applyRefreshed(ctx, tx, provider, userID, paymentID, now, &res)
		})
		if errors.Is(err, subscription.ErrUserNotFound) {
			return res, apperr.New(apperr.CodeNotFound, "user not found")
		}
		if err != nil {
			logger.Error().Err(err).Msg("payment refresh failed")
			return res, apperr.Internal(err)
		}
	case remote.Status == "pending" || remote.Status == "waiting_for_capture":
		res.Outcome = OutcomeRecorded
	default:
		if remote.Status == payments.StatusCanceled {
			if err := p.payments.SetStatus(ctx, p.store.DB(), paymentID, payments.StatusCanceled, now); err != nil {
				return res, apperr.Internal(err)
			}
		}
		logger.Info().Str("payment_status", remote.Status).Msg("payment not succeeded")
		return res, apperr.New(apperr.CodePaymentProvider, "payment provider error").
			WithDetails(map[string]any{"stage": "refresh_payment_status", "paymentStatus": remote.Status})
	}

	logger.Info().Str("outcome", string(res.Outcome)).Msg("payment refreshed")
	if res.Outcome == OutcomeApplied {
		notify.Send(ctx, p.notifier, notify.TypeSubscriptionChanged, models.SubscriptionChangedMessage{
			Type:        notify.TypeSubscriptionChanged,
			UserID:      userID,
			Status:      string(subscription.StatusActive),
			ActiveUntil: res.ActiveUntil,
			Provider:    provider,
			PaymentID:   paymentID,
			OccurredAt:  now,
		})
	}
	return res, nil
}

func (p *Processor) applyRefreshed(ctx context.Context, tx *sql.Tx, provider, userID, paymentID string, now time.Time, res *Result) error {
	claim, err := p.store.Claim(ctx, tx, `
		INSERT INTO processed_webhook_events (event_key, provider, event_type, payment_id, outcome, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_key) DO NOTHING
	`, SuccessKey(provider, paymentID), provider, eventRefresh, paymentID, successOutcome, store.Millis(now))
	if err != nil {
		return fmt.Errorf("claim payment success: %w", err)
	}
	if claim == store.Existing {
		res.Outcome = OutcomeDuplicatePayment
		return nil
	}
	if err := p.payments.SetStatus(ctx, tx, paymentID, payments.StatusSucceeded, now); err != nil {
		return err
	}

	state, err := p.subs.Extend(ctx, tx, userID, p.period, now)
	if err != nil {
		return err
	}
	if err := p.audit.Append(ctx, tx, userID, audit.PaymentSucceeded, map[string]any{
		"provider":  provider,
		"event":     eventRefresh,
		"paymentId": paymentID,
		"status":    string(subscription.StatusActive),
	}); err != nil {
		return err
	}
	if err := p.audit.Append(ctx, tx, userID, audit.SubscriptionActivated, map[string]any{
		"paymentId":   paymentID,
		"activeUntil": state.ActiveUntil.Format(time.RFC3339),
		"source":      "refresh",
	}); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	res.ActiveUntil = state.ActiveUntil
	return nil
}

// hasLocalSuccess reports whether a webhook or an earlier refresh has
// already applied the payment.
func (p *Processor) hasLocalSuccess(ctx context.Context, provider string, local payments.Payment) (bool, error) {
	if local.Status == payments.StatusSucceeded {
		return true, nil
	}
	var one int
	err := p.store.QueryRow(ctx, p.store.DB(), `SELECT 1 FROM processed_webhook_events WHERE event_key = ?`,
		SuccessKey(provider, local.ID)).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("check payment success: %w", err)
	}
}
