// Package billing applies verified payment callbacks to subscriptions.
//
// Every callback is deduplicated on its event key inside the transaction
// that applies it, so a provider retry, a duplicate delivery or a concurrent
// second delivery never extends or blocks twice. A successful payment also
// claims a per-payment marker, so one payment extends once even if the
// provider re-sends it under a new event id.
package billing

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
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

type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeBlocked           Outcome = "blocked"
	OutcomeRecorded          Outcome = "recorded"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeDuplicatePayment  Outcome = "duplicate_payment"
	OutcomeRefundWithoutPaid Outcome = "refund_without_success"
)

// Result describes what a callback did. Duplicate callbacks report
// OutcomeDuplicate and change nothing.
type Result struct {
	EventKey    string
	Provider    string
	Kind        payments.Kind
	Outcome     Outcome
	UserID      string
	ActiveUntil *time.Time
}

type Processor struct {
	store    *store.Store
	subs     *subscription.Repo
	payments *payments.Repo
	audit    *audit.Log
	notifier notify.Publisher
	period   time.Duration
	now      func() time.Time
}

func NewProcessor(s *store.Store, events *audit.Log, notifier notify.Publisher, period time.Duration) *Processor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Processor{
		store:    s,
		subs:     subscription.NewRepo(s),
		payments: payments.NewRepo(s),
		audit:    events,
		notifier: notifier,
		period:   period,
		now:      time.Now,
	}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// EventKey is the dedup key of a callback: the provider's event id, or a
// hash of the fields that identify the delivery when the provider sends none.
func EventKey(ev payments.Event) string {
	if ev.ID != "" {
		return ev.Provider + ":event:" + ev.ID
	}
	return ev.Provider + ":" + digest(fmt.Sprintf("fallback:%s|%s|%s|%s", ev.Type, ev.ObjectID, ev.Status, ev.CreatedAt))
}

// SuccessKey marks that a payment has extended a subscription.
func SuccessKey(provider, paymentID string) string {
	return provider + ":" + digest("payment_success:"+paymentID)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// successOutcome tags the per-payment marker rows in processed_webhook_events.
const successOutcome = "payment_success"

var errUnresolvedUser = errors.New("billing: cannot resolve user for payment")

// Handle verifies and applies one callback.
func (p *Processor) Handle(ctx context.Context, v payments.Verifier, req payments.Request) (Result, error) {
	started := time.Now()
	provider := v.Provider()
	res, err := p.handle(ctx, v, req)

	outcome := string(res.Outcome)
	if err != nil {
		outcome = string(apperr.From(err).Code)
	}
	metrics.WebhookRequestsTotal.WithLabelValues(provider, outcome).Inc()
	metrics.WebhookDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
	return res, err
}

func (p *Processor) handle(ctx context.Context, v payments.Verifier, req payments.Request) (Result, error) {
	provider := v.Provider()
	ev, err := v.Verify(ctx, req)
	switch {
	case errors.Is(err, payments.ErrInvalid):
		log.Ctx(ctx).Warn().Err(err).
			Str("provider", provider).
			Str("client_ip", req.ClientIP).
			Msg("payment webhook rejected")
		return Result{Provider: provider}, apperr.Wrap(apperr.CodePaymentWebhookInvalid, "invalid webhook signature", err)
	case errors.Is(err, payments.ErrMalformed):
		p.audit.Record(ctx, "", audit.PaymentWebhookFailed, map[string]any{
			"provider": provider,
			"reason":   "invalid_json",
		})
		return Result{Provider: provider}, apperr.Wrap(apperr.CodePaymentProvider, "payment provider error", err).
			WithDetails(map[string]any{"stage": "webhook_parse"})
	case err != nil:
		return Result{Provider: provider}, apperr.Internal(err)
	}

	res := Result{EventKey: EventKey(ev), Provider: provider, Kind: ev.Kind}
	logger := log.Ctx(ctx).With().
		Str("provider", provider).
		Str("event_key", res.EventKey).
		Str("event_type", ev.Type).
		Str("payment_id", ev.PaymentID).
		Logger()

	now := p.now().UTC()
	err = p.store.WithTx(ctx, func(tx *sql.Tx) error {
		claim, err := p.store.Claim(ctx, tx, `
			INSERT INTO processed_webhook_events (event_key, provider, event_type, payment_id, outcome, processed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_key) DO NOTHING
		`, res.EventKey, provider, ev.Type, store.NullIfEmpty(ev.PaymentID), "processing", store.Millis(now))
		if err != nil {
			return fmt.Errorf("claim webhook event: %w", err)
		}
		if claim == store.Existing {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		switch ev.Kind {
		case payments.KindSuccess:
			err = p.applySuccess(ctx, tx, ev, now, &res)
		case payments.KindRefund:
			err = p.applyRefund(ctx, tx, ev, now, &res)
		case payments.KindCanceled:
			res.Outcome = OutcomeRecorded
			err = p.setStatus(ctx, tx, ev, payments.StatusCanceled, now)
		case payments.KindPending:
			res.Outcome = OutcomeRecorded
		default:
			res.Outcome = OutcomeIgnored
		}
		if err != nil {
			return err
		}

		_, err = p.store.Exec(ctx, tx, `UPDATE processed_webhook_events SET outcome = ? WHERE event_key = ?`,
			string(res.Outcome), res.EventKey)
		return err
	})

	if errors.Is(err, errUnresolvedUser) {
		logger.Warn().Msg("payment webhook user not resolved")
		p.audit.Record(ctx, "", audit.PaymentWebhookFailed, map[string]any{
			"provider":  provider,
			"paymentId": ev.PaymentID,
			"reason":    "unresolved_user",
		})
		return res, apperr.Wrap(apperr.CodePaymentProvider, "payment provider error", err).
			WithDetails(map[string]any{"stage": "webhook_resolve_user"})
	}
	if err != nil {
		logger.Error().Err(err).Msg("payment webhook failed")
		return res, apperr.Internal(err)
	}

	logger.Info().
		Str("outcome", string(res.Outcome)).
		Str("user_id", res.UserID).
		Msg("payment webhook processed")

	if res.Outcome == OutcomeApplied || res.Outcome == OutcomeBlocked {
		status := subscription.StatusActive
		if res.Outcome == OutcomeBlocked {
			status = subscription.StatusBlocked
		}
		notify.Send(ctx, p.notifier, notify.TypeSubscriptionChanged, models.SubscriptionChangedMessage{
			Type:        notify.TypeSubscriptionChanged,
			UserID:      res.UserID,
			Status:      string(status),
			ActiveUntil: res.ActiveUntil,
			Provider:    provider,
			PaymentID:   ev.PaymentID,
			OccurredAt:  now,
		})
	}
	return res, nil
}

func (p *Processor) applySuccess(ctx context.Context, tx *sql.Tx, ev payments.Event, now time.Time, res *Result) error {
	if ev.PaymentID != "" {
		claim, err := p.store.Claim(ctx, tx, `
			INSERT INTO processed_webhook_events (event_key, provider, event_type, payment_id, outcome, processed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_key) DO NOTHING
		`, SuccessKey(ev.Provider, ev.PaymentID), ev.Provider, ev.Type, ev.PaymentID, successOutcome, store.Millis(now))
		if err != nil {
			return fmt.Errorf("claim payment success: %w", err)
		}
		if claim == store.Existing {
			res.Outcome = OutcomeDuplicatePayment
			return nil
		}
	}

	userID, err := p.resolveUser(ctx, tx, ev)
	if err != nil {
		return err
	}
	state, err := p.subs.Extend(ctx, tx, userID, p.period, now)
	if errors.Is(err, subscription.ErrUserNotFound) {
		return errUnresolvedUser
	}
	if err != nil {
		return err
	}

	if ev.PaymentID != "" {
		if err := p.payments.Record(ctx, tx, ev.Provider, ev.PaymentID, userID, payments.StatusSucceeded, now); err != nil {
			return err
		}
	}
	if ev.ObjectID != "" && ev.ObjectID != ev.PaymentID {
		if err := p.payments.SetStatus(ctx, tx, ev.ObjectID, payments.StatusSucceeded, now); err != nil {
			return err
		}
	}

	if err := p.audit.Append(ctx, tx, userID, audit.PaymentSucceeded, map[string]any{
		"provider":  ev.Provider,
		"event":     ev.Type,
		"paymentId": ev.PaymentID,
		"status":    string(subscription.StatusActive),
	}); err != nil {
		return err
	}
	if err := p.audit.Append(ctx, tx, userID, audit.SubscriptionActivated, map[string]any{
		"paymentId":   ev.PaymentID,
		"activeUntil": state.ActiveUntil.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	res.Outcome = OutcomeApplied
	res.UserID = userID
	res.ActiveUntil = state.ActiveUntil
	return nil
}

func (p *Processor) applyRefund(ctx context.Context, tx *sql.Tx, ev payments.Event, now time.Time, res *Result) error {
	paid := false
	if ev.PaymentID != "" {
		var one int
		err := p.store.QueryRow(ctx, tx, `SELECT 1 FROM processed_webhook_events WHERE event_key = ?`,
			SuccessKey(ev.Provider, ev.PaymentID)).Scan(&one)
		switch {
		case err == nil:
			paid = true
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check payment success: %w", err)
		}
	}
	if !paid {
		res.Outcome = OutcomeRefundWithoutPaid
		return nil
	}

	userID, err := p.resolveUser(ctx, tx, ev)
	if err != nil {
		return err
	}
	if err := p.subs.Block(ctx, tx, userID, now); err != nil {
		if errors.Is(err, subscription.ErrUserNotFound) {
			return errUnresolvedUser
		}
		return err
	}
	if err := p.payments.SetStatus(ctx, tx, ev.PaymentID, payments.StatusRefunded, now); err != nil {
		return err
	}
	if err := p.audit.Append(ctx, tx, userID, audit.PaymentRefunded, map[string]any{
		"provider":  ev.Provider,
		"event":     ev.Type,
		"paymentId": ev.PaymentID,
	}); err != nil {
		return err
	}
	if err := p.audit.Append(ctx, tx, userID, audit.SubscriptionBlocked, map[string]any{
		"reason":    "refund",
		"paymentId": ev.PaymentID,
	}); err != nil {
		return err
	}

	res.Outcome = OutcomeBlocked
	res.UserID = userID
	return nil
}

// resolveUser prefers the user id carried in the event and falls back to
// the mapping recorded when the checkout was created.
func (p *Processor) resolveUser(ctx context.Context, tx *sql.Tx, ev payments.Event) (string, error) {
	if ev.UserID != "" {
		return ev.UserID, nil
	}
	for _, id := range []string{ev.PaymentID, ev.ObjectID} {
		userID, err := p.payments.UserFor(ctx, tx, id)
		if err != nil {
			return "", err
		}
		if userID != "" {
			return userID, nil
		}
	}
	return "", errUnresolvedUser
}

func (p *Processor) setStatus(ctx context.Context, tx *sql.Tx, ev payments.Event, status string, now time.Time) error {
	if err := p.payments.SetStatus(ctx, tx, ev.PaymentID, status, now); err != nil {
		return err
	}
	if ev.ObjectID != ev.PaymentID {
		return p.payments.SetStatus(ctx, tx, ev.ObjectID, status, now)
	}
	return nil
}

// Block is the administrative block action.
func (p *Processor) Block(ctx context.Context, userID, actor string) error {
	now := p.now().UTC()
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := p.subs.Block(ctx, tx, userID, now); err != nil {
			return err
		}
		return p.audit.Append(ctx, tx, userID, audit.SubscriptionBlocked, map[string]any{
			"reason": "admin",
			"actor":  actor,
		})
	})
	if errors.Is(err, subscription.ErrUserNotFound) {
		return apperr.New(apperr.CodeNotFound, "user not found")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	log.Ctx(ctx).Info().Str("user_id", userID).Str("actor", actor).Msg("subscription blocked by admin")
	return nil
}

// StartCheckout creates a provider payment and records which user it is for.
func (p *Processor) StartCheckout(ctx context.Context, c payments.CheckoutCreator, userID, idempotencyKey string) (payments.Checkout, error) {
	out, err := c.Create(ctx, userID, idempotencyKey)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("provider", c.Provider()).Str("user_id", userID).Msg("checkout creation failed")
		p.audit.Record(ctx, userID, audit.PaymentCreateFailed, map[string]any{
			"provider": c.Provider(),
		})
		return payments.Checkout{}, apperr.Wrap(apperr.CodePaymentProvider, "payment provider error", err).
			WithDetails(map[string]any{"stage": "create_payment"})
	}
	if err := p.payments.Record(ctx, p.store.DB(), c.Provider(), out.PaymentID, userID, payments.StatusCreated, p.now().UTC()); err != nil {
		return payments.Checkout{}, apperr.Internal(err)
	}
	p.audit.Record(ctx, userID, audit.PaymentCreated, map[string]any{
		"provider":  c.Provider(),
		"paymentId": out.PaymentID,
	})
	return out, nil
}

// PruneProcessed deletes event dedup markers older than before. Per-payment
// success markers are kept: refunds and re-sent payments are checked against
// them for as long as the provider may deliver either.
func (p *Processor) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.store.Exec(ctx, p.store.DB(), `
		DELETE FROM processed_webhook_events
		WHERE processed_at < ? AND outcome <> ?
	`, store.Millis(before), successOutcome)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	return res.RowsAffected()
}
