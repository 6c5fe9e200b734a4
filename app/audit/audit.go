// Package audit is the append-only domain event log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/velH4ard/FitAIcomp/app/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	AnalyzeStarted        = "analyze_started"
	AnalyzeCompleted      = "analyze_completed"
	AnalyzeFailed         = "analyze_failed"
	AnalyzeRateLimited    = "analyze_rate_limited"
	QuotaExceeded         = "quota_exceeded"
	PaymentCreated        = "payment_created"
	PaymentCreateFailed   = "payment_create_failed"
	PaymentWebhookFailed  = "payment_webhook_failed"
	PaymentSucceeded      = "payment_succeeded"
	PaymentRefunded       = "payment_refunded"
	SubscriptionActivated = "subscription_activated"
	SubscriptionBlocked   = "subscription_blocked"
)

var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"secret":        {},
	"api_key":       {},
	"apikey":        {},
	"password":      {},
	"initdata":      {},
	"hash":          {},
}

type Log struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Log {
	return &Log{store: s, now: time.Now}
}

// WithClock overrides the time source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Append writes one event through q so it can join the caller's transaction.
func (l *Log) Append(ctx context.Context, q store.Querier, userID, eventType string, payload map[string]any) error {
	body, err := json.Marshal(Sanitize(payload))
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	_, err = l.store.Exec(ctx, q, `
		INSERT INTO events (id, user_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), store.NullIfEmpty(userID), eventType, string(body), store.Millis(l.now()))
	if err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}

// Record appends outside any transaction and only logs failures.
func (l *Log) Record(ctx context.Context, userID, eventType string, payload map[string]any) {
	if err := l.Append(ctx, l.store.DB(), userID, eventType, payload); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Str("event_type", eventType).Msg("audit append failed")
	}
}

// CountSince counts a user's events of one type in (since, now].
func (l *Log) CountSince(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	var n int
	err := l.store.QueryRow(ctx, l.store.DB(), `
		SELECT COUNT(*)
		FROM events
		WHERE user_id = ? AND event_type = ? AND created_at > ? AND created_at <= ?
	`, userID, eventType, store.Millis(since), store.Millis(l.now())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s events: %w", eventType, err)
	}
	return n, nil
}

// OldestSince returns the earliest matching event in (since, now], or the zero
// time when there is none.
func (l *Log) OldestSince(ctx context.Context, userID, eventType string, since time.Time) (time.Time, error) {
	var oldest sql.NullInt64
	err := l.store.QueryRow(ctx, l.store.DB(), `
		SELECT MIN(created_at)
		FROM events
		WHERE user_id = ? AND event_type = ? AND created_at > ? AND created_at <= ?
	`, userID, eventType, store.Millis(since), store.Millis(l.now())).Scan(&oldest)
	if err != nil {
		return time.Time{}, fmt.Errorf("oldest %s event: %w", eventType, err)
	}
	if !oldest.Valid {
		return time.Time{}, nil
	}
	return store.FromMillis(oldest.Int64), nil
}

// Sanitize drops credential-like keys at any depth.
func Sanitize(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out, _ := sanitizeValue(payload).(map[string]any)
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			if _, drop := sensitiveKeys[strings.ToLower(k)]; drop {
				continue
			}
			out[k] = sanitizeValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
