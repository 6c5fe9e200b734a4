// Package ratelimit throttles analysis bursts over a sliding window of audit
// events. It is independent of the daily quota.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/velH4ard/FitAIcomp/app/audit"
)

// LimitedError reports that the caller must wait RetryAfter before retrying.
type LimitedError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited: %d requests per %s", e.Limit, e.Window)
}

// RetryAfterSeconds rounds up to whole seconds, minimum one.
func (e *LimitedError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// EventCounter is the slice of audit.Log the limiter needs.
type EventCounter interface {
	CountSince(ctx context.Context, userID, eventType string, since time.Time) (int, error)
	OldestSince(ctx context.Context, userID, eventType string, since time.Time) (time.Time, error)
}

type Limiter struct {
	events EventCounter
	limit  int
	window time.Duration
	now    func() time.Time
}

func New(events EventCounter, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Limiter{events: events, limit: limit, window: window, now: time.Now}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check counts analyze_started events in (now-window, now]. It never writes.
// A non-positive limit disables the limiter.
func (l *Limiter) Check(ctx context.Context, userID string) error {
	if l.limit <= 0 {
		return nil
	}
	now := l.now()
	since := now.Add(-l.window)
	n, err := l.events.CountSince(ctx, userID, audit.AnalyzeStarted, since)
	if err != nil {
		return err
	}
	if n < l.limit {
		return nil
	}

	retry := l.window
	oldest, err := l.events.OldestSince(ctx, userID, audit.AnalyzeStarted, since)
	if err == nil && !oldest.IsZero() {
		retry = oldest.Add(l.window).Sub(now)
	}
	return &LimitedError{Limit: l.limit, Window: l.window, RetryAfter: retry}
}
