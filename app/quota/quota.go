// Package quota enforces the per-user daily photo analysis limit.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velH4ard/FitAIcomp/app/metrics"
	"github.com/velH4ard/FitAIcomp/app/store"
)

// ErrQuotaExceeded matches every *ExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

type ExceededError struct {
	Limit int
	Used  int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded: used %d of %d", e.Used, e.Limit)
}

func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Usage is a snapshot of one user's counter for one day.
type Usage struct {
	Date      string `json:"date"`
	Used      int    `json:"photosUsed"`
	Limit     int    `json:"dailyLimit"`
	Remaining int    `json:"remaining"`
}

func newUsage(date string, used, limit int) Usage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Date: date, Used: used, Limit: limit, Remaining: remaining}
}

type Manager struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Precheck reads the counter without locking. It only serves early rejection;
// Reserve is authoritative.
func (m *Manager) Precheck(ctx context.Context, userID, date string, limit int) (Usage, error) {
	used, err := m.Used(ctx, userID, date)
	if err != nil {
		return Usage{}, err
	}
	u := newUsage(date, used, limit)
	if used >= limit {
		return u, &ExceededError{Limit: limit, Used: used}
	}
	return u, nil
}

// Used returns the stored count, zero when no row exists.
func (m *Manager) Used(ctx context.Context, userID, date string) (int, error) {
	var used int
	err := m.store.QueryRow(ctx, m.store.DB(), `
		SELECT photos_used FROM usage_daily WHERE user_id = ? AND date = ?
	`, userID, date).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return used, nil
}

// Usage returns a snapshot for responses.
func (m *Manager) Usage(ctx context.Context, userID, date string, limit int) (Usage, error) {
	used, err := m.Used(ctx, userID, date)
	if err != nil {
		return Usage{}, err
	}
	return newUsage(date, used, limit), nil
}

// Reserve takes one slot. The row is locked for the duration of the
// transaction and the increment is additionally guarded by the limit, so N
// concurrent callers against one free slot yield exactly one success.
func (m *Manager) Reserve(ctx context.Context, userID, date string, limit int) (Usage, error) {
	var usage Usage
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := store.Millis(m.now())
		if _, err := m.store.Exec(ctx, tx, `
			INSERT INTO usage_daily (user_id, date, photos_used, updated_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT (user_id, date) DO NOTHING
		`, userID, date, now); err != nil {
			return fmt.Errorf("ensure usage row: %w", err)
		}

		var used int
		if err := m.store.QueryRow(ctx, tx, `
			SELECT photos_used FROM usage_daily WHERE user_id = ? AND date = ?`+m.store.LockSuffix(),
			userID, date,
		).Scan(&used); err != nil {
			return fmt.Errorf("lock usage row: %w", err)
		}
		if used >= limit {
			return &ExceededError{Limit: limit, Used: used}
		}

		res, err := m.store.Exec(ctx, tx, `
			UPDATE usage_daily
			SET photos_used = photos_used + 1, updated_at = ?
			WHERE user_id = ? AND date = ? AND photos_used < ?
		`, now, userID, date, limit)
		if err != nil {
			return fmt.Errorf("increment usage: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &ExceededError{Limit: limit, Used: used}
		}
		usage = newUsage(date, used+1, limit)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			metrics.QuotaReservationsTotal.WithLabelValues("exceeded").Inc()
		}
		return Usage{}, err
	}
	metrics.QuotaReservationsTotal.WithLabelValues("reserved").Inc()
	return usage, nil
}

// Release returns one slot. It is compensation only and never takes the
// counter below zero.
func (m *Manager) Release(ctx context.Context, userID, date string) error {
	_, err := m.store.Exec(ctx, m.store.DB(), `
		UPDATE usage_daily
		SET photos_used = CASE WHEN photos_used > 0 THEN photos_used - 1 ELSE 0 END,
			updated_at = ?
		WHERE user_id = ? AND date = ?
	`, store.Millis(m.now()), userID, date)
	if err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	metrics.QuotaReservationsTotal.WithLabelValues("released").Inc()
	return nil
}
