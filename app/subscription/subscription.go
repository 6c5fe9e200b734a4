// Package subscription derives a user's effective plan from the stored
// subscription fields and applies extensions and blocks.
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velH4ard/FitAIcomp/app/config"
	"github.com/velH4ard/FitAIcomp/app/models"
	"github.com/velH4ard/FitAIcomp/app/store"
)

type Status string

const (
	StatusFree    Status = "free"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusBlocked Status = "blocked"
)

const expiringSoonDays = 3

var ErrUserNotFound = errors.New("subscription: user not found")

// EffectiveStatus resolves the stored status at now. Blocked overrides time;
// otherwise a window is active strictly before its end.
func EffectiveStatus(raw Status, activeUntil *time.Time, now time.Time) Status {
	if raw == StatusBlocked {
		return StatusBlocked
	}
	if activeUntil == nil {
		return StatusFree
	}
	if activeUntil.After(now) {
		return StatusActive
	}
	return StatusExpired
}

func DailyLimit(status Status, cfg config.QuotaConfig) int {
	switch status {
	case StatusBlocked:
		return cfg.BlockedDailyLimit
	case StatusActive:
		return cfg.ActiveDailyLimit
	default:
		return cfg.FreeDailyLimit
	}
}

// DaysLeft rounds the remaining window up to whole days.
func DaysLeft(activeUntil *time.Time, now time.Time) int {
	if activeUntil == nil {
		return 0
	}
	remaining := activeUntil.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int((remaining + 24*time.Hour - time.Second) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}

type View struct {
	Status         Status     `json:"status"`
	ActiveUntil    *time.Time `json:"activeUntil"`
	DaysLeft       int        `json:"daysLeft"`
	WillExpireSoon bool       `json:"willExpireSoon"`
}

// BuildView renders the client-facing status. Expired windows read as free.
func BuildView(raw Status, activeUntil *time.Time, now time.Time) View {
	switch EffectiveStatus(raw, activeUntil, now) {
	case StatusBlocked:
		return View{Status: StatusBlocked}
	case StatusActive:
		days := DaysLeft(activeUntil, now)
		until := activeUntil.UTC()
		return View{Status: StatusActive, ActiveUntil: &until, DaysLeft: days, WillExpireSoon: days < expiringSoonDays}
	default:
		return View{Status: StatusFree}
	}
}

// State is the subscription part of the user row.
type State struct {
	UserID      string
	Raw         Status
	ActiveUntil *time.Time
}

func (s State) Effective(now time.Time) Status {
	return EffectiveStatus(s.Raw, s.ActiveUntil, now)
}

type Repo struct {
	store *store.Store
}

func NewRepo(s *store.Store) *Repo {
	return &Repo{store: s}
}

// EnsureUser creates a free user row if none exists. Email is only set on insert.
func (r *Repo) EnsureUser(ctx context.Context, q store.Querier, userID, email string, now time.Time) error {
	_, err := r.store.Exec(ctx, q, `
		INSERT INTO users (id, email, subscription_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, userID, store.NullIfEmpty(email), string(StatusFree), store.Millis(now), store.Millis(now))
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// Load reads the user's subscription fields through q. With lock set the row
// is held for the rest of the caller's transaction.
func (r *Repo) Load(ctx context.Context, q store.Querier, userID string, lock bool) (State, error) {
	query := `SELECT subscription_status, subscription_active_until FROM users WHERE id = ?`
	if lock {
		query += r.store.LockSuffix()
	}
	var (
		raw   string
		until sql.NullInt64
	)
	err := r.store.QueryRow(ctx, q, query, userID).Scan(&raw, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrUserNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("load subscription: %w", err)
	}
	return State{UserID: userID, Raw: Status(raw), ActiveUntil: store.TimePtr(until)}, nil
}

// Extend adds one period to the later of now and the current window end and
// marks the user active. It must run inside the transaction that records the
// payment so the extension applies exactly once.
func (r *Repo) Extend(ctx context.Context, tx *sql.Tx, userID string, period time.Duration, now time.Time) (State, error) {
	current, err := r.Load(ctx, tx, userID, true)
	if err != nil {
		return State{}, err
	}
	base := now
	if current.ActiveUntil != nil && current.ActiveUntil.After(now) {
		base = *current.ActiveUntil
	}
	newUntil := base.Add(period).UTC()

	if _, err := r.store.Exec(ctx, tx, `
		UPDATE users
		SET subscription_status = ?, subscription_active_until = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusActive), store.Millis(newUntil), store.Millis(now), userID); err != nil {
		return State{}, fmt.Errorf("extend subscription: %w", err)
	}
	return State{UserID: userID, Raw: StatusActive, ActiveUntil: &newUntil}, nil
}

// Block sets the sticky blocked status.
func (r *Repo) Block(ctx context.Context, q store.Querier, userID string, now time.Time) error {
	res, err := r.store.Exec(ctx, q, `
		UPDATE users SET subscription_status = ?, updated_at = ? WHERE id = ?
	`, string(StatusBlocked), store.Millis(now), userID)
	if err != nil {
		return fmt.Errorf("block subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// User reads the profile row with its effective status at now.
func (r *Repo) User(ctx context.Context, userID string, now time.Time) (models.User, error) {
	var (
		email sql.NullString
		raw   string
		until sql.NullInt64
	)
	err := r.store.QueryRow(ctx, r.store.DB(), `
		SELECT email, subscription_status, subscription_active_until FROM users WHERE id = ?
	`, userID).Scan(&email, &raw, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("load user: %w", err)
	}
	activeUntil := store.TimePtr(until)
	return models.User{
		ID:                      userID,
		Email:                   email.String,
		SubscriptionStatus:      string(EffectiveStatus(Status(raw), activeUntil, now)),
		SubscriptionActiveUntil: activeUntil,
	}, nil
}
