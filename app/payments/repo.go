package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velH4ard/FitAIcomp/app/store"
)

const (
	StatusCreated   = "created"
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
	StatusRefunded  = "refunded"
)

// Repo keeps the payment id to user mapping written at checkout time.
type Repo struct {
	store *store.Store
}

func NewRepo(s *store.Store) *Repo {
	return &Repo{store: s}
}

func (r *Repo) Record(ctx context.Context, q store.Querier, provider, paymentID, userID, status string, now time.Time) error {
	_, err := r.store.Exec(ctx, q, `
		INSERT INTO payments (payment_id, user_id, provider, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, paymentID, userID, provider, status, store.Millis(now), store.Millis(now))
	if err != nil {
		return fmt.Errorf("record payment %s: %w", paymentID, err)
	}
	return nil
}

// UserFor returns the user a payment was created for, or "" if unknown.
func (r *Repo) UserFor(ctx context.Context, q store.Querier, paymentID string) (string, error) {
	if paymentID == "" {
		return "", nil
	}
	var userID string
	err := r.store.QueryRow(ctx, q, `SELECT user_id FROM payments WHERE payment_id = ?`, paymentID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup payment %s: %w", paymentID, err)
	}
	return userID, nil
}

// Payment is one row of the checkout mapping.
type Payment struct {
	ID       string
	UserID   string
	Provider string
	Status   string
}

// Get returns the recorded payment, or false if the id was never recorded.
func (r *Repo) Get(ctx context.Context, q store.Querier, paymentID string) (Payment, bool, error) {
	p := Payment{ID: paymentID}
	err := r.store.QueryRow(ctx, q, `SELECT user_id, provider, status FROM payments WHERE payment_id = ?`, paymentID).
		Scan(&p.UserID, &p.Provider, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, fmt.Errorf("load payment %s: %w", paymentID, err)
	}
	return p, true, nil
}

// SetStatus updates a known payment. Unknown payment ids are ignored.
func (r *Repo) SetStatus(ctx context.Context, q store.Querier, paymentID, status string, now time.Time) error {
	if paymentID == "" {
		return nil
	}
	_, err := r.store.Exec(ctx, q, `UPDATE payments SET status = ?, updated_at = ? WHERE payment_id = ?`,
		status, store.Millis(now), paymentID)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", paymentID, err)
	}
	return nil
}
