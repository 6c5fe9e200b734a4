// Package ledger tracks idempotency keys for user-initiated analysis requests.
//
// A key moves processing -> completed or processing -> failed exactly once.
// Completed keys replay their cached response; processing and failed keys
// conflict.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/velH4ard/FitAIcomp/app/store"
)

type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

type Kind int

const (
	Fresh Kind = iota
	CachedReplay
	Conflict
)

func (k Kind) String() string {
	switch k {
	case CachedReplay:
		return "cached_replay"
	case Conflict:
		return "conflict"
	default:
		return "fresh"
	}
}

// Outcome is the result of checking a key. Response is set only for
// CachedReplay; State and Reason only for Conflict.
type Outcome struct {
	Kind     Kind
	Response json.RawMessage
	State    State
	Reason   string
}

const (
	ReasonInFlight            = "in_flight"
	ReasonFailed              = "failed"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
)

// ErrNotProcessing is returned by Complete when the key is failed or missing.
var ErrNotProcessing = errors.New("ledger: request is not processing")

type Ledger struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

type row struct {
	state       State
	fingerprint string
	response    sql.NullString
}

// Lookup classifies a key without writing anything. A missing row is Fresh.
func (l *Ledger) Lookup(ctx context.Context, userID, key, fingerprint string) (Outcome, error) {
	r, err := l.load(ctx, l.store.DB(), userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{Kind: Fresh}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return classify(r, fingerprint), nil
}

// Begin inserts the processing row. If another request already holds the key
// the existing row is classified instead.
func (l *Ledger) Begin(ctx context.Context, userID, key, fingerprint string) (Outcome, error) {
	now := store.Millis(l.now())
	claim, err := l.store.Claim(ctx, l.store.DB(), `
		INSERT INTO analyze_requests (user_id, idempotency_key, fingerprint, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`, userID, key, fingerprint, string(StateProcessing), now, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin request %s: %w", key, err)
	}
	if claim == store.Fresh {
		return Outcome{Kind: Fresh}, nil
	}

	r, err := l.load(ctx, l.store.DB(), userID, key)
	if err != nil {
		return Outcome{}, err
	}
	return classify(r, fingerprint), nil
}

// Complete stores the response and marks the key completed. It runs on q so
// the transition commits together with the result it describes. Completing an
// already completed key is a no-op.
func (l *Ledger) Complete(ctx context.Context, q store.Querier, userID, key string, response []byte) error {
	if len(response) == 0 {
		return errors.New("ledger: completed request needs a response")
	}
	res, err := l.store.Exec(ctx, q, `
		UPDATE analyze_requests
		SET state = ?, response = ?, updated_at = ?
		WHERE user_id = ? AND idempotency_key = ? AND state = ?
	`, string(StateCompleted), string(response), store.Millis(l.now()), userID, key, string(StateProcessing))
	if err != nil {
		return fmt.Errorf("complete request %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	r, err := l.load(ctx, q, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotProcessing
	}
	if err != nil {
		return err
	}
	if r.state == StateCompleted {
		return nil
	}
	return ErrNotProcessing
}

// Fail marks a processing key failed. Failed is terminal; the key will
// conflict on every later attempt.
func (l *Ledger) Fail(ctx context.Context, userID, key string) error {
	_, err := l.store.Exec(ctx, l.store.DB(), `
		UPDATE analyze_requests
		SET state = ?, updated_at = ?
		WHERE user_id = ? AND idempotency_key = ? AND state = ?
	`, string(StateFailed), store.Millis(l.now()), userID, key, string(StateProcessing))
	if err != nil {
		return fmt.Errorf("fail request %s: %w", key, err)
	}
	return nil
}

// State returns the stored state of a key, or sql.ErrNoRows.
func (l *Ledger) State(ctx context.Context, userID, key string) (State, error) {
	r, err := l.load(ctx, l.store.DB(), userID, key)
	if err != nil {
		return "", err
	}
	return r.state, nil
}

// Prune deletes terminal rows last updated before the cutoff. Keys younger
// than the retention window keep replaying.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.store.Exec(ctx, l.store.DB(), `
		DELETE FROM analyze_requests
		WHERE state IN (?, ?) AND updated_at < ?
	`, string(StateCompleted), string(StateFailed), store.Millis(before))
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	return res.RowsAffected()
}

// ExpireStale fails processing rows abandoned by a crashed worker.
func (l *Ledger) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.store.Exec(ctx, l.store.DB(), `
		UPDATE analyze_requests
		SET state = ?, updated_at = ?
		WHERE state = ? AND updated_at < ?
	`, string(StateFailed), store.Millis(l.now()), string(StateProcessing), store.Millis(before))
	if err != nil {
		return 0, fmt.Errorf("expire stale requests: %w", err)
	}
	return res.RowsAffected()
}

func (l *Ledger) load(ctx context.Context, q store.Querier, userID, key string) (row, error) {
	var r row
	err := l.store.QueryRow(ctx, q, `
		SELECT state, fingerprint, response
		FROM analyze_requests
		WHERE user_id = ? AND idempotency_key = ?
	`, userID, key).Scan(&r.state, &r.fingerprint, &r.response)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row{}, err
		}
		return row{}, fmt.Errorf("load request %s: %w", key, err)
	}
	return r, nil
}

func classify(r row, fingerprint string) Outcome {
	if r.fingerprint != "" && fingerprint != "" && r.fingerprint != fingerprint {
		return Outcome{Kind: Conflict, State: r.state, Reason: ReasonFingerprintMismatch}
	}
	switch r.state {
	case StateCompleted:
		if r.response.Valid && r.response.String != "" {
			return Outcome{Kind: CachedReplay, Response: json.RawMessage(r.response.String)}
		}
		return Outcome{Kind: Conflict, State: r.state, Reason: ReasonInFlight}
	case StateFailed:
		return Outcome{Kind: Conflict, State: r.state, Reason: ReasonFailed}
	default:
		return Outcome{Kind: Conflict, State: r.state, Reason: ReasonInFlight}
	}
}
