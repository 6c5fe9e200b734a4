package store

import (
	"context"
	"fmt"
)

// ClaimResult is the outcome of an insert-if-absent.
type ClaimResult int

const (
	// Fresh means this caller inserted the row.
	Fresh ClaimResult = iota
	// Existing means the key was already present and nothing was written.
	Existing
)

func (r ClaimResult) String() string {
	if r == Existing {
		return "existing"
	}
	return "fresh"
}

// Claim runs an INSERT ... ON CONFLICT DO NOTHING statement and reports whether
// this caller won the key. It backs both the request ledger and webhook dedup;
// exactly one concurrent inserter observes Fresh.
func (s *Store) Claim(ctx context.Context, q Querier, insert string, args ...any) (ClaimResult, error) {
	res, err := s.Exec(ctx, q, insert, args...)
	if err != nil {
		if IsUniqueViolation(err) {
			return Existing, nil
		}
		return Fresh, fmt.Errorf("claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Fresh, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		return Existing, nil
	}
	return Fresh, nil
}
