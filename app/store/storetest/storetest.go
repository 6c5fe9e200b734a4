// Package storetest opens throwaway SQLite stores for package tests.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/velH4ard/FitAIcomp/app/store"

	"github.com/stretchr/testify/require"
)

// New returns a migrated store backed by a fresh SQLite file in t.TempDir().
func New(t testing.TB) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "fitai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

// Count returns SELECT COUNT(*) for the given table and optional WHERE clause.
func Count(t testing.TB, s *store.Store, table, where string, args ...any) int {
	t.Helper()
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	require.NoError(t, s.QueryRow(context.Background(), s.DB(), q, args...).Scan(&n))
	return n
}

// Snapshot renders every row of every domain table, sorted per table. Tests
// compare two snapshots to assert an operation neither inserted, updated nor
// deleted anything.
func Snapshot(t testing.TB, s *store.Store) map[string][]string {
	t.Helper()
	out := map[string][]string{}
	for _, table := range []string{
		"users", "analyze_requests", "usage_daily", "processed_webhook_events",
		"payments", "meals", "daily_stats",
	} {
		out[table] = dump(t, s, table)
	}
	return out
}

func dump(t testing.TB, s *store.Store, table string) []string {
	t.Helper()
	rows, err := s.DB().QueryContext(context.Background(), "SELECT * FROM "+table)
	require.NoError(t, err)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(t, err)
	lines := []string{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		fields := make([]string, len(cols))
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			fields[i] = fmt.Sprintf("%s=%v", cols[i], v)
		}
		lines = append(lines, strings.Join(fields, " "))
	}
	require.NoError(t, rows.Err())
	sort.Strings(lines)
	return lines
}
