package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSeesUpdates(t *testing.T) {
	s := New(t)
	ctx := context.Background()
	_, err := s.Exec(ctx, s.DB(), `INSERT INTO usage_daily (user_id, date, photos_used, updated_at) VALUES (?, ?, 0, 0)`, "u1", "2026-03-01")
	require.NoError(t, err)

	before := Snapshot(t, s)
	assert.Equal(t, before, Snapshot(t, s))

	_, err = s.Exec(ctx, s.DB(), `UPDATE usage_daily SET photos_used = 5 WHERE user_id = ?`, "u1")
	require.NoError(t, err)
	after := Snapshot(t, s)
	assert.NotEqual(t, before, after)
	assert.Len(t, after["usage_daily"], 1)
	assert.Contains(t, after["usage_daily"][0], "photos_used=5")

	_, err = s.Exec(ctx, s.DB(), `INSERT INTO users (id, subscription_status, created_at, updated_at) VALUES (?, 'free', 0, 0)`, "u1")
	require.NoError(t, err)
	before = Snapshot(t, s)
	_, err = s.Exec(ctx, s.DB(), `UPDATE users SET subscription_status = 'active' WHERE id = ?`, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, before["users"], Snapshot(t, s)["users"])
}
