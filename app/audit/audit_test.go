package audit

import (
	"context"
	"testing"
	"time"

	"github.com/velH4ard/FitAIcomp/app/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeDropsSensitiveKeysAtAnyDepth(t *testing.T) {
	got := Sanitize(map[string]any{
		"eventKey":      "evt_1",
		"Authorization": "Basic abc",
		"nested": map[string]any{
			"api_key": "k",
			"amount":  500,
		},
		"items": []any{map[string]any{"password": "p", "ok": true}},
	})

	assert.Equal(t, map[string]any{
		"eventKey": "evt_1",
		"nested":   map[string]any{"amount": 500},
		"items":    []any{map[string]any{"ok": true}},
	}, got)
}

func TestCountSinceUsesHalfOpenWindow(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	l := New(s).WithClock(func() time.Time { return clock })

	clock = now.Add(-60 * time.Second)
	require.NoError(t, l.Append(ctx, s.DB(), "u1", AnalyzeStarted, nil))
	clock = now.Add(-30 * time.Second)
	require.NoError(t, l.Append(ctx, s.DB(), "u1", AnalyzeStarted, nil))
	require.NoError(t, l.Append(ctx, s.DB(), "u2", AnalyzeStarted, nil))
	require.NoError(t, l.Append(ctx, s.DB(), "u1", AnalyzeCompleted, nil))
	clock = now

	n, err := l.CountSince(ctx, "u1", AnalyzeStarted, now.Add(-60*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "boundary event at now-60s is outside the window")
}

func TestRecordStoresSanitizedPayload(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	New(s).Record(ctx, "u1", PaymentWebhookFailed, map[string]any{"token": "t", "provider": "yookassa"})

	var payload string
	require.NoError(t, s.QueryRow(ctx, s.DB(), `SELECT payload FROM events WHERE user_id = ?`, "u1").Scan(&payload))
	assert.JSONEq(t, `{"provider":"yookassa"}`, payload)
}
