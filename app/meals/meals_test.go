package meals

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/velH4ard/FitAIcomp/app/models"
	"github.com/velH4ard/FitAIcomp/app/store"
	"github.com/velH4ard/FitAIcomp/app/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func result(kcal float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"recognized":true,"totals":{"calories_kcal":%g,"protein_g":10,"fat_g":5,"carbs_g":20}}`, kcal))
}

func insert(t *testing.T, s *store.Store, r *Repo, id string, at time.Time, kcal float64) {
	t.Helper()
	res := result(kcal)
	require.NoError(t, r.Insert(context.Background(), s.DB(), NewMeal{
		ID:         id,
		UserID:     "u1",
		RequestKey: "key-" + id,
		CreatedAt:  at,
		ImageURL:   "memory://" + id,
		AIModel:    "m",
		Confidence: 0.8,
		Result:     res,
		Totals:     TotalsOf(res),
	}))
}

func TestInsertAndGet(t *testing.T) {
	s := storetest.New(t)
	r := NewRepo(s)
	lunch := "lunch"
	require.NoError(t, r.Insert(context.Background(), s.DB(), NewMeal{
		ID: "m1", UserID: "u1", RequestKey: "k1", CreatedAt: base, MealTime: &lunch,
		ImageURL: "memory://m1", AIModel: "model-x", Confidence: 0.7, Result: result(400),
	}))

	m, err := r.Get(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "lunch", m.MealTime)
	assert.Equal(t, models.MealAI{Provider: "openrouter", Model: "model-x", Confidence: 0.7}, m.AI)
	assert.True(t, m.CreatedAt.Equal(base))
	assert.JSONEq(t, string(result(400)), string(m.Result))

	_, err = r.Get(context.Background(), "someone-else", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMealTimeDefaultsToUnknown(t *testing.T) {
	s := storetest.New(t)
	r := NewRepo(s)
	insert(t, s, r, "m1", base, 100)

	m, err := r.Get(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MealTimeUnknown, m.MealTime)
}

func TestInsertAccumulatesDailyStats(t *testing.T) {
	s := storetest.New(t)
	r := NewRepo(s)
	insert(t, s, r, "m1", base, 100)
	insert(t, s, r, "m2", base.Add(time.Hour), 250)
	insert(t, s, r, "m3", base.Add(24*time.Hour), 50)

	st, err := r.Stats(context.Background(), "u1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, st.MealsCount)
	assert.Equal(t, 350.0, st.Totals.CaloriesKcal)
	assert.Equal(t, 20.0, st.Totals.ProteinG)

	empty, err := r.Stats(context.Background(), "u1", "2026-02-01")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.MealsCount)
}

func TestListPagesNewestFirst(t *testing.T) {
	s := storetest.New(t)
	r := NewRepo(s)
	for i := 0; i < 5; i++ {
		insert(t, s, r, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Minute), 100)
	}
	ctx := context.Background()

	page, err := r.List(ctx, "u1", ListQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "m4", page.Items[0].ID)
	assert.Equal(t, "m3", page.Items[1].ID)
	require.NotNil(t, page.NextCursor)

	var ids []string
	cursor := *page.NextCursor
	for cursor != "" {
		p, err := r.List(ctx, "u1", ListQuery{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, it := range p.Items {
			ids = append(ids, it.ID)
		}
		cursor = ""
		if p.NextCursor != nil {
			cursor = *p.NextCursor
		}
	}
	assert.Equal(t, []string{"m2", "m1", "m0"}, ids)

	_, err = r.List(ctx, "u1", ListQuery{Limit: 2, Cursor: "!!!"})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestListFiltersByDay(t *testing.T) {
	s := storetest.New(t)
	r := NewRepo(s)
	insert(t, s, r, "today", base, 100)
	insert(t, s, r, "yesterday", base.Add(-24*time.Hour), 200)
	ctx := context.Background()

	page, err := r.List(ctx, "u1", ListQuery{Day: "2026-03-01"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "today", page.Items[0].ID)

	page, err = r.List(ctx, "u1", ListQuery{Day: "2026-02-28"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "yesterday", page.Items[0].ID)

	page, err = r.List(ctx, "u1", ListQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestListClampsOversizedLimit(t *testing.T) {
	s := storetest.New(t)
	r := NewRepo(s)
	for i := 0; i < MaxPageSize+2; i++ {
		insert(t, s, r, fmt.Sprintf("m%03d", i), base.Add(time.Duration(i)*time.Second), 10)
	}

	page, err := r.List(context.Background(), "u1", ListQuery{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, page.Items, DefaultPageSize)
	assert.NotNil(t, page.NextCursor)
}

func TestDeleteRecomputesStatsAndKeepsUsage(t *testing.T) {
	s := storetest.New(t)
	r := NewRepo(s)
	ctx := context.Background()
	insert(t, s, r, "m1", base, 100)
	insert(t, s, r, "m2", base, 300)
	_, err := s.Exec(ctx, s.DB(), `INSERT INTO usage_daily (user_id, date, photos_used, updated_at) VALUES (?, ?, 2, 0)`, "u1", "2026-03-01")
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "u1", "m2"))

	st, err := r.Stats(ctx, "u1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, st.MealsCount)
	assert.Equal(t, 100.0, st.Totals.CaloriesKcal)
	assert.Equal(t, 1, storetest.Count(t, s, "usage_daily", "user_id = ? AND photos_used = 2", "u1"))

	assert.ErrorIs(t, r.Delete(ctx, "u1", "m2"), ErrNotFound)
}
