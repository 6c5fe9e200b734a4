// Package meals persists analysed meals and the per-day nutrition aggregate.
package meals

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/velH4ard/FitAIcomp/app/models"
	"github.com/velH4ard/FitAIcomp/app/store"
)

const aiProvider = "openrouter"

var (
	ErrNotFound      = errors.New("meals: not found")
	ErrInvalidCursor = errors.New("meals: invalid cursor")
)

type NewMeal struct {
	ID          string
	UserID      string
	RequestKey  string
	CreatedAt   time.Time
	MealTime    *string
	Description *string
	ImageURL    string
	AIModel     string
	Confidence  float64
	Result      json.RawMessage
	Totals      models.Totals
}

type DailyStats struct {
	Date       string        `json:"date"`
	Totals     models.Totals `json:"totals"`
	MealsCount int           `json:"mealsCount"`
}

type Repo struct {
	store *store.Store
}

func NewRepo(s *store.Store) *Repo {
	return &Repo{store: s}
}

// Insert stores the meal and adds its totals to the day's aggregate. Both
// writes go through q so they commit with the caller's transaction.
func (r *Repo) Insert(ctx context.Context, q store.Querier, m NewMeal) error {
	day := store.Day(m.CreatedAt)
	_, err := r.store.Exec(ctx, q, `
		INSERT INTO meals (id, user_id, analyze_request_key, created_at, day, meal_time, description,
			image_url, ai_model, ai_confidence, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.RequestKey, store.Millis(m.CreatedAt), day, nullString(m.MealTime), nullString(m.Description),
		m.ImageURL, m.AIModel, m.Confidence, string(m.Result))
	if err != nil {
		return fmt.Errorf("insert meal: %w", err)
	}

	_, err = r.store.Exec(ctx, q, `
		INSERT INTO daily_stats (user_id, date, calories_kcal, protein_g, fat_g, carbs_g, meals_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (user_id, date) DO UPDATE SET
			calories_kcal = daily_stats.calories_kcal + excluded.calories_kcal,
			protein_g = daily_stats.protein_g + excluded.protein_g,
			fat_g = daily_stats.fat_g + excluded.fat_g,
			carbs_g = daily_stats.carbs_g + excluded.carbs_g,
			meals_count = daily_stats.meals_count + 1
	`, m.UserID, day, m.Totals.CaloriesKcal, m.Totals.ProteinG, m.Totals.FatG, m.Totals.CarbsG)
	if err != nil {
		return fmt.Errorf("upsert daily stats: %w", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, userID, id string) (models.Meal, error) {
	var (
		createdAt  int64
		mealTime   sql.NullString
		imageURL   string
		model      string
		confidence sql.NullFloat64
		result     string
	)
	err := r.store.QueryRow(ctx, r.store.DB(), `
		SELECT created_at, meal_time, image_url, ai_model, ai_confidence, result_json
		FROM meals WHERE id = ? AND user_id = ?
	`, id, userID).Scan(&createdAt, &mealTime, &imageURL, &model, &confidence, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Meal{}, ErrNotFound
	}
	if err != nil {
		return models.Meal{}, fmt.Errorf("get meal: %w", err)
	}
	return models.Meal{
		ID:        id,
		CreatedAt: store.FromMillis(createdAt),
		MealTime:  mealTimeOrUnknown(mealTime),
		ImageURL:  imageURL,
		AI:        models.MealAI{Provider: aiProvider, Model: model, Confidence: confidence.Float64},
		Result:    json.RawMessage(result),
	}, nil
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

// ListQuery selects a page of meals. Cursor is the NextCursor of a previous
// page; Day, when set, keeps only meals of that UTC day (YYYY-MM-DD).
type ListQuery struct {
	Limit  int
	Cursor string
	Day    string
}

// List returns the user's meals newest first.
func (r *Repo) List(ctx context.Context, userID string, lq ListQuery) (models.MealList, error) {
	limit := lq.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	query := `SELECT id, created_at, meal_time, image_url, result_json FROM meals WHERE user_id = ?`
	args := []any{userID}
	if lq.Day != "" {
		query += ` AND day = ?`
		args = append(args, lq.Day)
	}
	if lq.Cursor != "" {
		at, id, err := decodeCursor(lq.Cursor)
		if err != nil {
			return models.MealList{}, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, at, at, id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.store.Query(ctx, r.store.DB(), query, args...)
	if err != nil {
		return models.MealList{}, fmt.Errorf("list meals: %w", err)
	}
	defer rows.Close()

	out := models.MealList{Items: []models.MealListItem{}}
	var lastAt int64
	for rows.Next() {
		var (
			item      models.MealListItem
			createdAt int64
			mealTime  sql.NullString
			result    string
		)
		if err := rows.Scan(&item.ID, &createdAt, &mealTime, &item.ImageURL, &result); err != nil {
			return models.MealList{}, fmt.Errorf("scan meal: %w", err)
		}
		if len(out.Items) == limit {
			next := encodeCursor(lastAt, out.Items[len(out.Items)-1].ID)
			out.NextCursor = &next
			break
		}
		item.CreatedAt = store.FromMillis(createdAt)
		item.MealTime = mealTimeOrUnknown(mealTime)
		item.Totals = TotalsOf(json.RawMessage(result))
		out.Items = append(out.Items, item)
		lastAt = createdAt
	}
	if err := rows.Err(); err != nil {
		return models.MealList{}, fmt.Errorf("list meals: %w", err)
	}
	return out, nil
}

// Delete removes a meal and recomputes its day's aggregate from the meals
// that remain. The daily usage counter is left alone: deleting a meal does
// not return the photo to the quota.
func (r *Repo) Delete(ctx context.Context, userID, id string) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var day string
		err := r.store.QueryRow(ctx, tx, `SELECT day FROM meals WHERE id = ? AND user_id = ?`+r.store.LockSuffix(), id, userID).Scan(&day)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock meal: %w", err)
		}
		if _, err := r.store.Exec(ctx, tx, `DELETE FROM meals WHERE id = ? AND user_id = ?`, id, userID); err != nil {
			return fmt.Errorf("delete meal: %w", err)
		}
		return r.recompute(ctx, tx, userID, day)
	})
}

func (r *Repo) recompute(ctx context.Context, tx *sql.Tx, userID, day string) error {
	rows, err := r.store.Query(ctx, tx, `SELECT result_json FROM meals WHERE user_id = ? AND day = ?`, userID, day)
	if err != nil {
		return fmt.Errorf("recompute daily stats: %w", err)
	}
	var (
		sum   models.Totals
		count int
	)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return fmt.Errorf("recompute daily stats: %w", err)
		}
		t := TotalsOf(json.RawMessage(raw))
		sum.CaloriesKcal += t.CaloriesKcal
		sum.ProteinG += t.ProteinG
		sum.FatG += t.FatG
		sum.CarbsG += t.CarbsG
		count++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("recompute daily stats: %w", err)
	}
	rows.Close()

	_, err = r.store.Exec(ctx, tx, `
		INSERT INTO daily_stats (user_id, date, calories_kcal, protein_g, fat_g, carbs_g, meals_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, date) DO UPDATE SET
			calories_kcal = excluded.calories_kcal,
			protein_g = excluded.protein_g,
			fat_g = excluded.fat_g,
			carbs_g = excluded.carbs_g,
			meals_count = excluded.meals_count
	`, userID, day, sum.CaloriesKcal, sum.ProteinG, sum.FatG, sum.CarbsG, count)
	if err != nil {
		return fmt.Errorf("store daily stats: %w", err)
	}
	return nil
}

func (r *Repo) Stats(ctx context.Context, userID, day string) (DailyStats, error) {
	out := DailyStats{Date: day}
	err := r.store.QueryRow(ctx, r.store.DB(), `
		SELECT calories_kcal, protein_g, fat_g, carbs_g, meals_count
		FROM daily_stats WHERE user_id = ? AND date = ?
	`, userID, day).Scan(&out.Totals.CaloriesKcal, &out.Totals.ProteinG, &out.Totals.FatG, &out.Totals.CarbsG, &out.MealsCount)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return DailyStats{}, fmt.Errorf("daily stats: %w", err)
	}
	return out, nil
}

// TotalsOf reads the totals block of a stored analysis; malformed input
// counts as zero.
func TotalsOf(result json.RawMessage) models.Totals {
	var doc struct {
		Totals models.Totals `json:"totals"`
	}
	_ = json.Unmarshal(result, &doc)
	return doc.Totals
}

func mealTimeOrUnknown(v sql.NullString) string {
	if !v.Valid || v.String == "" {
		return models.MealTimeUnknown
	}
	return v.String
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func encodeCursor(createdAt int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(createdAt, 10) + "|" + id))
}

func decodeCursor(c string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, "", ErrInvalidCursor
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return 0, "", ErrInvalidCursor
	}
	ms, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return 0, "", ErrInvalidCursor
	}
	return ms, id, nil
}
