// Package models holds the JSON shapes shared by handlers, the analysis
// service and queue consumers.
package models

import (
	"encoding/json"
	"time"
)

const MealTimeUnknown = "unknown"

type MealAI struct {
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
}

// Meal is a stored analysis as returned to clients.
type Meal struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	MealTime  string          `json:"mealTime"`
	ImageURL  string          `json:"imageUrl"`
	AI        MealAI          `json:"ai"`
	Result    json.RawMessage `json:"result"`
}

type Totals struct {
	CaloriesKcal float64 `json:"calories_kcal"`
	ProteinG     float64 `json:"protein_g"`
	FatG         float64 `json:"fat_g"`
	CarbsG       float64 `json:"carbs_g"`
}

type MealListItem struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	MealTime  string    `json:"mealTime"`
	ImageURL  string    `json:"imageUrl"`
	Totals    Totals    `json:"totals"`
}

type MealList struct {
	Items      []MealListItem `json:"items"`
	NextCursor *string        `json:"nextCursor"`
}
