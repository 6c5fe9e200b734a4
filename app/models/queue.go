package models

import "time"

// MealAnalyzedMessage is published after a meal analysis commits.
type MealAnalyzedMessage struct {
	Type         string    `json:"type"`
	UserID       string    `json:"user_id"`
	MealID       string    `json:"meal_id"`
	Date         string    `json:"date"`
	CaloriesKcal float64   `json:"calories_kcal"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// SubscriptionChangedMessage is published after a webhook changes a subscription.
type SubscriptionChangedMessage struct {
	Type        string     `json:"type"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	ActiveUntil *time.Time `json:"active_until,omitempty"`
	Provider    string     `json:"provider"`
	PaymentID   string     `json:"payment_id,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}
