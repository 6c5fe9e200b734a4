package models

import "time"

// User is the authenticated caller as stored in the users table.
type User struct {
	ID                      string     `json:"id"`
	Email                   string     `json:"email,omitempty"`
	SubscriptionStatus      string     `json:"subscriptionStatus"`
	SubscriptionActiveUntil *time.Time `json:"subscriptionActiveUntil"`
}
