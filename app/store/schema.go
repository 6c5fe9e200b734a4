package store

import (
	"context"
	"fmt"
)

// Statements are executed one at a time so both drivers accept them.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                        TEXT PRIMARY KEY,
		email                     TEXT,
		subscription_status       TEXT NOT NULL DEFAULT 'free',
		subscription_active_until BIGINT,
		created_at                BIGINT NOT NULL,
		updated_at                BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS analyze_requests (
		user_id         TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		fingerprint     TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL,
		response        TEXT,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		PRIMARY KEY (user_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analyze_requests_state_updated
		ON analyze_requests (state, updated_at)`,
	`CREATE TABLE IF NOT EXISTS usage_daily (
		user_id     TEXT NOT NULL,
		date        TEXT NOT NULL,
		photos_used INTEGER NOT NULL DEFAULT 0,
		updated_at  BIGINT NOT NULL,
		PRIMARY KEY (user_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		user_id    TEXT,
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_type_created
		ON events (user_id, event_type, created_at)`,
	`CREATE TABLE IF NOT EXISTS processed_webhook_events (
		event_key    TEXT PRIMARY KEY,
		provider     TEXT NOT NULL,
		event_type   TEXT NOT NULL DEFAULT '',
		payment_id   TEXT,
		outcome      TEXT NOT NULL DEFAULT '',
		processed_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_webhook_events_processed
		ON processed_webhook_events (processed_at)`,
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		provider   TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS meals (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		analyze_request_key TEXT NOT NULL,
		created_at          BIGINT NOT NULL,
		day                 TEXT NOT NULL,
		meal_time           TEXT,
		description         TEXT,
		image_url           TEXT NOT NULL DEFAULT '',
		ai_model            TEXT NOT NULL DEFAULT '',
		ai_confidence       DOUBLE PRECISION,
		result_json         TEXT NOT NULL,
		UNIQUE (user_id, analyze_request_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_meals_user_created ON meals (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_meals_user_day ON meals (user_id, day)`,
	`CREATE TABLE IF NOT EXISTS daily_stats (
		user_id       TEXT NOT NULL,
		date          TEXT NOT NULL,
		calories_kcal DOUBLE PRECISION NOT NULL DEFAULT 0,
		protein_g     DOUBLE PRECISION NOT NULL DEFAULT 0,
		fat_g         DOUBLE PRECISION NOT NULL DEFAULT 0,
		carbs_g       DOUBLE PRECISION NOT NULL DEFAULT 0,
		meals_count   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, date)
	)`,
}

// Migrate creates any missing tables and indexes. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
