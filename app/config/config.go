package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Env          string
	Server       ServerConfig
	Logs         LogConfig
	Auth         AuthConfig
	DB           DBConfig
	Quota        QuotaConfig
	RateLimit    RateLimitConfig
	Subscription SubscriptionConfig
	Upload       UploadConfig
	AI           AIConfig
	Storage      StorageConfig
	Stripe       StripeConfig
	YooKassa     YooKassaConfig
	Retention    RetentionConfig
	QueueURL     string
}

type ServerConfig struct {
	Addr         string
	AllowOrigins []string
}

type LogConfig struct {
	Style string
	Level string
}

// AuthConfig locates the Auth0 tenant that signs access tokens. Issuer
// always ends in "/". Disabled swaps token checks for a fixed local user and
// is rejected in production.
type AuthConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	Disabled bool
}

// KeysURL is JWKSURL, or the tenant's well-known JWKS document.
func (a AuthConfig) KeysURL() string {
	if a.JWKSURL != "" {
		return a.JWKSURL
	}
	if a.Issuer == "" {
		return ""
	}
	return a.Issuer + ".well-known/jwks.json"
}

// DBConfig selects the store dialect. Driver is "postgres" or "sqlite".
type DBConfig struct {
	Driver     string
	Username   string
	Password   string
	URL        string
	Port       string
	Name       string
	SSLMode    string
	SQLitePath string
}

type QuotaConfig struct {
	FreeDailyLimit    int
	ActiveDailyLimit  int
	BlockedDailyLimit int
}

type RateLimitConfig struct {
	Window time.Duration
	Limit  int
}

type SubscriptionConfig struct {
	Duration time.Duration
	PriceRub int
}

type UploadConfig struct {
	MaxImageBytes     int64
	MaxDescriptionLen int
}

type AIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

type StorageConfig struct {
	Bucket        string
	Region        string
	PublicBaseURL string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	FrontendURL   string
}

type YooKassaConfig struct {
	ShopID      string
	SecretKey   string
	APIURL      string
	ReturnURL   string
	IPAllowlist []string
}

type RetentionConfig struct {
	Ledger      time.Duration
	LedgerStale time.Duration
	Webhook     time.Duration
}

// Default returns the configuration used when no environment overrides are set.
func Default() Config {
	return Config{
		Env: "development",
		Server: ServerConfig{
			Addr:         "0.0.0.0:8080",
			AllowOrigins: []string{"*"},
		},
		Logs: LogConfig{Style: "json", Level: "info"},
		DB: DBConfig{
			Driver:     "postgres",
			Port:       "5432",
			Name:       "fitai",
			SSLMode:    "disable",
			SQLitePath: "fitai.db",
		},
		Quota: QuotaConfig{
			FreeDailyLimit:    2,
			ActiveDailyLimit:  20,
			BlockedDailyLimit: 0,
		},
		RateLimit: RateLimitConfig{
			Window: 60 * time.Second,
			Limit:  5,
		},
		Subscription: SubscriptionConfig{
			Duration: 30 * 24 * time.Hour,
			PriceRub: 500,
		},
		Upload: UploadConfig{
			MaxImageBytes:     10 << 20,
			MaxDescriptionLen: 500,
		},
		AI: AIConfig{
			BaseURL:    "https://openrouter.ai/api/v1",
			Model:      "google/gemini-3-flash-preview",
			Timeout:    45 * time.Second,
			MaxRetries: 2,
		},
		YooKassa: YooKassaConfig{
			APIURL: "https://api.yookassa.ru/v3",
		},
		Retention: RetentionConfig{
			Ledger:      30 * 24 * time.Hour,
			LedgerStale: 15 * time.Minute,
			Webhook:     180 * 24 * time.Hour,
		},
	}
}

func LoadConfig() (*Config, error) {
	cfg := Default()
	var errs []string
	intVar := func(dst *int, key string) {
		if err := envInt(dst, key); err != nil {
			errs = append(errs, err.Error())
		}
	}
	durVar := func(dst *time.Duration, key string) {
		if err := envDuration(dst, key); err != nil {
			errs = append(errs, err.Error())
		}
	}

	envString(&cfg.Env, "APP_ENV")
	envString(&cfg.Server.Addr, "SERVER_ADDR")
	envList(&cfg.Server.AllowOrigins, "CORS_ALLOW_ORIGINS")

	envString(&cfg.Logs.Style, "LOG_STYLE")
	envString(&cfg.Logs.Level, "LOG_LEVEL")

	envString(&cfg.Auth.Issuer, "AUTH0_ISSUER")
	envString(&cfg.Auth.Audience, "AUTH0_AUDIENCE")
	envString(&cfg.Auth.JWKSURL, "AUTH0_JWKS_URL")
	if err := envBool(&cfg.Auth.Disabled, "AUTH_DISABLED"); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Auth.Issuer != "" && !strings.HasSuffix(cfg.Auth.Issuer, "/") {
		cfg.Auth.Issuer += "/"
	}

	envString(&cfg.DB.Driver, "DB_DRIVER")
	envString(&cfg.DB.Username, "POSTGRES_USER")
	envString(&cfg.DB.Password, "POSTGRES_PWD")
	envString(&cfg.DB.URL, "POSTGRES_URL")
	envString(&cfg.DB.Port, "POSTGRES_PORT")
	envString(&cfg.DB.Name, "POSTGRES_DB")
	envString(&cfg.DB.SSLMode, "POSTGRES_SSLMODE")
	envString(&cfg.DB.SQLitePath, "SQLITE_PATH")

	intVar(&cfg.Quota.FreeDailyLimit, "QUOTA_FREE_DAILY_LIMIT")
	intVar(&cfg.Quota.ActiveDailyLimit, "QUOTA_ACTIVE_DAILY_LIMIT")
	intVar(&cfg.Quota.BlockedDailyLimit, "QUOTA_BLOCKED_DAILY_LIMIT")

	durVar(&cfg.RateLimit.Window, "ANALYZE_RATE_WINDOW")
	intVar(&cfg.RateLimit.Limit, "ANALYZE_RATE_LIMIT")

	var durationDays int
	intVar(&durationDays, "SUBSCRIPTION_DURATION_DAYS")
	if durationDays > 0 {
		cfg.Subscription.Duration = time.Duration(durationDays) * 24 * time.Hour
	}
	intVar(&cfg.Subscription.PriceRub, "SUBSCRIPTION_PRICE_RUB")

	var maxImage int
	intVar(&maxImage, "UPLOAD_MAX_IMAGE_BYTES")
	if maxImage > 0 {
		cfg.Upload.MaxImageBytes = int64(maxImage)
	}
	intVar(&cfg.Upload.MaxDescriptionLen, "UPLOAD_MAX_DESCRIPTION_LEN")

	envString(&cfg.AI.APIKey, "OPENROUTER_API_KEY")
	envString(&cfg.AI.BaseURL, "OPENROUTER_BASE_URL")
	envString(&cfg.AI.Model, "OPENROUTER_MODEL")
	durVar(&cfg.AI.Timeout, "OPENROUTER_TIMEOUT")
	intVar(&cfg.AI.MaxRetries, "OPENROUTER_MAX_RETRIES")

	envString(&cfg.Storage.Bucket, "S3_BUCKET")
	envString(&cfg.Storage.Region, "AWS_REGION")
	envString(&cfg.Storage.PublicBaseURL, "S3_PUBLIC_BASE_URL")

	envString(&cfg.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	envString(&cfg.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	envString(&cfg.Stripe.PriceID, "STRIPE_PRICE_ID")
	envString(&cfg.Stripe.FrontendURL, "FRONTEND_URL")

	envString(&cfg.YooKassa.ShopID, "YOOKASSA_SHOP_ID")
	envString(&cfg.YooKassa.SecretKey, "YOOKASSA_SECRET_KEY")
	envString(&cfg.YooKassa.APIURL, "YOOKASSA_API_URL")
	envString(&cfg.YooKassa.ReturnURL, "YOOKASSA_RETURN_URL")
	envList(&cfg.YooKassa.IPAllowlist, "PAYMENTS_WEBHOOK_IP_ALLOWLIST")

	durVar(&cfg.Retention.Ledger, "LEDGER_RETENTION")
	durVar(&cfg.Retention.LedgerStale, "LEDGER_STALE_AFTER")
	durVar(&cfg.Retention.Webhook, "WEBHOOK_RETENTION")

	envString(&cfg.QueueURL, "QUEUE_URL")

	if cfg.Auth.Disabled && cfg.IsProduction() {
		errs = append(errs, "AUTH_DISABLED: not allowed in production")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	if cfg.AI.MaxRetries > 2 {
		cfg.AI.MaxRetries = 2
	}
	if cfg.AI.MaxRetries < 0 {
		cfg.AI.MaxRetries = 0
	}
	return &cfg, nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = b
	return nil
}

func envInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = n
	return nil
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = d
	return nil
}
