// Package analysis runs a meal photo analysis end to end.
//
// Submit orders its checks so that a rejected request leaves no trace:
// validation, idempotency lookup, rate limit and quota precheck all run
// before the ledger row exists. Once the row and the quota slot are held,
// any failure up to the final commit releases the slot and fails the key.
package analysis

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/audit"
	"github.com/velH4ard/FitAIcomp/app/config"
	"github.com/velH4ard/FitAIcomp/app/ledger"
	"github.com/velH4ard/FitAIcomp/app/meals"
	"github.com/velH4ard/FitAIcomp/app/metrics"
	"github.com/velH4ard/FitAIcomp/app/models"
	"github.com/velH4ard/FitAIcomp/app/notify"
	"github.com/velH4ard/FitAIcomp/app/quota"
	"github.com/velH4ard/FitAIcomp/app/ratelimit"
	"github.com/velH4ard/FitAIcomp/app/storage"
	"github.com/velH4ard/FitAIcomp/app/store"
	"github.com/velH4ard/FitAIcomp/app/subscription"
	"github.com/velH4ard/FitAIcomp/app/vision"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	maxIdempotencyKeyLen = 128
	aiProvider           = "openrouter"
)

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
}

var mealTimes = map[string]bool{
	"breakfast": true,
	"lunch":     true,
	"dinner":    true,
	"snack":     true,
}

// Analyzer turns a photo into a schema-valid nutrition estimate.
type Analyzer interface {
	Analyze(ctx context.Context, img vision.Image, description *string) (vision.Result, error)
}

// Input is one analysis request as received from the client.
type Input struct {
	UserID         string
	IdempotencyKey string
	Image          []byte
	ContentType    string
	Description    string
	MealTime       string
}

// Usage is the caller's quota for the day plus the status it derives from.
type Usage struct {
	quota.Usage
	SubscriptionStatus subscription.Status `json:"subscriptionStatus"`
}

type Response struct {
	Meal  models.Meal `json:"meal"`
	Usage Usage       `json:"usage"`
}

type Deps struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Quota    *quota.Manager
	Limiter  *ratelimit.Limiter
	Audit    *audit.Log
	Meals    *meals.Repo
	Storage  storage.ObjectStorage
	Analyzer Analyzer
	Notifier notify.Publisher
	Limits   config.QuotaConfig
	Upload   config.UploadConfig
}

type Service struct {
	store    *store.Store
	ledger   *ledger.Ledger
	quota    *quota.Manager
	limiter  *ratelimit.Limiter
	audit    *audit.Log
	subs     *subscription.Repo
	meals    *meals.Repo
	storage  storage.ObjectStorage
	analyzer Analyzer
	notifier notify.Publisher
	limits   config.QuotaConfig
	upload   config.UploadConfig
	now      func() time.Time
	newID    func() string
}

func NewService(d Deps) *Service {
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    d.Store,
		ledger:   d.Ledger,
		quota:    d.Quota,
		limiter:  d.Limiter,
		audit:    d.Audit,
		subs:     subscription.NewRepo(d.Store),
		meals:    d.Meals,
		storage:  d.Storage,
		analyzer: d.Analyzer,
		notifier: notifier,
		limits:   d.Limits,
		upload:   d.Upload,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock overrides the time source used for the day key and timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type request struct {
	Input
	description *string
	mealTime    *string
	fingerprint string
}

// Submit analyses one photo. The returned bytes are the response body; a
// replayed key returns exactly the bytes stored by the first completion.
func (s *Service) Submit(ctx context.Context, in Input) (body json.RawMessage, err error) {
	started := time.Now()
	outcome := "failed"
	defer func() {
		metrics.AnalyzeRequestsTotal.WithLabelValues(outcome).Inc()
		if outcome == "completed" {
			metrics.AnalyzeDuration.Observe(time.Since(started).Seconds())
		}
	}()

	req, verr := s.validate(in)
	if verr != nil {
		outcome = "invalid"
		return nil, verr
	}
	logger := log.Ctx(ctx).With().
		Str("user_id", req.UserID).
		Str("idempotency_key", req.IdempotencyKey).
		Logger()
	ctx = logger.WithContext(ctx)

	prior, err := s.ledger.Lookup(ctx, req.UserID, req.IdempotencyKey, req.fingerprint)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	switch prior.Kind {
	case ledger.CachedReplay:
		outcome = "replayed"
		return prior.Response, nil
	case ledger.Conflict:
		outcome = "conflict"
		return nil, conflictError(prior)
	}

	if err := s.limiter.Check(ctx, req.UserID); err != nil {
		var limited *ratelimit.LimitedError
		if !errors.As(err, &limited) {
			return nil, apperr.Internal(err)
		}
		outcome = "rate_limited"
		s.audit.Record(ctx, req.UserID, audit.AnalyzeRateLimited, map[string]any{
			"limit":         limited.Limit,
			"windowSeconds": int(limited.Window.Seconds()),
		})
		return nil, rateLimitedError(limited)
	}

	now := s.now().UTC()
	date := store.Day(now)
	status, err := s.effectiveStatus(ctx, req.UserID, now)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	limit := subscription.DailyLimit(status, s.limits)

	if _, err := s.quota.Precheck(ctx, req.UserID, date, limit); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			outcome = "quota_exceeded"
			return nil, s.quotaExceeded(ctx, req.UserID, status, err)
		}
		return nil, apperr.Internal(err)
	}

	begun, err := s.ledger.Begin(ctx, req.UserID, req.IdempotencyKey, req.fingerprint)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	switch begun.Kind {
	case ledger.CachedReplay:
		outcome = "replayed"
		return begun.Response, nil
	case ledger.Conflict:
		outcome = "conflict"
		return nil, conflictError(begun)
	}

	usage, err := s.quota.Reserve(ctx, req.UserID, date, limit)
	if err != nil {
		if ferr := s.ledger.Fail(context.WithoutCancel(ctx), req.UserID, req.IdempotencyKey); ferr != nil {
			logger.Error().Err(ferr).Msg("failing ledger row after reservation error")
		}
		if errors.Is(err, quota.ErrQuotaExceeded) {
			outcome = "quota_exceeded"
			return nil, s.quotaExceeded(ctx, req.UserID, status, err)
		}
		return nil, apperr.Internal(err)
	}
	s.audit.Record(ctx, req.UserID, audit.AnalyzeStarted, map[string]any{
		"idempotencyKey": req.IdempotencyKey,
		"date":           date,
	})

	finalized := false
	reason := "panic"
	defer func() {
		if finalized {
			return
		}
		r := recover()
		s.compensate(context.WithoutCancel(ctx), req, date, reason)
		if r != nil {
			panic(r)
		}
	}()

	mealID := s.newID()
	imageURL, err := s.storage.Put(ctx, storage.MealImageKey(req.UserID, mealID, req.ContentType), req.ContentType, req.Image)
	if err != nil {
		reason = "storage"
		logger.Error().Err(err).Msg("image upload failed")
		return nil, apperr.Wrap(apperr.CodeStorage, "image storage failed", err)
	}

	result, err := s.analyzer.Analyze(ctx, vision.Image{Bytes: req.Image, ContentType: req.ContentType}, req.description)
	if err != nil {
		reason = "ai"
		logger.Warn().Err(err).Msg("ai analysis failed")
		return nil, aiError(err)
	}
	normalized, analysis, err := vision.Normalize(result.Raw, req.UserID+":"+req.IdempotencyKey)
	if err != nil {
		reason = "ai"
		return nil, aiError(&vision.ProviderError{Stage: vision.StageParse, Err: err})
	}
	result.Raw, result.Analysis = normalized, analysis

	meal := models.Meal{
		ID:        mealID,
		CreatedAt: now,
		MealTime:  models.MealTimeUnknown,
		ImageURL:  imageURL,
		AI: models.MealAI{
			Provider:   aiProvider,
			Model:      result.Model,
			Confidence: result.Analysis.OverallConfidence,
		},
		Result: result.Raw,
	}
	if req.mealTime != nil {
		meal.MealTime = *req.mealTime
	}
	body, err = json.Marshal(Response{Meal: meal, Usage: Usage{Usage: usage, SubscriptionStatus: status}})
	if err != nil {
		reason = "encode"
		return nil, apperr.Internal(err)
	}

	t := result.Analysis.Totals
	fctx := context.WithoutCancel(ctx)
	err = s.store.WithTx(fctx, func(tx *sql.Tx) error {
		if err := s.meals.Insert(fctx, tx, meals.NewMeal{
			ID:          mealID,
			UserID:      req.UserID,
			RequestKey:  req.IdempotencyKey,
			CreatedAt:   now,
			MealTime:    req.mealTime,
			Description: req.description,
			ImageURL:    imageURL,
			AIModel:     result.Model,
			Confidence:  result.Analysis.OverallConfidence,
			Result:      result.Raw,
			Totals:      models.Totals{CaloriesKcal: t.CaloriesKcal, ProteinG: t.ProteinG, FatG: t.FatG, CarbsG: t.CarbsG},
		}); err != nil {
			return err
		}
		return s.ledger.Complete(fctx, tx, req.UserID, req.IdempotencyKey, body)
	})
	if err != nil {
		reason = "finalize"
		logger.Error().Err(err).Msg("finalize analysis failed")
		return nil, apperr.Internal(err)
	}
	finalized = true
	outcome = "completed"

	s.audit.Record(fctx, req.UserID, audit.AnalyzeCompleted, map[string]any{
		"mealId":       mealID,
		"model":        result.Model,
		"caloriesKcal": t.CaloriesKcal,
	})
	notify.Send(fctx, s.notifier, notify.TypeMealAnalyzed, models.MealAnalyzedMessage{
		Type:         notify.TypeMealAnalyzed,
		UserID:       req.UserID,
		MealID:       mealID,
		Date:         date,
		CaloriesKcal: t.CaloriesKcal,
		OccurredAt:   now,
	})
	logger.Info().Str("meal_id", mealID).Dur("duration", time.Since(started)).Msg("meal analyzed")
	return body, nil
}

// compensate undoes the reservation. Each step runs even if an earlier one
// fails; a failure here is logged, never returned.
func (s *Service) compensate(ctx context.Context, req request, date, reason string) {
	logger := log.Ctx(ctx)
	if err := s.quota.Release(ctx, req.UserID, date); err != nil {
		logger.Error().Err(err).Msg("quota release failed")
	}
	if err := s.ledger.Fail(ctx, req.UserID, req.IdempotencyKey); err != nil {
		logger.Error().Err(err).Msg("ledger fail failed")
	}
	s.audit.Record(ctx, req.UserID, audit.AnalyzeFailed, map[string]any{
		"idempotencyKey": req.IdempotencyKey,
		"reason":         reason,
	})
}

func (s *Service) effectiveStatus(ctx context.Context, userID string, now time.Time) (subscription.Status, error) {
	st, err := s.subs.Load(ctx, s.store.DB(), userID, false)
	if errors.Is(err, subscription.ErrUserNotFound) {
		return subscription.StatusFree, nil
	}
	if err != nil {
		return "", err
	}
	return st.Effective(now), nil
}

// Today returns the caller's usage for the current UTC day.
func (s *Service) Today(ctx context.Context, userID string) (Usage, error) {
	now := s.now().UTC()
	status, err := s.effectiveStatus(ctx, userID, now)
	if err != nil {
		return Usage{}, err
	}
	u, err := s.quota.Usage(ctx, userID, store.Day(now), subscription.DailyLimit(status, s.limits))
	if err != nil {
		return Usage{}, err
	}
	return Usage{Usage: u, SubscriptionStatus: status}, nil
}

func (s *Service) quotaExceeded(ctx context.Context, userID string, status subscription.Status, err error) error {
	details := map[string]any{"status": string(status)}
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		details["limit"] = exceeded.Limit
		details["used"] = exceeded.Used
	}
	s.audit.Record(ctx, userID, audit.QuotaExceeded, details)
	return apperr.Wrap(apperr.CodeQuotaExceeded, "daily photo limit reached", err).WithDetails(details)
}

func conflictError(o ledger.Outcome) error {
	return apperr.New(apperr.CodeIdempotencyConflict, "idempotency key is already in use").
		WithDetails(map[string]any{"state": string(o.State), "reason": o.Reason})
}

func rateLimitedError(e *ratelimit.LimitedError) error {
	ae := apperr.Wrap(apperr.CodeRateLimited, "too many requests", e).WithDetails(map[string]any{
		"retryAfterSeconds": e.RetryAfterSeconds(),
		"windowSeconds":     int(e.Window.Seconds()),
		"limit":             e.Limit,
	})
	ae.RetryAfter = e.RetryAfterSeconds()
	return ae
}

func aiError(err error) error {
	details := map[string]any{"provider": aiProvider, "stage": string(vision.StageRequest)}
	var pe *vision.ProviderError
	if errors.As(err, &pe) {
		details["stage"] = string(pe.Stage)
		if pe.Status != 0 {
			details["providerStatus"] = pe.Status
		}
	}
	return apperr.Wrap(apperr.CodeAIProvider, "ai provider error", err).WithDetails(details)
}

func (s *Service) validate(in Input) (request, error) {
	req := request{Input: in}
	var fields []apperr.FieldError
	details := map[string]any{}

	key := strings.TrimSpace(in.IdempotencyKey)
	switch {
	case key == "":
		fields = append(fields, apperr.FieldError{Field: "Idempotency-Key", Issue: "Field required"})
	case len(key) > maxIdempotencyKeyLen:
		fields = append(fields, apperr.FieldError{Field: "Idempotency-Key", Issue: fmt.Sprintf("must be <= %d chars", maxIdempotencyKeyLen)})
	}
	req.IdempotencyKey = key

	req.ContentType = normalizeContentType(in.ContentType, in.Image)
	switch {
	case len(in.Image) == 0:
		fields = append(fields, apperr.FieldError{Field: "image", Issue: "Field required"})
	case !allowedContentTypes[req.ContentType]:
		fields = append(fields, apperr.FieldError{Field: "image", Issue: "unsupported image type"})
	case s.upload.MaxImageBytes > 0 && int64(len(in.Image)) > s.upload.MaxImageBytes:
		fields = append(fields, apperr.FieldError{Field: "image", Issue: fmt.Sprintf("must be <= %d bytes", s.upload.MaxImageBytes)})
	}

	if desc := strings.TrimSpace(in.Description); desc != "" {
		if max := s.upload.MaxDescriptionLen; max > 0 && utf8.RuneCountInString(desc) > max {
			fields = append(fields, apperr.FieldError{Field: "description", Issue: fmt.Sprintf("must be <= %d chars", max)})
			details["maxLen"] = max
		}
		req.description = &desc
	}

	if mt := strings.ToLower(strings.TrimSpace(in.MealTime)); mt != "" {
		if !mealTimes[mt] {
			fields = append(fields, apperr.FieldError{Field: "mealTime", Issue: "must be one of breakfast, lunch, dinner, snack"})
		}
		req.mealTime = &mt
	}

	if len(fields) > 0 {
		ve := apperr.Validation(fields...)
		for k, v := range details {
			ve.Details[k] = v
		}
		return request{}, ve
	}
	req.fingerprint = Fingerprint(req.Image, req.description, req.mealTime)
	return req, nil
}

// Fingerprint identifies the payload behind an idempotency key, so a key
// reused for a different photo or description is rejected instead of
// replaying the first answer.
func Fingerprint(image []byte, description, mealTime *string) string {
	h := sha256.New()
	h.Write(image)
	h.Write([]byte{0})
	if description != nil {
		h.Write([]byte(*description))
	}
	h.Write([]byte{0})
	if mealTime != nil {
		h.Write([]byte(*mealTime))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeContentType(declared string, image []byte) string {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	case "image/heif":
		return "image/heic"
	case "", "application/octet-stream":
		if len(image) > 0 {
			return http.DetectContentType(image)
		}
	}
	return ct
}
