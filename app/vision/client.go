// Package vision calls an OpenRouter-compatible chat completions API to
// estimate the nutrition of a meal photo.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/velH4ard/FitAIcomp/app/config"
	"github.com/velH4ard/FitAIcomp/app/metrics"

	"github.com/rs/zerolog/log"
)

type Stage string

const (
	StageRequest Stage = "request"
	StageTimeout Stage = "timeout"
	StageParse   Stage = "parse"
	StageSchema  Stage = "schema"
)

// ProviderError is every failure the client returns.
type ProviderError struct {
	Stage  Stage
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	msg := "ai provider " + string(e.Stage) + " failure"
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

var transientStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Image is an uploaded photo.
type Image struct {
	Bytes       []byte
	ContentType string
}

// Result is a schema-valid analysis.
type Result struct {
	Raw      json.RawMessage
	Analysis FoodAnalysis
	Model    string
}

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	maxRetries int
	httpc      *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.AIConfig) *Client {
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if retries > 2 {
		retries = 2
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		maxRetries: retries,
		httpc:      &http.Client{},
		sleep:      sleepCtx,
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpc = h
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format"`
	Temperature    float64        `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze sends the photo and optional user notes to the model and returns a
// schema-valid result. Transient statuses and transport errors are retried
// with a linear backoff; each attempt has its own timeout.
func (c *Client) Analyze(ctx context.Context, img Image, description *string) (Result, error) {
	res, err := c.analyze(ctx, img, description)
	stage := "ok"
	var pe *ProviderError
	if errors.As(err, &pe) {
		stage = string(pe.Stage)
	}
	metrics.AIRequestsTotal.WithLabelValues(stage).Inc()
	return res, err
}

func (c *Client) analyze(ctx context.Context, img Image, description *string) (Result, error) {
	if c.apiKey == "" {
		return Result{}, &ProviderError{Stage: StageRequest, Err: errors.New("api key not configured")}
	}
	body, err := json.Marshal(c.buildRequest(img, description))
	if err != nil {
		return Result{}, &ProviderError{Stage: StageRequest, Err: err}
	}

	var last *ProviderError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, time.Duration(attempt)*500*time.Millisecond); err != nil {
				return Result{}, &ProviderError{Stage: StageTimeout, Err: err}
			}
		}

		content, model, perr := c.attempt(ctx, body)
		if perr == nil {
			return c.decode(content, model)
		}
		last = perr
		retryable := perr.Stage == StageTimeout ||
			(perr.Stage == StageRequest && (perr.Status == 0 || transientStatuses[perr.Status]))
		if !retryable || ctx.Err() != nil {
			break
		}
		log.Ctx(ctx).Warn().
			Int("attempt", attempt+1).
			Str("stage", string(perr.Stage)).
			Int("status", perr.Status).
			Msg("ai provider call failed, retrying")
	}
	return Result{}, last
}

func (c *Client) attempt(ctx context.Context, body []byte) (string, string, *ProviderError) {
	attemptCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", "", &ProviderError{Stage: StageRequest, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", "", &ProviderError{Stage: StageTimeout, Err: err}
		}
		return "", "", &ProviderError{Stage: StageRequest, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", "", &ProviderError{Stage: StageTimeout, Err: err}
		}
		return "", "", &ProviderError{Stage: StageRequest, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		return "", "", &ProviderError{Stage: StageRequest, Status: res.StatusCode}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", "", &ProviderError{Stage: StageParse, Err: err}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == nil {
		return "", "", &ProviderError{Stage: StageParse, Err: errors.New("response has no message content")}
	}
	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return strings.TrimSpace(*parsed.Choices[0].Message.Content), model, nil
}

func (c *Client) decode(content, model string) (Result, error) {
	content = stripCodeFence(content)
	if !json.Valid([]byte(content)) {
		return Result{}, &ProviderError{Stage: StageParse, Err: errors.New("model output is not valid JSON")}
	}
	if err := ValidateFoodAnalysis([]byte(content)); err != nil {
		return Result{}, &ProviderError{Stage: StageSchema, Err: err}
	}
	var analysis FoodAnalysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return Result{}, &ProviderError{Stage: StageParse, Err: err}
	}
	return Result{Raw: json.RawMessage(content), Analysis: analysis, Model: model}, nil
}

func (c *Client) buildRequest(img Image, description *string) chatRequest {
	parts := []contentPart{{
		Type: "text",
		Text: "Analyze this food image and return ONLY one JSON object matching this schema: " + FoodAnalysisSchema,
	}}
	if description != nil {
		parts = append(parts, contentPart{Type: "text", Text: "User notes: " + *description})
	}
	parts = append(parts, contentPart{
		Type: "image_url",
		ImageURL: &imageURL{
			URL: "data:" + img.ContentType + ";base64," + base64.StdEncoding.EncodeToString(img.Bytes),
		},
	})

	return chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "Return ONLY valid JSON matching the schema. No markdown. No commentary."},
			{Role: "user", Content: parts},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
		Temperature:    0.1,
	}
}

// stripCodeFence removes a ```json fence some models add despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
