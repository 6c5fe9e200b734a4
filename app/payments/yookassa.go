package payments

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/velH4ard/FitAIcomp/app/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type yooNotification struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	EventID   string          `json:"event_id"`
	ID        string          `json:"id"`
	CreatedAt string          `json:"created_at"`
	Object    json.RawMessage `json:"object"`
}

type yooObject struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Status    string            `json:"status"`
	Paid      bool              `json:"paid"`
	Captured  *bool             `json:"captured"`
	CreatedAt string            `json:"created_at"`
	Metadata  map[string]string `json:"metadata"`
}

// YooKassaVerifier checks HTTP Basic credentials (shop id and secret key)
// and, in production with a configured allowlist, the caller's address.
type YooKassaVerifier struct {
	shopID     string
	secret     string
	allowlist  []netip.Prefix
	enforceIPs bool
}

func NewYooKassaVerifier(cfg config.YooKassaConfig, production bool) (*YooKassaVerifier, error) {
	v := &YooKassaVerifier{shopID: cfg.ShopID, secret: cfg.SecretKey}
	for _, entry := range cfg.IPAllowlist {
		p, err := parseAllowEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("webhook ip allowlist entry %q: %w", entry, err)
		}
		v.allowlist = append(v.allowlist, p)
	}
	v.enforceIPs = production && len(v.allowlist) > 0
	if production && len(v.allowlist) == 0 {
		log.Warn().Msg("yookassa webhook ip allowlist not configured; relying on basic auth only")
	}
	return v, nil
}

func parseAllowEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (v *YooKassaVerifier) Provider() string { return ProviderYooKassa }

func (v *YooKassaVerifier) Verify(_ context.Context, req Request) (Event, error) {
	var n yooNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return Event{}, malformed(err)
	}
	if !v.ipAllowed(req.ClientIP) {
		return Event{}, invalid("client ip %q not allowed", req.ClientIP)
	}
	if !v.credentialsOK(req.Header.Get("Authorization")) {
		return Event{}, invalid("bad basic credentials")
	}

	var obj yooObject
	if len(n.Object) > 0 {
		if err := json.Unmarshal(n.Object, &obj); err != nil {
			return Event{}, malformed(err)
		}
	}
	return mapYooKassaEvent(n, obj), nil
}

func (v *YooKassaVerifier) ipAllowed(ip string) bool {
	if !v.enforceIPs {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range v.allowlist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (v *YooKassaVerifier) credentialsOK(authorization string) bool {
	if v.shopID == "" || v.secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(authorization, "Basic ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(v.shopID)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(v.secret)) == 1
	return userOK && passOK
}

func mapYooKassaEvent(n yooNotification, obj yooObject) Event {
	out := Event{
		Provider:  ProviderYooKassa,
		ID:        n.EventID,
		Type:      n.Event,
		Kind:      KindIgnored,
		ObjectID:  obj.ID,
		PaymentID: obj.ID,
		Status:    obj.Status,
		UserID:    obj.Metadata["user_id"],
		CreatedAt: obj.CreatedAt,
	}
	if out.ID == "" {
		out.ID = n.ID
	}
	if out.CreatedAt == "" {
		out.CreatedAt = n.CreatedAt
	}

	switch n.Event {
	case "payment.succeeded":
		out.Kind = KindSuccess
	case "payment.waiting_for_capture":
		out.Kind = KindPending
	case "payment.canceled":
		out.Kind = KindCanceled
	case "refund.succeeded":
		out.Kind = KindRefund
		out.PaymentID = obj.PaymentID
	default:
		if obj.Status == "succeeded" && obj.Paid && obj.Captured != nil && *obj.Captured {
			out.Kind = KindSuccess
		}
	}
	return out
}

// ClientIP returns the first X-Forwarded-For entry, else fallback.
func ClientIP(h http.Header, fallback string) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return fallback
}

var yooTransientStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// YooKassaCheckout creates redirect payments through the YooKassa API.
type YooKassaCheckout struct {
	apiURL    string
	shopID    string
	secret    string
	returnURL string
	priceRub  int
	httpc     *http.Client
	sleep     func(time.Duration)
}

func NewYooKassaCheckout(cfg config.YooKassaConfig, priceRub int) *YooKassaCheckout {
	return &YooKassaCheckout{
		apiURL:    strings.TrimRight(cfg.APIURL, "/"),
		shopID:    cfg.ShopID,
		secret:    cfg.SecretKey,
		returnURL: cfg.ReturnURL,
		priceRub:  priceRub,
		httpc:     &http.Client{Timeout: 15 * time.Second},
		sleep:     time.Sleep,
	}
}

func (c *YooKassaCheckout) Provider() string { return ProviderYooKassa }

type yooCreateResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		URL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// Create registers a payment for one subscription period. The idempotency
// key is forwarded as Idempotence-Key so client retries reuse the payment.
func (c *YooKassaCheckout) Create(ctx context.Context, userID, idempotencyKey string) (Checkout, error) {
	if c.shopID == "" || c.secret == "" || c.returnURL == "" {
		return Checkout{}, ErrNotConfigured
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	body, err := json.Marshal(map[string]any{
		"amount":       map[string]string{"value": fmt.Sprintf("%d.00", c.priceRub), "currency": "RUB"},
		"capture":      true,
		"confirmation": map[string]string{"type": "redirect", "return_url": c.returnURL},
		"description":  "FitAI subscription 1 month",
		"metadata":     map[string]string{"user_id": userID},
	})
	if err != nil {
		return Checkout{}, err
	}

	var last *ProviderError
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			c.sleep(time.Duration(250*attempt) * time.Millisecond)
		}
		out, perr := c.create(ctx, body, idempotencyKey)
		if perr == nil {
			return out, nil
		}
		last = perr
		if perr.Status != 0 && !yooTransientStatuses[perr.Status] {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Checkout{}, last
}

func (c *YooKassaCheckout) create(ctx context.Context, body []byte, idempotencyKey string) (Checkout, *ProviderError) {
	fail := func(status int, err error) *ProviderError {
		return &ProviderError{Provider: ProviderYooKassa, Stage: "create_payment", Status: status, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return Checkout{}, fail(0, err)
	}
	req.SetBasicAuth(c.shopID, c.secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", idempotencyKey)

	res, err := c.httpc.Do(req)
	if err != nil {
		return Checkout{}, fail(0, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Checkout{}, fail(0, err)
	}
	if res.StatusCode != http.StatusOK {
		return Checkout{}, fail(res.StatusCode, nil)
	}
	var parsed yooCreateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Checkout{}, fail(res.StatusCode, err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return Checkout{}, fail(res.StatusCode, errors.New("response missing payment id or confirmation url"))
	}
	return Checkout{Provider: ProviderYooKassa, PaymentID: parsed.ID, URL: parsed.Confirmation.URL}, nil
}

type yooPaymentResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Paid     *bool  `json:"paid"`
	Captured *bool  `json:"captured"`
}

// Fetch reads GET /payments/{id}, retrying transient failures the same way
// Create does.
func (c *YooKassaCheckout) Fetch(ctx context.Context, paymentID string) (RemotePayment, error) {
	if c.shopID == "" || c.secret == "" {
		return RemotePayment{}, ErrNotConfigured
	}
	var last *ProviderError
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			c.sleep(time.Duration(250*attempt) * time.Millisecond)
		}
		out, perr := c.fetch(ctx, paymentID)
		if perr == nil {
			return out, nil
		}
		last = perr
		if perr.Status != 0 && !yooTransientStatuses[perr.Status] {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Ctx(ctx).Warn().Err(last).Str("payment_id", paymentID).Msg("yookassa payment fetch failed")
	return RemotePayment{}, last
}

func (c *YooKassaCheckout) fetch(ctx context.Context, paymentID string) (RemotePayment, *ProviderError) {
	fail := func(status int, err error) *ProviderError {
		return &ProviderError{Provider: ProviderYooKassa, Stage: "fetch_payment", Status: status, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return RemotePayment{}, fail(0, err)
	}
	req.SetBasicAuth(c.shopID, c.secret)

	res, err := c.httpc.Do(req)
	if err != nil {
		return RemotePayment{}, fail(0, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return RemotePayment{}, fail(0, err)
	}
	if res.StatusCode != http.StatusOK {
		return RemotePayment{}, fail(res.StatusCode, nil)
	}
	var parsed yooPaymentResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return RemotePayment{}, fail(res.StatusCode, err)
	}
	return RemotePayment{ID: parsed.ID, Status: parsed.Status, Paid: parsed.Paid, Captured: parsed.Captured}, nil
}
