// Package app wires the FitAI HTTP API for both local and Lambda execution.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/velH4ard/FitAIcomp/app/analysis"
	"github.com/velH4ard/FitAIcomp/app/audit"
	"github.com/velH4ard/FitAIcomp/app/billing"
	"github.com/velH4ard/FitAIcomp/app/config"
	"github.com/velH4ard/FitAIcomp/app/ledger"
	"github.com/velH4ard/FitAIcomp/app/meals"
	"github.com/velH4ard/FitAIcomp/app/notify"
	"github.com/velH4ard/FitAIcomp/app/payments"
	"github.com/velH4ard/FitAIcomp/app/quota"
	"github.com/velH4ard/FitAIcomp/app/ratelimit"
	"github.com/velH4ard/FitAIcomp/app/storage"
	"github.com/velH4ard/FitAIcomp/app/store"
	"github.com/velH4ard/FitAIcomp/app/subscription"
	"github.com/velH4ard/FitAIcomp/app/vision"
	"github.com/velH4ard/FitAIcomp/auth"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Deps are the collaborators a Server is built from. Nil optional fields
// fall back to in-process implementations.
type Deps struct {
	Config   config.Config
	Store    *store.Store
	Analyzer analysis.Analyzer
	Storage  storage.ObjectStorage
	Notifier notify.Publisher
	// Auth verifies bearer tokens. Nil is allowed only when Config.Auth.Disabled.
	Auth           auth.TokenVerifier
	StripeWebhook  payments.Verifier
	YooKassaHook   payments.Verifier
	StripeCheckout payments.CheckoutCreator
	YooCheckout    payments.CheckoutCreator
	YooFetcher     payments.PaymentFetcher
	Clock          func() time.Time
}

// Server holds the services behind the HTTP handlers.
type Server struct {
	cfg            config.Config
	store          *store.Store
	analysis       *analysis.Service
	meals          *meals.Repo
	subs           *subscription.Repo
	billing        *billing.Processor
	auth           auth.TokenVerifier
	stripeWebhook  payments.Verifier
	yooKassaHook   payments.Verifier
	stripeCheckout payments.CheckoutCreator
	yooCheckout    payments.CheckoutCreator
	yooFetcher     payments.PaymentFetcher
	now            func() time.Time
}

func NewServer(d Deps) *Server {
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	if d.Storage == nil {
		d.Storage = storage.NewMemory()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	cfg := d.Config
	events := audit.New(d.Store).WithClock(now)
	mealRepo := meals.NewRepo(d.Store)

	svc := analysis.NewService(analysis.Deps{
		Store:    d.Store,
		Ledger:   ledger.New(d.Store).WithClock(now),
		Quota:    quota.New(d.Store).WithClock(now),
		Limiter:  ratelimit.New(events, cfg.RateLimit.Limit, cfg.RateLimit.Window).WithClock(now),
		Audit:    events,
		Meals:    mealRepo,
		Storage:  d.Storage,
		Analyzer: d.Analyzer,
		Notifier: d.Notifier,
		Limits:   cfg.Quota,
		Upload:   cfg.Upload,
	}).WithClock(now)

	return &Server{
		cfg:            cfg,
		store:          d.Store,
		analysis:       svc,
		meals:          mealRepo,
		subs:           subscription.NewRepo(d.Store),
		billing:        billing.NewProcessor(d.Store, events, d.Notifier, cfg.Subscription.Duration).WithClock(now),
		auth:           d.Auth,
		stripeWebhook:  d.StripeWebhook,
		yooKassaHook:   d.YooKassaHook,
		stripeCheckout: d.StripeCheckout,
		yooCheckout:    d.YooCheckout,
		yooFetcher:     d.YooFetcher,
		now:            now,
	}
}

// Build opens the store and connects every external collaborator named in
// cfg. The AWS clients load concurrently since each resolves credentials.
func Build(ctx context.Context, cfg config.Config) (*Server, error) {
	s, err := store.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}

	yooKassa := payments.NewYooKassaCheckout(cfg.YooKassa, cfg.Subscription.PriceRub)
	d := Deps{
		Config:         cfg,
		Store:          s,
		Analyzer:       vision.NewClient(cfg.AI),
		StripeWebhook:  payments.NewStripeVerifier(cfg.Stripe.WebhookSecret),
		StripeCheckout: payments.NewStripeCheckout(cfg.Stripe),
		YooCheckout:    yooKassa,
		YooFetcher:     yooKassa,
	}
	yoo, err := payments.NewYooKassaVerifier(cfg.YooKassa, cfg.IsProduction())
	if err != nil {
		return nil, err
	}
	d.YooKassaHook = yoo

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Storage.Bucket != "" {
		g.Go(func() error {
			s3, err := storage.NewS3FromEnv(gctx, cfg.Storage)
			d.Storage = s3
			return err
		})
	} else {
		log.Warn().Msg("S3_BUCKET not set; meal photos are kept in memory")
	}
	if cfg.QueueURL != "" {
		g.Go(func() error {
			q, err := notify.NewSQSFromEnv(gctx, cfg.QueueURL)
			d.Notifier = q
			return err
		})
	}
	if cfg.Auth.Disabled {
		log.Warn().Str("user_id", auth.LocalUser).Msg("auth disabled; every request runs as the local user")
	} else {
		g.Go(func() error {
			v, err := auth.NewVerifier(cfg.Auth)
			if err != nil {
				return fmt.Errorf("auth verifier: %w", err)
			}
			d.Auth = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return NewServer(d), nil
}

// MustBuild is Build for process startup; it exits on failure.
func MustBuild(ctx context.Context, cfg config.Config) *Server {
	srv, err := Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}
	return srv
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}
