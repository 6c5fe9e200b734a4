package app

import (
	"time"

	"github.com/velH4ard/FitAIcomp/auth"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const adminScope = "admin:subscriptions"

// NewRouter builds the shared HTTP router for both local and Lambda execution.
func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(requestID(), requestLogger(), recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  s.cfg.Server.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key", requestIDHeader},
		ExposeHeaders: []string{"Retry-After", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/v1/payments/stripe/webhook", s.StripeWebhook)
	router.POST("/v1/payments/yookassa/webhook", s.YooKassaWebhook)

	protected := router.Group("/v1")
	protected.Use(auth.Middleware(s.auth, auth.MiddlewareConfig{
		DisableAuth: s.cfg.Auth.Disabled,
		OnAuthenticated: func(c *gin.Context, claims *auth.Claims) error {
			return s.UpsertUserFromClaims(c.Request.Context(), claims)
		},
	}))
	protected.GET("/me", s.Me)
	protected.POST("/meals/analyze", s.AnalyzeMeal)
	protected.GET("/meals", s.ListMeals)
	protected.GET("/meals/:id", s.GetMeal)
	protected.DELETE("/meals/:id", s.DeleteMeal)
	protected.GET("/stats/daily", s.DailyStats)
	protected.GET("/usage/today", s.UsageToday)
	protected.GET("/subscription", s.Subscription)
	protected.POST("/billing/checkout", s.CreateCheckoutSession)
	protected.POST("/payments/yookassa/create", s.CreateYooKassaPayment)
	protected.POST("/payments/yookassa/refresh", s.RefreshYooKassaPayment)

	admin := router.Group("/v1/admin")
	admin.Use(auth.Middleware(s.auth, auth.MiddlewareConfig{
		RequireScopes: []string{adminScope},
		DisableAuth:   s.cfg.Auth.Disabled,
	}))
	admin.POST("/users/:id/block", s.BlockUser)

	return router
}
