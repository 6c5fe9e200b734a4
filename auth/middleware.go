package auth

import (
	"strings"

	"github.com/velH4ard/FitAIcomp/app/apperr"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// LocalUser is the subject of every request when auth is disabled.
const LocalUser = "local-dev"

// TokenVerifier turns a bearer token into verified claims.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// MiddlewareConfig controls auth enforcement behavior. DisableAuth comes from
// config.AuthConfig.Disabled and authenticates every request as LocalUser.
type MiddlewareConfig struct {
	RequireScopes []string
	PublicPaths   map[string]bool
	DisableAuth   bool
	// OnAuthenticated runs after the claims are in the request context. A
	// returned error aborts the request.
	OnAuthenticated func(c *gin.Context, claims *Claims) error
}

// Middleware enforces bearer token auth and injects claims into the request context.
func Middleware(verifier TokenVerifier, cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.DisableAuth {
			accept(c, &Claims{Subject: LocalUser, Scopes: cfg.RequireScopes}, cfg)
			return
		}

		if cfg.PublicPaths != nil && cfg.PublicPaths[c.FullPath()] {
			c.Next()
			return
		}

		logger := log.Ctx(c.Request.Context())
		if verifier == nil {
			logger.Error().Str("path", c.Request.URL.Path).Msg("auth verifier not configured")
			abort(c, apperr.New(apperr.CodeUnauthorized, "auth verifier not configured"))
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			logger.Info().Str("path", c.Request.URL.Path).Msg("auth failure: missing Authorization header")
			abort(c, apperr.New(apperr.CodeUnauthorized, "missing authorization header"))
			return
		}

		token, ok := extractBearerToken(authHeader)
		if !ok {
			logger.Info().Str("path", c.Request.URL.Path).Msg("auth failure: malformed Authorization header")
			abort(c, apperr.New(apperr.CodeUnauthorized, "invalid authorization header"))
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			logger.Info().Err(err).Str("path", c.Request.URL.Path).Msg("auth failure: token invalid")
			abort(c, apperr.New(apperr.CodeUnauthorized, "invalid token"))
			return
		}

		if !claims.HasScopes(cfg.RequireScopes...) {
			logger.Info().Str("path", c.Request.URL.Path).Str("sub", claims.Subject).Msg("auth failure: missing scopes")
			abort(c, apperr.New(apperr.CodeForbidden, "insufficient scope"))
			return
		}

		accept(c, claims, cfg)
	}
}

func accept(c *gin.Context, claims *Claims, cfg MiddlewareConfig) {
	ctx := NewContext(c.Request.Context(), claims)
	logger := log.Ctx(ctx).With().Str("user_id", claims.Subject).Logger()
	c.Request = c.Request.WithContext(logger.WithContext(ctx))

	if cfg.OnAuthenticated != nil {
		if err := cfg.OnAuthenticated(c, claims); err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Msg("post-auth hook failed")
			abort(c, apperr.From(err))
			return
		}
	}
	c.Next()
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func abort(c *gin.Context, e *apperr.Error) {
	c.AbortWithStatusJSON(e.Status(), e.Body())
}
