// Package auth authenticates API callers with Auth0 access tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/velH4ard/FitAIcomp/app/config"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const clockSkew = 30 * time.Second

var errNoSubject = errors.New("token has no subject")

// accessToken is the Auth0 access token payload. Auth0 sends granted scopes
// as one space separated string.
type accessToken struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	Email string `json:"email"`
}

// Verifier checks RS-signed tokens against the tenant's JWKS, refreshing
// keys in the background.
type Verifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
}

func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("auth: AUTH0_ISSUER and AUTH0_AUDIENCE are required")
	}
	keys, err := keyfunc.NewDefault([]string{cfg.KeysURL()})
	if err != nil {
		return nil, fmt.Errorf("auth: load JWKS: %w", err)
	}
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		),
	}, nil
}

func (v *Verifier) Verify(raw string) (*Claims, error) {
	var tok accessToken
	if _, err := v.parser.ParseWithClaims(raw, &tok, v.keys.Keyfunc); err != nil {
		return nil, err
	}
	if tok.Subject == "" {
		return nil, errNoSubject
	}
	claims := &Claims{
		Subject: tok.Subject,
		Email:   strings.TrimSpace(tok.Email),
		Scopes:  strings.Fields(tok.Scope),
	}
	if tok.ExpiresAt != nil {
		claims.ExpiresAt = tok.ExpiresAt.Time
	}
	return claims, nil
}
