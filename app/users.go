package app

import (
	"context"

	"github.com/velH4ard/FitAIcomp/auth"
)

// UpsertUserFromClaims creates a user row if it does not already exist.
func (s *Server) UpsertUserFromClaims(ctx context.Context, claims *auth.Claims) error {
	if claims == nil || claims.Subject == "" {
		return nil
	}
	return s.subs.EnsureUser(ctx, s.store.DB(), claims.Subject, claims.Email, s.now().UTC())
}

// userID returns the authenticated subject. Routes behind auth.Middleware
// always have one.
func userID(ctx context.Context) string {
	return auth.UserID(ctx)
}
