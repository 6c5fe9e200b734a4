package auth

import (
	"context"
	"slices"
	"time"
)

// Claims is the caller identity taken from a verified access token.
type Claims struct {
	Subject   string
	Email     string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScopes reports whether every required scope was granted.
func (c *Claims) HasScopes(required ...string) bool {
	for _, scope := range required {
		if !slices.Contains(c.Scopes, scope) {
			return false
		}
	}
	return true
}

type claimsKey struct{}

func NewContext(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}

// UserID is the authenticated subject, or "" outside an authenticated request.
func UserID(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.Subject
	}
	return ""
}
