package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/velH4ard/FitAIcomp/app/analysis"
	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/models"
	"github.com/velH4ard/FitAIcomp/app/subscription"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Health is a public health check endpoint.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("health check: database unreachable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type meResponse struct {
	models.User
	Subscription subscription.View `json:"subscription"`
	Usage        analysis.Usage    `json:"usage"`
}

// Me returns the caller's profile, subscription and today's usage.
func (s *Server) Me(c *gin.Context) {
	ctx := c.Request.Context()
	now := s.now().UTC()
	user, err := s.subs.User(ctx, userID(ctx), now)
	if errors.Is(err, subscription.ErrUserNotFound) {
		writeError(c, apperr.New(apperr.CodeNotFound, "user not found"))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	usage, err := s.analysis.Today(ctx, user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	st, err := s.subs.Load(ctx, s.store.DB(), user.ID, false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meResponse{
		User:         user,
		Subscription: subscription.BuildView(st.Raw, st.ActiveUntil, now),
		Usage:        usage,
	})
}
