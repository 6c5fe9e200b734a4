package app

import (
	"errors"
	"net/http"

	"github.com/velH4ard/FitAIcomp/app/subscription"

	"github.com/gin-gonic/gin"
)

// UsageToday reports today's photo count against the caller's daily limit.
func (s *Server) UsageToday(c *gin.Context) {
	ctx := c.Request.Context()
	usage, err := s.analysis.Today(ctx, userID(ctx))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// Subscription renders the caller's subscription. An unknown user reads as free.
func (s *Server) Subscription(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := s.subs.Load(ctx, s.store.DB(), userID(ctx), false)
	if err != nil && !errors.Is(err, subscription.ErrUserNotFound) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscription.BuildView(st.Raw, st.ActiveUntil, s.now().UTC()))
}
