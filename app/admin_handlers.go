package app

import (
	"net/http"

	"github.com/velH4ard/FitAIcomp/auth"

	"github.com/gin-gonic/gin"
)

// BlockUser is the administrative block action.
func (s *Server) BlockUser(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.billing.Block(ctx, c.Param("id"), auth.UserID(ctx)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
