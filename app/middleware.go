package app

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	requestIDHeader    = "X-Request-Id"
	maxRequestIDLength = 128
)

// requestID tags the request context logger with the caller's X-Request-Id,
// or a fresh uuid when the header is absent or oversized, and echoes it back.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		ctx := logging.WithRequestID(c.Request.Context(), id)
		logger := log.Ctx(ctx).With().Str("path", c.Request.URL.Path).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(ctx))
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Ctx(c.Request.Context()).Info()
		if status >= http.StatusInternalServerError {
			ev = log.Ctx(c.Request.Context()).Error()
		}
		ev.Str("method", c.Request.Method).
			Int("status", status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("request")
	}
}

// recovery turns a handler panic into an INTERNAL_ERROR envelope.
func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Ctx(c.Request.Context()).Error().
					Str("panic", fmt.Sprint(r)).
					Msg("handler panicked")
				if !c.Writer.Written() {
					writeError(c, apperr.Internal(fmt.Errorf("panic: %v", r)))
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// writeError renders err as the error envelope. Causes of internal errors
// are logged, never returned.
func writeError(c *gin.Context, err error) {
	ae := apperr.From(err)
	logger := log.Ctx(c.Request.Context())
	if ae.Code == apperr.CodeInternal {
		logger.Error().Err(ae.Cause).Msg("internal error")
	} else {
		logger.Debug().Err(err).Str("code", string(ae.Code)).Msg("request failed")
	}
	if ae.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	c.AbortWithStatusJSON(ae.Status(), ae.Body())
}
