package app

import (
	"errors"
	"net/http"

	"github.com/velH4ard/FitAIcomp/app/apperr"
	"github.com/velH4ard/FitAIcomp/app/meals"
	"github.com/velH4ard/FitAIcomp/app/store"

	"github.com/gin-gonic/gin"
)

// ListMeals pages through the caller's meals, newest first.
// Query: limit (1..50, default 20), cursor, date (YYYY-MM-DD).
func (s *Server) ListMeals(c *gin.Context) {
	ctx := c.Request.Context()
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		writeError(c, apperr.Validation(apperr.FieldError{Field: "limit", Issue: err.Error()}))
		return
	}
	day := c.Query("date")
	if day != "" && !validDay(day) {
		writeError(c, apperr.Validation(apperr.FieldError{Field: "date", Issue: "must be YYYY-MM-DD"}))
		return
	}
	list, err := s.meals.List(ctx, userID(ctx), meals.ListQuery{Limit: limit, Cursor: c.Query("cursor"), Day: day})
	if errors.Is(err, meals.ErrInvalidCursor) {
		writeError(c, apperr.Validation(apperr.FieldError{Field: "cursor", Issue: "invalid cursor"}))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) GetMeal(c *gin.Context) {
	ctx := c.Request.Context()
	meal, err := s.meals.Get(ctx, userID(ctx), c.Param("id"))
	if err != nil {
		writeError(c, mealError(err))
		return
	}
	c.JSON(http.StatusOK, meal)
}

// DeleteMeal removes a meal and rebuilds its day's totals. The photo quota
// already spent is not returned.
func (s *Server) DeleteMeal(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.meals.Delete(ctx, userID(ctx), c.Param("id")); err != nil {
		writeError(c, mealError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// DailyStats returns the nutrition totals for ?date=YYYY-MM-DD, today by default.
func (s *Server) DailyStats(c *gin.Context) {
	ctx := c.Request.Context()
	day := c.Query("date")
	if day == "" {
		day = store.Day(s.now())
	} else if !validDay(day) {
		writeError(c, apperr.Validation(apperr.FieldError{Field: "date", Issue: "must be YYYY-MM-DD"}))
		return
	}
	stats, err := s.meals.Stats(ctx, userID(ctx), day)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func mealError(err error) error {
	if errors.Is(err, meals.ErrNotFound) {
		return apperr.New(apperr.CodeNotFound, "meal not found")
	}
	return err
}
