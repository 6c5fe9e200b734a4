package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/velH4ard/FitAIcomp/app/meals"
)

const maxPageSize = meals.MaxPageSize

// parseLimit reads a page size. Empty means the repository default.
func parseLimit(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxPageSize {
		return 0, fmt.Errorf("must be an integer between 1 and %d", maxPageSize)
	}
	return n, nil
}

func validDay(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}
