package app

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/velH4ard/FitAIcomp/app/analysis"
	"github.com/velH4ard/FitAIcomp/app/apperr"

	"github.com/gin-gonic/gin"
)

// multipart overhead allowed on top of the image limit
const formSlack = 1 << 20

// AnalyzeMeal accepts a multipart photo and runs it through the analysis
// pipeline. The body is written verbatim so replays are byte-identical.
func (s *Server) AnalyzeMeal(c *gin.Context) {
	ctx := c.Request.Context()
	limit := s.cfg.Upload.MaxImageBytes
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+formSlack)

	in := analysis.Input{
		UserID:         userID(ctx),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		Description:    c.PostForm("description"),
		MealTime:       c.PostForm("mealTime"),
	}

	header, err := formImage(c)
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		ve := apperr.Validation(apperr.FieldError{Field: "image", Issue: "could not read multipart body"})
		ve.Details["maxBytes"] = limit
		writeError(c, ve)
		return
	default:
		body, err := readPart(header)
		if err != nil {
			writeError(c, apperr.Validation(apperr.FieldError{Field: "image", Issue: "could not read image"}))
			return
		}
		in.Image = body
		in.ContentType = header.Header.Get("Content-Type")
	}

	resp, err := s.analysis.Submit(ctx, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", resp)
}

// formImage reads the "image" part, accepting "file" as an alias.
func formImage(c *gin.Context) (*multipart.FileHeader, error) {
	header, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return c.FormFile("file")
	}
	return header, err
}

func readPart(h *multipart.FileHeader) ([]byte, error) {
	f, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
