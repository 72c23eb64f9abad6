package report

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"github.com/kuitang/connect-e2e/internal/action"
)

// Failure categories used in run summaries.
const (
	CategoryMissingFile         = "missing-file"
	CategoryInternalServerError = "internal-server-error"
	CategoryTimeout             = "timeout"
	CategoryAccessibility       = "accessibility"
	CategoryOther               = "other"
)

// Category buckets a terminal error for the run summary. The first matching
// category wins.
func Category(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())

	var respErr *action.ResponseError
	switch {
	case errors.Is(err, fs.ErrNotExist) || strings.Contains(msg, "no such file or directory"):
		return CategoryMissingFile
	case errors.As(err, &respErr) && respErr.Status == http.StatusInternalServerError,
		strings.Contains(msg, "internal server error"):
		return CategoryInternalServerError
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout"):
		return CategoryTimeout
	case strings.Contains(msg, "accessibility"):
		return CategoryAccessibility
	default:
		return CategoryOther
	}
}
