// Package api provides the HTTP and WebSocket surface: log ingestion,
// search, saved searches, alert rules, settings, auth and health.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Success   bool      `json:"success"`
	Error     errDetail `json:"error"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

type errDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// fail writes the error envelope with the given status.
func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{
		Error:     errDetail{Message: message, Code: code},
		Path:      c.Request.URL.Path,
		Timestamp: time.Now().UTC(),
	})
}

// failErr maps service and engine errors to the envelope. Client errors are
// returned quietly; anything unrecognized is a 500 and logged.
func failErr(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		fail(c, http.StatusBadRequest, "validation_failed", validErr.Error())
	case errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, services.ErrAlreadyExists):
		fail(c, http.StatusConflict, "already_exists", "resource already exists")
	case errors.Is(err, search.ErrBadRegex):
		fail(c, http.StatusBadRequest, "bad_regex", err.Error())
	case errors.Is(err, search.ErrBadLevel):
		fail(c, http.StatusBadRequest, "bad_level", err.Error())
	case errors.Is(err, search.ErrBadCursor):
		fail(c, http.StatusBadRequest, "bad_cursor", "malformed pagination cursor")
	case errors.Is(err, search.ErrTimeout):
		fail(c, http.StatusGatewayTimeout, "timeout", "query deadline exceeded")
	case errors.Is(err, auth.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
	case errors.Is(err, auth.ErrInvalidToken):
		fail(c, http.StatusUnauthorized, "invalid_token", "missing or invalid token")
	default:
		slog.Error("Unexpected API error", "path", c.Request.URL.Path, "error", err)
		fail(c, http.StatusInternalServerError, "internal", "internal server error")
	}
}
