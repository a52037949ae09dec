// Package apierr maps domain errors onto HTTP responses.
//
// Responses never carry internal detail: storage, decryption and audit failures all surface as
// 500 "unable to complete request", and an entry of another organization is indistinguishable
// from one that does not exist.
package apierr

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/db/repositories"
	"github.com/docvault/docvault/internal/db/scoped"
	"github.com/docvault/docvault/internal/middleware"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vault"
)

// StatusClientClosedRequest is written when the caller went away before the operation finished.
const StatusClientClosedRequest = 499

// Status returns the HTTP status and public message for err.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, scoped.ErrNotFound), errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, tenant.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, tenant.ErrSecondFactorRequired):
		return http.StatusForbidden, "second factor required"
	case errors.Is(err, tenant.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, vault.ErrConflict), errors.Is(err, scoped.ErrConflict):
		return http.StatusConflict, "entry was modified concurrently"
	case errors.Is(err, repositories.ErrDuplicate):
		return http.StatusConflict, "already exists"
	case errors.Is(err, vault.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, vault.ErrNoTOTP):
		return http.StatusBadRequest, vault.ErrNoTOTP.Error()
	case errors.Is(err, audit.ErrInvalidCutoff):
		return http.StatusBadRequest, audit.ErrInvalidCutoff.Error()
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "request cancelled"
	}
	return http.StatusInternalServerError, "unable to complete request"
}

// Respond aborts the request with the mapped status. Server-side failures are logged with the
// request id so operators can correlate them with audit records.
func Respond(c *gin.Context, err error) {
	status, msg := Status(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"request_id", c.GetString(middleware.RequestIDKey),
			"error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// BadRequest aborts with 400 and a fixed message.
func BadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
