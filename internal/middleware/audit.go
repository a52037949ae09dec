// audit.go provides Gin middleware that records API requests to the audit trail. Domain
// operations record their own audit events; this adds one request-level record per call and
// never affects the response.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/db/models"
)

// RequestAuditMiddleware records authenticated mutating requests, and reads too when
// logReads is set. Unauthenticated requests are skipped; AuthMiddleware already records
// rejected tokens.
func RequestAuditMiddleware(recorder BestEffortRecorder, logReads bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodOptions, http.MethodHead:
			return
		case http.MethodGet:
			if !logReads {
				return
			}
		}

		var entry *audit.Entry
		if tc := TenantFrom(c); tc.Valid() {
			entry = audit.FromTenant(tc, models.ActionRequest)
		} else if actor, ok := ActorFrom(c); ok {
			entry = audit.FromActor(actor, ClientMetadata(c), models.ActionRequest)
		} else {
			return
		}
		if el := ElevatedFrom(c); el.Valid() {
			entry.With("grant_id", el.GrantID())
		}

		route := c.FullPath()
		if route == "" {
			route = "<no-route>"
		}
		status := c.Writer.Status()
		entry.Target(models.TargetEndpoint, "", c.Request.Method+" "+route).
			With("status_code", status)

		var rec *models.AuditLog
		if status < http.StatusBadRequest {
			rec = entry.Succeeded()
		} else {
			rec = entry.Failed(http.StatusText(status))
		}
		recorder.RecordBestEffort(context.WithoutCancel(c.Request.Context()), rec)
	}
}
