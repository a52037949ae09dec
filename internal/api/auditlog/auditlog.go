// Package auditlog implements the audit trail endpoints: the organization-scoped query for
// tenant admins, and the cross-organization query and purge for superusers.
package auditlog

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/api/apierr"
	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/repositories"
	"github.com/docvault/docvault/internal/middleware"
	"github.com/docvault/docvault/internal/tenant"
)

// Trail is the audit trail as seen by the HTTP layer. *audit.Trail implements it.
type Trail interface {
	Query(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
	QueryTenant(ctx context.Context, tc tenant.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
	GetTenant(ctx context.Context, tc tenant.Context, id string) (*models.AuditLog, error)
	Purge(ctx context.Context, el tenant.Elevated, before time.Time, organizationID *string) (*audit.PurgeResult, error)
}

// Handlers handles audit log endpoints
type Handlers struct {
	trail Trail
}

// NewHandlers creates a new Handlers instance
func NewHandlers(trail Trail) *Handlers {
	return &Handlers{trail: trail}
}

type purgeRequest struct {
	Before         time.Time `json:"before"`
	OrganizationID *string   `json:"organization_id"`
}

// ListHandler lists audit records of the current organization
// GET /api/v1/audit?action=reveal&actor_id=&target_id=&success=false&start_date=&end_date=&limit=50&offset=0
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filters, limit, offset, err := parseQuery(c)
		if err != nil {
			apierr.BadRequest(c, err.Error())
			return
		}
		logs, total, err := h.trail.QueryTenant(c.Request.Context(), middleware.TenantFrom(c), filters, limit, offset)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		respondLogs(c, logs, total, limit, offset)
	}
}

// GetHandler returns one audit record of the current organization
// GET /api/v1/audit/:id
func (h *Handlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.trail.GetTenant(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"))
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// AdminListHandler lists audit records across organizations. organization_id narrows the
// result to one organization.
// GET /api/v1/admin/audit?organization_id=&action=&limit=50&offset=0
func (h *Handlers) AdminListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !middleware.ElevatedFrom(c).Valid() {
			apierr.Respond(c, tenant.ErrUnauthorized)
			return
		}
		filters, limit, offset, err := parseQuery(c)
		if err != nil {
			apierr.BadRequest(c, err.Error())
			return
		}
		if orgID := c.Query("organization_id"); orgID != "" {
			if _, err := uuid.Parse(orgID); err != nil {
				apierr.BadRequest(c, "organization_id must be a UUID")
				return
			}
			filters.OrganizationID = &orgID
		}
		logs, total, err := h.trail.Query(c.Request.Context(), filters, limit, offset)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		respondLogs(c, logs, total, limit, offset)
	}
}

// PurgeHandler deletes audit records older than the cutoff after archiving them
// POST /api/v1/admin/audit/purge
func (h *Handlers) PurgeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req purgeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid request body")
			return
		}
		if req.Before.IsZero() {
			apierr.BadRequest(c, "before is required")
			return
		}
		if req.OrganizationID != nil {
			if _, err := uuid.Parse(*req.OrganizationID); err != nil {
				apierr.BadRequest(c, "organization_id must be a UUID")
				return
			}
		}

		result, err := h.trail.Purge(c.Request.Context(), middleware.ElevatedFrom(c), req.Before, req.OrganizationID)
		if err != nil {
			if result != nil && result.Deleted > 0 {
				// A partial purge reports how far it got.
				status, msg := apierr.Status(err)
				c.AbortWithStatusJSON(status, gin.H{"error": msg, "purge_id": result.PurgeID, "deleted": result.Deleted})
				return
			}
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func respondLogs(c *gin.Context, logs []*models.AuditLog, total, limit, offset int) {
	if logs == nil {
		logs = []*models.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{
		"audit_logs": logs,
		"pagination": gin.H{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	})
}

// parseQuery reads the shared filter and pagination parameters. Organization filtering is
// applied by the caller.
func parseQuery(c *gin.Context) (repositories.AuditFilters, int, int, error) {
	var f repositories.AuditFilters

	for param, dst := range map[string]**string{
		"actor_id":    &f.ActorID,
		"action":      &f.Action,
		"target_type": &f.TargetType,
		"target_id":   &f.TargetID,
	} {
		if v := strings.TrimSpace(c.Query(param)); v != "" {
			*dst = &v
		}
	}

	if v := c.Query("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, 0, 0, fmt.Errorf("success must be true or false")
		}
		f.Success = &b
	}
	for param, dst := range map[string]**time.Time{
		"start_date": &f.StartDate,
		"end_date":   &f.EndDate,
	} {
		if v := c.Query(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, 0, 0, fmt.Errorf("%s must be an RFC 3339 timestamp", param)
			}
			*dst = &ts
		}
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		return f, 0, 0, fmt.Errorf("limit must be an integer")
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		return f, 0, 0, fmt.Errorf("offset must be a non-negative integer")
	}
	return f, limit, offset, nil
}
