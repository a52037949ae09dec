// Package organizations implements the organization endpoints: the caller's current
// organization, and the superuser provisioning endpoints under /api/v1/admin/organizations.
package organizations

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/api/apierr"
	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/repositories"
	"github.com/docvault/docvault/internal/middleware"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/validation"
)

// Store is the organization persistence the handlers need.
// *repositories.OrganizationRepository implements it.
type Store interface {
	List(ctx context.Context, includeInactive bool) ([]models.Organization, error)
	GetByID(ctx context.Context, id string) (*models.Organization, error)
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
	SetActive(ctx context.Context, id string, active bool) error
}

// Recorder writes best-effort audit records. *audit.Trail implements it.
type Recorder interface {
	RecordBestEffort(ctx context.Context, rec *models.AuditLog)
}

// Handlers handles organization endpoints
type Handlers struct {
	orgs  Store
	audit Recorder
}

// NewHandlers creates a new Handlers instance
func NewHandlers(orgs Store, recorder Recorder) *Handlers {
	return &Handlers{orgs: orgs, audit: recorder}
}

type createRequest struct {
	Slug        string `json:"slug"`
	DisplayName string `json:"display_name"`
}

// CurrentHandler returns the organization the request resolved to, with the caller's role
// and the scopes it grants.
// GET /api/v1/organizations/current
func (h *Handlers) CurrentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := middleware.TenantFrom(c)
		if !tc.Valid() {
			apierr.Respond(c, tenant.ErrUnauthenticated)
			return
		}
		org := tc.Organization()
		c.JSON(http.StatusOK, gin.H{
			"organization": gin.H{
				"id":   org.ID,
				"slug": org.Slug,
				"name": org.Name,
			},
			"role":   tc.Role(),
			"scopes": auth.RoleScopes(tc.Role()),
		})
	}
}

// ListHandler lists every organization
// GET /api/v1/admin/organizations?include_inactive=true
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		includeInactive, _ := strconv.ParseBool(c.DefaultQuery("include_inactive", "false"))

		orgs, err := h.orgs.List(c.Request.Context(), includeInactive)
		if err != nil {
			apierr.Respond(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"organizations": orgs,
			"total":         len(orgs),
		})
	}
}

// CreateHandler provisions a new organization
// POST /api/v1/admin/organizations
func (h *Handlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid request body")
			return
		}
		req.Slug = strings.TrimSpace(req.Slug)
		if err := validation.ValidateSlug(req.Slug); err != nil {
			apierr.BadRequest(c, err.Error())
			return
		}
		if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
			apierr.BadRequest(c, err.Error())
			return
		}

		el := middleware.ElevatedFrom(c)
		org := &models.Organization{Slug: req.Slug, DisplayName: strings.TrimSpace(req.DisplayName)}
		if err := h.orgs.CreateOrganization(c.Request.Context(), org); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				rec := record(el, models.ActionCreate, "", req.Slug).Failed("duplicate_slug")
				h.audit.RecordBestEffort(context.WithoutCancel(c.Request.Context()), rec)
			}
			apierr.Respond(c, err)
			return
		}

		rec := record(el, models.ActionCreate, org.ID, org.Slug).Organization(org.ID).Succeeded()
		h.audit.RecordBestEffort(context.WithoutCancel(c.Request.Context()), rec)
		c.JSON(http.StatusCreated, org)
	}
}

// DisableHandler soft-disables an organization, addressed by id or slug. Its members can no
// longer resolve it and its entries stay encrypted at rest.
// POST /api/v1/admin/organizations/:id/disable
func (h *Handlers) DisableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		el := middleware.ElevatedFrom(c)

		org, err := h.lookup(ctx, c.Param("id"))
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		if org == nil {
			apierr.Respond(c, repositories.ErrNotFound)
			return
		}

		if err := h.orgs.SetActive(ctx, org.ID, false); err != nil {
			rec := record(el, models.ActionUpdate, org.ID, org.Slug).Organization(org.ID).Failed("storage_error")
			h.audit.RecordBestEffort(context.WithoutCancel(ctx), rec)
			apierr.Respond(c, err)
			return
		}

		rec := record(el, models.ActionUpdate, org.ID, org.Slug).
			Organization(org.ID).
			With("active", false).
			Succeeded()
		h.audit.RecordBestEffort(context.WithoutCancel(ctx), rec)

		org.Active = false
		c.JSON(http.StatusOK, org)
	}
}

// lookup finds an organization by id, or by slug when ref is not a UUID.
func (h *Handlers) lookup(ctx context.Context, ref string) (*models.Organization, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return h.orgs.GetByID(ctx, ref)
	}
	if validation.ValidateSlug(ref) != nil {
		return nil, nil
	}
	return h.orgs.GetBySlug(ctx, ref)
}

func record(el tenant.Elevated, action, id, slug string) *audit.Entry {
	return audit.FromElevated(el, action).Target(models.TargetOrganization, id, slug)
}
