// Package users implements the caller's own profile endpoint and the superuser account
// provisioning endpoints under /api/v1/admin/users.
package users

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/api/apierr"
	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/repositories"
	"github.com/docvault/docvault/internal/middleware"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/validation"
)

// Store is the user persistence the handlers and the auth middleware need.
// *repositories.UserRepository implements it.
type Store interface {
	middleware.UserLookup
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserWithMemberships(ctx context.Context, userID string) (*models.UserWithMemberships, error)
	CreateUser(ctx context.Context, user *models.User) error
	SetSecondFactorEnabled(ctx context.Context, userID string, enabled bool) error
}

// Recorder writes best-effort audit records. *audit.Trail implements it.
type Recorder interface {
	RecordBestEffort(ctx context.Context, rec *models.AuditLog)
}

// Handlers handles user endpoints
type Handlers struct {
	users Store
	audit Recorder
}

// NewHandlers creates a new Handlers instance
func NewHandlers(users Store, recorder Recorder) *Handlers {
	return &Handlers{users: users, audit: recorder}
}

type createRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	AuthSource string `json:"auth_source"`
	Superuser  bool   `json:"superuser"`
}

// MeHandler returns the caller with their active memberships. It needs no organization, so a
// client can offer an organization picker before sending X-Organization.
// GET /api/v1/me
func (h *Handlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := middleware.ActorFrom(c)
		if !ok {
			apierr.Respond(c, tenant.ErrUnauthenticated)
			return
		}
		user, err := h.users.GetUserWithMemberships(c.Request.Context(), actor.ID)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		if user == nil {
			apierr.Respond(c, tenant.ErrUnauthenticated)
			return
		}
		memberships := user.Memberships
		if memberships == nil {
			memberships = []models.UserMembership{}
		}
		c.JSON(http.StatusOK, gin.H{
			"user":              user.User,
			"memberships":       memberships,
			"is_admin_anywhere": user.IsAdminAnywhere(),
		})
	}
}

// CreateHandler provisions a user account. Credentials stay with the authentication
// subsystem; this only registers the identity so it can be added to organizations.
// POST /api/v1/admin/users
func (h *Handlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid request body")
			return
		}
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if err := validation.ValidateEmail(req.Email); err != nil {
			apierr.BadRequest(c, err.Error())
			return
		}
		switch req.AuthSource {
		case "", models.AuthSourceLocal, models.AuthSourceSSO:
		default:
			apierr.BadRequest(c, "auth_source must be local or sso")
			return
		}

		el := middleware.ElevatedFrom(c)
		user := &models.User{
			Email:      req.Email,
			Name:       strings.TrimSpace(req.Name),
			AuthSource: req.AuthSource,
			Superuser:  req.Superuser,
		}
		if err := h.users.CreateUser(ctx, user); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				rec := record(el, models.ActionCreate, "", req.Email).Failed("duplicate_email")
				h.audit.RecordBestEffort(context.WithoutCancel(ctx), rec)
			}
			apierr.Respond(c, err)
			return
		}

		rec := record(el, models.ActionCreate, user.ID, user.Email).
			With("auth_source", user.AuthSource).
			With("superuser", user.Superuser).
			Succeeded()
		h.audit.RecordBestEffort(context.WithoutCancel(ctx), rec)
		c.JSON(http.StatusCreated, user)
	}
}

// ResetSecondFactorHandler clears a user's second-factor enrollment after a lost device. Until
// the user enrolls again, organizations that require a second factor refuse them.
// POST /api/v1/admin/users/:id/second-factor/reset
func (h *Handlers) ResetSecondFactorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := c.Param("id")
		if _, err := uuid.Parse(userID); err != nil {
			apierr.Respond(c, repositories.ErrNotFound)
			return
		}

		el := middleware.ElevatedFrom(c)
		rec := record(el, models.ActionUpdate, userID, "").With("second_factor_enabled", false)
		if err := h.users.SetSecondFactorEnabled(ctx, userID, false); err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				h.audit.RecordBestEffort(context.WithoutCancel(ctx), rec.Failed("storage_error"))
			}
			apierr.Respond(c, err)
			return
		}
		h.audit.RecordBestEffort(context.WithoutCancel(ctx), rec.Succeeded())
		c.Status(http.StatusNoContent)
	}
}

func record(el tenant.Elevated, action, id, email string) *audit.Entry {
	return audit.FromElevated(el, action).Target(models.TargetUser, id, email)
}
