package organizations

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
)

// MemberStore is the membership persistence of one organization.
// *repositories.OrganizationRepository implements it.
type MemberStore interface {
	ListMembers(ctx context.Context, orgID string) ([]models.Member, error)
	GetMember(ctx context.Context, orgID, userID string) (*models.OrganizationMember, error)
	AddMember(ctx context.Context, orgID, userID string, role models.Role) error
	RemoveMember(ctx context.Context, orgID, userID string) error
}

// UserDirectory finds users by email. *repositories.UserRepository implements it.
type UserDirectory interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// MemberHandlers manages the members of the caller's current organization. Every change is
// audited against that organization.
type MemberHandlers struct {
	members MemberStore
	users   UserDirectory
	audit   Recorder
}

// NewMemberHandlers creates a new MemberHandlers instance
func NewMemberHandlers(members MemberStore, users UserDirectory, recorder Recorder) *MemberHandlers {
	return &MemberHandlers{members: members, users: users, audit: recorder}
}

type addMemberRequest struct {
	Email string      `json:"email"`
	Role  models.Role `json:"role"`
}

// ListHandler lists the members of the current organization
// GET /api/v1/organizations/current/members
func (h *MemberHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := middleware.TenantFrom(c)
		if !tc.Valid() {
			apierr.Respond(c, tenant.ErrUnauthenticated)
			return
		}
		members, err := h.members.ListMembers(c.Request.Context(), tc.OrganizationID())
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"members": members,
			"total":   len(members),
		})
	}
}

// AddHandler adds a user to the current organization or changes their role. Callers cannot
// change their own role, so an organization never loses its last admin by accident.
// POST /api/v1/organizations/current/members
func (h *MemberHandlers) AddHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		tc := middleware.TenantFrom(c)
		if !tc.Valid() {
			apierr.Respond(c, tenant.ErrUnauthenticated)
			return
		}

		var req addMemberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid request body")
			return
		}
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if req.Email == "" {
			apierr.BadRequest(c, "email is required")
			return
		}
		if !req.Role.Valid() {
			apierr.BadRequest(c, "role must be viewer, editor or admin")
			return
		}

		user, err := h.users.GetUserByEmail(ctx, req.Email)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		if user == nil || !user.Active {
			apierr.Respond(c, repositories.ErrNotFound)
			return
		}
		if user.ID == tc.Actor().ID {
			apierr.BadRequest(c, "cannot change your own membership")
			return
		}

		previous, err := h.members.GetMember(ctx, tc.OrganizationID(), user.ID)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		action, status := models.ActionCreate, http.StatusCreated
		if previous != nil {
			action, status = models.ActionUpdate, http.StatusOK
		}
		rec := memberRecord(tc, action, user).With("role", req.Role)
		if previous != nil {
			rec.With("previous_role", previous.Role)
		}

		if err := h.members.AddMember(ctx, tc.OrganizationID(), user.ID, req.Role); err != nil {
			h.audit.RecordBestEffort(context.WithoutCancel(ctx), rec.Failed("storage_error"))
			apierr.Respond(c, err)
			return
		}
		h.audit.RecordBestEffort(context.WithoutCancel(ctx), rec.Succeeded())

		c.JSON(status, models.Member{
			UserID: user.ID,
			Email:  user.Email,
			Name:   user.Name,
			Role:   req.Role,
		})
	}
}

// RemoveHandler removes a user from the current organization
// DELETE /api/v1/organizations/current/members/:user_id
func (h *MemberHandlers) RemoveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		tc := middleware.TenantFrom(c)
		if !tc.Valid() {
			apierr.Respond(c, tenant.ErrUnauthenticated)
			return
		}
		userID := c.Param("user_id")
		if _, err := uuid.Parse(userID); err != nil {
			apierr.Respond(c, repositories.ErrNotFound)
			return
		}
		if userID == tc.Actor().ID {
			apierr.BadRequest(c, "cannot change your own membership")
			return
		}

		member, err := h.members.GetMember(ctx, tc.OrganizationID(), userID)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		if member == nil {
			apierr.Respond(c, repositories.ErrNotFound)
			return
		}

		rec := memberRecord(tc, models.ActionDelete, &models.User{ID: userID}).With("previous_role", member.Role)
		if err := h.members.RemoveMember(ctx, tc.OrganizationID(), userID); err != nil {
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

func memberRecord(tc tenant.Context, action string, user *models.User) *audit.Entry {
	return audit.FromTenant(tc, action).Target(models.TargetUser, user.ID, user.Email)
}
