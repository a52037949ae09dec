// Package middleware provides Gin HTTP middleware for authentication, tenant resolution,
// authorization, rate limiting, security headers, metrics and request auditing.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Metrics → Security → Auth → RequestAudit → Tenant|Elevate → Scope/RateLimit → Handler
//
// Security headers run first so they appear on all responses including errors. RequestAudit
// inspects the context after the rest of the chain has run, so it sees the resolved tenant and
// also records requests rejected by tenant resolution, scope checks or the rate limiter.
// Auth turns the bearer token into an actor; Tenant resolves the organization the actor is
// acting for. Handlers only ever see a tenant.Context, never raw header values.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/tenant"
)

// UserLookup loads the stored actor behind a token. *repositories.UserRepository implements it.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// BestEffortRecorder writes audit records whose failure must not affect the request.
// *audit.Trail implements it.
type BestEffortRecorder interface {
	RecordBestEffort(ctx context.Context, rec *models.AuditLog)
}

// AuthMiddleware validates the bearer token and stores the actor in the gin context.
// Every rejection, including a request with no Authorization header, is recorded as
// login_failed and answered with the same 401 body.
func AuthMiddleware(users UserLookup, recorder BestEffortRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		reject := func(reason string, actor tenant.Actor) {
			if recorder != nil {
				if actor.DisplayName == "" {
					actor.DisplayName = "anonymous"
				}
				rec := audit.FromActor(actor, ClientMetadata(c), models.ActionLoginFailed).Failed(reason)
				recorder.RecordBestEffort(context.WithoutCancel(c.Request.Context()), rec)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			reject("missing_header", tenant.Actor{})
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			reject("malformed_header", tenant.Actor{})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			reject("empty_token", tenant.Actor{})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			reject("invalid_token", tenant.Actor{})
			return
		}
		actor := claims.Actor()

		// The stored user is authoritative for activity and superuser status.
		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			slog.Error("failed to load actor", "user_id", claims.UserID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "unable to complete request"})
			return
		}
		if user == nil || !user.Active {
			reject("unknown_or_inactive_user", actor)
			return
		}
		if user.Name != "" {
			actor.DisplayName = user.Name
		}
		actor.Superuser = user.Superuser

		c.Set(ActorKey, actor)
		c.Next()
	}
}
