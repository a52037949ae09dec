package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/tenant"
)

// OrganizationHeader selects the organization when an actor belongs to several.
const OrganizationHeader = "X-Organization"

// ElevationReasonHeader carries the operator's reason for an elevated admin request.
const ElevationReasonHeader = "X-Elevation-Reason"

// TenantResolver is implemented by *tenant.Resolver.
type TenantResolver interface {
	Resolve(ctx context.Context, actor tenant.Actor, client tenant.ClientMetadata, selector string) (tenant.Context, error)
	Elevate(ctx context.Context, actor tenant.Actor, client tenant.ClientMetadata, reason string) (tenant.Elevated, error)
}

// TenantMiddleware resolves the organization the actor is acting for. It must run after
// AuthMiddleware.
func TenantMiddleware(resolver TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		tc, err := resolver.Resolve(c.Request.Context(), actor, ClientMetadata(c), c.GetHeader(OrganizationHeader))
		if err != nil {
			abortResolveError(c, err)
			return
		}
		c.Set(TenantKey, tc)
		c.Next()
	}
}

// ElevateMiddleware mints an elevated context for superusers. The grant is audited by the
// resolver before the handler runs; requests without a reason are rejected.
func ElevateMiddleware(resolver TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		reason := strings.TrimSpace(c.GetHeader(ElevationReasonHeader))
		if reason == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ElevationReasonHeader + " header is required"})
			return
		}
		el, err := resolver.Elevate(c.Request.Context(), actor, ClientMetadata(c), reason)
		if err != nil {
			abortResolveError(c, err)
			return
		}
		c.Set(ElevatedKey, el)
		c.Next()
	}
}

func abortResolveError(c *gin.Context, err error) {
	var amb *tenant.AmbiguousError
	switch {
	case errors.As(err, &amb):
		slugs := make([]string, 0, len(amb.Candidates))
		for _, org := range amb.Candidates {
			slugs = append(slugs, org.Slug)
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":         "organization is ambiguous; set the " + OrganizationHeader + " header",
			"organizations": slugs,
		})
	case errors.Is(err, tenant.ErrUnauthenticated):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	case errors.Is(err, tenant.ErrSecondFactorRequired):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "second factor required"})
	case errors.Is(err, tenant.ErrNoOrganization):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no active organization membership"})
	case errors.Is(err, tenant.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		slog.Error("failed to resolve tenant", "error", err, "request_id", c.GetString(RequestIDKey))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "unable to complete request"})
	}
}
