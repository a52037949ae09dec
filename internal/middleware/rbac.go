// Package middleware (rbac.go) implements role-based authorization checks.
//
// Scopes are derived from the membership role of the resolved tenant context at request time
// rather than embedded in the token, so a role change takes effect on the next request.
// The vault service repeats the check per operation; these guards only reject early.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/auth"
)

// RequireScope checks that the tenant role grants the scope. It must run after
// TenantMiddleware.
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := TenantFrom(c)
		if !tc.Valid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if !auth.RoleHasScope(tc.Role(), scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"details": "required scope: " + string(scope),
			})
			return
		}
		c.Next()
	}
}

// RequireAnyScope checks that the tenant role grants at least one of the scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := TenantFrom(c)
		if !tc.Valid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if !auth.HasAnyScope(auth.RoleScopes(tc.Role()), scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireSuperuser rejects actors without the superuser flag. It must run after AuthMiddleware.
func RequireSuperuser() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if !actor.Superuser {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
