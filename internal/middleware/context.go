package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/tenant"
)

// gin.Context keys set by this package.
const (
	ActorKey    = "actor"
	TenantKey   = "tenant"
	ElevatedKey = "elevated"
)

// ClientMetadata collects the request details recorded on audit records.
func ClientMetadata(c *gin.Context) tenant.ClientMetadata {
	return tenant.ClientMetadata{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Path:      c.Request.URL.Path,
		RequestID: c.GetString(RequestIDKey),
	}
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(c *gin.Context) (tenant.Actor, bool) {
	v, ok := c.Get(ActorKey)
	if !ok {
		return tenant.Actor{}, false
	}
	actor, ok := v.(tenant.Actor)
	return actor, ok
}

// TenantFrom returns the resolved tenant context. The zero Context is invalid and every
// tenant-scoped operation rejects it.
func TenantFrom(c *gin.Context) tenant.Context {
	if v, ok := c.Get(TenantKey); ok {
		if tc, ok := v.(tenant.Context); ok {
			return tc
		}
	}
	return tenant.Context{}
}

// ElevatedFrom returns the elevated context minted for an admin request.
func ElevatedFrom(c *gin.Context) tenant.Elevated {
	if v, ok := c.Get(ElevatedKey); ok {
		if el, ok := v.(tenant.Elevated); ok {
			return el
		}
	}
	return tenant.Elevated{}
}
