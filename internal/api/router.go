// Package api wires together all HTTP routes for the docvault backend.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated health endpoints.
//   - /api/v1/me only needs an authenticated actor.
//   - /api/v1/vault, /api/v1/audit and /api/v1/organizations/current act inside one
//     organization, resolved per request from the actor's memberships and the X-Organization
//     header.
//   - /api/v1/admin requires a superuser and a stated reason (X-Elevation-Reason). Every
//     admin request first records an elevated_access grant; if that record cannot be written
//     the request is refused.
package api

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/api/auditlog"
	"github.com/docvault/docvault/internal/api/entries"
	"github.com/docvault/docvault/internal/api/organizations"
	"github.com/docvault/docvault/internal/api/users"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/middleware"
	"github.com/docvault/docvault/internal/storage"
)

// Version is the server version reported by /version. It is overridden at build time with
// -ldflags "-X github.com/docvault/docvault/internal/api.Version=<version>".
var Version = "dev"

const readinessCheckPath = ".readiness-check"

// Recorder is the audit trail as needed by the router: best-effort writes for request and
// login records, plus the handlers' query and purge paths. *audit.Trail implements it.
type Recorder interface {
	middleware.BestEffortRecorder
	auditlog.Trail
}

// KeyStatus reports the active master key version. *crypto.Service implements it.
type KeyStatus interface {
	ActiveKeyVersion() uint32
}

// Dependencies are the services the router dispatches to. Archive and Keys are optional and
// only feed the readiness check.
type Dependencies struct {
	DB            *sql.DB
	Users         users.Store
	Resolver      middleware.TenantResolver
	Vault         entries.Service
	Organizations organizations.Store
	Members       organizations.MemberStore
	Audit         Recorder
	RevealLimiter middleware.Limiter
	Archive       storage.Storage
	Keys          KeyStatus
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Archive, deps.Keys))
	router.GET("/version", versionHandler())

	vaultHandlers := entries.NewHandlers(deps.Vault)
	auditHandlers := auditlog.NewHandlers(deps.Audit)
	orgHandlers := organizations.NewHandlers(deps.Organizations, deps.Audit)
	memberHandlers := organizations.NewMemberHandlers(deps.Members, deps.Users, deps.Audit)
	userHandlers := users.NewHandlers(deps.Users, deps.Audit)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(deps.Users, deps.Audit))
	v1.Use(middleware.RequestAuditMiddleware(deps.Audit, cfg.Audit.LogReadOperations))

	v1.GET("/me", userHandlers.MeHandler())

	// Tenant routes. The vault repeats the scope check per operation and audits refusals,
	// so vault routes are not guarded by RequireScope here.
	scopedGroup := v1.Group("")
	scopedGroup.Use(middleware.TenantMiddleware(deps.Resolver))
	{
		scopedGroup.GET("/organizations/current", orgHandlers.CurrentHandler())
		scopedGroup.GET("/audit", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.ListHandler())
		scopedGroup.GET("/audit/:id", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.GetHandler())

		members := scopedGroup.Group("/organizations/current/members")
		members.GET("", middleware.RequireAnyScope(auth.ScopeMembersManage, auth.ScopeAuditRead), memberHandlers.ListHandler())
		members.POST("", middleware.RequireScope(auth.ScopeMembersManage), memberHandlers.AddHandler())
		members.DELETE("/:user_id", middleware.RequireScope(auth.ScopeMembersManage), memberHandlers.RemoveHandler())

		vault := scopedGroup.Group("/vault")
		vault.GET("", vaultHandlers.ListHandler())
		vault.POST("", vaultHandlers.CreateHandler())
		vault.GET("/:id", vaultHandlers.GetHandler())
		vault.PUT("/:id", vaultHandlers.UpdateHandler())
		vault.DELETE("/:id", vaultHandlers.DeleteHandler())
		vault.POST("/:id/rewrap", vaultHandlers.RewrapHandler())

		revealing := vault.Group("")
		revealing.Use(middleware.MarkSecretAccess())
		if deps.RevealLimiter != nil {
			revealing.Use(middleware.RateLimitMiddleware(deps.RevealLimiter))
		}
		revealing.POST("/:id/reveal", vaultHandlers.RevealHandler())
		revealing.POST("/:id/otp", vaultHandlers.OTPHandler())
		revealing.POST("/:id/otp/verify", vaultHandlers.VerifyOTPHandler())
	}

	admin := v1.Group("/admin")
	admin.Use(middleware.RequireSuperuser(), middleware.ElevateMiddleware(deps.Resolver))
	{
		admin.GET("/organizations", orgHandlers.ListHandler())
		admin.POST("/organizations", orgHandlers.CreateHandler())
		admin.POST("/organizations/:id/disable", orgHandlers.DisableHandler())
		admin.POST("/users", userHandlers.CreateHandler())
		admin.POST("/users/:id/second-factor/reset", userHandlers.ResetSecondFactorHandler())
		admin.GET("/audit", auditHandlers.AdminListHandler())
		admin.POST("/audit/purge", auditHandlers.PurgeHandler())
	}

	return router
}

// healthCheckHandler returns the liveness status of the service
// GET /health
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness check (/health), this also checks the archive backend and that a master
// key is loaded, so a readiness gate fails when purges or decryption would error.
// GET /ready
func readinessHandler(db *sql.DB, archive storage.Storage, keys KeyStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		notReady := func(component, msg string) {
			checks[component] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  msg,
			})
		}

		if err := db.PingContext(c.Request.Context()); err != nil {
			notReady("database", "database not ready")
			return
		}
		checks["database"] = "healthy"

		if keys != nil {
			if keys.ActiveKeyVersion() == 0 {
				notReady("encryption", "no active master key")
				return
			}
			checks["encryption"] = "healthy"
		}

		// Exists() exercises authentication and connectivity without creating any state.
		if archive != nil {
			if _, err := archive.Exists(c.Request.Context(), readinessCheckPath); err != nil {
				notReady("archive", "archive storage not ready")
				return
			}
			checks["archive"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the server and API version
// GET /version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logRequest(c, level, latency, path)
	}
}

// logRequest logs a request through the default slog handler, which emits JSON or text
// according to telemetry.SetupLogger. The query string is omitted because search terms can
// name the entries being looked up.
func logRequest(c *gin.Context, level slog.Level, latency time.Duration, path string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	attrs := []slog.Attr{
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("route", c.FullPath()),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	}
	if actor, ok := middleware.ActorFrom(c); ok {
		attrs = append(attrs, slog.String("actor_id", actor.ID))
	}
	if tc := middleware.TenantFrom(c); tc.Valid() {
		attrs = append(attrs, slog.String("organization_id", tc.OrganizationID()))
	}
	slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, "+
				middleware.OrganizationHeader+", "+middleware.ElevationReasonHeader)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
