package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/telemetry"
)

// unmatchedRoute labels requests that hit no registered route, so scanners cannot mint one
// series per URL they try.
const unmatchedRoute = "<no-route>"

const secretAccessKey = "secret_access"

// MarkSecretAccess flags the request as one that can return decrypted material. It must run
// before any middleware that may abort the request, or throttled calls go uncounted.
func MarkSecretAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(secretAccessKey, true)
		c.Next()
	}
}

// MetricsMiddleware records request counts and latency by route template. Requests flagged by
// MarkSecretAccess also feed vault_secret_access_total, and requests carrying an elevation grant
// feed elevated_requests_total. No label carries an entry, organization or actor id.
//
// It must be registered after gin.Recovery() so that recovered panics are counted as 500.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		code := c.Writer.Status()
		status := strconv.Itoa(code)

		telemetry.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())

		if c.GetBool(secretAccessKey) {
			telemetry.SecretAccessTotal.WithLabelValues(route, accessOutcome(code)).Inc()
		}
		if ElevatedFrom(c).Valid() {
			telemetry.ElevatedRequestsTotal.WithLabelValues(route, status).Inc()
		}
	}
}

// accessOutcome buckets the status of a secret-revealing request. A 404 is kept apart from
// other refusals because entries of other organizations answer 404.
func accessOutcome(code int) string {
	switch {
	case code < http.StatusBadRequest:
		return "served"
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return "denied"
	case code == http.StatusNotFound:
		return "not_found"
	case code == http.StatusTooManyRequests:
		return "throttled"
	case code < http.StatusInternalServerError:
		return "rejected"
	}
	return "error"
}
