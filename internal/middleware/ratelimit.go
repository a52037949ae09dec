// ratelimit.go provides Gin middleware that throttles secret-revealing requests per actor,
// returning 429 responses when the configured requests-per-minute threshold is exceeded.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/telemetry"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate allowed per key
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often the in-memory limiter drops idle keys
	CleanupInterval time.Duration
}

// RevealRateLimitConfig returns the defaults for reveal and OTP endpoints
func RevealRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	}
}

// RateLimitConfigFrom builds a RateLimitConfig from configuration, keeping defaults for unset values.
func RateLimitConfigFrom(cfg config.RateLimitingConfig) RateLimitConfig {
	rl := RevealRateLimitConfig()
	if cfg.RequestsPerMinute > 0 {
		rl.RequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg.Burst > 0 {
		rl.BurstSize = cfg.Burst
	}
	return rl
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
}

// NewLimiter returns the Redis-backed limiter when a Redis URL is configured and the
// in-memory token bucket otherwise.
func NewLimiter(cfg config.RateLimitingConfig) (Limiter, error) {
	rl := RateLimitConfigFrom(cfg)
	if cfg.RedisURL == "" {
		return NewRateLimiter(rl), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), rl), nil
}

// rateLimitEntry tracks request counts for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements an in-memory token bucket rate limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go rl.cleanup()
	return rl
}

// cleanup periodically removes idle entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Limit returns the configured requests per minute
func (rl *RateLimiter) Limit() int { return rl.config.RequestsPerMinute }

// Allow checks if a request from the given key should be allowed
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0
	entry, exists := rl.entries[key]
	if !exists {
		entry = &rateLimitEntry{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = entry
	} else {
		elapsed := now.Sub(entry.lastUpdate).Seconds()
		entry.tokens = min(float64(rl.config.BurstSize), entry.tokens+elapsed*perSecond)
		entry.lastUpdate = now
	}

	if entry.tokens >= 1 {
		entry.tokens--
		return Decision{Allowed: true, Remaining: int(entry.tokens)}, nil
	}
	wait := time.Minute
	if perSecond > 0 {
		wait = time.Duration(math.Ceil((1-entry.tokens)/perSecond)) * time.Second
	}
	return Decision{Allowed: false, RetryAfter: wait}, nil
}

// RedisLimiter shares limits across docvault instances through Redis (GCRA via redis_rate).
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client redis.UniversalClient, config RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
	}
}

// Limit returns the configured requests per minute
func (r *RedisLimiter) Limit() int { return r.limit.Rate }

// Allow checks and consumes one request for key
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := r.limiter.Allow(ctx, "docvault:ratelimit:"+key, r.limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: res.Allowed > 0, Remaining: res.Remaining, RetryAfter: res.RetryAfter}, nil
}

// RateLimitMiddleware throttles requests per actor. A limiter error rejects the request: the
// routes it guards reveal secrets, so they are not served unthrottled.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)
		decision, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Error("rate limiter unavailable", "error", err, "request_id", c.GetString(RequestIDKey))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unable to complete request"})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retry := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			path := c.FullPath()
			if path == "" {
				path = "<no-route>"
			}
			telemetry.RateLimitedTotal.WithLabelValues(path).Inc()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}

// getRateLimitKey keys on the actor when authenticated and on the client IP otherwise
func getRateLimitKey(c *gin.Context) string {
	if actor, ok := ActorFrom(c); ok && actor.ID != "" {
		return "actor:" + actor.ID
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
