// Package ratelimit enforces per-IP and per-user request budgets using
// ulule/limiter, backed by Redis in production and an in-memory store in
// single-node/dev mode.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/auth"
	"github.com/planningpoker/core/internal/config"
	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/metrics"
)

// RateLimiter holds the per-endpoint limiter instances: a global per-user/IP
// budget plus stricter budgets on the export and job-status endpoints, and
// separate IP/user budgets for the WebSocket connect path.
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiExport   *limiter.Limiter
	apiJobs     *limiter.Limiter
	wsConnectIP *limiter.Limiter
	wsUser      *limiter.Limiter
	store       limiter.Store
}

// NewRateLimiter builds every named limiter against a shared store. A nil
// redisClient falls back to an in-memory store, suitable for single-node
// deployments or local development.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rates := map[string]string{
		"apiGlobal":   cfg.RateLimitAPIGlobal,
		"apiExport":   cfg.RateLimitAPIExport,
		"apiJobs":     cfg.RateLimitAPIJobs,
		"wsConnectIP": cfg.RateLimitWSConnectIP,
		"wsUser":      cfg.RateLimitWSUser,
	}
	parsed := make(map[string]limiter.Rate, len(rates))
	for name, formatted := range rates {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", name, err)
		}
		parsed[name] = rate
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "poker:ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("create redis rate limit store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, parsed["apiGlobal"]),
		apiExport:   limiter.New(store, parsed["apiExport"]),
		apiJobs:     limiter.New(store, parsed["apiJobs"]),
		wsConnectIP: limiter.New(store, parsed["wsConnectIP"]),
		wsUser:      limiter.New(store, parsed["wsUser"]),
		store:       store,
	}, nil
}

func identityKey(c *gin.Context) (key, kind string) {
	if v, exists := c.Get("identity"); exists {
		if id, ok := v.(auth.Identity); ok && id.UserID != "" {
			return id.UserID, "user"
		}
	}
	if v, exists := c.Get("userId"); exists {
		if id, ok := v.(string); ok && id != "" {
			return id, "user"
		}
	}
	return c.ClientIP(), "ip"
}

// GlobalMiddleware enforces the baseline per-user (or per-IP, if
// unauthenticated) request budget across the whole API surface.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.apiGlobal, "api_global")
}

// MiddlewareForEndpoint enforces a named stricter budget on top of the
// global one. endpointType is "export" or "jobs".
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	var inst *limiter.Limiter
	switch endpointType {
	case "export":
		inst = rl.apiExport
	case "jobs":
		inst = rl.apiJobs
	default:
		inst = rl.apiGlobal
	}
	return rl.middlewareFor(inst, endpointType)
}

func (rl *RateLimiter) middlewareFor(inst *limiter.Limiter, label string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, kind := identityKey(c)

		ctx := c.Request.Context()
		result, err := inst.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.String("endpoint", label), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

		if result.Reached {
			metrics.RateLimitExceeded.WithLabelValues(label, kind).Inc()
			retryAfter := result.Reset - time.Now().Unix()
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "TOO_MANY_REQUESTS",
				"retryAfter": result.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(label).Inc()
		c.Next()
	}
}

// CheckWebSocketConnectIP enforces the per-IP connect budget before a
// WebSocket upgrade is attempted, ahead of authentication.
func (rl *RateLimiter) CheckWebSocketConnectIP(ctx context.Context, ip string) bool {
	result, err := rl.wsConnectIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws connect rate limiter store failed", zap.Error(err))
		return true
	}
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		return false
	}
	return true
}

// CheckWebSocketUser enforces the per-user connect budget once the bearer
// token has been verified.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	result, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws user rate limiter store failed", zap.Error(err))
		return nil
	}
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}
	return nil
}
