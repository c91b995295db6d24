package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/models"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
	"github.com/noah-isme/training-ops-engine/pkg/response"
)

const rateLimitPrefix = "training-ops:ratelimit"

// NewRateLimitStore picks the Redis store when a client is available and falls
// back to process memory otherwise.
func NewRateLimitStore(client *redis.Client, logger *zap.Logger) limiter.Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		return memory.NewStore()
	}
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:          rateLimitPrefix,
		CleanUpInterval: limiter.DefaultCleanUpInterval,
	})
	if err != nil {
		logger.Warn("redis rate limit store unavailable, falling back to memory", zap.Error(err))
		return memory.NewStore()
	}
	return store
}

// RateLimit throttles requests to perMinute per caller. Authenticated callers
// are keyed by user, everyone else by client IP.
func RateLimit(store limiter.Store, perMinute int64) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	instance := limiter.New(store, limiter.Rate{Period: time.Minute, Limit: perMinute})
	return mgin.NewMiddleware(instance,
		mgin.WithKeyGetter(rateLimitKey),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			response.Error(c, appErrors.ErrRateLimited)
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			// Store errors fail open.
			_ = c.Error(err)
			c.Next()
		}),
	)
}

func rateLimitKey(c *gin.Context) string {
	if value, ok := c.Get(ContextUserKey); ok {
		if claims, ok := value.(*models.JWTClaims); ok && claims.UserID != "" {
			return "user:" + claims.UserID
		}
	}
	return "ip:" + c.ClientIP()
}
