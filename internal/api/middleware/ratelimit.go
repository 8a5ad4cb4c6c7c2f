package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewRateLimiter creates a Gin middleware allowing requests per period per
// client IP. Counters live in redis when client is non-nil, so several
// server replicas share one budget, and in process memory otherwise.
func NewRateLimiter(requests int64, period time.Duration, client *redis.Client) (gin.HandlerFunc, error) {
	if requests <= 0 || period <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d per %s", requests, period)
	}

	rate := limiter.Rate{
		Period: period,
		Limit:  requests,
	}

	var store limiter.Store
	if client != nil {
		var err error
		store, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "ferry_limiter"})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	return mgin.NewMiddleware(limiter.New(store, rate)), nil
}
