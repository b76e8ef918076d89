package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func RateLimitMiddleware(rdb *redis.Client, limit int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := fmt.Sprintf("rl:%s:%s", c.Path(), c.IP())

		ctx := c.UserContext()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return c.Next() // fail open
		}

		if count == 1 {
			rdb.Expire(ctx, key, window)
		}

		if count > int64(limit) {
			c.Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}

		return c.Next()
	}
}

// LocalRateLimitMiddleware limits each client IP in process memory. It is
// used when no Redis is available, so limits are per instance. A
// non-positive limit disables limiting.
func LocalRateLimitMiddleware(limit int, window time.Duration) fiber.Handler {
	if limit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	every := rate.Every(window / time.Duration(limit))

	var mu sync.Mutex
	visitors := make(map[string]*visitor)
	lastSweep := time.Now()

	return func(c *fiber.Ctx) error {
		now := time.Now()
		mu.Lock()
		if now.Sub(lastSweep) > window {
			for ip, v := range visitors {
				if now.Sub(v.seen) > window {
					delete(visitors, ip)
				}
			}
			lastSweep = now
		}
		v, ok := visitors[c.IP()]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(every, limit)}
			visitors[c.IP()] = v
		}
		v.seen = now
		allowed := v.limiter.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}
		return c.Next()
	}
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}
