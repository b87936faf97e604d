package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-exam-engine/internal/observability"
	"github.com/noah-isme/gema-exam-engine/internal/utils"
)

const rateLimitKeyPrefix = "exam:ratelimit:"

// RateLimit limits each caller to max requests per window. Callers are keyed by user id,
// falling back to the client IP for anonymous requests. A nil storage keeps counters in
// process memory.
func RateLimit(identifier string, max int, window time.Duration, storage fiber.Storage) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	retryAfter := strconv.Itoa(int(math.Ceil(window.Seconds())))
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return identifier + ":" + rateLimitSubject(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			observability.RateLimited().WithLabelValues(identifier).Inc()
			c.Set(fiber.HeaderRetryAfter, retryAfter)
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many requests, slow down")
		},
	})
}

func rateLimitSubject(c *fiber.Ctx) string {
	switch id := c.Locals("user_id").(type) {
	case uint:
		if id != 0 {
			return "user:" + strconv.FormatUint(uint64(id), 10)
		}
	case string:
		if id != "" {
			return "user:" + id
		}
	}
	return "ip:" + c.IP()
}

// RedisStorage shares limiter counters between API nodes.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage wraps client as a fiber.Storage. It returns nil for a nil client so
// callers can pass the result straight to RateLimit.
func NewRedisStorage(client *redis.Client) fiber.Storage {
	if client == nil {
		return nil
	}
	return &RedisStorage{client: client, prefix: rateLimitKeyPrefix}
}

func (s *RedisStorage) Get(key string) ([]byte, error) {
	value, err := s.client.Get(context.Background(), s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return value, err
}

func (s *RedisStorage) Set(key string, value []byte, exp time.Duration) error {
	if key == "" || len(value) == 0 {
		return nil
	}
	return s.client.Set(context.Background(), s.prefix+key, value, exp).Err()
}

func (s *RedisStorage) Delete(key string) error {
	return s.client.Del(context.Background(), s.prefix+key).Err()
}

// Reset removes every limiter key under the storage prefix.
func (s *RedisStorage) Reset() error {
	ctx := context.Background()
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("reset rate limit key: %w", err)
		}
	}
	return iter.Err()
}

// Close is a no-op; the redis client is owned by the caller.
func (s *RedisStorage) Close() error {
	return nil
}
