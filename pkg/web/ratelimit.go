package web

import (
	"fmt"
	"strconv"

	"github.com/dukex/conduit/pkg/ratelimit"
	"github.com/gofiber/fiber/v3"
)

// Identifier picks the key a request is counted under.
type Identifier func(c fiber.Ctx) string

func ClientIP(c fiber.Ctx) string {
	return c.IP()
}

// ParamOrIP counts requests per route parameter, falling back to the client IP.
func ParamOrIP(param string) Identifier {
	return func(c fiber.Ctx) string {
		if value := c.Params(param); value != "" {
			return value
		}

		return c.IP()
	}
}

// RateLimit rejects requests over the limit of an endpoint class with 429.
func RateLimit(limiter *ratelimit.Limiter, class string, identify Identifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		result := limiter.Allow(c.Context(), identify(c), class)

		c.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if result.Allowed {
			return c.Next()
		}

		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(result.RetryAfterSeconds))
		c.Set("X-RateLimit-Remaining", "0")

		return c.Status(fiber.StatusTooManyRequests).JSON(RateLimitResponse{
			Error:      "rate_limit_exceeded",
			Message:    fmt.Sprintf("Too many requests, try again in %d seconds", result.RetryAfterSeconds),
			Limit:      result.Limit,
			ResetAt:    result.ResetAt.UTC(),
			RetryAfter: result.RetryAfterSeconds,
		})
	}
}
