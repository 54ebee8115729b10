// Package ratelimit implements a fixed-window request limiter keyed by
// identifier and endpoint class over a shared store.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// Rule is the allowance of one endpoint class.
type Rule struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// Endpoint classes. Tighter limits protect more sensitive surfaces.
const (
	ClassAuth    = "auth"
	ClassWebhook = "webhook"
	ClassAction  = "action"
	ClassAPI     = "api"
)

func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ClassAuth:    {Limit: 5, Window: 15 * time.Minute},
		ClassWebhook: {Limit: 300, Window: time.Minute},
		ClassAction:  {Limit: 60, Window: time.Minute},
		ClassAPI:     {Limit: 1000, Window: time.Minute},
	}
}

// Result of a Check. RetryAfterSeconds is only set when the request is rejected.
type Result struct {
	Allowed           bool      `json:"allowed"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"resetAt"`
	RetryAfterSeconds int       `json:"retryAfter,omitempty"`
}

type Limiter struct {
	store   persistence.RateLimitRepository
	rules   map[string]Rule
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = clock }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithRule overrides or adds the rule of one endpoint class.
func WithRule(endpoint string, rule Rule) Option {
	return func(l *Limiter) { l.rules[endpoint] = rule }
}

func New(store persistence.RateLimitRepository, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		rules:  DefaultRules(),
		clock:  clockwork.NewRealClock(),
		logger: logger.With("module", "ratelimit"),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// RuleFor returns the configured rule of an endpoint class, falling back to
// the api class.
func (l *Limiter) RuleFor(endpoint string) Rule {
	if rule, ok := l.rules[endpoint]; ok {
		return rule
	}

	return l.rules[ClassAPI]
}

// Allow checks identifier against the rule configured for endpoint.
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string) Result {
	return l.Check(ctx, identifier, endpoint, l.RuleFor(endpoint))
}

// Check counts one request. The read-increment-write is not atomic across
// processes so concurrent callers may slightly exceed the limit. Store
// failures fail open.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string, rule Rule) Result {
	now := l.clock.Now()
	windowStart := now.Add(-rule.Window)

	record, err := l.store.CurrentWindow(ctx, identifier, endpoint, windowStart)
	if err != nil {
		return l.failOpen(ctx, identifier, endpoint, rule, now, err)
	}

	if record == nil {
		record = &models.RateLimitRecord{
			Identifier:   identifier,
			Endpoint:     endpoint,
			WindowStart:  now,
			RequestCount: 1,
		}

		if err := l.store.CreateWindow(ctx, record); err != nil {
			return l.failOpen(ctx, identifier, endpoint, rule, now, err)
		}

		return Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: max(rule.Limit-1, 0),
			ResetAt:   now.Add(rule.Window),
		}
	}

	resetAt := record.WindowStart.Add(rule.Window)
	count := record.RequestCount + 1

	if count > rule.Limit {
		l.metrics.RateLimitRejected(endpoint)
		l.logger.DebugContext(ctx, "rate limit exceeded", "identifier", identifier, "endpoint", endpoint, "reset_at", resetAt)

		return Result{
			Allowed:           false,
			Limit:             rule.Limit,
			Remaining:         0,
			ResetAt:           resetAt,
			RetryAfterSeconds: retryAfter(resetAt.Sub(now)),
		}
	}

	record.RequestCount = count

	if err := l.store.UpdateCount(ctx, record); err != nil {
		return l.failOpen(ctx, identifier, endpoint, rule, now, err)
	}

	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - count,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) failOpen(ctx context.Context, identifier, endpoint string, rule Rule, now time.Time, err error) Result {
	l.logger.ErrorContext(ctx, "rate limit store unavailable, allowing request",
		"identifier", identifier,
		"endpoint", endpoint,
		"error", err,
	)

	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		ResetAt:   now.Add(rule.Window),
	}
}

func retryAfter(remaining time.Duration) int {
	seconds := int(math.Ceil(remaining.Seconds()))
	if seconds < 1 {
		return 1
	}

	return seconds
}
