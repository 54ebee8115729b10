// Package redis keeps the hot resilience state (circuit breakers and rate
// limit windows) in Redis and delegates everything else to a base backend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conduit/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "conduit"

// DefaultWindowRetention bounds how long a rate limit window outlives its
// creation. It must exceed the longest configured window.
const DefaultWindowRetention = time.Hour

type Option func(*Persistence)

func WithKeyPrefix(prefix string) Option {
	return func(p *Persistence) { p.prefix = prefix }
}

func WithWindowRetention(retention time.Duration) Option {
	return func(p *Persistence) { p.retention = retention }
}

// Persistence overlays Redis-backed breaker and rate limit repositories on a
// base persistence.
type Persistence struct {
	persistence.Persistence

	client    goredis.UniversalClient
	prefix    string
	retention time.Duration

	breakers   *BreakerRepository
	rateLimits *RateLimitRepository
}

func New(base persistence.Persistence, client goredis.UniversalClient, opts ...Option) *Persistence {
	p := &Persistence{
		Persistence: base,
		client:      client,
		prefix:      DefaultKeyPrefix,
		retention:   DefaultWindowRetention,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.breakers = &BreakerRepository{client: client, prefix: p.prefix}
	p.rateLimits = &RateLimitRepository{client: client, prefix: p.prefix, retention: p.retention}

	return p
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func (p *Persistence) BreakerRepository() persistence.BreakerRepository {
	return p.breakers
}

func (p *Persistence) RateLimitRepository() persistence.RateLimitRepository {
	return p.rateLimits
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	return p.Persistence.HealthCheck(ctx)
}

func (p *Persistence) Close(ctx context.Context) error {
	return errors.Join(p.client.Close(), p.Persistence.Close(ctx))
}
