package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

// BreakerRepository stores each circuit as a JSON string.
type BreakerRepository struct {
	client goredis.UniversalClient
	prefix string
}

func (r *BreakerRepository) key(integrationID string) string {
	return r.prefix + ":breaker:" + integrationID
}

func (r *BreakerRepository) Get(ctx context.Context, integrationID string) (*models.CircuitBreakerState, error) {
	data, err := r.client.Get(ctx, r.key(integrationID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewRepositoryError("Get", "circuit breaker", integrationID, persistence.ErrBreakerNotFound)
		}

		return nil, fmt.Errorf("failed to read circuit breaker: %w", err)
	}

	var state models.CircuitBreakerState

	err = json.Unmarshal(data, &state)
	if err != nil {
		return nil, fmt.Errorf("failed to decode circuit breaker: %w", err)
	}

	return &state, nil
}

func (r *BreakerRepository) Save(ctx context.Context, state *models.CircuitBreakerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode circuit breaker: %w", err)
	}

	err = r.client.Set(ctx, r.key(state.IntegrationID), data, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to write circuit breaker: %w", err)
	}

	return nil
}

// RateLimitRepository keeps the newest window of each key as a hash with the
// window start in unix nanoseconds and the request count.
type RateLimitRepository struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

const (
	fieldWindowStart = "window_start"
	fieldCount       = "count"
)

// updateCount only touches the hash while it still holds the same window, so
// an increment computed against a superseded window is dropped.
var updateCount = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "window_start") == ARGV[1] then
	redis.call("HSET", KEYS[1], "count", ARGV[2])
	return 1
end
return 0
`)

func (r *RateLimitRepository) key(identifier, endpoint string) string {
	return r.prefix + ":ratelimit:" + identifier + ":" + endpoint
}

func (r *RateLimitRepository) CurrentWindow(ctx context.Context, identifier, endpoint string, since time.Time) (*models.RateLimitRecord, error) {
	values, err := r.client.HGetAll(ctx, r.key(identifier, endpoint)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit window: %w", err)
	}

	if len(values) == 0 {
		return nil, nil
	}

	start, err := strconv.ParseInt(values[fieldWindowStart], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt rate limit window start: %w", err)
	}

	count, err := strconv.Atoi(values[fieldCount])
	if err != nil {
		return nil, fmt.Errorf("corrupt rate limit count: %w", err)
	}

	windowStart := time.Unix(0, start).UTC()
	if windowStart.Before(since) {
		return nil, nil
	}

	return &models.RateLimitRecord{
		Identifier:   identifier,
		Endpoint:     endpoint,
		WindowStart:  windowStart,
		RequestCount: count,
	}, nil
}

func (r *RateLimitRepository) CreateWindow(ctx context.Context, record *models.RateLimitRecord) error {
	key := r.key(record.Identifier, record.Endpoint)

	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldWindowStart, strconv.FormatInt(record.WindowStart.UnixNano(), 10),
			fieldCount, record.RequestCount,
		)
		pipe.Expire(ctx, key, r.retention)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create rate limit window: %w", err)
	}

	return nil
}

func (r *RateLimitRepository) UpdateCount(ctx context.Context, record *models.RateLimitRecord) error {
	err := updateCount.Run(ctx, r.client,
		[]string{r.key(record.Identifier, record.Endpoint)},
		strconv.FormatInt(record.WindowStart.UnixNano(), 10),
		record.RequestCount,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to update rate limit window: %w", err)
	}

	return nil
}
