package file

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// BreakerRepository keeps one circuit document per integration.
type BreakerRepository struct {
	records *collection[models.CircuitBreakerState]
}

func NewBreakerRepository(root string) *BreakerRepository {
	return &BreakerRepository{records: newCollection[models.CircuitBreakerState](root, "circuit_breakers")}
}

func (r *BreakerRepository) Get(_ context.Context, integrationID string) (*models.CircuitBreakerState, error) {
	state, err := r.records.load(integrationID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewRepositoryError("Get", "circuit breaker", integrationID, persistence.ErrBreakerNotFound)
		}

		return nil, err
	}

	return state, nil
}

func (r *BreakerRepository) Save(_ context.Context, state *models.CircuitBreakerState) error {
	return r.records.store(state.IntegrationID, state)
}

// RateLimitRepository keeps only the newest window per identifier and endpoint.
type RateLimitRepository struct {
	records *collection[models.RateLimitRecord]
}

func NewRateLimitRepository(root string) *RateLimitRepository {
	return &RateLimitRepository{records: newCollection[models.RateLimitRecord](root, "rate_limits")}
}

func rateLimitKey(identifier, endpoint string) string {
	return identifier + "\x00" + endpoint
}

func (r *RateLimitRepository) CurrentWindow(_ context.Context, identifier, endpoint string, since time.Time) (*models.RateLimitRecord, error) {
	record, err := r.records.load(rateLimitKey(identifier, endpoint))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	if record.WindowStart.Before(since) {
		return nil, nil
	}

	return record, nil
}

func (r *RateLimitRepository) CreateWindow(_ context.Context, record *models.RateLimitRecord) error {
	return r.records.store(rateLimitKey(record.Identifier, record.Endpoint), record)
}

func (r *RateLimitRepository) UpdateCount(_ context.Context, record *models.RateLimitRecord) error {
	_, err := r.records.update(rateLimitKey(record.Identifier, record.Endpoint), func(current *models.RateLimitRecord) (*models.RateLimitRecord, bool, error) {
		// A newer window replaced this one; the stale increment is dropped.
		if current != nil && current.WindowStart.After(record.WindowStart) {
			return nil, false, nil
		}

		return record, true, nil
	})

	return err
}
