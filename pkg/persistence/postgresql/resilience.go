package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// BreakerRepository keeps one circuit row per integration.
type BreakerRepository struct {
	db *sql.DB
}

func (r *BreakerRepository) Get(ctx context.Context, integrationID string) (*models.CircuitBreakerState, error) {
	var (
		state          models.CircuitBreakerState
		lastFailureAt  sql.NullTime
		openedAt       sql.NullTime
		closesAt       sql.NullTime
		trialStartedAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT
			integration_id
		  , status
		  , failure_count
		  , trip_count
		  , last_failure_at
		  , opened_at
		  , closes_at
		  , trial_started_at
		  , updated_at
		FROM circuit_breakers
		WHERE integration_id = $1
	`, integrationID).Scan(
		&state.IntegrationID,
		&state.Status,
		&state.FailureCount,
		&state.TripCount,
		&lastFailureAt,
		&openedAt,
		&closesAt,
		&trialStartedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("Get", "circuit breaker", integrationID, persistence.ErrBreakerNotFound)
		}

		return nil, fmt.Errorf("failed to query circuit breaker: %w", err)
	}

	state.LastFailureAt = timePtr(lastFailureAt)
	state.OpenedAt = timePtr(openedAt)
	state.ClosesAt = timePtr(closesAt)
	state.TrialStartedAt = timePtr(trialStartedAt)
	state.UpdatedAt = state.UpdatedAt.UTC()

	return &state, nil
}

func (r *BreakerRepository) Save(ctx context.Context, state *models.CircuitBreakerState) error {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers (
			integration_id, status, failure_count, trip_count, last_failure_at, opened_at, closes_at, trial_started_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (integration_id) DO UPDATE SET
			status = EXCLUDED.status
		  , failure_count = EXCLUDED.failure_count
		  , trip_count = EXCLUDED.trip_count
		  , last_failure_at = EXCLUDED.last_failure_at
		  , opened_at = EXCLUDED.opened_at
		  , closes_at = EXCLUDED.closes_at
		  , trial_started_at = EXCLUDED.trial_started_at
		  , updated_at = EXCLUDED.updated_at
	`,
		state.IntegrationID,
		state.Status,
		state.FailureCount,
		state.TripCount,
		nullTime(state.LastFailureAt),
		nullTime(state.OpenedAt),
		nullTime(state.ClosesAt),
		nullTime(state.TrialStartedAt),
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save circuit breaker: %w", err)
	}

	return nil
}

// RateLimitRepository stores one row per window. A new window supersedes the
// previous rows of the same key, which are pruned on creation.
type RateLimitRepository struct {
	db *sql.DB
}

func (r *RateLimitRepository) CurrentWindow(ctx context.Context, identifier, endpoint string, since time.Time) (*models.RateLimitRecord, error) {
	record := models.RateLimitRecord{Identifier: identifier, Endpoint: endpoint}

	err := r.db.QueryRowContext(ctx, `
		SELECT window_start, request_count
		FROM rate_limits
		WHERE identifier = $1 AND endpoint = $2 AND window_start >= $3
		ORDER BY window_start DESC
		LIMIT 1
	`, identifier, endpoint, since.UTC()).Scan(&record.WindowStart, &record.RequestCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query rate limit window: %w", err)
	}

	record.WindowStart = record.WindowStart.UTC()

	return &record, nil
}

func (r *RateLimitRepository) CreateWindow(ctx context.Context, record *models.RateLimitRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM rate_limits WHERE identifier = $1 AND endpoint = $2 AND window_start < $3
	`, record.Identifier, record.Endpoint, record.WindowStart.UTC())
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to prune rate limit windows: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limits (identifier, endpoint, window_start, request_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identifier, endpoint, window_start) DO UPDATE SET
			request_count = GREATEST(rate_limits.request_count, EXCLUDED.request_count)
	`, record.Identifier, record.Endpoint, record.WindowStart.UTC(), record.RequestCount)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to create rate limit window: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit rate limit window: %w", err)
	}

	return nil
}

func (r *RateLimitRepository) UpdateCount(ctx context.Context, record *models.RateLimitRecord) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rate_limits
		SET request_count = $4
		WHERE identifier = $1 AND endpoint = $2 AND window_start = $3
	`, record.Identifier, record.Endpoint, record.WindowStart.UTC(), record.RequestCount)
	if err != nil {
		return fmt.Errorf("failed to update rate limit window: %w", err)
	}

	return nil
}
