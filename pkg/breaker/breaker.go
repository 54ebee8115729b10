// Package breaker implements a persisted per-integration circuit breaker.
//
// A closed circuit counts failures inside a rolling period and opens once the
// threshold is reached. An open circuit fast-fails until its cooldown elapses,
// then lets a single trial call through (half open). The trial closes the
// circuit on success or re-opens it with a possibly longer cooldown.
package breaker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

type CooldownGrowth string

const (
	GrowthFixed       CooldownGrowth = "fixed"
	GrowthExponential CooldownGrowth = "exponential"
)

type Config struct {
	FailureThreshold   int
	FailurePeriod      time.Duration
	Cooldown           time.Duration
	Growth             CooldownGrowth
	CooldownMultiplier float64
	MaxCooldown        time.Duration

	// TrialTimeout is how long a half open trial holds the circuit before
	// another caller may take over. It must exceed one dispatch attempt.
	TrialTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		FailurePeriod:      time.Minute,
		Cooldown:           30 * time.Second,
		Growth:             GrowthExponential,
		CooldownMultiplier: 2,
		MaxCooldown:        10 * time.Minute,
		TrialTimeout:       time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}

	if c.FailurePeriod <= 0 {
		c.FailurePeriod = defaults.FailurePeriod
	}

	if c.Cooldown <= 0 {
		c.Cooldown = defaults.Cooldown
	}

	if c.Growth == "" {
		c.Growth = defaults.Growth
	}

	if c.CooldownMultiplier < 1 {
		c.CooldownMultiplier = defaults.CooldownMultiplier
	}

	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(defaults.MaxCooldown, c.Cooldown)
	}

	if c.TrialTimeout <= 0 {
		c.TrialTimeout = defaults.TrialTimeout
	}

	return c
}

// CooldownFor returns the cooldown applied to the given consecutive trip.
func (c Config) CooldownFor(trip int) time.Duration {
	if c.Growth != GrowthExponential || trip <= 1 {
		return c.Cooldown
	}

	scaled := float64(c.Cooldown) * math.Pow(c.CooldownMultiplier, float64(trip-1))
	if scaled >= float64(c.MaxCooldown) {
		return c.MaxCooldown
	}

	return time.Duration(scaled)
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed bool                 `json:"allowed"`
	State   models.CircuitStatus `json:"state"`
	RetryAt *time.Time           `json:"retryAt,omitempty"`
}

// TransitionFunc observes state changes, for audit events and metrics.
type TransitionFunc func(ctx context.Context, integrationID string, from, to models.CircuitStatus)

// Breaker serializes state changes within the process; processes sharing a
// store may still race on the same integration.
type Breaker struct {
	mu sync.Mutex

	store        persistence.BreakerRepository
	config       Config
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	onTransition TransitionFunc
}

type Option func(*Breaker)

func WithClock(clock clockwork.Clock) Option {
	return func(b *Breaker) { b.clock = clock }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

func New(store persistence.BreakerRepository, config Config, logger *slog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		store:  store,
		config: config.withDefaults(),
		clock:  clockwork.NewRealClock(),
		logger: logger.With("module", "breaker"),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Breaker) Config() Config {
	return b.config
}

// Allow reports whether a call to the integration may proceed. The open to
// half open transition happens here, lazily, when the cooldown has elapsed.
// Storage failures fail open.
func (b *Breaker) Allow(ctx context.Context, integrationID string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, integrationID)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to load circuit state, allowing call", "integration_id", integrationID, "error", err)

		return Decision{Allowed: true, State: models.CircuitClosed}
	}

	now := b.clock.Now()

	switch state.Status {
	case models.CircuitOpen:
		if state.ClosesAt != nil && now.Before(*state.ClosesAt) {
			return Decision{Allowed: false, State: models.CircuitOpen, RetryAt: state.ClosesAt}
		}

		state.Status = models.CircuitHalfOpen
		state.TrialStartedAt = &now

		if err := b.save(ctx, state); err != nil {
			b.logger.ErrorContext(ctx, "failed to persist half open circuit", "integration_id", integrationID, "error", err)
		}

		b.transitioned(ctx, integrationID, models.CircuitOpen, models.CircuitHalfOpen)

		return Decision{Allowed: true, State: models.CircuitHalfOpen}

	case models.CircuitHalfOpen:
		// One trial at a time. A trial that never reported back is abandoned
		// after TrialTimeout.
		if state.TrialStartedAt != nil && now.Sub(*state.TrialStartedAt) < b.config.TrialTimeout {
			retryAt := state.TrialStartedAt.Add(b.config.TrialTimeout)

			return Decision{Allowed: false, State: models.CircuitHalfOpen, RetryAt: &retryAt}
		}

		state.TrialStartedAt = &now

		if err := b.save(ctx, state); err != nil {
			b.logger.ErrorContext(ctx, "failed to persist trial start", "integration_id", integrationID, "error", err)
		}

		return Decision{Allowed: true, State: models.CircuitHalfOpen}

	default:
		return Decision{Allowed: true, State: models.CircuitClosed}
	}
}

// RecordSuccess closes a half open circuit and clears the failure count of a
// closed one. An open circuit only closes through a half open trial.
func (b *Breaker) RecordSuccess(ctx context.Context, integrationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, integrationID)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to load circuit state", "integration_id", integrationID, "error", err)

		return
	}

	from := state.Status

	switch state.Status {
	case models.CircuitOpen:
		return
	case models.CircuitHalfOpen:
		state.Status = models.CircuitClosed
		state.FailureCount = 0
		state.TripCount = 0
		state.OpenedAt = nil
		state.ClosesAt = nil
		state.TrialStartedAt = nil
	default:
		if state.FailureCount == 0 {
			return
		}

		state.FailureCount = 0
	}

	if err := b.save(ctx, state); err != nil {
		b.logger.ErrorContext(ctx, "failed to persist circuit success", "integration_id", integrationID, "error", err)

		return
	}

	if from != models.CircuitClosed {
		b.transitioned(ctx, integrationID, from, models.CircuitClosed)
	}
}

// ReleaseTrial gives up a half open trial that ended without reaching the
// downstream, so the next caller can run one.
func (b *Breaker) ReleaseTrial(ctx context.Context, integrationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, integrationID)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to load circuit state", "integration_id", integrationID, "error", err)

		return
	}

	if state.Status != models.CircuitHalfOpen || state.TrialStartedAt == nil {
		return
	}

	state.TrialStartedAt = nil

	if err := b.save(ctx, state); err != nil {
		b.logger.ErrorContext(ctx, "failed to release circuit trial", "integration_id", integrationID, "error", err)
	}
}

// RecordFailure counts a terminal delivery failure. Failures reported while
// the circuit is open are ignored; fast-fails never reach here.
func (b *Breaker) RecordFailure(ctx context.Context, integrationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, integrationID)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to load circuit state", "integration_id", integrationID, "error", err)

		return
	}

	now := b.clock.Now()
	from := state.Status

	switch state.Status {
	case models.CircuitOpen:
		return

	case models.CircuitHalfOpen:
		b.open(state, now)

	default:
		if state.LastFailureAt != nil && now.Sub(*state.LastFailureAt) > b.config.FailurePeriod {
			state.FailureCount = 0
		}

		state.FailureCount++
		state.LastFailureAt = &now

		if state.FailureCount >= b.config.FailureThreshold {
			b.open(state, now)
		}
	}

	if err := b.save(ctx, state); err != nil {
		b.logger.ErrorContext(ctx, "failed to persist circuit failure", "integration_id", integrationID, "error", err)

		return
	}

	if state.Status != from {
		b.logger.InfoContext(ctx, "circuit opened",
			"integration_id", integrationID,
			"failure_count", state.FailureCount,
			"closes_at", state.ClosesAt,
		)
		b.transitioned(ctx, integrationID, from, state.Status)
	}
}

// State returns the stored state, reporting an open circuit whose cooldown
// elapsed as half open without persisting anything.
func (b *Breaker) State(ctx context.Context, integrationID string) (*models.CircuitBreakerState, error) {
	state, err := b.load(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	if state.Status == models.CircuitOpen && state.ClosesAt != nil && !b.clock.Now().Before(*state.ClosesAt) {
		state.Status = models.CircuitHalfOpen
	}

	return state, nil
}

// Reset force-closes a circuit.
func (b *Breaker) Reset(ctx context.Context, integrationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, integrationID)
	if err != nil {
		return err
	}

	from := state.Status
	fresh := models.NewClosedCircuit(integrationID)

	if err := b.save(ctx, fresh); err != nil {
		return err
	}

	if from != models.CircuitClosed {
		b.transitioned(ctx, integrationID, from, models.CircuitClosed)
	}

	return nil
}

func (b *Breaker) open(state *models.CircuitBreakerState, now time.Time) {
	state.TripCount++
	closesAt := now.Add(b.config.CooldownFor(state.TripCount))

	state.Status = models.CircuitOpen
	state.OpenedAt = &now
	state.ClosesAt = &closesAt
	state.TrialStartedAt = nil
}

func (b *Breaker) load(ctx context.Context, integrationID string) (*models.CircuitBreakerState, error) {
	state, err := b.store.Get(ctx, integrationID)
	if err != nil {
		if persistence.IsBreakerNotFound(err) {
			return models.NewClosedCircuit(integrationID), nil
		}

		return nil, err
	}

	return state, nil
}

func (b *Breaker) save(ctx context.Context, state *models.CircuitBreakerState) error {
	state.UpdatedAt = b.clock.Now()

	return b.store.Save(ctx, state)
}

func (b *Breaker) transitioned(ctx context.Context, integrationID string, from, to models.CircuitStatus) {
	b.metrics.BreakerTransition(string(from), string(to))

	if b.onTransition != nil {
		b.onTransition(ctx, integrationID, from, to)
	}
}
