// Package retry delivers outbound calls with classified errors and capped
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts = 10
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxJitter   = time.Second
)

// ErrPermanent can be wrapped by callers to mark an error as non-retryable
// regardless of its message.
var ErrPermanent = errors.New("permanent failure")

var nonRetryableMarkers = []string{
	"unauthorized",
	"forbidden",
	"not configured",
	"missing configuration",
	"missing credentials",
}

// Policy configures one delivery. Zero values fall back to the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration

	// OnRetry runs before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error, delay time.Duration)

	Jitter func(max time.Duration) time.Duration
	Sleep  func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxJitter:   DefaultMaxJitter,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}

	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}

	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}

	if p.Jitter == nil {
		p.Jitter = randomJitter
	}

	if p.Sleep == nil {
		p.Sleep = sleep
	}

	return p
}

// Result is returned instead of an error so callers always learn how many
// attempts were spent.
type Result[T any] struct {
	Success  bool
	Data     T
	Err      error
	Attempts int
}

// Do invokes fn until it succeeds, returns a non-retryable error, the context
// ends or MaxAttempts is reached. Attempts are numbered from 0.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (T, error)) Result[T] {
	policy = policy.withDefaults()

	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		data, err := fn(ctx, attempt)
		if err == nil {
			return Result[T]{Success: true, Data: data, Attempts: attempt + 1}
		}

		lastErr = err

		if !IsRetryable(err) || attempt == policy.MaxAttempts-1 {
			return Result[T]{Data: zero, Err: err, Attempts: attempt + 1}
		}

		delay := Backoff(attempt, policy.BaseDelay, policy.MaxDelay, policy.Jitter(policy.MaxJitter))

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}

		if sleepErr := policy.Sleep(ctx, delay); sleepErr != nil {
			return Result[T]{Data: zero, Err: errors.Join(lastErr, sleepErr), Attempts: attempt + 1}
		}
	}

	return Result[T]{Data: zero, Err: lastErr, Attempts: policy.MaxAttempts}
}

// Backoff returns min(base*2^attempt + jitter, max).
func Backoff(attempt int, base, max, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Past 2^62 the multiplication overflows; the cap has long been reached.
	if attempt >= 62 || base > (max>>uint(attempt)) {
		return max
	}

	delay := base<<uint(attempt) + jitter
	if delay > max || delay < 0 {
		return max
	}

	return delay
}

// IsRetryable reports whether err is worth another attempt. Authorization
// failures and missing configuration are terminal, as is an ended context.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}

	message := strings.ToLower(err.Error())
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(message, marker) {
			return false
		}
	}

	return true
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	return rand.N(max)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
