// Package dispatch performs the outbound side effect of an automation rule.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/retry"
)

const defaultTimeout = 30 * time.Second

// ErrConfiguration marks a failure detected before the downstream service was
// contacted. Such failures are permanent and say nothing about its health.
var ErrConfiguration = errors.New("dispatch configuration error")

type configurationError struct {
	err error
}

func (e *configurationError) Error() string {
	return e.err.Error()
}

func (e *configurationError) Unwrap() []error {
	return []error{ErrConfiguration, retry.ErrPermanent, e.err}
}

// Misconfigured tags err as a configuration failure.
func Misconfigured(err error) error {
	return &configurationError{err: err}
}

// IsConfigurationError reports whether err was raised before any downstream call.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// Request carries everything a dispatcher needs for one delivery.
type Request struct {
	Rule   *models.AutomationRule
	Event  *models.NormalizedEvent
	Config models.ActionConfig
}

// Receipt describes an accepted delivery.
type Receipt struct {
	Reference  string `json:"reference,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// Dispatcher performs a single delivery attempt. Retrying is the caller's
// job, so implementations must be safe to call repeatedly.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Receipt, error)
}

type DispatcherFunc func(ctx context.Context, req Request) (Receipt, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req Request) (Receipt, error) {
	return f(ctx, req)
}

// Registry maps action types to dispatchers.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[models.ActionType]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[models.ActionType]Dispatcher)}
}

func (r *Registry) Register(actionType models.ActionType, dispatcher Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dispatchers[actionType] = dispatcher
}

func (r *Registry) Get(actionType models.ActionType) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dispatcher, ok := r.dispatchers[actionType]
	if !ok {
		return nil, fmt.Errorf("action type %q is not configured", actionType)
	}

	return dispatcher, nil
}

// Renderer produces the final text of a message. Template substitution is
// owned by another service; PlainText sends the configured text unchanged.
type Renderer interface {
	Render(ctx context.Context, text string, event *models.NormalizedEvent) (string, error)
}

type PlainText struct{}

func (PlainText) Render(_ context.Context, text string, _ *models.NormalizedEvent) (string, error) {
	return text, nil
}

// StatusError is a non-2xx answer from a downstream HTTP service.
type StatusError struct {
	Service    string
	StatusCode int
}

func (e *StatusError) Error() string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Sprintf("%s rejected credentials: unauthorized", e.Service)
	case http.StatusForbidden:
		return fmt.Sprintf("%s denied access: forbidden", e.Service)
	default:
		return fmt.Sprintf("%s returned status %d", e.Service, e.StatusCode)
	}
}

// Unwrap marks client errors as permanent. Throttling and server errors stay
// retryable.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusRequestTimeout {
		return retry.ErrPermanent
	}

	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}
