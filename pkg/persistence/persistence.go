// Package persistence provides the storage abstraction for integrations,
// automation rules, resilience state and messaging instances.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/conduit/pkg/models"
)

type Persistence interface {
	IntegrationRepository() IntegrationRepository
	RuleRepository() RuleRepository
	ExecutionLogRepository() ExecutionLogRepository
	EventMappingRepository() EventMappingRepository
	ConfigStore() ConfigStore
	BreakerRepository() BreakerRepository
	RateLimitRepository() RateLimitRepository
	InstanceRepository() InstanceRepository
	FlowRepository() FlowRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type IntegrationRepository interface {
	GetAll(ctx context.Context) ([]*models.Integration, error)
	GetByID(ctx context.Context, id string) (*models.Integration, error)
	Save(ctx context.Context, integration *models.Integration) error
	Delete(ctx context.Context, id string) error
}

type RuleRepository interface {
	GetByID(ctx context.Context, id string) (*models.AutomationRule, error)
	ListByIntegration(ctx context.Context, integrationID string) ([]*models.AutomationRule, error)
	// ActiveRules returns active rules of an integration for one event type,
	// highest priority first, then oldest first.
	ActiveRules(ctx context.Context, integrationID string, eventType models.NormalizedEventType) ([]*models.AutomationRule, error)
	Save(ctx context.Context, rule *models.AutomationRule) error
	Delete(ctx context.Context, id string) error
	// RecordExecution increments executionCount and sets lastExecutedAt.
	RecordExecution(ctx context.Context, id string, at time.Time) error
}

type ExecutionLogRepository interface {
	Save(ctx context.Context, log *models.ExecutionLog) error
	ListByRule(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionLog, error)
	CountSuccessfulSince(ctx context.Context, ruleID string, since time.Time) (int, error)
}

// EventMappingRepository stores per-provider overrides of the built-in
// provider event key to canonical event type tables.
type EventMappingRepository interface {
	GetMappings(ctx context.Context, provider models.Provider) (map[string]models.NormalizedEventType, error)
	SaveMappings(ctx context.Context, provider models.Provider, mappings map[string]models.NormalizedEventType) error
}

// ConfigStore is a key/value store for backend credentials and settings.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type BreakerRepository interface {
	Get(ctx context.Context, integrationID string) (*models.CircuitBreakerState, error)
	Save(ctx context.Context, state *models.CircuitBreakerState) error
}

type RateLimitRepository interface {
	// CurrentWindow returns the newest record whose window started at or after
	// since, or nil when there is none.
	CurrentWindow(ctx context.Context, identifier, endpoint string, since time.Time) (*models.RateLimitRecord, error)
	CreateWindow(ctx context.Context, record *models.RateLimitRecord) error
	UpdateCount(ctx context.Context, record *models.RateLimitRecord) error
}

type InstanceRepository interface {
	GetByID(ctx context.Context, id string) (*models.InstanceLivenessRecord, error)
	Save(ctx context.Context, instance *models.InstanceLivenessRecord) error
	// RecordHeartbeat moves lastHeartbeat forward only; older or equal
	// heartbeats are ignored and reported as not applied.
	RecordHeartbeat(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateEffectiveStatus(ctx context.Context, id string, status models.InstanceStatus) error
	// MarkStaleDisconnected sets effectiveStatus to disconnected only if the
	// instance still reports connected with a heartbeat older than cutoff.
	MarkStaleDisconnected(ctx context.Context, id string, cutoff time.Time) (bool, error)
	// ListStaleConnected lists instances reporting connected whose heartbeat is
	// older than cutoff and that are not already marked disconnected.
	ListStaleConnected(ctx context.Context, cutoff time.Time) ([]*models.InstanceLivenessRecord, error)
}

type FlowRepository interface {
	GetAll(ctx context.Context, tenantID string) ([]*models.Flow, error)
	GetByID(ctx context.Context, id string) (*models.Flow, error)
	Save(ctx context.Context, flow *models.Flow) error
	Delete(ctx context.Context, id string) error
}
