package mocks

import (
	"context"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockRuleRepository is a mock implementation of persistence.RuleRepository interface.
type MockRuleRepository struct {
	mock.Mock
}

func (m *MockRuleRepository) GetByID(ctx context.Context, id string) (*models.AutomationRule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.AutomationRule), args.Error(1)
}

func (m *MockRuleRepository) ListByIntegration(ctx context.Context, integrationID string) ([]*models.AutomationRule, error) {
	args := m.Called(ctx, integrationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AutomationRule), args.Error(1)
}

func (m *MockRuleRepository) ActiveRules(ctx context.Context, integrationID string, eventType models.NormalizedEventType) ([]*models.AutomationRule, error) {
	args := m.Called(ctx, integrationID, eventType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AutomationRule), args.Error(1)
}

func (m *MockRuleRepository) Save(ctx context.Context, rule *models.AutomationRule) error {
	args := m.Called(ctx, rule)

	return args.Error(0)
}

func (m *MockRuleRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockRuleRepository) RecordExecution(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}

// MockExecutionLogRepository is a mock implementation of persistence.ExecutionLogRepository interface.
type MockExecutionLogRepository struct {
	mock.Mock
}

func (m *MockExecutionLogRepository) Save(ctx context.Context, log *models.ExecutionLog) error {
	args := m.Called(ctx, log)

	return args.Error(0)
}

func (m *MockExecutionLogRepository) ListByRule(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionLog, error) {
	args := m.Called(ctx, ruleID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ExecutionLog), args.Error(1)
}

func (m *MockExecutionLogRepository) CountSuccessfulSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	args := m.Called(ctx, ruleID, since)

	return args.Int(0), args.Error(1)
}

// MockRateLimitRepository is a mock implementation of persistence.RateLimitRepository interface.
type MockRateLimitRepository struct {
	mock.Mock
}

func (m *MockRateLimitRepository) CurrentWindow(ctx context.Context, identifier, endpoint string, since time.Time) (*models.RateLimitRecord, error) {
	args := m.Called(ctx, identifier, endpoint, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.RateLimitRecord), args.Error(1)
}

func (m *MockRateLimitRepository) CreateWindow(ctx context.Context, record *models.RateLimitRecord) error {
	args := m.Called(ctx, record)

	return args.Error(0)
}

func (m *MockRateLimitRepository) UpdateCount(ctx context.Context, record *models.RateLimitRecord) error {
	args := m.Called(ctx, record)

	return args.Error(0)
}

// MockBreakerRepository is a mock implementation of persistence.BreakerRepository interface.
type MockBreakerRepository struct {
	mock.Mock
}

func (m *MockBreakerRepository) Get(ctx context.Context, integrationID string) (*models.CircuitBreakerState, error) {
	args := m.Called(ctx, integrationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.CircuitBreakerState), args.Error(1)
}

func (m *MockBreakerRepository) Save(ctx context.Context, state *models.CircuitBreakerState) error {
	args := m.Called(ctx, state)

	return args.Error(0)
}

// MockInstanceRepository is a mock implementation of persistence.InstanceRepository interface.
type MockInstanceRepository struct {
	mock.Mock
}

func (m *MockInstanceRepository) GetByID(ctx context.Context, id string) (*models.InstanceLivenessRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.InstanceLivenessRecord), args.Error(1)
}

func (m *MockInstanceRepository) Save(ctx context.Context, instance *models.InstanceLivenessRecord) error {
	args := m.Called(ctx, instance)

	return args.Error(0)
}

func (m *MockInstanceRepository) RecordHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)

	return args.Bool(0), args.Error(1)
}

func (m *MockInstanceRepository) UpdateEffectiveStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	args := m.Called(ctx, id, status)

	return args.Error(0)
}

func (m *MockInstanceRepository) MarkStaleDisconnected(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	args := m.Called(ctx, id, cutoff)

	return args.Bool(0), args.Error(1)
}

func (m *MockInstanceRepository) ListStaleConnected(ctx context.Context, cutoff time.Time) ([]*models.InstanceLivenessRecord, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.InstanceLivenessRecord), args.Error(1)
}
