package services

import (
	"context"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 500
)

type Rules struct {
	persistence persistence.Persistence
	clock       clockwork.Clock
}

func NewRules(persistence persistence.Persistence, clock clockwork.Clock) *Rules {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Rules{
		persistence: persistence,
		clock:       clock,
	}
}

func (r *Rules) List(ctx context.Context, integrationID string) ([]*models.AutomationRule, error) {
	if _, err := r.persistence.IntegrationRepository().GetByID(ctx, integrationID); err != nil {
		return nil, err
	}

	return r.persistence.RuleRepository().ListByIntegration(ctx, integrationID)
}

func (r *Rules) FetchByID(ctx context.Context, id string) (*models.AutomationRule, error) {
	return r.persistence.RuleRepository().GetByID(ctx, id)
}

// Create validates and stores a new rule. Counters always start empty.
func (r *Rules) Create(ctx context.Context, rule *models.AutomationRule) (*models.AutomationRule, error) {
	if _, err := r.persistence.IntegrationRepository().GetByID(ctx, rule.IntegrationID); err != nil {
		return nil, err
	}

	if err := validateRule(rule, "CreateRule"); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()

	rule.ID = uuid.NewString()
	rule.ExecutionCount = 0
	rule.LastExecutedAt = nil
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if rule.Filters == nil {
		rule.Filters = []models.AutomationFilter{}
	}

	if err := r.persistence.RuleRepository().Save(ctx, rule); err != nil {
		return nil, err
	}

	return rule, nil
}

// Update replaces the editable fields of a rule. The integration, the
// creation time and the execution counters are kept.
func (r *Rules) Update(ctx context.Context, id string, rule *models.AutomationRule) (*models.AutomationRule, error) {
	existing, err := r.persistence.RuleRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rule.ID = existing.ID
	rule.IntegrationID = existing.IntegrationID
	rule.ExecutionCount = existing.ExecutionCount
	rule.LastExecutedAt = existing.LastExecutedAt
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = r.clock.Now().UTC()

	if rule.Filters == nil {
		rule.Filters = []models.AutomationFilter{}
	}

	if err := validateRule(rule, "UpdateRule"); err != nil {
		return nil, err
	}

	if err := r.persistence.RuleRepository().Save(ctx, rule); err != nil {
		return nil, err
	}

	return rule, nil
}

func (r *Rules) Delete(ctx context.Context, id string) error {
	return r.persistence.RuleRepository().Delete(ctx, id)
}

// Logs returns the newest execution logs of a rule.
func (r *Rules) Logs(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionLog, error) {
	if _, err := r.persistence.RuleRepository().GetByID(ctx, ruleID); err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = DefaultLogLimit
	case limit > MaxLogLimit:
		limit = MaxLogLimit
	}

	return r.persistence.ExecutionLogRepository().ListByRule(ctx, ruleID, limit)
}

func validateRule(rule *models.AutomationRule, op string) error {
	if err := rule.Validate(); err != nil {
		return NewValidationError(op, "invalid_rule", err.Error(), ErrInvalidRule)
	}

	return nil
}
