package file

import (
	"context"
	"errors"
	"io/fs"
	"slices"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// IntegrationRepository handles integration file operations.
type IntegrationRepository struct {
	records *collection[models.Integration]
}

func NewIntegrationRepository(root string) *IntegrationRepository {
	return &IntegrationRepository{records: newCollection[models.Integration](root, "integrations")}
}

func (r *IntegrationRepository) GetAll(_ context.Context) ([]*models.Integration, error) {
	integrations, err := r.records.all()
	if err != nil {
		return nil, err
	}

	slices.SortFunc(integrations, func(a, b *models.Integration) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return integrations, nil
}

func (r *IntegrationRepository) GetByID(_ context.Context, id string) (*models.Integration, error) {
	integration, err := r.records.load(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewRepositoryError("GetByID", "integration", id, persistence.ErrIntegrationNotFound)
		}

		return nil, err
	}

	return integration, nil
}

func (r *IntegrationRepository) Save(_ context.Context, integration *models.Integration) error {
	return r.records.store(integration.ID, integration)
}

func (r *IntegrationRepository) Delete(_ context.Context, id string) error {
	err := r.records.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewRepositoryError("Delete", "integration", id, persistence.ErrIntegrationNotFound)
	}

	return err
}

// RuleRepository handles automation rule file operations.
type RuleRepository struct {
	records *collection[models.AutomationRule]
}

func NewRuleRepository(root string) *RuleRepository {
	return &RuleRepository{records: newCollection[models.AutomationRule](root, "rules")}
}

func (r *RuleRepository) GetByID(_ context.Context, id string) (*models.AutomationRule, error) {
	rule, err := r.records.load(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewRepositoryError("GetByID", "rule", id, persistence.ErrRuleNotFound)
		}

		return nil, err
	}

	return rule, nil
}

func (r *RuleRepository) ListByIntegration(_ context.Context, integrationID string) ([]*models.AutomationRule, error) {
	all, err := r.records.all()
	if err != nil {
		return nil, err
	}

	rules := make([]*models.AutomationRule, 0, len(all))

	for _, rule := range all {
		if rule.IntegrationID == integrationID {
			rules = append(rules, rule)
		}
	}

	sortRules(rules)

	return rules, nil
}

func (r *RuleRepository) ActiveRules(ctx context.Context, integrationID string, eventType models.NormalizedEventType) ([]*models.AutomationRule, error) {
	all, err := r.ListByIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	rules := make([]*models.AutomationRule, 0, len(all))

	for _, rule := range all {
		if rule.IsActive && rule.EventType == eventType {
			rules = append(rules, rule)
		}
	}

	return rules, nil
}

func (r *RuleRepository) Save(_ context.Context, rule *models.AutomationRule) error {
	return r.records.store(rule.ID, rule)
}

func (r *RuleRepository) Delete(_ context.Context, id string) error {
	err := r.records.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewRepositoryError("Delete", "rule", id, persistence.ErrRuleNotFound)
	}

	return err
}

func (r *RuleRepository) RecordExecution(_ context.Context, id string, at time.Time) error {
	_, err := r.records.update(id, func(rule *models.AutomationRule) (*models.AutomationRule, bool, error) {
		if rule == nil {
			return nil, false, persistence.NewRepositoryError("RecordExecution", "rule", id, persistence.ErrRuleNotFound)
		}

		rule.ExecutionCount++
		rule.LastExecutedAt = &at

		return rule, true, nil
	})

	return err
}

func sortRules(rules []*models.AutomationRule) {
	slices.SortStableFunc(rules, func(a, b *models.AutomationRule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}

		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		if a.ID < b.ID {
			return -1
		}

		if a.ID > b.ID {
			return 1
		}

		return 0
	})
}

// EventMappingRepository keeps provider mapping overrides, one document per provider.
type EventMappingRepository struct {
	records *collection[map[string]models.NormalizedEventType]
}

func NewEventMappingRepository(root string) *EventMappingRepository {
	return &EventMappingRepository{records: newCollection[map[string]models.NormalizedEventType](root, "event_mappings")}
}

func (r *EventMappingRepository) GetMappings(_ context.Context, provider models.Provider) (map[string]models.NormalizedEventType, error) {
	mappings, err := r.records.load(string(provider))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]models.NormalizedEventType{}, nil
		}

		return nil, err
	}

	return *mappings, nil
}

func (r *EventMappingRepository) SaveMappings(_ context.Context, provider models.Provider, mappings map[string]models.NormalizedEventType) error {
	return r.records.store(string(provider), &mappings)
}

type configEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConfigStore is a file-backed key/value store.
type ConfigStore struct {
	records *collection[configEntry]
}

func NewConfigStore(root string) *ConfigStore {
	return &ConfigStore{records: newCollection[configEntry](root, "config")}
}

func (s *ConfigStore) Get(_ context.Context, key string) (string, error) {
	entry, err := s.records.load(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", persistence.NewRepositoryError("Get", "config", key, persistence.ErrConfigNotFound)
		}

		return "", err
	}

	return entry.Value, nil
}

func (s *ConfigStore) Set(_ context.Context, key, value string) error {
	return s.records.store(key, &configEntry{Key: key, Value: value})
}
