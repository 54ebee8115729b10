package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// IntegrationRepository handles integration database operations.
type IntegrationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const integrationColumns = `
	id
  , tenant_id
  , provider
  , name
  , match_mode
  , sandbox
  , created_at
  , updated_at`

func (r *IntegrationRepository) GetAll(ctx context.Context) ([]*models.Integration, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+integrationColumns+` FROM integrations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	integrations := make([]*models.Integration, 0)

	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}

		integrations = append(integrations, integration)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating integrations: %w", err)
	}

	return integrations, nil
}

func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+integrationColumns+` FROM integrations WHERE id = $1`, id)

	integration, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "integration", id, persistence.ErrIntegrationNotFound)
		}

		return nil, fmt.Errorf("failed to scan integration: %w", err)
	}

	return integration, nil
}

func (r *IntegrationRepository) Save(ctx context.Context, integration *models.Integration) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO integrations (id, tenant_id, provider, name, match_mode, sandbox, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id
		  , provider = EXCLUDED.provider
		  , name = EXCLUDED.name
		  , match_mode = EXCLUDED.match_mode
		  , sandbox = EXCLUDED.sandbox
		  , updated_at = EXCLUDED.updated_at
	`,
		integration.ID,
		integration.TenantID,
		integration.Provider,
		integration.Name,
		integration.EffectiveMatchMode(),
		integration.Sandbox,
		integration.CreatedAt.UTC(),
		integration.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save integration: %w", err)
	}

	return nil
}

func (r *IntegrationRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewRepositoryError("Delete", "integration", id, persistence.ErrIntegrationNotFound)
	}

	return nil
}

func scanIntegration(row scanner) (*models.Integration, error) {
	var integration models.Integration

	err := row.Scan(
		&integration.ID,
		&integration.TenantID,
		&integration.Provider,
		&integration.Name,
		&integration.MatchMode,
		&integration.Sandbox,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	integration.CreatedAt = integration.CreatedAt.UTC()
	integration.UpdatedAt = integration.UpdatedAt.UTC()

	return &integration, nil
}

// RuleRepository handles automation rule database operations.
type RuleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const ruleColumns = `
	id
  , integration_id
  , name
  , event_type
  , is_active
  , priority
  , filters
  , action_type
  , action_config
  , cooldown_minutes
  , max_executions_per_hour
  , execution_count
  , last_executed_at
  , created_at
  , updated_at`

const ruleOrder = ` ORDER BY priority DESC, created_at ASC, id ASC`

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*models.AutomationRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+ruleColumns+` FROM automation_rules WHERE id = $1`, id)

	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "rule", id, persistence.ErrRuleNotFound)
		}

		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	return rule, nil
}

func (r *RuleRepository) ListByIntegration(ctx context.Context, integrationID string) ([]*models.AutomationRule, error) {
	return r.query(ctx, `SELECT`+ruleColumns+` FROM automation_rules WHERE integration_id = $1`+ruleOrder, integrationID)
}

func (r *RuleRepository) ActiveRules(ctx context.Context, integrationID string, eventType models.NormalizedEventType) ([]*models.AutomationRule, error) {
	return r.query(ctx, `SELECT`+ruleColumns+`
		FROM automation_rules
		WHERE integration_id = $1 AND event_type = $2 AND is_active`+ruleOrder, integrationID, eventType)
}

func (r *RuleRepository) query(ctx context.Context, query string, args ...any) ([]*models.AutomationRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	rules := make([]*models.AutomationRule, 0)

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		rules = append(rules, rule)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

func (r *RuleRepository) Save(ctx context.Context, rule *models.AutomationRule) error {
	filters, err := marshalJSON(rule.Filters, "rule filters")
	if err != nil {
		return err
	}

	actionConfig, err := marshalJSON(rule.ActionConfig, "rule action config")
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_rules (
			id, integration_id, name, event_type, is_active, priority, filters, action_type, action_config,
			cooldown_minutes, max_executions_per_hour, execution_count, last_executed_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			integration_id = EXCLUDED.integration_id
		  , name = EXCLUDED.name
		  , event_type = EXCLUDED.event_type
		  , is_active = EXCLUDED.is_active
		  , priority = EXCLUDED.priority
		  , filters = EXCLUDED.filters
		  , action_type = EXCLUDED.action_type
		  , action_config = EXCLUDED.action_config
		  , cooldown_minutes = EXCLUDED.cooldown_minutes
		  , max_executions_per_hour = EXCLUDED.max_executions_per_hour
		  , updated_at = EXCLUDED.updated_at
	`,
		rule.ID,
		rule.IntegrationID,
		rule.Name,
		rule.EventType,
		rule.IsActive,
		rule.Priority,
		filters,
		rule.ActionType,
		actionConfig,
		rule.CooldownMinutes,
		rule.MaxExecutionsPerHour,
		rule.ExecutionCount,
		nullTime(rule.LastExecutedAt),
		rule.CreatedAt.UTC(),
		rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	return nil
}

func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewRepositoryError("Delete", "rule", id, persistence.ErrRuleNotFound)
	}

	return nil
}

// RecordExecution increments the counter in place so concurrent executors
// never lose an increment.
func (r *RuleRepository) RecordExecution(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET execution_count = execution_count + 1
		  , last_executed_at = $2
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record rule execution: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewRepositoryError("RecordExecution", "rule", id, persistence.ErrRuleNotFound)
	}

	return nil
}

func scanRule(row scanner) (*models.AutomationRule, error) {
	var (
		rule         models.AutomationRule
		filters      []byte
		actionConfig []byte
		lastExecuted sql.NullTime
	)

	err := row.Scan(
		&rule.ID,
		&rule.IntegrationID,
		&rule.Name,
		&rule.EventType,
		&rule.IsActive,
		&rule.Priority,
		&filters,
		&rule.ActionType,
		&actionConfig,
		&rule.CooldownMinutes,
		&rule.MaxExecutionsPerHour,
		&rule.ExecutionCount,
		&lastExecuted,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(filters, &rule.Filters, "rule filters"); err != nil {
		return nil, err
	}

	if err := unmarshalJSON(actionConfig, &rule.ActionConfig, "rule action config"); err != nil {
		return nil, err
	}

	rule.LastExecutedAt = timePtr(lastExecuted)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()

	return &rule, nil
}

// ExecutionLogRepository stores the write-once execution audit trail.
type ExecutionLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ExecutionLogRepository) Save(ctx context.Context, log *models.ExecutionLog) error {
	payload, err := marshalJSON(log.Payload, "execution log payload")
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO execution_logs (
			id, rule_id, integration_id, event_id, event_type, action_type, action_result,
			error_message, attempts, duration_ms, credits_consumed, payload, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		log.ID,
		log.RuleID,
		log.IntegrationID,
		log.EventID,
		log.EventType,
		log.ActionType,
		log.ActionResult,
		nullString(log.ErrorMessage),
		log.Attempts,
		log.DurationMs,
		log.CreditsConsumed,
		payload,
		log.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution log: %w", err)
	}

	return nil
}

func (r *ExecutionLogRepository) ListByRule(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionLog, error) {
	var rowLimit sql.NullInt64
	if limit > 0 {
		rowLimit = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id
		  , rule_id
		  , integration_id
		  , event_id
		  , event_type
		  , action_type
		  , action_result
		  , error_message
		  , attempts
		  , duration_ms
		  , credits_consumed
		  , payload
		  , created_at
		FROM execution_logs
		WHERE rule_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, ruleID, rowLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	logs := make([]*models.ExecutionLog, 0)

	for rows.Next() {
		var (
			log          models.ExecutionLog
			errorMessage sql.NullString
			payload      []byte
		)

		err := rows.Scan(
			&log.ID,
			&log.RuleID,
			&log.IntegrationID,
			&log.EventID,
			&log.EventType,
			&log.ActionType,
			&log.ActionResult,
			&errorMessage,
			&log.Attempts,
			&log.DurationMs,
			&log.CreditsConsumed,
			&payload,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}

		if err := unmarshalJSON(payload, &log.Payload, "execution log payload"); err != nil {
			return nil, err
		}

		log.ErrorMessage = errorMessage.String
		log.CreatedAt = log.CreatedAt.UTC()
		logs = append(logs, &log)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating execution logs: %w", err)
	}

	return logs, nil
}

func (r *ExecutionLogRepository) CountSuccessfulSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM execution_logs
		WHERE rule_id = $1 AND action_result = $2 AND created_at >= $3
	`, ruleID, models.ResultSuccess, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}

	return count, nil
}

// EventMappingRepository keeps provider mapping overrides as one JSONB
// document per provider.
type EventMappingRepository struct {
	db *sql.DB
}

func (r *EventMappingRepository) GetMappings(ctx context.Context, provider models.Provider) (map[string]models.NormalizedEventType, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT mappings FROM event_mappings WHERE provider = $1`, provider).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]models.NormalizedEventType{}, nil
		}

		return nil, fmt.Errorf("failed to query event mappings: %w", err)
	}

	mappings := map[string]models.NormalizedEventType{}
	if err := unmarshalJSON(data, &mappings, "event mappings"); err != nil {
		return nil, err
	}

	return mappings, nil
}

func (r *EventMappingRepository) SaveMappings(ctx context.Context, provider models.Provider, mappings map[string]models.NormalizedEventType) error {
	data, err := marshalJSON(mappings, "event mappings")
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO event_mappings (provider, mappings) VALUES ($1, $2)
		ON CONFLICT (provider) DO UPDATE SET mappings = EXCLUDED.mappings
	`, provider, data)
	if err != nil {
		return fmt.Errorf("failed to save event mappings: %w", err)
	}

	return nil
}

// ConfigStore is a key/value table.
type ConfigStore struct {
	db *sql.DB
}

func (s *ConfigStore) Get(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_entries WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.NewRepositoryError("Get", "config", key, persistence.ErrConfigNotFound)
		}

		return "", fmt.Errorf("failed to query config entry: %w", err)
	}

	return value, nil
}

func (s *ConfigStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_entries (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save config entry: %w", err)
	}

	return nil
}
