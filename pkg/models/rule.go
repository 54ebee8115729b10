package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type FilterOperator string

const (
	OperatorEquals      FilterOperator = "equals"
	OperatorNotEquals   FilterOperator = "not_equals"
	OperatorContains    FilterOperator = "contains"
	OperatorNotContains FilterOperator = "not_contains"
	OperatorGreaterThan FilterOperator = "greater_than"
	OperatorLessThan    FilterOperator = "less_than"
	OperatorIn          FilterOperator = "in"
	OperatorNotIn       FilterOperator = "not_in"
)

func (o FilterOperator) IsValid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorNotContains,
		OperatorGreaterThan, OperatorLessThan, OperatorIn, OperatorNotIn:
		return true
	default:
		return false
	}
}

func (o FilterOperator) IsNumeric() bool {
	return o == OperatorGreaterThan || o == OperatorLessThan
}

func (o FilterOperator) IsSet() bool {
	return o == OperatorIn || o == OperatorNotIn
}

// AutomationFilter is one predicate against a dotted path of a NormalizedEvent.
type AutomationFilter struct {
	Field    string         `json:"field"    validate:"required"`
	Operator FilterOperator `json:"operator" validate:"required"`
	Value    any            `json:"value"`
}

// Validate reports malformed filters. Numeric operators need a numeric value
// and set operators need a list (or a comma separated string).
func (f AutomationFilter) Validate() error {
	if strings.TrimSpace(f.Field) == "" {
		return NewConfigurationError("filter", "field is required")
	}

	if !f.Operator.IsValid() {
		return NewConfigurationError("filter", fmt.Sprintf("unknown operator %q", f.Operator))
	}

	if f.Operator.IsNumeric() {
		if _, ok := ToNumber(f.Value); !ok {
			return NewConfigurationError("filter", fmt.Sprintf("operator %s requires a numeric value", f.Operator))
		}
	}

	if f.Operator.IsSet() {
		if _, ok := ToList(f.Value); !ok {
			return NewConfigurationError("filter", fmt.Sprintf("operator %s requires a list value", f.Operator))
		}
	}

	return nil
}

type ActionType string

const (
	ActionSendMessage   ActionType = "send_message"
	ActionFireWebhook   ActionType = "fire_webhook"
	ActionStartCampaign ActionType = "start_campaign"
)

func (a ActionType) IsValid() bool {
	return a == ActionSendMessage || a == ActionFireWebhook || a == ActionStartCampaign
}

// AutomationRule binds an event type and a conjunction of filters to an action.
type AutomationRule struct {
	ID                   string              `json:"id"`
	IntegrationID        string              `json:"integrationId"`
	Name                 string              `json:"name"`
	EventType            NormalizedEventType `json:"eventType"`
	IsActive             bool                `json:"isActive"`
	Priority             int                 `json:"priority"`
	Filters              []AutomationFilter  `json:"filters"`
	ActionType           ActionType          `json:"actionType"`
	ActionConfig         map[string]any      `json:"actionConfig"`
	CooldownMinutes      int                 `json:"cooldownMinutes"`
	MaxExecutionsPerHour int                 `json:"maxExecutionsPerHour"`
	ExecutionCount       int64               `json:"executionCount"`
	LastExecutedAt       *time.Time          `json:"lastExecutedAt,omitempty"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

// Validate checks the parts of a rule that can be verified without touching
// any store: event type, action type, action config shape and filters.
func (r *AutomationRule) Validate() error {
	var errs []error

	if r.IntegrationID == "" {
		errs = append(errs, NewConfigurationError("rule", "integrationId is required"))
	}

	if !r.EventType.IsValid() {
		errs = append(errs, NewConfigurationError("rule", fmt.Sprintf("unknown event type %q", r.EventType)))
	}

	if r.CooldownMinutes < 0 || r.MaxExecutionsPerHour < 0 {
		errs = append(errs, NewConfigurationError("rule", "cooldownMinutes and maxExecutionsPerHour must not be negative"))
	}

	if _, err := DecodeActionConfig(r.ActionType, r.ActionConfig); err != nil {
		errs = append(errs, err)
	}

	for i, filter := range r.Filters {
		if err := filter.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("filters[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

type MatchMode string

const (
	MatchFirst MatchMode = "first"
	MatchAll   MatchMode = "all"
)

// Integration is a tenant's connection to one provider.
type Integration struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Provider  Provider  `json:"provider"`
	Name      string    `json:"name"`
	MatchMode MatchMode `json:"matchMode"`
	Sandbox   bool      `json:"sandbox"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (i *Integration) EffectiveMatchMode() MatchMode {
	if i.MatchMode == MatchAll {
		return MatchAll
	}

	return MatchFirst
}

// ToNumber coerces JSON numbers and numeric strings. Anything else fails.
func ToNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}

		return n, true
	default:
		return 0, false
	}
}

// ToList accepts []any, []string or a comma separated string.
func ToList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}

		return out, true
	case string:
		parts := strings.Split(v, ",")
		out := make([]any, 0, len(parts))

		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}

		return out, true
	default:
		return nil, false
	}
}
