package web

import (
	"time"

	"github.com/dukex/conduit/pkg/models"
)

type CreateIntegrationRequest struct {
	ID        string           `json:"id,omitempty"`
	TenantID  string           `json:"tenantId"            validate:"required"`
	Provider  models.Provider  `json:"provider"            validate:"required"`
	Name      string           `json:"name"                validate:"required,min=1"`
	MatchMode models.MatchMode `json:"matchMode,omitempty" validate:"omitempty,oneof=first all"`
	Sandbox   bool             `json:"sandbox"`
}

// UpdateIntegrationRequest replaces the editable fields of an integration.
type UpdateIntegrationRequest struct {
	TenantID  string           `json:"tenantId"            validate:"required"`
	Name      string           `json:"name"                validate:"required,min=1"`
	Provider  models.Provider  `json:"provider,omitempty"`
	MatchMode models.MatchMode `json:"matchMode,omitempty" validate:"omitempty,oneof=first all"`
	Sandbox   bool             `json:"sandbox"`
}

// RuleRequest is the body of rule creation and replacement.
type RuleRequest struct {
	Name                 string                     `json:"name"                 validate:"required,min=1"`
	EventType            models.NormalizedEventType `json:"eventType"            validate:"required"`
	IsActive             bool                       `json:"isActive"`
	Priority             int                        `json:"priority"`
	Filters              []models.AutomationFilter  `json:"filters"              validate:"dive"`
	ActionType           models.ActionType          `json:"actionType"           validate:"required"`
	ActionConfig         map[string]any             `json:"actionConfig"         validate:"required"`
	CooldownMinutes      int                        `json:"cooldownMinutes"      validate:"min=0"`
	MaxExecutionsPerHour int                        `json:"maxExecutionsPerHour" validate:"min=0"`
}

func (r RuleRequest) toModel(integrationID string) *models.AutomationRule {
	return &models.AutomationRule{
		IntegrationID:        integrationID,
		Name:                 r.Name,
		EventType:            r.EventType,
		IsActive:             r.IsActive,
		Priority:             r.Priority,
		Filters:              r.Filters,
		ActionType:           r.ActionType,
		ActionConfig:         r.ActionConfig,
		CooldownMinutes:      r.CooldownMinutes,
		MaxExecutionsPerHour: r.MaxExecutionsPerHour,
	}
}

type MappingsRequest struct {
	Mappings map[string]models.NormalizedEventType `json:"mappings" validate:"required"`
}

type ValidateFlowRequest struct {
	Nodes []models.FlowNode `json:"nodes" validate:"dive"`
	Edges []models.FlowEdge `json:"edges" validate:"dive"`
}

type SaveFlowRequest struct {
	TenantID string            `json:"tenantId" validate:"required"`
	Name     string            `json:"name"     validate:"required,min=1"`
	Nodes    []models.FlowNode `json:"nodes"    validate:"dive"`
	Edges    []models.FlowEdge `json:"edges"    validate:"dive"`
}

type HeartbeatResponse struct {
	InstanceID string `json:"instanceId"`
	Applied    bool   `json:"applied"`
}

// RateLimitResponse is the body of a 429 response.
type RateLimitResponse struct {
	Error      string    `json:"error"`
	Message    string    `json:"message"`
	Limit      int       `json:"limit"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int       `json:"retryAfter"`
}
