package models

import "time"

type ActionResult string

const (
	ResultSuccess     ActionResult = "success"
	ResultFailed      ActionResult = "failed"
	ResultFiltered    ActionResult = "filtered"
	ResultRateLimited ActionResult = "rate_limited"
	ResultSimulated   ActionResult = "simulated"
)

// ExecutionLog is the single audit row written for every rule match attempt.
type ExecutionLog struct {
	ID              string              `json:"id"`
	RuleID          string              `json:"ruleId"`
	IntegrationID   string              `json:"integrationId"`
	EventID         string              `json:"eventId"`
	EventType       NormalizedEventType `json:"eventType"`
	ActionType      ActionType          `json:"actionType"`
	ActionResult    ActionResult        `json:"actionResult"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	Attempts        int                 `json:"attempts"`
	DurationMs      int64               `json:"durationMs"`
	CreditsConsumed int                 `json:"creditsConsumed"`
	Payload         map[string]any      `json:"payload,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
}
