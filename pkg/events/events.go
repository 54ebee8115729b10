// Package events defines the domain events published on the event bus.
package events

import (
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const Topic = "conduit.events"
const HeartbeatTopic = "conduit.instance.heartbeats"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	EventIngestedEvent              EventType = "event.ingested"
	RuleExecutedEvent               EventType = "rule.executed"
	CircuitStateChangedEvent        EventType = "circuit.state_changed"
	CampaignStartRequestedEvent     EventType = "campaign.start_requested"
	InstanceHeartbeatEvent          EventType = "instance.heartbeat"
	InstanceMarkedDisconnectedEvent EventType = "instance.marked_disconnected"
)

// TopicFor returns the topic an event type travels on. Heartbeats are high
// volume and get their own topic.
func TopicFor(eventType EventType) string {
	if eventType == InstanceHeartbeatEvent {
		return HeartbeatTopic
	}

	return Topic
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

type EventIngested struct {
	BaseEvent

	Event *models.NormalizedEvent `json:"event"`
}

func (e EventIngested) GetType() EventType {
	return EventIngestedEvent
}

type RuleExecuted struct {
	BaseEvent

	RuleID        string              `json:"rule_id"`
	IntegrationID string              `json:"integration_id"`
	EventID       string              `json:"event_id"`
	ActionType    models.ActionType   `json:"action_type"`
	Result        models.ActionResult `json:"result"`
	Error         string              `json:"error,omitempty"`
	Attempts      int                 `json:"attempts"`
}

func (e RuleExecuted) GetType() EventType {
	return RuleExecutedEvent
}

type CircuitStateChanged struct {
	BaseEvent

	IntegrationID string               `json:"integration_id"`
	From          models.CircuitStatus `json:"from"`
	To            models.CircuitStatus `json:"to"`
}

func (e CircuitStateChanged) GetType() EventType {
	return CircuitStateChangedEvent
}

// CampaignStartRequested asks the campaign service to start a campaign for
// the customer of an event.
type CampaignStartRequested struct {
	BaseEvent

	CampaignID    string          `json:"campaign_id"`
	RuleID        string          `json:"rule_id"`
	IntegrationID string          `json:"integration_id"`
	EventID       string          `json:"event_id"`
	Customer      models.Customer `json:"customer"`
}

func (e CampaignStartRequested) GetType() EventType {
	return CampaignStartRequestedEvent
}

// InstanceHeartbeat is pushed by messaging gateways.
type InstanceHeartbeat struct {
	BaseEvent

	InstanceID string                `json:"instance_id"`
	ObservedAt time.Time             `json:"observed_at"`
	Status     models.InstanceStatus `json:"status,omitempty"`
}

func (e InstanceHeartbeat) GetType() EventType {
	return InstanceHeartbeatEvent
}

// InstanceMarkedDisconnected audits a liveness correction.
type InstanceMarkedDisconnected struct {
	BaseEvent

	InstanceID          string    `json:"instance_id"`
	TenantID            string    `json:"tenant_id"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	HeartbeatAgeSeconds int64     `json:"heartbeat_age_seconds"`
	Source              string    `json:"source"`
}

func (e InstanceMarkedDisconnected) GetType() EventType {
	return InstanceMarkedDisconnectedEvent
}
