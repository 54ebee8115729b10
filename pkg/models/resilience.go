package models

import "time"

type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// CircuitBreakerState is the persisted breaker of one integration.
type CircuitBreakerState struct {
	IntegrationID string        `json:"integrationId"`
	Status        CircuitStatus `json:"status"`
	FailureCount  int           `json:"failureCount"`
	LastFailureAt *time.Time    `json:"lastFailureAt,omitempty"`
	OpenedAt      *time.Time    `json:"openedAt,omitempty"`
	ClosesAt      *time.Time    `json:"closesAt,omitempty"`
	// TripCount is the number of consecutive openings without a recovery and
	// drives exponential cooldowns.
	TripCount      int        `json:"tripCount"`
	TrialStartedAt *time.Time `json:"trialStartedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func NewClosedCircuit(integrationID string) *CircuitBreakerState {
	return &CircuitBreakerState{
		IntegrationID: integrationID,
		Status:        CircuitClosed,
	}
}

// RateLimitRecord counts requests of one identifier against one endpoint
// class inside a fixed window.
type RateLimitRecord struct {
	Identifier   string    `json:"identifier"`
	Endpoint     string    `json:"endpoint"`
	WindowStart  time.Time `json:"windowStart"`
	RequestCount int       `json:"requestCount"`
}
