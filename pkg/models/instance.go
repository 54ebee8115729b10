package models

import "time"

type InstanceStatus string

const (
	InstanceConnected       InstanceStatus = "connected"
	InstanceConnecting      InstanceStatus = "connecting"
	InstanceDisconnected    InstanceStatus = "disconnected"
	InstancePairingRequired InstanceStatus = "pairing_required"
)

func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceConnected, InstanceConnecting, InstanceDisconnected, InstancePairingRequired:
		return true
	default:
		return false
	}
}

// InstanceLivenessRecord tracks a messaging instance. Status is what the
// instance reported; EffectiveStatus is what liveness evaluation concluded.
type InstanceLivenessRecord struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	Name            string         `json:"name,omitempty"`
	Status          InstanceStatus `json:"status"`
	EffectiveStatus InstanceStatus `json:"effectiveStatus"`
	LastHeartbeat   *time.Time     `json:"lastHeartbeat,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}
