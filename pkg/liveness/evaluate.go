package liveness

import (
	"math"
	"time"

	"github.com/dukex/conduit/pkg/models"
)

// DefaultStaleThreshold is how long a connected instance may stay silent
// before it is considered disconnected.
const DefaultStaleThreshold = 3 * time.Minute

// NeverSeen is the heartbeat age of an instance that never sent a heartbeat.
const NeverSeen = time.Duration(math.MaxInt64)

// HeartbeatAge returns the time elapsed since lastHeartbeat, or NeverSeen.
func HeartbeatAge(lastHeartbeat *time.Time, now time.Time) time.Duration {
	if lastHeartbeat == nil {
		return NeverSeen
	}

	age := now.Sub(*lastHeartbeat)
	if age < 0 {
		return 0
	}

	return age
}

// IsStale is false for instances that never sent a heartbeat: they were never
// proven alive, so there is nothing to downgrade.
func IsStale(lastHeartbeat *time.Time, now time.Time, threshold time.Duration) bool {
	if lastHeartbeat == nil {
		return false
	}

	return HeartbeatAge(lastHeartbeat, now) > threshold
}

// Evaluation is the derived liveness of one record at one instant.
type Evaluation struct {
	HeartbeatAge    time.Duration
	IsStale         bool
	EffectiveStatus models.InstanceStatus
}

// Downgraded reports whether evaluation turned a reported connection into a
// disconnection.
func (e Evaluation) Downgraded(record *models.InstanceLivenessRecord) bool {
	return record.Status == models.InstanceConnected && e.EffectiveStatus == models.InstanceDisconnected
}

// Evaluate derives the effective status. Only a record that reports connected,
// has a heartbeat and is stale is downgraded; every other record keeps its
// reported status.
func Evaluate(record *models.InstanceLivenessRecord, now time.Time, threshold time.Duration) Evaluation {
	stale := IsStale(record.LastHeartbeat, now, threshold)
	effective := record.Status

	if record.Status == models.InstanceConnected && record.LastHeartbeat != nil && stale {
		effective = models.InstanceDisconnected
	}

	return Evaluation{
		HeartbeatAge:    HeartbeatAge(record.LastHeartbeat, now),
		IsStale:         stale,
		EffectiveStatus: effective,
	}
}
