package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/conduit/pkg/liveness"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

// UpsertInstanceRequest carries what a gateway or operator reports about an
// instance. Empty fields keep their stored values.
type UpsertInstanceRequest struct {
	TenantID string                `json:"tenantId"`
	Name     string                `json:"name"`
	Status   models.InstanceStatus `json:"status"   validate:"required"`
}

type HeartbeatRequest struct {
	ObservedAt time.Time             `json:"observedAt"`
	Status     models.InstanceStatus `json:"status,omitempty"`
}

// Instances exposes messaging instances. Their effective status is only ever
// changed through the liveness tracker.
type Instances struct {
	repository persistence.InstanceRepository
	tracker    *liveness.Tracker
	clock      clockwork.Clock
}

func NewInstances(repository persistence.InstanceRepository, tracker *liveness.Tracker, clock clockwork.Clock) *Instances {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Instances{
		repository: repository,
		tracker:    tracker,
		clock:      clock,
	}
}

// Get returns an instance evaluated against the stale threshold.
func (s *Instances) Get(ctx context.Context, id string) (*liveness.Instance, error) {
	return s.tracker.Get(ctx, id)
}

// Upsert registers an instance or updates its reported status.
func (s *Instances) Upsert(ctx context.Context, id string, req UpsertInstanceRequest) (*liveness.Instance, error) {
	if !req.Status.IsValid() {
		return nil, NewValidationError("UpsertInstance", "invalid_status",
			fmt.Sprintf("unknown instance status %q", req.Status), ErrInvalidStatus)
	}

	existing, err := s.repository.GetByID(ctx, id)

	switch {
	case persistence.IsInstanceNotFound(err):
		if strings.TrimSpace(req.TenantID) == "" {
			return nil, NewValidationError("UpsertInstance", "tenant_required", "tenantId is required", ErrEmptyTenantID)
		}

		record := &models.InstanceLivenessRecord{
			ID:              id,
			TenantID:        req.TenantID,
			Name:            req.Name,
			Status:          req.Status,
			EffectiveStatus: req.Status,
			UpdatedAt:       s.clock.Now().UTC(),
		}

		if err := s.repository.Save(ctx, record); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := s.updateDetails(ctx, existing, req); err != nil {
			return nil, err
		}

		if err := s.tracker.ReportStatus(ctx, id, req.Status); err != nil {
			return nil, err
		}
	}

	return s.tracker.Get(ctx, id)
}

func (s *Instances) updateDetails(ctx context.Context, existing *models.InstanceLivenessRecord, req UpsertInstanceRequest) error {
	changed := false

	if req.TenantID != "" && req.TenantID != existing.TenantID {
		existing.TenantID = req.TenantID
		changed = true
	}

	if req.Name != "" && req.Name != existing.Name {
		existing.Name = req.Name
		changed = true
	}

	if !changed {
		return nil
	}

	existing.UpdatedAt = s.clock.Now().UTC()

	return s.repository.Save(ctx, existing)
}

// Heartbeat records a heartbeat pushed over HTTP. It reports whether the
// heartbeat moved the instance forward.
func (s *Instances) Heartbeat(ctx context.Context, id string, req HeartbeatRequest) (bool, error) {
	if req.Status != "" && !req.Status.IsValid() {
		return false, NewValidationError("Heartbeat", "invalid_status",
			fmt.Sprintf("unknown instance status %q", req.Status), ErrInvalidStatus)
	}

	return s.tracker.ApplyHeartbeat(ctx, liveness.Heartbeat{
		InstanceID: id,
		ObservedAt: req.ObservedAt,
		Status:     req.Status,
	})
}

// Sweep marks every stale connected instance disconnected.
func (s *Instances) Sweep(ctx context.Context) liveness.SweepReport {
	return s.tracker.Sweep(ctx)
}
