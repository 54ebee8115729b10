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

// InstanceRepository handles messaging instance liveness records.
type InstanceRepository struct {
	records *collection[models.InstanceLivenessRecord]
}

func NewInstanceRepository(root string) *InstanceRepository {
	return &InstanceRepository{records: newCollection[models.InstanceLivenessRecord](root, "instances")}
}

func (r *InstanceRepository) GetByID(_ context.Context, id string) (*models.InstanceLivenessRecord, error) {
	instance, err := r.records.load(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewRepositoryError("GetByID", "instance", id, persistence.ErrInstanceNotFound)
		}

		return nil, err
	}

	return instance, nil
}

func (r *InstanceRepository) Save(_ context.Context, instance *models.InstanceLivenessRecord) error {
	return r.records.store(instance.ID, instance)
}

func (r *InstanceRepository) RecordHeartbeat(_ context.Context, id string, at time.Time) (bool, error) {
	return r.records.update(id, func(instance *models.InstanceLivenessRecord) (*models.InstanceLivenessRecord, bool, error) {
		if instance == nil {
			return nil, false, persistence.NewRepositoryError("RecordHeartbeat", "instance", id, persistence.ErrInstanceNotFound)
		}

		if instance.LastHeartbeat != nil && !at.After(*instance.LastHeartbeat) {
			return nil, false, nil
		}

		instance.LastHeartbeat = &at
		instance.UpdatedAt = at

		if instance.Status == models.InstanceConnected {
			instance.EffectiveStatus = models.InstanceConnected
		}

		return instance, true, nil
	})
}

func (r *InstanceRepository) UpdateEffectiveStatus(_ context.Context, id string, status models.InstanceStatus) error {
	_, err := r.records.update(id, func(instance *models.InstanceLivenessRecord) (*models.InstanceLivenessRecord, bool, error) {
		if instance == nil {
			return nil, false, persistence.NewRepositoryError("UpdateEffectiveStatus", "instance", id, persistence.ErrInstanceNotFound)
		}

		if instance.EffectiveStatus == status {
			return nil, false, nil
		}

		instance.EffectiveStatus = status

		return instance, true, nil
	})

	return err
}

func (r *InstanceRepository) MarkStaleDisconnected(_ context.Context, id string, cutoff time.Time) (bool, error) {
	return r.records.update(id, func(instance *models.InstanceLivenessRecord) (*models.InstanceLivenessRecord, bool, error) {
		if instance == nil {
			return nil, false, persistence.NewRepositoryError("MarkStaleDisconnected", "instance", id, persistence.ErrInstanceNotFound)
		}

		if !isStaleConnected(instance, cutoff) || instance.EffectiveStatus == models.InstanceDisconnected {
			return nil, false, nil
		}

		instance.EffectiveStatus = models.InstanceDisconnected

		return instance, true, nil
	})
}

func (r *InstanceRepository) ListStaleConnected(_ context.Context, cutoff time.Time) ([]*models.InstanceLivenessRecord, error) {
	all, err := r.records.all()
	if err != nil {
		return nil, err
	}

	stale := make([]*models.InstanceLivenessRecord, 0)

	for _, instance := range all {
		if isStaleConnected(instance, cutoff) && instance.EffectiveStatus != models.InstanceDisconnected {
			stale = append(stale, instance)
		}
	}

	slices.SortFunc(stale, func(a, b *models.InstanceLivenessRecord) int {
		return a.LastHeartbeat.Compare(*b.LastHeartbeat)
	})

	return stale, nil
}

func isStaleConnected(instance *models.InstanceLivenessRecord, cutoff time.Time) bool {
	return instance.Status == models.InstanceConnected &&
		instance.LastHeartbeat != nil &&
		instance.LastHeartbeat.Before(cutoff)
}
