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

// InstanceRepository handles messaging instance liveness rows. Heartbeats and
// corrections are conditional updates so concurrent producers and sweeps
// converge on the same row state.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const instanceColumns = `
	id
  , tenant_id
  , name
  , status
  , effective_status
  , last_heartbeat
  , updated_at`

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.InstanceLivenessRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+instanceColumns+` FROM instances WHERE id = $1`, id)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "instance", id, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) Save(ctx context.Context, instance *models.InstanceLivenessRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO instances (id, tenant_id, name, status, effective_status, last_heartbeat, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id
		  , name = EXCLUDED.name
		  , status = EXCLUDED.status
		  , effective_status = EXCLUDED.effective_status
		  , last_heartbeat = EXCLUDED.last_heartbeat
		  , updated_at = EXCLUDED.updated_at
	`,
		instance.ID,
		instance.TenantID,
		instance.Name,
		instance.Status,
		instance.EffectiveStatus,
		nullTime(instance.LastHeartbeat),
		instance.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	return nil
}

func (r *InstanceRepository) RecordHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE instances
		SET last_heartbeat = $2
		  , updated_at = $2
		  , effective_status = CASE WHEN status = $3 THEN $3 ELSE effective_status END
		WHERE id = $1 AND (last_heartbeat IS NULL OR last_heartbeat < $2)
	`, id, at.UTC(), models.InstanceConnected)
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	return r.appliedOrMissing(ctx, "RecordHeartbeat", id, result)
}

func (r *InstanceRepository) UpdateEffectiveStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	result, err := r.db.ExecContext(ctx, `UPDATE instances SET effective_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update effective status: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewRepositoryError("UpdateEffectiveStatus", "instance", id, persistence.ErrInstanceNotFound)
	}

	return nil
}

func (r *InstanceRepository) MarkStaleDisconnected(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE instances
		SET effective_status = $4
		WHERE id = $1
		  AND status = $3
		  AND last_heartbeat IS NOT NULL
		  AND last_heartbeat < $2
		  AND effective_status <> $4
	`, id, cutoff.UTC(), models.InstanceConnected, models.InstanceDisconnected)
	if err != nil {
		return false, fmt.Errorf("failed to mark instance disconnected: %w", err)
	}

	return r.appliedOrMissing(ctx, "MarkStaleDisconnected", id, result)
}

func (r *InstanceRepository) ListStaleConnected(ctx context.Context, cutoff time.Time) ([]*models.InstanceLivenessRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+instanceColumns+`
		FROM instances
		WHERE status = $2
		  AND last_heartbeat IS NOT NULL
		  AND last_heartbeat < $1
		  AND effective_status <> $3
		ORDER BY last_heartbeat ASC
	`, cutoff.UTC(), models.InstanceConnected, models.InstanceDisconnected)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instances := make([]*models.InstanceLivenessRecord, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// appliedOrMissing tells a conditional update that matched nothing apart
// from an unknown instance.
func (r *InstanceRepository) appliedOrMissing(ctx context.Context, op, id string, result sql.Result) (bool, error) {
	ok, err := affected(result)
	if err != nil || ok {
		return ok, err
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM instances WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check instance: %w", err)
	}

	if !exists {
		return false, persistence.NewRepositoryError(op, "instance", id, persistence.ErrInstanceNotFound)
	}

	return false, nil
}

func scanInstance(row scanner) (*models.InstanceLivenessRecord, error) {
	var (
		instance      models.InstanceLivenessRecord
		lastHeartbeat sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.TenantID,
		&instance.Name,
		&instance.Status,
		&instance.EffectiveStatus,
		&lastHeartbeat,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.LastHeartbeat = timePtr(lastHeartbeat)
	instance.UpdatedAt = instance.UpdatedAt.UTC()

	return &instance, nil
}
