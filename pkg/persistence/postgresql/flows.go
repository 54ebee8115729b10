package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// FlowRepository handles flow database operations. Nodes, edges and the last
// validation result are stored as JSONB.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const flowColumns = `
	id
  , tenant_id
  , name
  , nodes
  , edges
  , active
  , validation
  , created_at
  , updated_at`

func (r *FlowRepository) GetAll(ctx context.Context, tenantID string) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+flowColumns+`
		FROM flows
		WHERE $1 = '' OR tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+flowColumns+` FROM flows WHERE id = $1`, id)

	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "flow", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	return flow, nil
}

func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	nodes, err := marshalJSON(flow.Nodes, "flow nodes")
	if err != nil {
		return err
	}

	edges, err := marshalJSON(flow.Edges, "flow edges")
	if err != nil {
		return err
	}

	var validation []byte
	if flow.Validation != nil {
		validation, err = marshalJSON(flow.Validation, "flow validation")
		if err != nil {
			return err
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flows (id, tenant_id, name, nodes, edges, active, validation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id
		  , name = EXCLUDED.name
		  , nodes = EXCLUDED.nodes
		  , edges = EXCLUDED.edges
		  , active = EXCLUDED.active
		  , validation = EXCLUDED.validation
		  , updated_at = EXCLUDED.updated_at
	`,
		flow.ID,
		flow.TenantID,
		flow.Name,
		nodes,
		edges,
		flow.Active,
		validation,
		flow.CreatedAt.UTC(),
		flow.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}

	if !ok {
		return persistence.NewRepositoryError("Delete", "flow", id, persistence.ErrFlowNotFound)
	}

	return nil
}

func scanFlow(row scanner) (*models.Flow, error) {
	var (
		flow       models.Flow
		nodes      []byte
		edges      []byte
		validation []byte
	)

	err := row.Scan(
		&flow.ID,
		&flow.TenantID,
		&flow.Name,
		&nodes,
		&edges,
		&flow.Active,
		&validation,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(nodes, &flow.Nodes, "flow nodes"); err != nil {
		return nil, err
	}

	if err := unmarshalJSON(edges, &flow.Edges, "flow edges"); err != nil {
		return nil, err
	}

	if len(validation) > 0 {
		flow.Validation = &models.FlowValidation{}
		if err := unmarshalJSON(validation, flow.Validation, "flow validation"); err != nil {
			return nil, err
		}
	}

	flow.CreatedAt = flow.CreatedAt.UTC()
	flow.UpdatedAt = flow.UpdatedAt.UTC()

	return &flow, nil
}
