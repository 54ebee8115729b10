package file

import (
	"context"
	"errors"
	"io/fs"
	"slices"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// FlowRepository handles flow file operations.
type FlowRepository struct {
	records *collection[models.Flow]
}

func NewFlowRepository(root string) *FlowRepository {
	return &FlowRepository{records: newCollection[models.Flow](root, "flows")}
}

func (r *FlowRepository) GetAll(_ context.Context, tenantID string) ([]*models.Flow, error) {
	all, err := r.records.all()
	if err != nil {
		return nil, err
	}

	flows := make([]*models.Flow, 0, len(all))

	for _, flow := range all {
		if tenantID == "" || flow.TenantID == tenantID {
			flows = append(flows, flow)
		}
	}

	slices.SortFunc(flows, func(a, b *models.Flow) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return flows, nil
}

func (r *FlowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	flow, err := r.records.load(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewRepositoryError("GetByID", "flow", id, persistence.ErrFlowNotFound)
		}

		return nil, err
	}

	return flow, nil
}

func (r *FlowRepository) Save(_ context.Context, flow *models.Flow) error {
	return r.records.store(flow.ID, flow)
}

func (r *FlowRepository) Delete(_ context.Context, id string) error {
	err := r.records.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewRepositoryError("Delete", "flow", id, persistence.ErrFlowNotFound)
	}

	return err
}
