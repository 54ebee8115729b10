package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/dukex/conduit/pkg/flow"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// FlowValidationError carries the findings that blocked an activation.
type FlowValidationError struct {
	*ServiceError

	Validation models.FlowValidation
}

func (e *FlowValidationError) Unwrap() error {
	return e.ServiceError
}

// AsFlowValidationError extracts the findings of a blocked activation.
func AsFlowValidationError(err error) (*FlowValidationError, bool) {
	var validationErr *FlowValidationError

	ok := errors.As(err, &validationErr)

	return validationErr, ok
}

type Flows struct {
	repository persistence.FlowRepository
	clock      clockwork.Clock
	logger     *slog.Logger
}

func NewFlows(repository persistence.FlowRepository, clock clockwork.Clock, logger *slog.Logger) *Flows {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Flows{
		repository: repository,
		clock:      clock,
		logger:     logger.With("module", "flows"),
	}
}

// Validate checks a graph without storing anything.
func (s *Flows) Validate(nodes []models.FlowNode, edges []models.FlowEdge) models.FlowValidation {
	return flow.Validate(nodes, edges)
}

func (s *Flows) List(ctx context.Context, tenantID string) ([]*models.Flow, error) {
	return s.repository.GetAll(ctx, tenantID)
}

func (s *Flows) FetchByID(ctx context.Context, id string) (*models.Flow, error) {
	return s.repository.GetByID(ctx, id)
}

// Save stores a flow together with its validation. Saving never activates a
// flow; an active flow that no longer validates is rejected.
func (s *Flows) Save(ctx context.Context, f *models.Flow) (*models.Flow, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, NewValidationError("SaveFlow", "tenant_required", "tenantId is required", ErrEmptyTenantID)
	}

	now := s.clock.Now().UTC()

	if f.ID == "" {
		f.ID = uuid.NewString()
		f.Active = false
		f.CreatedAt = now
	} else {
		existing, err := s.repository.GetByID(ctx, f.ID)

		switch {
		case err == nil:
			f.Active = existing.Active
			f.CreatedAt = existing.CreatedAt
		case persistence.IsFlowNotFound(err):
			f.Active = false
			f.CreatedAt = now
		default:
			return nil, err
		}
	}

	if f.Nodes == nil {
		f.Nodes = []models.FlowNode{}
	}

	if f.Edges == nil {
		f.Edges = []models.FlowEdge{}
	}

	validation := flow.Validate(f.Nodes, f.Edges)
	f.Validation = &validation
	f.UpdatedAt = now

	if f.Active && !validation.IsValid {
		return nil, blocked("SaveFlow", validation)
	}

	if err := s.repository.Save(ctx, f); err != nil {
		return nil, err
	}

	return f, nil
}

// Activate re-validates a stored flow and activates it when it has no
// blocking errors. The fresh validation is stored either way.
func (s *Flows) Activate(ctx context.Context, id string) (*models.Flow, error) {
	f, err := s.repository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	validation := flow.Validate(f.Nodes, f.Edges)
	f.Validation = &validation
	f.UpdatedAt = s.clock.Now().UTC()

	if !validation.IsValid {
		f.Active = false

		if err := s.repository.Save(ctx, f); err != nil {
			s.logger.ErrorContext(ctx, "failed to store flow validation", "flow_id", id, "error", err)
		}

		return nil, blocked("ActivateFlow", validation)
	}

	f.Active = true

	if err := s.repository.Save(ctx, f); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "flow activated", "flow_id", id, "warnings", len(validation.Warnings))

	return f, nil
}

func (s *Flows) Deactivate(ctx context.Context, id string) (*models.Flow, error) {
	f, err := s.repository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	f.Active = false
	f.UpdatedAt = s.clock.Now().UTC()

	if err := s.repository.Save(ctx, f); err != nil {
		return nil, err
	}

	return f, nil
}

func (s *Flows) Delete(ctx context.Context, id string) error {
	return s.repository.Delete(ctx, id)
}

func blocked(op string, validation models.FlowValidation) *FlowValidationError {
	message := "flow has blocking validation errors"
	if len(validation.Errors) > 0 {
		message = validation.Errors[0].Message
	}

	return &FlowValidationError{
		ServiceError: NewConflictError(op, "flow_invalid", message, ErrFlowHasErrors),
		Validation:   validation,
	}
}
