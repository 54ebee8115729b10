package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/conduit/pkg/breaker"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/normalizer"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Integrations struct {
	persistence persistence.Persistence
	breaker     *breaker.Breaker
	mappings    *normalizer.MappingCache
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewIntegrations creates the integration service. mappings may be nil when
// no normalizer runs in the process.
func NewIntegrations(
	persistence persistence.Persistence,
	breaker *breaker.Breaker,
	mappings *normalizer.MappingCache,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Integrations {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Integrations{
		persistence: persistence,
		breaker:     breaker,
		mappings:    mappings,
		clock:       clock,
		logger:      logger.With("module", "integrations"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Integrations) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (s *Integrations) List(ctx context.Context, tenantID string) ([]*models.Integration, error) {
	integrations, err := s.persistence.IntegrationRepository().GetAll(ctx)
	if err != nil {
		return nil, err
	}

	if tenantID == "" {
		return integrations, nil
	}

	filtered := make([]*models.Integration, 0, len(integrations))

	for _, integration := range integrations {
		if integration.TenantID == tenantID {
			filtered = append(filtered, integration)
		}
	}

	return filtered, nil
}

func (s *Integrations) FetchByID(ctx context.Context, id string) (*models.Integration, error) {
	return s.persistence.IntegrationRepository().GetByID(ctx, id)
}

func (s *Integrations) Create(ctx context.Context, integration *models.Integration) (*models.Integration, error) {
	if err := validateIntegration(integration, "CreateIntegration"); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}

	integration.CreatedAt = now
	integration.UpdatedAt = now

	if err := s.persistence.IntegrationRepository().Save(ctx, integration); err != nil {
		return nil, err
	}

	return integration, nil
}

// Update replaces an integration. The provider of an integration is fixed
// because its rules and mappings depend on it.
func (s *Integrations) Update(ctx context.Context, id string, integration *models.Integration) (*models.Integration, error) {
	existing, err := s.persistence.IntegrationRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if integration.Provider != "" && integration.Provider != existing.Provider {
		return nil, NewValidationError("UpdateIntegration", "provider_immutable",
			"the provider of an integration cannot be changed", ErrInvalidRequest)
	}

	integration.ID = existing.ID
	integration.Provider = existing.Provider
	integration.CreatedAt = existing.CreatedAt
	integration.UpdatedAt = s.clock.Now().UTC()

	if err := validateIntegration(integration, "UpdateIntegration"); err != nil {
		return nil, err
	}

	if err := s.persistence.IntegrationRepository().Save(ctx, integration); err != nil {
		return nil, err
	}

	return integration, nil
}

func (s *Integrations) Delete(ctx context.Context, id string) error {
	return s.persistence.IntegrationRepository().Delete(ctx, id)
}

// BreakerState returns the effective circuit state of an integration.
func (s *Integrations) BreakerState(ctx context.Context, id string) (*models.CircuitBreakerState, error) {
	if _, err := s.persistence.IntegrationRepository().GetByID(ctx, id); err != nil {
		return nil, err
	}

	return s.breaker.State(ctx, id)
}

// ResetBreaker force-closes the circuit of an integration.
func (s *Integrations) ResetBreaker(ctx context.Context, id string) (*models.CircuitBreakerState, error) {
	if _, err := s.persistence.IntegrationRepository().GetByID(ctx, id); err != nil {
		return nil, err
	}

	if err := s.breaker.Reset(ctx, id); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "circuit breaker reset", "integration_id", id)

	return s.breaker.State(ctx, id)
}

// Mappings returns the override table of a provider merged over its built-in
// table.
func (s *Integrations) Mappings(ctx context.Context, provider models.Provider) (map[string]models.NormalizedEventType, error) {
	if !provider.IsValid() {
		return nil, NewValidationError("Mappings", "invalid_provider",
			fmt.Sprintf("unknown provider %q", provider), ErrInvalidProvider)
	}

	merged := normalizer.BuiltinMappings(provider)

	overrides, err := s.persistence.EventMappingRepository().GetMappings(ctx, provider)
	if err != nil {
		return nil, err
	}

	for key, eventType := range overrides {
		merged[key] = eventType
	}

	return merged, nil
}

// SaveMappings stores the override table of a provider and drops its cached
// copy so the next delivery sees it.
func (s *Integrations) SaveMappings(ctx context.Context, provider models.Provider, mappings map[string]models.NormalizedEventType) error {
	if !provider.IsValid() {
		return NewValidationError("SaveMappings", "invalid_provider",
			fmt.Sprintf("unknown provider %q", provider), ErrInvalidProvider)
	}

	for key, eventType := range mappings {
		if strings.TrimSpace(key) == "" || !eventType.IsValid() {
			return NewValidationError("SaveMappings", "invalid_mapping",
				fmt.Sprintf("invalid mapping %q -> %q", key, eventType), ErrInvalidRequest)
		}
	}

	if err := s.persistence.EventMappingRepository().SaveMappings(ctx, provider, mappings); err != nil {
		return err
	}

	if s.mappings != nil {
		s.mappings.Invalidate(provider)
	}

	return nil
}

func validateIntegration(integration *models.Integration, op string) error {
	switch {
	case strings.TrimSpace(integration.TenantID) == "":
		return NewValidationError(op, "tenant_required", "tenantId is required", ErrEmptyTenantID)
	case !integration.Provider.IsValid():
		return NewValidationError(op, "invalid_provider",
			fmt.Sprintf("unknown provider %q", integration.Provider), ErrInvalidProvider)
	}

	switch integration.MatchMode {
	case "":
		integration.MatchMode = models.MatchFirst
	case models.MatchFirst, models.MatchAll:
	default:
		return NewValidationError(op, "invalid_match_mode",
			fmt.Sprintf("unknown match mode %q", integration.MatchMode), ErrInvalidRequest)
	}

	return nil
}
