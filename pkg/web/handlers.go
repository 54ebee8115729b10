// Package web provides the HTTP handlers of the conduit API.
package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Provider headers carrying the event key of a delivery.
var eventKeyHeaders = []string{
	"X-Shopify-Topic",
	"X-WC-Webhook-Topic",
	"X-Hotmart-Event",
	"X-Event-Type",
}

type APIHandlers struct {
	ingestion    *services.Ingestion
	rules        *services.Rules
	integrations *services.Integrations
	flows        *services.Flows
	instances    *services.Instances
	validator    *validator.Validate
	logger       *slog.Logger
}

func NewAPIHandlers(
	ingestion *services.Ingestion,
	rules *services.Rules,
	integrations *services.Integrations,
	flows *services.Flows,
	instances *services.Instances,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		ingestion:    ingestion,
		rules:        rules,
		integrations: integrations,
		flows:        flows,
		instances:    instances,
		validator:    validator,
		logger:       logger.With("module", "web"),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.integrations.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Conduit API is unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if ok {
		status = "healthy"
		message = "Conduit API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// IngestEvent accepts a provider delivery. Processing failures are embedded
// in a 200 response so providers do not redeliver.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	result, err := h.ingestion.Ingest(c.Context(), services.IngestRequest{
		IntegrationID: c.Params("integrationId"),
		Provider:      models.Provider(strings.ToLower(c.Params("provider"))),
		EventKey:      eventKey(c),
		Payload:       c.Body(),
	})
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(result)
}

func eventKey(c fiber.Ctx) string {
	for _, header := range eventKeyHeaders {
		if value := strings.TrimSpace(c.Get(header)); value != "" {
			return value
		}
	}

	return c.Query("event")
}

func (h *APIHandlers) GetIntegrations(c fiber.Ctx) error {
	integrations, err := h.integrations.List(c.Context(), c.Query("tenant_id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(integrations)
}

func (h *APIHandlers) GetIntegration(c fiber.Ctx) error {
	integration, err := h.integrations.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(integration)
}

func (h *APIHandlers) CreateIntegration(c fiber.Ctx) error {
	var req CreateIntegrationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.integrations.Create(c.Context(), &models.Integration{
		ID:        req.ID,
		TenantID:  req.TenantID,
		Provider:  req.Provider,
		Name:      req.Name,
		MatchMode: req.MatchMode,
		Sandbox:   req.Sandbox,
	})
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateIntegration(c fiber.Ctx) error {
	var req UpdateIntegrationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.integrations.Update(c.Context(), c.Params("id"), &models.Integration{
		TenantID:  req.TenantID,
		Provider:  req.Provider,
		Name:      req.Name,
		MatchMode: req.MatchMode,
		Sandbox:   req.Sandbox,
	})
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteIntegration(c fiber.Ctx) error {
	if err := h.integrations.Delete(c.Context(), c.Params("id")); err != nil {
		return h.handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetBreaker(c fiber.Ctx) error {
	state, err := h.integrations.BreakerState(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) ResetBreaker(c fiber.Ctx) error {
	state, err := h.integrations.ResetBreaker(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) GetMappings(c fiber.Ctx) error {
	mappings, err := h.integrations.Mappings(c.Context(), models.Provider(c.Params("provider")))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"provider": c.Params("provider"), "mappings": mappings})
}

func (h *APIHandlers) SaveMappings(c fiber.Ctx) error {
	var req MappingsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	provider := models.Provider(c.Params("provider"))

	if err := h.integrations.SaveMappings(c.Context(), provider, req.Mappings); err != nil {
		return h.handleServiceError(c, err)
	}

	return h.GetMappings(c)
}

func (h *APIHandlers) GetRules(c fiber.Ctx) error {
	rules, err := h.rules.List(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(rules)
}

func (h *APIHandlers) GetRule(c fiber.Ctx) error {
	rule, err := h.rules.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(rule)
}

func (h *APIHandlers) CreateRule(c fiber.Ctx) error {
	var req RuleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.rules.Create(c.Context(), req.toModel(c.Params("id")))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateRule(c fiber.Ctx) error {
	var req RuleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.rules.Update(c.Context(), c.Params("id"), req.toModel(""))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteRule(c fiber.Ctx) error {
	if err := h.rules.Delete(c.Context(), c.Params("id")); err != nil {
		return h.handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetRuleLogs(c fiber.Ctx) error {
	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		limit = parsed
	}

	logs, err := h.rules.Logs(c.Context(), c.Params("id"), limit)
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(logs)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	instance, err := h.instances.Get(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) UpsertInstance(c fiber.Ctx) error {
	var req services.UpsertInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instances.Upsert(c.Context(), c.Params("id"), req)
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) RecordHeartbeat(c fiber.Ctx) error {
	var req services.HeartbeatRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	applied, err := h.instances.Heartbeat(c.Context(), c.Params("id"), req)
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(HeartbeatResponse{InstanceID: c.Params("id"), Applied: applied})
}

// Sweep runs one liveness sweep. It always answers 200; failures are
// reported per instance.
func (h *APIHandlers) Sweep(c fiber.Ctx) error {
	return c.JSON(h.instances.Sweep(c.Context()))
}

func (h *APIHandlers) ValidateFlow(c fiber.Ctx) error {
	var req ValidateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	return c.JSON(h.flows.Validate(req.Nodes, req.Edges))
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	flows, err := h.flows.List(c.Context(), c.Query("tenant_id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(flows)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	f, err := h.flows.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(f)
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	return h.saveFlow(c, "", fiber.StatusCreated)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	return h.saveFlow(c, c.Params("id"), fiber.StatusOK)
}

func (h *APIHandlers) saveFlow(c fiber.Ctx, id string, status int) error {
	var req SaveFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	saved, err := h.flows.Save(c.Context(), &models.Flow{
		ID:       id,
		TenantID: req.TenantID,
		Name:     req.Name,
		Nodes:    req.Nodes,
		Edges:    req.Edges,
	})
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.Status(status).JSON(saved)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	if err := h.flows.Delete(c.Context(), c.Params("id")); err != nil {
		return h.handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ActivateFlow(c fiber.Ctx) error {
	activated, err := h.flows.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(activated)
}

func (h *APIHandlers) DeactivateFlow(c fiber.Ctx) error {
	deactivated, err := h.flows.Deactivate(c.Context(), c.Params("id"))
	if err != nil {
		return h.handleServiceError(c, err)
	}

	return c.JSON(deactivated)
}
