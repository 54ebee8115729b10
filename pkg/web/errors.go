package web

import (
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// flowProblem is a conflict problem that also carries the findings that
// blocked a flow.
type flowProblem struct {
	*problems.Problem

	Validation models.FlowValidation `json:"validation"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

// internalError hides the cause from the client.
func internalError(c fiber.Ctx) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithDetail("the request could not be completed")

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func (h *APIHandlers) handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType(services.Code(err, "validation_error")).
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType(services.Code(err, "conflict")).
			WithDetail(err.Error())

		if validationErr, ok := services.AsFlowValidationError(err); ok {
			return c.Status(fiber.StatusConflict).JSON(flowProblem{Problem: problem, Validation: validationErr.Validation})
		}

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsIntegrationNotFound(err):
		return notFound(c, "integration_not_found", "integration not found")

	case persistence.IsRuleNotFound(err):
		return notFound(c, "rule_not_found", "automation rule not found")

	case persistence.IsInstanceNotFound(err):
		return notFound(c, "instance_not_found", "instance not found")

	case persistence.IsFlowNotFound(err):
		return notFound(c, "flow_not_found", "flow not found")

	default:
		h.logger.ErrorContext(c.Context(), "request failed", "path", c.Path(), "method", c.Method(), "error", err)

		return internalError(c)
	}
}
