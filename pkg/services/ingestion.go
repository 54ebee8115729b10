package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/executor"
	"github.com/dukex/conduit/pkg/matcher"
	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/normalizer"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/dukex/conduit/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IngestRequest is one inbound provider delivery. Payload may hold a single
// JSON object or a JSON array of objects.
type IngestRequest struct {
	IntegrationID string
	Provider      models.Provider
	EventKey      string
	Payload       []byte
}

type ExecutionSummary struct {
	RuleID string              `json:"ruleId"`
	LogID  string              `json:"logId,omitempty"`
	Result models.ActionResult `json:"result"`
	Error  string              `json:"error,omitempty"`
}

// EventResult reports what happened to one event of a delivery. Failures are
// embedded here instead of failing the whole request.
type EventResult struct {
	Success       bool                       `json:"success"`
	EventID       string                     `json:"eventId,omitempty"`
	Event         models.NormalizedEventType `json:"event,omitempty"`
	ProviderEvent string                     `json:"providerEvent,omitempty"`
	Matched       int                        `json:"matched"`
	Executions    []ExecutionSummary         `json:"executions"`
	Error         string                     `json:"error,omitempty"`
}

type IngestResult struct {
	Success bool          `json:"success"`
	Count   int           `json:"count"`
	Events  []EventResult `json:"events"`
}

// IngestionDependencies are the collaborators of the ingestion pipeline.
// Publisher, Metrics and Tracer are optional.
type IngestionDependencies struct {
	Integrations persistence.IntegrationRepository
	Normalizer   *normalizer.Normalizer
	Matcher      *matcher.Matcher
	Executor     *executor.Executor
	Publisher    eventbus.EventPublisher
	Metrics      *metrics.Metrics
	Tracer       trace.Tracer
}

// Ingestion runs deliveries through normalize, match and execute.
type Ingestion struct {
	deps   IngestionDependencies
	logger *slog.Logger
}

func NewIngestion(deps IngestionDependencies, logger *slog.Logger) *Ingestion {
	if deps.Tracer == nil {
		deps.Tracer = otelhelper.Noop()
	}

	return &Ingestion{
		deps:   deps,
		logger: logger.With("module", "ingestion"),
	}
}

// Ingest processes a delivery. Only requests that cannot be attributed to an
// integration or are not JSON at all return an error.
func (s *Ingestion) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.deps.Tracer, "ingestion.ingest",
		attribute.String(otelhelper.IntegrationIDKey, req.IntegrationID),
		attribute.String(otelhelper.ProviderKey, string(req.Provider)),
	)
	defer span.End()

	integration, err := s.integration(ctx, req)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	items, err := splitBatch(req.Payload)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, NewValidationError("Ingest", "invalid_payload", err.Error(), ErrInvalidPayload)
	}

	result := &IngestResult{Success: true, Count: len(items), Events: make([]EventResult, 0, len(items))}

	for _, item := range items {
		eventResult := s.ingestOne(ctx, integration, req, item)
		if !eventResult.Success {
			result.Success = false
		}

		result.Events = append(result.Events, eventResult)
	}

	return result, nil
}

func (s *Ingestion) integration(ctx context.Context, req IngestRequest) (*models.Integration, error) {
	if !req.Provider.IsValid() {
		return nil, NewValidationError("Ingest", "invalid_provider",
			fmt.Sprintf("unknown provider %q", req.Provider), ErrInvalidProvider)
	}

	integration, err := s.deps.Integrations.GetByID(ctx, req.IntegrationID)
	if err != nil {
		if persistence.IsIntegrationNotFound(err) {
			return nil, &ServiceError{Op: "Ingest", Code: "integration_not_found", Err: err}
		}

		return nil, fmt.Errorf("failed to load integration %s: %w", req.IntegrationID, err)
	}

	if integration.Provider != req.Provider {
		return nil, NewValidationError("Ingest", "provider_mismatch",
			fmt.Sprintf("integration %s expects %s events, got %s", integration.ID, integration.Provider, req.Provider),
			ErrProviderMismatch)
	}

	return integration, nil
}

func (s *Ingestion) ingestOne(ctx context.Context, integration *models.Integration, req IngestRequest, payload []byte) EventResult {
	logger := s.logger.With("integration_id", integration.ID, "provider", integration.Provider)

	event, err := s.deps.Normalizer.Normalize(ctx, normalizer.Input{
		IntegrationID: integration.ID,
		Provider:      integration.Provider,
		EventKey:      req.EventKey,
		Payload:       payload,
	})
	if err != nil {
		s.deps.Metrics.EventIngested(string(integration.Provider), "rejected")

		return EventResult{Success: false, Executions: []ExecutionSummary{}, Error: err.Error()}
	}

	s.deps.Metrics.EventIngested(string(integration.Provider), "accepted")

	result := EventResult{
		Success:       true,
		EventID:       event.ID,
		Event:         event.Event,
		ProviderEvent: event.ProviderEvent,
		Executions:    []ExecutionSummary{},
	}

	s.publish(ctx, logger, event)

	outcome, err := s.deps.Matcher.Match(ctx, integration.EffectiveMatchMode(), event)
	if err != nil {
		logger.ErrorContext(ctx, "failed to match rules", "event_id", event.ID, "error", err)
		result.Success = false
		result.Error = err.Error()

		return result
	}

	result.Matched = len(outcome.Matched)

	for _, rejection := range outcome.Rejected {
		result.Executions = append(result.Executions, ExecutionSummary{
			RuleID: rejection.Rule.ID,
			Result: rejection.Result,
			Error:  rejection.Reason,
		})
	}

	for _, entry := range s.deps.Executor.ExecuteAll(ctx, integration, outcome.Matched, event) {
		result.Executions = append(result.Executions, ExecutionSummary{
			RuleID: entry.RuleID,
			LogID:  entry.ID,
			Result: entry.ActionResult,
			Error:  entry.ErrorMessage,
		})
	}

	logger.InfoContext(ctx, "event processed",
		"event_id", event.ID,
		"event", event.Event,
		"matched", result.Matched,
	)

	return result
}

func (s *Ingestion) publish(ctx context.Context, logger *slog.Logger, event *models.NormalizedEvent) {
	if s.deps.Publisher == nil {
		return
	}

	ingested := events.EventIngested{
		BaseEvent: events.NewBaseEvent(events.EventIngestedEvent),
		Event:     event,
	}

	if err := s.deps.Publisher.Publish(ctx, event.IntegrationID, ingested); err != nil {
		logger.WarnContext(ctx, "failed to publish event ingested", "event_id", event.ID, "error", err)
	}
}

// splitBatch returns the raw JSON documents of a delivery.
func splitBatch(payload []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	if trimmed[0] != '[' {
		return [][]byte{trimmed}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	batch := make([][]byte, len(items))
	for i, item := range items {
		batch[i] = item
	}

	return batch, nil
}
