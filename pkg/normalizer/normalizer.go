// Package normalizer turns provider-specific webhook payloads into canonical
// NormalizedEvents.
package normalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/xeipuuv/gojsonschema"
)

var ErrValidation = errors.New("invalid event payload")

// ValidationError rejects a payload for good. It is never retried.
type ValidationError struct {
	Provider models.Provider
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s payload: %s: %s", e.Provider, e.Field, e.Message)
	}

	return fmt.Sprintf("%s payload: %s", e.Provider, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// Input is one inbound provider delivery.
type Input struct {
	IntegrationID string
	Provider      models.Provider
	// EventKey is the transport hint: a provider header or query parameter.
	EventKey   string
	Payload    []byte
	ReceivedAt time.Time
}

var (
	schemasOnce sync.Once
	schemas     map[models.Provider]*gojsonschema.Schema
	schemasErr  error
)

func compiledSchema(provider models.Provider) (*gojsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = make(map[models.Provider]*gojsonschema.Schema, len(adapters))

		for p, adapter := range adapters {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(adapter.Schema()))
			if err != nil {
				schemasErr = fmt.Errorf("failed to compile %s schema: %w", p, err)

				return
			}

			schemas[p] = schema
		}
	})

	if schemasErr != nil {
		return nil, schemasErr
	}

	return schemas[provider], nil
}

// Normalize maps one payload to a NormalizedEvent. It has no side effects.
// Keys missing from mappings produce a custom event.
func Normalize(in Input, mappings map[string]models.NormalizedEventType) (*models.NormalizedEvent, error) {
	adapter, ok := AdapterFor(in.Provider)
	if !ok {
		return nil, &ValidationError{Provider: in.Provider, Message: "unknown provider"}
	}

	payload, err := decodePayload(in.Payload)
	if err != nil {
		return nil, &ValidationError{Provider: in.Provider, Message: err.Error()}
	}

	if err := validateShape(in.Provider, in.Payload); err != nil {
		return nil, err
	}

	key := adapter.EventKey(in.EventKey, payload)
	if key == "" {
		return nil, &ValidationError{Provider: in.Provider, Field: "event", Message: "event key is missing"}
	}

	extracted := adapter.Extract(payload)
	if extracted.ExternalID == "" {
		return nil, &ValidationError{Provider: in.Provider, Field: "id", Message: "external id is missing"}
	}

	eventType, mapped := mappings[key]
	if !mapped || !eventType.IsValid() {
		eventType = models.EventCustom
	}

	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	return &models.NormalizedEvent{
		ID:            uuid.NewString(),
		IntegrationID: in.IntegrationID,
		Provider:      in.Provider,
		Event:         eventType,
		ProviderEvent: key,
		ExternalID:    extracted.ExternalID,
		Customer:      extracted.Customer,
		Order:         extracted.Order,
		Metadata:      extracted.Metadata,
		ReceivedAt:    receivedAt,
	}, nil
}

func decodePayload(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload map[string]any

	err := decoder.Decode(&payload)
	if err != nil {
		return nil, errors.New("payload is not a JSON object")
	}

	if payload == nil {
		return nil, errors.New("payload is not a JSON object")
	}

	return payload, nil
}

func validateShape(provider models.Provider, raw []byte) error {
	schema, err := compiledSchema(provider)
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Provider: provider, Message: err.Error()}
	}

	if result.Valid() {
		return nil
	}

	descriptions := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descriptions = append(descriptions, desc.String())
	}

	return &ValidationError{Provider: provider, Message: strings.Join(descriptions, "; ")}
}

// Normalizer resolves the mapping table of each delivery through a cache and
// normalizes it.
type Normalizer struct {
	mappings *MappingCache
	clock    clockwork.Clock
	logger   *slog.Logger
}

func New(mappings *MappingCache, logger *slog.Logger, clock clockwork.Clock) *Normalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Normalizer{
		mappings: mappings,
		clock:    clock,
		logger:   logger.With("module", "normalizer"),
	}
}

func (n *Normalizer) Normalize(ctx context.Context, in Input) (*models.NormalizedEvent, error) {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = n.clock.Now().UTC()
	}

	mappings, err := n.mappings.Mappings(ctx, in.Provider)
	if err != nil {
		return nil, err
	}

	event, err := Normalize(in, mappings)
	if err != nil {
		n.logger.InfoContext(ctx, "rejected provider payload",
			"provider", in.Provider,
			"integration_id", in.IntegrationID,
			"error", err,
		)

		return nil, err
	}

	if event.Event == models.EventCustom {
		n.logger.DebugContext(ctx, "unmapped provider event", "provider", in.Provider, "provider_event", event.ProviderEvent)
	}

	return event, nil
}
