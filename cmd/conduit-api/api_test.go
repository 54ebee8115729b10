package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/dispatch"
	"github.com/dukex/conduit/pkg/metrics"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence/file"
	"github.com/dukex/conduit/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paidOrder = `{
	"id": 1001,
	"email": "ana@example.com",
	"total_price": "150.00",
	"currency": "BRL",
	"customer": {"id": 7, "first_name": "Ana", "last_name": "Souza", "phone": "+5511999990000"}
}`

func setupTestApp(t *testing.T) (*fiber.App, *atomic.Int32) {
	t.Helper()

	var sent atomic.Int32

	send := dispatch.DispatcherFunc(func(context.Context, dispatch.Request) (dispatch.Receipt, error) {
		sent.Add(1)

		return dispatch.Receipt{Reference: "wamid.1", StatusCode: http.StatusCreated}, nil
	})

	registry := prometheus.NewRegistry()
	svc := cmd.NewServices(file.NewPersistence(t.TempDir()), nil, cmd.DefaultConfig(), slog.Default(),
		cmd.WithMetrics(metrics.New(registry)),
		cmd.WithDispatcher(models.ActionSendMessage, send),
	)

	t.Cleanup(func() { _ = svc.Close() })

	return NewAPI(slog.Default(), svc, registry).App(), &sent
}

func do(t *testing.T, app *fiber.App, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func createIntegration(t *testing.T, app *fiber.App) models.Integration {
	t.Helper()

	resp, body := do(t, app, http.MethodPost, "/integrations", map[string]any{
		"tenantId": "tenant-1",
		"provider": "shopify",
		"name":     "Main store",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var integration models.Integration
	require.NoError(t, json.Unmarshal(body, &integration))

	return integration
}

func createRule(t *testing.T, app *fiber.App, integrationID string) models.AutomationRule {
	t.Helper()

	resp, body := do(t, app, http.MethodPost, "/integrations/"+integrationID+"/rules", map[string]any{
		"name":         "Thank buyers",
		"eventType":    "order_paid",
		"isActive":     true,
		"actionType":   "send_message",
		"actionConfig": map[string]any{"instanceId": "inst-1", "text": "Obrigado!"},
		"filters": []map[string]any{
			{"field": "order.total", "operator": "greater_than", "value": 100},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var rule models.AutomationRule
	require.NoError(t, json.Unmarshal(body, &rule))

	return rule
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := do(t, app, http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Conduit API", string(body))
}

func TestAPI_HealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := do(t, app, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = do(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestAPI_WebhookRunsMatchingRule(t *testing.T) {
	app, sent := setupTestApp(t)
	integration := createIntegration(t, app)
	rule := createRule(t, app, integration.ID)

	resp, body := do(t, app, http.MethodPost, "/webhooks/shopify/"+integration.ID, paidOrder,
		"X-Shopify-Topic", "orders/paid")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	assert.Equal(t, "300", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "299", resp.Header.Get("X-RateLimit-Remaining"))

	var result services.IngestResult
	require.NoError(t, json.Unmarshal(body, &result))

	assert.True(t, result.Success)
	require.Len(t, result.Events, 1)
	assert.Equal(t, models.EventOrderPaid, result.Events[0].Event)
	require.Len(t, result.Events[0].Executions, 1)
	assert.Equal(t, models.ResultSuccess, result.Events[0].Executions[0].Result)
	assert.Equal(t, int32(1), sent.Load())

	resp, body = do(t, app, http.MethodGet, "/rules/"+rule.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var logs []models.ExecutionLog
	require.NoError(t, json.Unmarshal(body, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].CreditsConsumed)
}

func TestAPI_WebhookEventKeyFromQuery(t *testing.T) {
	app, sent := setupTestApp(t)
	integration := createIntegration(t, app)
	createRule(t, app, integration.ID)

	resp, body := do(t, app, http.MethodPost, "/webhooks/shopify/"+integration.ID+"?event=orders/paid", paidOrder)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, int32(1), sent.Load())
}

func TestAPI_WebhookRejectsUnattributableRequests(t *testing.T) {
	app, _ := setupTestApp(t)
	integration := createIntegration(t, app)

	tests := []struct {
		name        string
		path        string
		body        string
		status      int
		problemType string
	}{
		{"unknown integration", "/webhooks/shopify/missing", paidOrder, http.StatusNotFound, "integration_not_found"},
		{"unknown provider", "/webhooks/magento/" + integration.ID, paidOrder, http.StatusBadRequest, "invalid_provider"},
		{"provider mismatch", "/webhooks/hotmart/" + integration.ID, paidOrder, http.StatusBadRequest, "provider_mismatch"},
		{"not json", "/webhooks/shopify/" + integration.ID, "order=1", http.StatusBadRequest, "invalid_payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, app, http.MethodPost, tt.path, tt.body, "X-Shopify-Topic", "orders/paid")
			require.Equal(t, tt.status, resp.StatusCode, string(body))

			var problem map[string]any
			require.NoError(t, json.Unmarshal(body, &problem))
			assert.Equal(t, tt.problemType, problem["type"])
		})
	}
}

func TestAPI_IntegrationBreakerLifecycle(t *testing.T) {
	app, _ := setupTestApp(t)
	integration := createIntegration(t, app)

	resp, body := do(t, app, http.MethodGet, "/integrations/"+integration.ID+"/breaker", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var state models.CircuitBreakerState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, models.CircuitClosed, state.Status)

	resp, _ = do(t, app, http.MethodPost, "/integrations/"+integration.ID+"/breaker/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, app, http.MethodGet, "/integrations/missing/breaker", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateRuleValidatesBody(t *testing.T) {
	app, _ := setupTestApp(t)
	integration := createIntegration(t, app)

	resp, body := do(t, app, http.MethodPost, "/integrations/"+integration.ID+"/rules", map[string]any{
		"name":         "Broken",
		"eventType":    "order_paid",
		"actionType":   "send_message",
		"actionConfig": map[string]any{"instanceId": "inst-1", "text": "hi"},
		"filters":      []map[string]any{{"field": "order.total", "operator": "matches", "value": 1}},
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, _ = do(t, app, http.MethodPost, "/integrations/"+integration.ID+"/rules", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ProviderMappings(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := do(t, app, http.MethodPut, "/providers/shopify/mappings", map[string]any{
		"mappings": map[string]string{"orders/fulfilled": "order_paid"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var payload struct {
		Mappings map[string]models.NormalizedEventType `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))

	assert.Equal(t, models.EventOrderPaid, payload.Mappings["orders/fulfilled"])
	assert.Equal(t, models.EventOrderPaid, payload.Mappings["orders/paid"])
}

func TestAPI_InstanceLiveness(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := do(t, app, http.MethodPut, "/instances/inst-1", map[string]any{
		"tenantId": "tenant-1",
		"name":     "Support line",
		"status":   "connected",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, app, http.MethodPost, "/instances/inst-1/heartbeat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var heartbeat map[string]any
	require.NoError(t, json.Unmarshal(body, &heartbeat))
	assert.Equal(t, true, heartbeat["applied"])

	resp, body = do(t, app, http.MethodGet, "/instances/inst-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var instance map[string]any
	require.NoError(t, json.Unmarshal(body, &instance))
	assert.Equal(t, "connected", instance["effectiveStatus"])
	assert.Equal(t, false, instance["isStale"])

	resp, _ = do(t, app, http.MethodGet, "/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, app, http.MethodPost, "/liveness/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var report map[string]any
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, true, report["success"])
}

func TestAPI_FlowActivation(t *testing.T) {
	app, _ := setupTestApp(t)

	invalid := map[string]any{
		"tenantId": "tenant-1",
		"name":     "Welcome",
		"nodes":    []map[string]any{{"id": "m1", "type": "message"}},
		"edges":    []map[string]any{},
	}

	resp, body := do(t, app, http.MethodPost, "/flows/validate", invalid)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var validation models.FlowValidation
	require.NoError(t, json.Unmarshal(body, &validation))
	assert.False(t, validation.IsValid)

	resp, body = do(t, app, http.MethodPost, "/flows", invalid)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var flow models.Flow
	require.NoError(t, json.Unmarshal(body, &flow))
	assert.False(t, flow.Active)

	resp, body = do(t, app, http.MethodPost, "/flows/"+flow.ID+"/activate", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	var problem struct {
		Type       string                `json:"type"`
		Validation models.FlowValidation `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "flow_invalid", problem.Type)
	assert.NotEmpty(t, problem.Validation.Errors)

	valid := map[string]any{
		"tenantId": "tenant-1",
		"name":     "Welcome",
		"nodes": []map[string]any{
			{"id": "t1", "type": "trigger", "config": map[string]any{"event": "order_paid"}},
			{"id": "m1", "type": "message", "config": map[string]any{"text": "Oi!"}},
			{"id": "e1", "type": "end"},
		},
		"edges": []map[string]any{
			{"source": "t1", "target": "m1"},
			{"source": "m1", "target": "e1"},
		},
	}

	resp, body = do(t, app, http.MethodPut, "/flows/"+flow.ID, valid)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, app, http.MethodPost, "/flows/"+flow.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &flow))
	assert.True(t, flow.Active)
}

func TestAPI_Metrics(t *testing.T) {
	app, _ := setupTestApp(t)
	integration := createIntegration(t, app)

	resp, _ := do(t, app, http.MethodPost, "/webhooks/shopify/"+integration.ID, paidOrder, "X-Shopify-Topic", "orders/paid")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, app, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `conduit_events_ingested_total{outcome="accepted",provider="shopify"} 1`)
}
