package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukex/conduit/pkg/models"
)

// WebhookDispatcher delivers the normalized event to a tenant URL.
type WebhookDispatcher struct {
	client *http.Client
	logger *slog.Logger
}

func NewWebhookDispatcher(client *http.Client, logger *slog.Logger) *WebhookDispatcher {
	if client == nil {
		client = newHTTPClient()
	}

	return &WebhookDispatcher{client: client, logger: logger.With("module", "webhook_dispatcher")}
}

type webhookBody struct {
	RuleID   string                  `json:"ruleId"`
	RuleName string                  `json:"ruleName,omitempty"`
	Event    *models.NormalizedEvent `json:"event"`
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, req Request) (Receipt, error) {
	cfg, ok := req.Config.(models.FireWebhookConfig)
	if !ok {
		return Receipt{}, Misconfigured(fmt.Errorf("unexpected config %T", req.Config))
	}

	body := webhookBody{Event: req.Event}
	if req.Rule != nil {
		body.RuleID = req.Rule.ID
		body.RuleName = req.Rule.Name
	}

	return postJSON(ctx, d.client, d.logger, jsonCall{
		service: "webhook",
		method:  cfg.Method,
		url:     cfg.URL,
		headers: cfg.Headers,
		body:    body,
	})
}
