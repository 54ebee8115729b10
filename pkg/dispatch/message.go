package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// Config store keys of the messaging gateway.
const (
	GatewayURLKey = "messaging.gateway_url"
	GatewayKeyKey = "messaging.api_key"
)

var (
	ErrGatewayNotConfigured = errors.New("messaging gateway not configured")
	ErrMissingRecipient     = errors.New("message has no recipient")
)

// MessageDispatcher sends a text through the messaging gateway instance named
// by the rule.
type MessageDispatcher struct {
	config   persistence.ConfigStore
	renderer Renderer
	client   *http.Client
	logger   *slog.Logger
}

func NewMessageDispatcher(config persistence.ConfigStore, renderer Renderer, client *http.Client, logger *slog.Logger) *MessageDispatcher {
	if renderer == nil {
		renderer = PlainText{}
	}

	if client == nil {
		client = newHTTPClient()
	}

	return &MessageDispatcher{
		config:   config,
		renderer: renderer,
		client:   client,
		logger:   logger.With("module", "message_dispatcher"),
	}
}

func (d *MessageDispatcher) Dispatch(ctx context.Context, req Request) (Receipt, error) {
	cfg, ok := req.Config.(models.SendMessageConfig)
	if !ok {
		return Receipt{}, Misconfigured(fmt.Errorf("unexpected config %T", req.Config))
	}

	gateway, apiKey, err := d.credentials(ctx)
	if err != nil {
		return Receipt{}, err
	}

	to := cfg.To
	if to == "" && req.Event != nil {
		to = req.Event.Customer.Phone
	}

	if to == "" {
		return Receipt{}, Misconfigured(ErrMissingRecipient)
	}

	text, err := d.renderer.Render(ctx, cfg.Text, req.Event)
	if err != nil {
		return Receipt{}, Misconfigured(fmt.Errorf("failed to render message: %w", err))
	}

	return postJSON(ctx, d.client, d.logger, jsonCall{
		service: "messaging gateway",
		method:  http.MethodPost,
		url:     strings.TrimRight(gateway, "/") + "/instances/" + url.PathEscape(cfg.InstanceID) + "/messages",
		headers: map[string]string{"Authorization": "Bearer " + apiKey},
		body: map[string]string{
			"to":   to,
			"text": text,
		},
	})
}

func (d *MessageDispatcher) credentials(ctx context.Context) (string, string, error) {
	gateway, err := d.config.Get(ctx, GatewayURLKey)
	if err != nil {
		if persistence.IsConfigNotFound(err) {
			return "", "", Misconfigured(ErrGatewayNotConfigured)
		}

		return "", "", err
	}

	apiKey, err := d.config.Get(ctx, GatewayKeyKey)
	if err != nil {
		if persistence.IsConfigNotFound(err) {
			return "", "", Misconfigured(fmt.Errorf("%w: missing credentials", ErrGatewayNotConfigured))
		}

		return "", "", err
	}

	if gateway == "" || apiKey == "" {
		return "", "", Misconfigured(ErrGatewayNotConfigured)
	}

	return gateway, apiKey, nil
}
