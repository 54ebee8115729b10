package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// ActionConfig is the decoded, typed form of AutomationRule.ActionConfig.
type ActionConfig interface {
	ActionType() ActionType
}

type SendMessageConfig struct {
	InstanceID string `mapstructure:"instanceId" json:"instanceId" validate:"required"`
	// To defaults to the event's customer phone.
	To   string `mapstructure:"to"   json:"to,omitempty"`
	Text string `mapstructure:"text" json:"text"         validate:"required"`
}

func (SendMessageConfig) ActionType() ActionType { return ActionSendMessage }

type FireWebhookConfig struct {
	URL     string            `mapstructure:"url"     json:"url"               validate:"required,url"`
	Method  string            `mapstructure:"method"  json:"method,omitempty"  validate:"omitempty,oneof=POST PUT PATCH"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

func (FireWebhookConfig) ActionType() ActionType { return ActionFireWebhook }

type StartCampaignConfig struct {
	CampaignID string `mapstructure:"campaignId" json:"campaignId" validate:"required"`
}

func (StartCampaignConfig) ActionType() ActionType { return ActionStartCampaign }

// DecodeActionConfig turns the untyped config of a rule into the variant that
// belongs to actionType. Every failure is a ConfigurationError.
func DecodeActionConfig(actionType ActionType, raw map[string]any) (ActionConfig, error) {
	var target ActionConfig

	switch actionType {
	case ActionSendMessage:
		target = &SendMessageConfig{}
	case ActionFireWebhook:
		target = &FireWebhookConfig{}
	case ActionStartCampaign:
		target = &StartCampaignConfig{}
	default:
		return nil, NewConfigurationError("action", fmt.Sprintf("unknown action type %q", actionType))
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return nil, NewConfigurationError("action", err.Error())
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, NewConfigurationError("action", err.Error())
	}

	if cfg, ok := target.(*FireWebhookConfig); ok {
		cfg.Method = strings.ToUpper(cfg.Method)
		if cfg.Method == "" {
			cfg.Method = "POST"
		}
	}

	if err := configValidator.Struct(target); err != nil {
		return nil, NewConfigurationError("action", err.Error())
	}

	switch cfg := target.(type) {
	case *SendMessageConfig:
		return *cfg, nil
	case *FireWebhookConfig:
		return *cfg, nil
	case *StartCampaignConfig:
		return *cfg, nil
	}

	return target, nil
}
