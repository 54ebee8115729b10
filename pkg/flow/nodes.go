package flow

import (
	"strings"

	"github.com/dukex/conduit/pkg/models"
	"github.com/mitchellh/mapstructure"
)

type NodeKind string

const (
	KindTrigger   NodeKind = "trigger"
	KindMessage   NodeKind = "message"
	KindCondition NodeKind = "condition"
	KindSplit     NodeKind = "split"
	KindWebhook   NodeKind = "webhook"
	KindAI        NodeKind = "ai"
	KindDelay     NodeKind = "delay"
	KindEnd       NodeKind = "end"
)

// Node is one decoded flow step. Each kind carries only its own config.
type Node interface {
	Kind() NodeKind
	Base() NodeBase
}

type NodeBase struct {
	ID    string `mapstructure:"-"`
	Label string `mapstructure:"-"`
}

// Name is how findings refer to the node.
func (b NodeBase) Name() string {
	if b.Label != "" {
		return b.Label
	}

	return b.ID
}

type TriggerNode struct {
	NodeBase

	Event string `mapstructure:"event"`
}

type MessageNode struct {
	NodeBase

	Text string `mapstructure:"text"`
}

type ConditionNode struct {
	NodeBase

	Split    bool   `mapstructure:"-"`
	Field    string `mapstructure:"field"`
	Operator string `mapstructure:"operator"`
	Value    any    `mapstructure:"value"`
}

type WebhookNode struct {
	NodeBase

	URL    string `mapstructure:"url"`
	Method string `mapstructure:"method"`
}

type AINode struct {
	NodeBase

	Prompt string `mapstructure:"prompt"`
}

type DelayNode struct {
	NodeBase

	Seconds int `mapstructure:"seconds"`
}

type EndNode struct {
	NodeBase
}

// UnknownNode keeps nodes of kinds this validator does not know about so
// they still take part in the structural checks.
type UnknownNode struct {
	NodeBase

	Type string
}

func (n NodeBase) Base() NodeBase { return n }

func (TriggerNode) Kind() NodeKind { return KindTrigger }
func (MessageNode) Kind() NodeKind { return KindMessage }
func (WebhookNode) Kind() NodeKind { return KindWebhook }
func (AINode) Kind() NodeKind      { return KindAI }
func (DelayNode) Kind() NodeKind   { return KindDelay }
func (EndNode) Kind() NodeKind     { return KindEnd }
func (UnknownNode) Kind() NodeKind { return NodeKind("") }

func (n ConditionNode) Kind() NodeKind {
	if n.Split {
		return KindSplit
	}

	return KindCondition
}

// DecodeNode turns an editor node into its typed variant. Config values that
// cannot be decoded are left at their zero value, so they surface as findings
// instead of failures.
func DecodeNode(raw models.FlowNode) Node {
	base := NodeBase{ID: raw.ID, Label: raw.Label}

	switch NodeKind(strings.ToLower(raw.Type)) {
	case KindTrigger:
		node := TriggerNode{NodeBase: base}
		decodeConfig(raw.Config, &node)

		return node
	case KindMessage:
		node := MessageNode{NodeBase: base}
		decodeConfig(raw.Config, &node)

		return node
	case KindCondition, KindSplit:
		node := ConditionNode{NodeBase: base, Split: strings.EqualFold(raw.Type, string(KindSplit))}
		decodeConfig(raw.Config, &node)

		return node
	case KindWebhook:
		node := WebhookNode{NodeBase: base}
		decodeConfig(raw.Config, &node)

		return node
	case KindAI:
		node := AINode{NodeBase: base}
		decodeConfig(raw.Config, &node)

		return node
	case KindDelay:
		node := DelayNode{NodeBase: base}
		decodeConfig(raw.Config, &node)

		return node
	case KindEnd:
		return EndNode{NodeBase: base}
	default:
		return UnknownNode{NodeBase: base, Type: raw.Type}
	}
}

func decodeConfig(config map[string]any, target any) {
	if len(config) == 0 {
		return
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return
	}

	_ = decoder.Decode(config)
}
