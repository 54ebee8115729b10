package flow_test

import (
	"testing"

	"github.com/dukex/conduit/pkg/flow"
	"github.com/dukex/conduit/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id, kind string, config map[string]any) models.FlowNode {
	return models.FlowNode{ID: id, Type: kind, Config: config}
}

func edge(source, target string) models.FlowEdge {
	return models.FlowEdge{Source: source, Target: target}
}

func branch(source, target, handle string) models.FlowEdge {
	return models.FlowEdge{Source: source, Target: target, SourceHandle: handle}
}

func text(value string) map[string]any {
	return map[string]any{"text": value}
}

func codes(findings []models.FlowFinding) []string {
	result := make([]string, 0, len(findings))
	for _, finding := range findings {
		result = append(result, finding.Code)
	}

	return result
}

func TestValidate_EmptyFlow(t *testing.T) {
	result := flow.Validate(nil, []models.FlowEdge{edge("a", "b")})

	assert.False(t, result.IsValid)
	assert.Equal(t, []string{flow.CodeEmptyFlow}, codes(result.Errors))
	assert.Empty(t, result.Warnings)
}

func TestValidate_MissingTrigger(t *testing.T) {
	result := flow.Validate([]models.FlowNode{node("m", "message", text("hi"))}, nil)

	assert.False(t, result.IsValid)
	assert.Equal(t, []string{flow.CodeNoTrigger}, codes(result.Errors))
}

func TestValidate_ValidLinearFlow(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{
			node("t", "trigger", map[string]any{"event": "order_paid"}),
			node("m", "message", text("Thanks for your order")),
			node("e", "end", nil),
		},
		[]models.FlowEdge{edge("t", "m"), edge("m", "e")},
	)

	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidate_BlockingNodeErrors(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{
			node("t", "trigger", nil),
			node("m", "message", text("   ")),
			node("w", "webhook", map[string]any{"url": ""}),
			node("e", "end", nil),
		},
		[]models.FlowEdge{edge("t", "m"), edge("m", "w"), edge("w", "e")},
	)

	assert.False(t, result.IsValid)
	assert.Equal(t, []string{flow.CodeEmptyMessage, flow.CodeMissingWebhookURL}, codes(result.Errors))
	assert.Equal(t, "m", result.Errors[0].NodeID)
	assert.Equal(t, "w", result.Errors[1].NodeID)
}

func TestValidate_LoopIsAWarning(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{
			node("t", "trigger", nil),
			node("a", "message", text("ping")),
			node("b", "message", text("pong")),
		},
		[]models.FlowEdge{edge("t", "a"), edge("a", "b"), edge("b", "a")},
	)

	assert.True(t, result.IsValid)
	assert.Equal(t, []string{flow.CodeFlowLoop}, codes(result.Warnings))
	assert.Equal(t, "a", result.Warnings[0].NodeID)
}

func TestValidate_DiamondIsNotALoop(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{
			node("t", "trigger", nil),
			node("c", "condition", map[string]any{"field": "order.total", "operator": "greater_than", "value": 100}),
			node("y", "message", text("big spender")),
			node("n", "message", text("thanks")),
			node("e", "end", nil),
		},
		[]models.FlowEdge{
			edge("t", "c"),
			branch("c", "y", "yes"),
			branch("c", "n", "no"),
			edge("y", "e"),
			edge("n", "e"),
		},
	)

	assert.True(t, result.IsValid)
	assert.Empty(t, result.Warnings)
}

func TestValidate_SelfLoop(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{node("t", "trigger", nil), node("d", "delay", map[string]any{"seconds": "30"})},
		[]models.FlowEdge{edge("t", "d"), edge("d", "d")},
	)

	assert.Equal(t, []string{flow.CodeFlowLoop}, codes(result.Warnings))
	assert.Equal(t, "d", result.Warnings[0].NodeID)
}

func TestValidate_IncompleteCondition(t *testing.T) {
	for _, kind := range []string{"condition", "split"} {
		t.Run(kind, func(t *testing.T) {
			result := flow.Validate(
				[]models.FlowNode{
					node("t", "trigger", nil),
					node("c", kind, nil),
					node("e", "end", nil),
				},
				[]models.FlowEdge{edge("t", "c"), branch("c", "e", "yes")},
			)

			assert.True(t, result.IsValid)
			assert.Equal(t, []string{flow.CodeIncompleteCondition}, codes(result.Warnings))
			assert.Equal(t, "c", result.Warnings[0].NodeID)
		})
	}
}

func TestValidate_OrphanAndDeadEnd(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{
			node("t", "trigger", nil),
			node("m", "message", text("hello")),
			node("lonely", "message", text("nobody calls me")),
		},
		[]models.FlowEdge{edge("t", "m")},
	)

	assert.True(t, result.IsValid)
	require.Len(t, result.Warnings, 2)
	assert.Equal(t, models.FlowFinding{Code: flow.CodeDeadEnd, NodeID: "m", Message: `Node "m" has no next step`}, result.Warnings[0])
	assert.Equal(t, flow.CodeOrphanNode, result.Warnings[1].Code)
	assert.Equal(t, "lonely", result.Warnings[1].NodeID)
}

func TestValidate_SingleNodeIsNotAnOrphan(t *testing.T) {
	result := flow.Validate([]models.FlowNode{node("t", "trigger", nil)}, nil)

	assert.True(t, result.IsValid)
	assert.Equal(t, []string{flow.CodeDeadEnd}, codes(result.Warnings))
}

func TestValidate_EmptyAIPrompt(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{node("t", "trigger", nil), node("ai", "ai", map[string]any{"prompt": ""}), node("e", "end", nil)},
		[]models.FlowEdge{edge("t", "ai"), edge("ai", "e")},
	)

	assert.True(t, result.IsValid)
	assert.Equal(t, []string{flow.CodeEmptyAIPrompt}, codes(result.Warnings))
}

func TestValidate_StructuralFindings(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{
			node("t", "trigger", nil),
			node("x", "teleport", nil),
			node("t", "message", text("shadowed")),
			node("e", "end", nil),
		},
		[]models.FlowEdge{edge("t", "x"), edge("x", "e"), edge("x", "ghost")},
	)

	assert.False(t, result.IsValid)
	assert.Equal(t, []string{flow.CodeDuplicateNodeID}, codes(result.Errors))
	assert.Equal(t, []string{flow.CodeInvalidEdge, flow.CodeUnknownNodeType}, codes(result.Warnings))
}

func TestValidate_FindingsFollowNodeOrder(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{
			node("t", "trigger", nil),
			node("a", "message", text("")),
			node("b", "message", text("pong")),
			node("c", "teleport", nil),
		},
		[]models.FlowEdge{
			edge("t", "a"),
			edge("c", "ghost"),
			edge("a", "b"),
			edge("ghost", "b"),
			edge("b", "a"),
		},
	)

	assert.Equal(t, []string{flow.CodeEmptyMessage}, codes(result.Errors))
	assert.Equal(t, []string{
		flow.CodeFlowLoop,
		flow.CodeInvalidEdge,
		flow.CodeInvalidEdge,
		flow.CodeUnknownNodeType,
		flow.CodeOrphanNode,
	}, codes(result.Warnings))

	nodeIDs := make([]string, 0, len(result.Warnings))
	for _, finding := range result.Warnings {
		nodeIDs = append(nodeIDs, finding.NodeID)
	}

	assert.Equal(t, []string{"a", "b", "c", "c", "c"}, nodeIDs)
}

func TestValidate_NoTriggerComesFirst(t *testing.T) {
	result := flow.Validate(
		[]models.FlowNode{node("m", "message", text("")), node("e", "end", nil)},
		[]models.FlowEdge{edge("m", "e")},
	)

	assert.Equal(t, []string{flow.CodeNoTrigger, flow.CodeEmptyMessage}, codes(result.Errors))
}

func TestValidate_IsDeterministic(t *testing.T) {
	nodes := []models.FlowNode{
		node("t", "trigger", nil),
		node("a", "message", text("")),
		node("b", "condition", nil),
		node("c", "webhook", nil),
		node("d", "ai", nil),
	}
	edges := []models.FlowEdge{edge("t", "a"), edge("a", "b"), branch("b", "a", "yes"), edge("c", "d"), edge("d", "c")}

	first := flow.Validate(nodes, edges)

	for i := 0; i < 20; i++ {
		assert.Equal(t, first, flow.Validate(nodes, edges))
	}
}

func TestDecodeNode(t *testing.T) {
	decoded := flow.DecodeNode(models.FlowNode{ID: "w", Type: "Webhook", Label: "Notify CRM", Config: map[string]any{"url": "https://crm.example.com", "method": "POST"}})

	webhook, ok := decoded.(flow.WebhookNode)
	require.True(t, ok)
	assert.Equal(t, "https://crm.example.com", webhook.URL)
	assert.Equal(t, "Notify CRM", webhook.Base().Name())

	delay, ok := flow.DecodeNode(models.FlowNode{ID: "d", Type: "delay", Config: map[string]any{"seconds": "45"}}).(flow.DelayNode)
	require.True(t, ok)
	assert.Equal(t, 45, delay.Seconds)

	split := flow.DecodeNode(models.FlowNode{ID: "s", Type: "split"})
	assert.Equal(t, flow.KindSplit, split.Kind())
}
