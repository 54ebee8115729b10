// Package flow statically validates user-authored automation flow graphs.
//
// Validation is pure: the same nodes and edges always yield the same
// findings, ordered by the declaration position of the node they concern.
// Flow-wide findings come first; an edge finding belongs to its source node,
// or its target when the source is missing. Errors block saving an active
// flow; warnings are advisory.
package flow

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/conduit/pkg/models"
)

// Error codes.
const (
	CodeEmptyFlow         = "EMPTY_FLOW"
	CodeNoTrigger         = "NO_TRIGGER"
	CodeEmptyMessage      = "EMPTY_MESSAGE"
	CodeMissingWebhookURL = "MISSING_WEBHOOK_URL"
	CodeDuplicateNodeID   = "DUPLICATE_NODE_ID"
)

// Warning codes.
const (
	CodeOrphanNode          = "ORPHAN_NODE"
	CodeDeadEnd             = "DEAD_END"
	CodeIncompleteCondition = "INCOMPLETE_CONDITION"
	CodeEmptyAIPrompt       = "EMPTY_AI_PROMPT"
	CodeFlowLoop            = "FLOW_LOOP"
	CodeInvalidEdge         = "INVALID_EDGE"
	CodeUnknownNodeType     = "UNKNOWN_NODE_TYPE"
)

const (
	HandleYes = "yes"
	HandleNo  = "no"
)

// flowWide positions findings that concern no single node.
const flowWide = -1

type graph struct {
	nodes    []Node
	position []int
	index    map[string]int
	outgoing [][]int
	incoming []int
	handles  []map[string]bool
}

type positioned struct {
	position int
	finding  models.FlowFinding
}

type findings struct {
	errors   []positioned
	warnings []positioned
}

func (f *findings) addError(position int, code, nodeID, format string, args ...any) {
	f.errors = append(f.errors, positioned{position, models.FlowFinding{Code: code, Message: fmt.Sprintf(format, args...), NodeID: nodeID}})
}

func (f *findings) addWarning(position int, code, nodeID, format string, args ...any) {
	f.warnings = append(f.warnings, positioned{position, models.FlowFinding{Code: code, Message: fmt.Sprintf(format, args...), NodeID: nodeID}})
}

// ordered sorts by position, keeping discovery order within one node.
func ordered(list []positioned) []models.FlowFinding {
	slices.SortStableFunc(list, func(a, b positioned) int {
		return cmp.Compare(a.position, b.position)
	})

	result := make([]models.FlowFinding, 0, len(list))
	for _, item := range list {
		result = append(result, item.finding)
	}

	return result
}

// Validate checks the structure of a flow graph.
func Validate(nodes []models.FlowNode, edges []models.FlowEdge) models.FlowValidation {
	if len(nodes) == 0 {
		return models.FlowValidation{
			IsValid:  false,
			Errors:   []models.FlowFinding{{Code: CodeEmptyFlow, Message: "Flow has no nodes"}},
			Warnings: []models.FlowFinding{},
		}
	}

	result := &findings{}
	g := build(nodes, edges, result)

	hasTrigger := false

	for _, node := range g.nodes {
		if node.Kind() == KindTrigger {
			hasTrigger = true

			break
		}
	}

	if !hasTrigger {
		result.addError(flowWide, CodeNoTrigger, "", "Flow needs a trigger node")
	}

	for i, node := range g.nodes {
		checkNode(g, i, node, len(g.nodes), result)
	}

	for _, target := range g.loops() {
		node := g.nodes[target].Base()
		result.addWarning(g.position[target], CodeFlowLoop, node.ID, "Flow loops back to %q", node.Name())
	}

	return models.FlowValidation{
		IsValid:  len(result.errors) == 0,
		Errors:   ordered(result.errors),
		Warnings: ordered(result.warnings),
	}
}

// build decodes nodes and indexes edges. Duplicate ids and edges pointing at
// missing nodes are reported here; only the first node with an id takes part
// in the graph.
func build(nodes []models.FlowNode, edges []models.FlowEdge, result *findings) *graph {
	g := &graph{index: make(map[string]int, len(nodes))}

	for position, raw := range nodes {
		if _, exists := g.index[raw.ID]; exists {
			result.addError(position, CodeDuplicateNodeID, raw.ID, "Node id %q is used more than once", raw.ID)

			continue
		}

		g.index[raw.ID] = len(g.nodes)
		g.nodes = append(g.nodes, DecodeNode(raw))
		g.position = append(g.position, position)
	}

	g.outgoing = make([][]int, len(g.nodes))
	g.incoming = make([]int, len(g.nodes))
	g.handles = make([]map[string]bool, len(g.nodes))

	for i, edge := range edges {
		source, sourceOK := g.index[edge.Source]
		target, targetOK := g.index[edge.Target]

		if !sourceOK || !targetOK {
			position, nodeID := len(nodes), edge.Source

			switch {
			case sourceOK:
				position = g.position[source]
			case targetOK:
				position, nodeID = g.position[target], edge.Target
			}

			result.addWarning(position, CodeInvalidEdge, nodeID, "Edge %s references a node that does not exist", edgeName(i, edge))

			continue
		}

		g.outgoing[source] = append(g.outgoing[source], target)
		g.incoming[target]++

		if g.handles[source] == nil {
			g.handles[source] = make(map[string]bool)
		}

		g.handles[source][strings.ToLower(edge.SourceHandle)] = true
	}

	return g
}

func edgeName(i int, edge models.FlowEdge) string {
	if edge.ID != "" {
		return fmt.Sprintf("%q", edge.ID)
	}

	return fmt.Sprintf("#%d (%s -> %s)", i, edge.Source, edge.Target)
}

func checkNode(g *graph, i int, node Node, total int, result *findings) {
	base := node.Base()
	position := g.position[i]

	switch n := node.(type) {
	case MessageNode:
		if strings.TrimSpace(n.Text) == "" {
			result.addError(position, CodeEmptyMessage, base.ID, "Message node %q has no text", base.Name())
		}
	case WebhookNode:
		if strings.TrimSpace(n.URL) == "" {
			result.addError(position, CodeMissingWebhookURL, base.ID, "Webhook node %q has no URL", base.Name())
		}
	case AINode:
		if strings.TrimSpace(n.Prompt) == "" {
			result.addWarning(position, CodeEmptyAIPrompt, base.ID, "AI node %q has an empty prompt", base.Name())
		}
	case UnknownNode:
		result.addWarning(position, CodeUnknownNodeType, base.ID, "Node %q has unknown type %q", base.Name(), n.Type)
	}

	orphan := total > 1 && len(g.outgoing[i]) == 0 && g.incoming[i] == 0
	if orphan {
		result.addWarning(position, CodeOrphanNode, base.ID, "Node %q is not connected to the flow", base.Name())
	}

	if !orphan && node.Kind() != KindEnd && len(g.outgoing[i]) == 0 {
		result.addWarning(position, CodeDeadEnd, base.ID, "Node %q has no next step", base.Name())
	}

	if condition, ok := node.(ConditionNode); ok {
		if !g.handles[i][HandleYes] || !g.handles[i][HandleNo] {
			result.addWarning(position, CodeIncompleteCondition, base.ID, "%s node %q needs both yes and no branches", kindTitle(condition.Kind()), base.Name())
		}
	}
}

func kindTitle(kind NodeKind) string {
	if kind == KindSplit {
		return "Split"
	}

	return "Condition"
}

const (
	unvisited = iota
	onPath
	done
)

// loops runs a depth-first search from every node in declaration order and
// returns the targets of back edges, each once. Reaching a node that is still
// on the active path is a loop; reaching a fully explored node is not.
func (g *graph) loops() []int {
	state := make([]int, len(g.nodes))
	reported := make(map[int]bool)
	targets := make([]int, 0)

	type frame struct {
		node int
		next int
	}

	for root := range g.nodes {
		if state[root] != unvisited {
			continue
		}

		stack := []frame{{node: root}}
		state[root] = onPath

		for len(stack) > 0 {
			top := &stack[len(stack)-1]

			if top.next == len(g.outgoing[top.node]) {
				state[top.node] = done
				stack = stack[:len(stack)-1]

				continue
			}

			target := g.outgoing[top.node][top.next]
			top.next++

			switch state[target] {
			case unvisited:
				state[target] = onPath
				stack = append(stack, frame{node: target})
			case onPath:
				if !reported[target] {
					reported[target] = true
					targets = append(targets, target)
				}
			}
		}
	}

	return targets
}
