package models

import "time"

type FlowNode struct {
	ID     string         `json:"id"               validate:"required"`
	Type   string         `json:"type"             validate:"required"`
	Label  string         `json:"label,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

type FlowEdge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"                 validate:"required"`
	Target       string `json:"target"                 validate:"required"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

type FlowFinding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
}

type FlowValidation struct {
	IsValid  bool          `json:"isValid"`
	Errors   []FlowFinding `json:"errors"`
	Warnings []FlowFinding `json:"warnings"`
}

// Flow is a user-authored conversation graph.
type Flow struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	Name       string          `json:"name"`
	Nodes      []FlowNode      `json:"nodes"`
	Edges      []FlowEdge      `json:"edges"`
	Active     bool            `json:"active"`
	Validation *FlowValidation `json:"validation,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
