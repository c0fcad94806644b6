package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type DefinitionStatus string

const (
	DraftDefinitionStatus     DefinitionStatus = "draft"
	PublishedDefinitionStatus DefinitionStatus = "published"
)

// NodeType enumerates every node kind the execution engine can step.
// The engine dispatches on this with an exhaustive switch; adding a type
// here requires a matching case there.
type NodeType string

const (
	TriggerNode      NodeType = "trigger"
	PolicyCheckNode  NodeType = "policy_check"
	ApprovalNode     NodeType = "approval"
	NotifyNode       NodeType = "notify"
	AssignTaskNode   NodeType = "assign_task"
	AuditLogNode     NodeType = "audit_log"
	GenerateDocNode  NodeType = "generate_doc"
	UpdateStatusNode NodeType = "update_status"
	EscalateNode     NodeType = "escalate"
	ConditionNode    NodeType = "condition"
	ParallelNode     NodeType = "parallel"
	CompleteNode     NodeType = "complete"
)

// Edge labels recognized by the engine when picking a successor.
const (
	TrueEdgeLabel  = "true"
	FalseEdgeLabel = "false"
	PassEdgeLabel  = "pass"
	FailEdgeLabel  = "fail"
)

// NodeConfig carries the per-type configuration payload. Which fields are
// meaningful depends on the node type: Rule for policy_check/condition,
// ApproverRole for approval, AutoApproveDays/DefaultDecision for escalate,
// Template/Recipient for notify and generate_doc, TaskRole for assign_task,
// Status for update_status, Message for audit_log.
type NodeConfig struct {
	Rule            string       `json:"rule,omitempty"`
	ApproverRole    string       `json:"approverRole,omitempty"`
	AutoApproveDays int          `json:"autoApproveDays,omitempty"`
	DefaultDecision ActionStatus `json:"defaultDecision,omitempty"`
	Template        string       `json:"template,omitempty"`
	Recipient       string       `json:"recipient,omitempty"`
	TaskRole        string       `json:"taskRole,omitempty"`
	Status          string       `json:"status,omitempty"`
	Message         string       `json:"message,omitempty"`
}

// Node is one vertex of a workflow graph.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Label  string     `json:"label,omitempty"`
	Config NodeConfig `json:"config"`
}

// Edge connects two nodes. Label disambiguates branches out of condition
// ("true"/"false") and policy_check ("pass"/"fail") nodes; it is empty for
// plain sequential edges.
type Edge struct {
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
	Label      string `json:"label,omitempty"`
}

// Definition is an immutable, versioned workflow graph template scoped to a
// tenant. Published definitions are never edited; a republish inserts a new
// row with version+1.
type Definition struct {
	ID        int64            `json:"id" db:"id"`
	TenantID  string           `json:"tenant_id" db:"tenant_id"`
	Name      string           `json:"name" db:"name"`
	Status    DefinitionStatus `json:"status" db:"status"`
	Nodes     NodeList         `json:"nodes" db:"nodes"`
	Edges     EdgeList         `json:"edges" db:"edges"`
	CreatedBy string           `json:"created_by" db:"created_by"`
	Version   int              `json:"version" db:"version"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// FindNode returns the node with the given id.
func (d Definition) FindNode(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Trigger returns the entry node of the graph.
func (d Definition) Trigger() (Node, bool) {
	for _, n := range d.Nodes {
		if n.Type == TriggerNode {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns the edges leaving a node, in definition order.
func (d Definition) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.FromNodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges entering a node, in definition order.
func (d Definition) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range d.Edges {
		if e.ToNodeID == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// OutgoingLabeled returns the first outgoing edge with the given label.
func (d Definition) OutgoingLabeled(nodeID, label string) (Edge, bool) {
	for _, e := range d.Outgoing(nodeID) {
		if e.Label == label {
			return e, true
		}
	}
	return Edge{}, false
}

// NodeList stores the node array as a JSONB column.
type NodeList []Node

func (n NodeList) Value() (driver.Value, error) {
	return json.Marshal(n)
}

func (n *NodeList) Scan(src interface{}) error {
	return scanJSON(src, n)
}

// EdgeList stores the edge array as a JSONB column.
type EdgeList []Edge

func (e EdgeList) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *EdgeList) Scan(src interface{}) error {
	return scanJSON(src, e)
}

func scanJSON(src, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dest)
	}
}
