package models

import "time"

type ActionStatus string

const (
	PendingActionStatus  ActionStatus = "pending"
	ApprovedActionStatus ActionStatus = "approved"
	RejectedActionStatus ActionStatus = "rejected"
)

// Action is the durable record of a node execution that requires a human
// (or auto) decision; it is the unit of suspension and resumption. At most
// one pending Action may exist per (instance_id, node_id), enforced by a
// partial unique index.
type Action struct {
	ID             string       `json:"id" db:"id"`
	InstanceID     string       `json:"instance_id" db:"instance_id"`
	TenantID       string       `json:"tenant_id" db:"tenant_id"`
	NodeID         string       `json:"node_id" db:"node_id"`
	NodeType       NodeType     `json:"node_type" db:"node_type"`
	AssigneeRole   string       `json:"assignee_role" db:"assignee_role"`
	AssigneeUserID *string      `json:"assignee_user_id,omitempty" db:"assignee_user_id"`
	Status         ActionStatus `json:"status" db:"status"`
	DecisionReason *string      `json:"decision_reason,omitempty" db:"decision_reason"`
	DecidedBy      *string      `json:"decided_by,omitempty" db:"decided_by"`
	DecidedAt      *time.Time   `json:"decided_at,omitempty" db:"decided_at"`
	EscalateAfter  *time.Time   `json:"escalate_after,omitempty" db:"escalate_after"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}
