package models

import "time"

// Audit actions recorded by the engine and its callers.
const (
	AuditInstanceStarted   = "instance_started"
	AuditInstanceCompleted = "instance_completed"
	AuditInstanceRejected  = "instance_rejected"
	AuditInstanceError     = "instance_error"
	AuditActionCreated     = "action_created"
	AuditActionDecided     = "action_decided"
	AuditActionEscalated   = "action_escalated"
	AuditNodeExecuted      = "node_executed"
)

// AuditEntry is an append-only record of a state transition, decision or
// auto-escalation. Entries are never updated or deleted and outlive the
// instance they describe. ActorID is nil for system/auto actions.
type AuditEntry struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Action     string    `json:"action" db:"action"`
	ActorID    *string   `json:"actor_id,omitempty" db:"actor_id"`
	Reason     string    `json:"reason,omitempty" db:"reason"`
	Details    Payload   `json:"details" db:"details"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
