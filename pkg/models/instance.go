package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

type InstanceStatus string

const (
	RunningInstanceStatus   InstanceStatus = "running"
	CompletedInstanceStatus InstanceStatus = "completed"
	RejectedInstanceStatus  InstanceStatus = "rejected"
	ErrorInstanceStatus     InstanceStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == CompletedInstanceStatus || s == RejectedInstanceStatus || s == ErrorInstanceStatus
}

// Instance is one running execution of a published Definition.
// CurrentNodeIDs is the frontier: the set of node ids the instance is
// currently at, one entry per live parallel branch. It is empty exactly
// when the status is terminal.
type Instance struct {
	ID             string         `json:"id" db:"id"`
	DefinitionID   int64          `json:"workflow_id" db:"workflow_id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	Status         InstanceStatus `json:"status" db:"status"`
	CurrentNodeIDs pq.StringArray `json:"current_node_ids" db:"current_node_ids"`
	TriggerPayload Payload        `json:"trigger_payload" db:"trigger_payload"`
	CreatedBy      string         `json:"created_by" db:"created_by"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// Payload is an arbitrary JSON object stored in a JSONB column.
type Payload map[string]interface{}

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return json.Marshal(Payload{})
	}
	return json.Marshal(p)
}

func (p *Payload) Scan(src interface{}) error {
	return scanJSON(src, p)
}

// PolicySnapshot is the slice of approval policy frozen into an instance's
// payload at start time, so later policy edits cannot change SLA behavior
// for in-flight instances.
type PolicySnapshot struct {
	AutoApproveDays int          `json:"autoApproveDays,omitempty"`
	DefaultDecision ActionStatus `json:"defaultDecision,omitempty"`
}

const policyPayloadKey = "policy"

// Policy extracts the policy snapshot embedded in the payload, if any.
func (p Payload) Policy() (PolicySnapshot, bool) {
	raw, ok := p[policyPayloadKey]
	if !ok {
		return PolicySnapshot{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return PolicySnapshot{}, false
	}
	var snap PolicySnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return PolicySnapshot{}, false
	}
	return snap, true
}

// WithPolicy returns a copy of the payload with the snapshot attached.
func (p Payload) WithPolicy(snap PolicySnapshot) Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[policyPayloadKey] = snap
	return out
}
