package service

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ValidationError reports the structural violations of a workflow graph.
// Publish is blocked until the list is empty.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(e.Violations, "; "))
}

// ExecutionError is a runtime fault (missing config, unresolvable rule,
// missing successor). It freezes the instance in error status for operator
// inspection and is never retried automatically.
type ExecutionError struct {
	InstanceID string
	NodeID     string
	Reason     string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error at node %s of instance %s: %s", e.NodeID, e.InstanceID, e.Reason)
}

// ConflictError means a decision lost the race on an already-resolved
// action. Callers treat it as a no-op, not a failure.
type ConflictError struct {
	ActionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("action %s is no longer pending", e.ActionID)
}

// PermissionError means the deciding role does not match the action's
// assignee role.
type PermissionError struct {
	Role     string
	Required string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %q cannot decide an action assigned to %q", e.Role, e.Required)
}

// TenantMismatchError is raised on any reference crossing tenant
// boundaries. It is always fatal, never silently corrected.
type TenantMismatchError struct {
	Tenant string
	Entity string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("%s does not belong to tenant %s", e.Entity, e.Tenant)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsExecution(err error) bool {
	var target *ExecutionError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

func IsTenantMismatch(err error) bool {
	var target *TenantMismatchError
	return errors.As(err, &target)
}
