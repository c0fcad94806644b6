package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations of the workflow engine.
// Begin returns a transactional view; every suspension point is a durable
// row, so the engine is a set of independently invokable state transitions
// rather than a blocked thread.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Definition operations
	SaveDefinition(d models.Definition) (int64, error)
	GetDefinition(tenantID string, id int64) (models.Definition, error)
	ListDefinitions(tenantID string) ([]models.Definition, error)
	UpdateDefinitionStatus(tenantID string, id int64, status models.DefinitionStatus) error
	LatestDefinitionVersion(tenantID, name string) (int, error)

	// Instance operations
	SaveInstance(in models.Instance) error
	GetInstance(tenantID, id string) (models.Instance, error)
	UpdateInstance(in models.Instance) error

	// Action operations
	SaveAction(a models.Action) error
	GetAction(id string) (models.Action, error)
	PendingAction(instanceID, nodeID string) (models.Action, error)
	PendingActionsByInstance(instanceID string) ([]models.Action, error)
	PendingActionsByRole(tenantID, role string) ([]models.Action, error)
	ListActionsByInstance(instanceID string) ([]models.Action, error)
	// ResolveAction applies the guarded pending->resolved transition and
	// reports whether this caller won it. A false return means another
	// decision (human or escalation) got there first.
	ResolveAction(id string, status models.ActionStatus, decidedBy *string, reason string, decidedAt time.Time) (bool, error)
	SetActionEscalation(id string, deadline time.Time) error
	ExpiredPendingActions(now time.Time, limit int) ([]models.Action, error)

	// Fan-in arrival tracking for parallel joins
	RecordArrival(instanceID, nodeID, branchNodeID string) error
	CountArrivals(instanceID, nodeID string) (int, error)

	// Audit operations
	SaveAuditEntry(e models.AuditEntry) error
	ListAuditEntries(tenantID, entityType, entityID string) ([]models.AuditEntry, error)
}
