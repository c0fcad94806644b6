package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveDefinition inserts a new definition row and returns its ID.
func (s *PostgresStore) SaveDefinition(d models.Definition) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflow_definitions (tenant_id, name, status, nodes, edges, created_by, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		d.TenantID, d.Name, d.Status, d.Nodes, d.Edges, d.CreatedBy, d.Version, d.CreatedAt, d.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save definition: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetDefinition(tenantID string, id int64) (models.Definition, error) {
	var d models.Definition
	err := s.db.Get(&d, "SELECT * FROM workflow_definitions WHERE id = $1 AND tenant_id = $2", id, tenantID)
	if err == sql.ErrNoRows {
		return models.Definition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Definition{}, fmt.Errorf("get definition %d: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDefinitions(tenantID string) ([]models.Definition, error) {
	defs := []models.Definition{}
	err := s.db.Select(&defs, "SELECT * FROM workflow_definitions WHERE tenant_id = $1 ORDER BY created_at DESC", tenantID)
	if err != nil {
		return nil, err
	}
	return defs, nil
}

func (s *PostgresStore) UpdateDefinitionStatus(tenantID string, id int64, status models.DefinitionStatus) error {
	res, err := s.db.Exec(
		"UPDATE workflow_definitions SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND tenant_id = $3",
		status, id, tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LatestDefinitionVersion(tenantID, name string) (int, error) {
	var version int
	err := s.db.Get(&version,
		"SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE tenant_id = $1 AND name = $2",
		tenantID, name)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *PostgresStore) SaveInstance(in models.Instance) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_instances (id, workflow_id, tenant_id, status, current_node_ids, trigger_payload, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.DefinitionID, in.TenantID, in.Status, in.CurrentNodeIDs, in.TriggerPayload, in.CreatedBy, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", in.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(tenantID, id string) (models.Instance, error) {
	var in models.Instance
	err := s.db.Get(&in, "SELECT * FROM workflow_instances WHERE id = $1 AND tenant_id = $2", id, tenantID)
	if err == sql.ErrNoRows {
		return models.Instance{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Instance{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	return in, nil
}

func (s *PostgresStore) UpdateInstance(in models.Instance) error {
	res, err := s.db.Exec(`
		UPDATE workflow_instances
		SET status = $1, current_node_ids = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`,
		in.Status, in.CurrentNodeIDs, in.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAction(a models.Action) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_actions (id, instance_id, tenant_id, node_id, node_type, assignee_role, assignee_user_id, status, decision_reason, decided_by, decided_at, escalate_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.InstanceID, a.TenantID, a.NodeID, a.NodeType, a.AssigneeRole, a.AssigneeUserID,
		a.Status, a.DecisionReason, a.DecidedBy, a.DecidedAt, a.EscalateAfter, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("save action %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAction(id string) (models.Action, error) {
	var a models.Action
	err := s.db.Get(&a, "SELECT * FROM workflow_actions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Action{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Action{}, err
	}
	return a, nil
}

func (s *PostgresStore) PendingAction(instanceID, nodeID string) (models.Action, error) {
	var a models.Action
	err := s.db.Get(&a,
		"SELECT * FROM workflow_actions WHERE instance_id = $1 AND node_id = $2 AND status = 'pending'",
		instanceID, nodeID)
	if err == sql.ErrNoRows {
		return models.Action{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Action{}, err
	}
	return a, nil
}

func (s *PostgresStore) PendingActionsByInstance(instanceID string) ([]models.Action, error) {
	actions := []models.Action{}
	err := s.db.Select(&actions,
		"SELECT * FROM workflow_actions WHERE instance_id = $1 AND status = 'pending' ORDER BY created_at",
		instanceID)
	if err != nil {
		return nil, err
	}
	return actions, nil
}

func (s *PostgresStore) PendingActionsByRole(tenantID, role string) ([]models.Action, error) {
	actions := []models.Action{}
	err := s.db.Select(&actions,
		"SELECT * FROM workflow_actions WHERE tenant_id = $1 AND assignee_role = $2 AND status = 'pending' ORDER BY created_at",
		tenantID, role)
	if err != nil {
		return nil, err
	}
	return actions, nil
}

func (s *PostgresStore) ListActionsByInstance(instanceID string) ([]models.Action, error) {
	actions := []models.Action{}
	err := s.db.Select(&actions,
		"SELECT * FROM workflow_actions WHERE instance_id = $1 ORDER BY created_at",
		instanceID)
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// ResolveAction performs the guarded pending->resolved transition. The WHERE
// status='pending' clause makes concurrent decisions on the same action
// yield exactly one winner; the affected row count is the verdict.
func (s *PostgresStore) ResolveAction(id string, status models.ActionStatus, decidedBy *string, reason string, decidedAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_actions
		SET status = $1, decided_by = $2, decision_reason = $3, decided_at = $4
		WHERE id = $5 AND status = 'pending'`,
		status, decidedBy, reason, decidedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) SetActionEscalation(id string, deadline time.Time) error {
	res, err := s.db.Exec("UPDATE workflow_actions SET escalate_after = $1 WHERE id = $2", deadline, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ExpiredPendingActions(now time.Time, limit int) ([]models.Action, error) {
	actions := []models.Action{}
	err := s.db.Select(&actions, `
		SELECT * FROM workflow_actions
		WHERE status = 'pending' AND escalate_after IS NOT NULL AND escalate_after <= $1
		ORDER BY escalate_after
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// RecordArrival marks a parallel branch as having reached a join node.
// Re-recording the same branch is a no-op, which keeps repeated advance
// calls idempotent.
func (s *PostgresStore) RecordArrival(instanceID, nodeID, branchNodeID string) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_arrivals (instance_id, node_id, branch_node_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id, node_id, branch_node_id) DO NOTHING`,
		instanceID, nodeID, branchNodeID)
	return err
}

func (s *PostgresStore) CountArrivals(instanceID, nodeID string) (int, error) {
	var count int
	err := s.db.Get(&count,
		"SELECT COUNT(*) FROM workflow_arrivals WHERE instance_id = $1 AND node_id = $2",
		instanceID, nodeID)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) SaveAuditEntry(e models.AuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_logs (id, tenant_id, entity_type, entity_id, action, actor_id, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TenantID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.Reason, e.Details, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListAuditEntries(tenantID, entityType, entityID string) ([]models.AuditEntry, error) {
	entries := []models.AuditEntry{}
	err := s.db.Select(&entries, `
		SELECT * FROM audit_logs
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at`,
		tenantID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
