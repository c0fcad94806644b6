package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
)

// mockStore implements Store with in-memory state, used by engine and
// scheduler tests. Begin returns the same store; transaction boundaries are
// no-ops, but the ResolveAction guard is real (mutex-protected), so decision
// races behave as they do against Postgres.
type mockStore struct {
	mu          sync.Mutex
	definitions []models.Definition
	instances   []models.Instance
	actions     []models.Action
	arrivals    map[string]map[string]bool // instanceID/nodeID -> branch set
	audits      []models.AuditEntry
	nextDefID   int64
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() Store {
	return &mockStore{arrivals: make(map[string]map[string]bool)}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveDefinition(d models.Definition) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDefID++
	d.ID = m.nextDefID
	m.definitions = append(m.definitions, d)
	return d.ID, nil
}

func (m *mockStore) GetDefinition(tenantID string, id int64) (models.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.definitions {
		if d.ID == id && d.TenantID == tenantID {
			return d, nil
		}
	}
	return models.Definition{}, ErrNotFound
}

func (m *mockStore) ListDefinitions(tenantID string) ([]models.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Definition{}
	for _, d := range m.definitions {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateDefinitionStatus(tenantID string, id int64, status models.DefinitionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.definitions {
		if d.ID == id && d.TenantID == tenantID {
			m.definitions[i].Status = status
			m.definitions[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) LatestDefinitionVersion(tenantID, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := 0
	for _, d := range m.definitions {
		if d.TenantID == tenantID && d.Name == name && d.Version > latest {
			latest = d.Version
		}
	}
	return latest, nil
}

func (m *mockStore) SaveInstance(in models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = append(m.instances, in)
	return nil
}

func (m *mockStore) GetInstance(tenantID, id string) (models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.instances {
		if in.ID == id && in.TenantID == tenantID {
			return in, nil
		}
	}
	return models.Instance{}, ErrNotFound
}

func (m *mockStore) UpdateInstance(in models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.instances {
		if existing.ID == in.ID {
			in.UpdatedAt = time.Now()
			m.instances[i] = in
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveAction(a models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Status == models.PendingActionStatus {
		for _, existing := range m.actions {
			if existing.InstanceID == a.InstanceID && existing.NodeID == a.NodeID &&
				existing.Status == models.PendingActionStatus {
				return errors.New("pending action already exists for node " + a.NodeID)
			}
		}
	}
	m.actions = append(m.actions, a)
	return nil
}

func (m *mockStore) GetAction(id string) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ID == id {
			return a, nil
		}
	}
	return models.Action{}, ErrNotFound
}

func (m *mockStore) PendingAction(instanceID, nodeID string) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.InstanceID == instanceID && a.NodeID == nodeID && a.Status == models.PendingActionStatus {
			return a, nil
		}
	}
	return models.Action{}, ErrNotFound
}

func (m *mockStore) PendingActionsByInstance(instanceID string) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Action
	for _, a := range m.actions {
		if a.InstanceID == instanceID && a.Status == models.PendingActionStatus {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) PendingActionsByRole(tenantID, role string) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Action{}
	for _, a := range m.actions {
		if a.TenantID == tenantID && a.AssigneeRole == role && a.Status == models.PendingActionStatus {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) ListActionsByInstance(instanceID string) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Action{}
	for _, a := range m.actions {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) ResolveAction(id string, status models.ActionStatus, decidedBy *string, reason string, decidedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.actions {
		if a.ID != id {
			continue
		}
		if a.Status != models.PendingActionStatus {
			return false, nil
		}
		m.actions[i].Status = status
		m.actions[i].DecidedBy = decidedBy
		m.actions[i].DecisionReason = &reason
		m.actions[i].DecidedAt = &decidedAt
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) SetActionEscalation(id string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.actions {
		if a.ID == id {
			m.actions[i].EscalateAfter = &deadline
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ExpiredPendingActions(now time.Time, limit int) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Action
	for _, a := range m.actions {
		if a.Status == models.PendingActionStatus && a.EscalateAfter != nil && !a.EscalateAfter.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscalateAfter.Before(*out[j].EscalateAfter) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) RecordArrival(instanceID, nodeID, branchNodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instanceID + "/" + nodeID
	if m.arrivals[key] == nil {
		m.arrivals[key] = make(map[string]bool)
	}
	m.arrivals[key][branchNodeID] = true
	return nil
}

func (m *mockStore) CountArrivals(instanceID, nodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arrivals[instanceID+"/"+nodeID]), nil
}

func (m *mockStore) SaveAuditEntry(e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

func (m *mockStore) ListAuditEntries(tenantID, entityType, entityID string) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.AuditEntry{}
	for _, e := range m.audits {
		if e.TenantID == tenantID && e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}
