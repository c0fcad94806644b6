package storage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	internal_storage "github.com/zama9729/petal-hr-suite-16029-sub006/internal/storage"
	"github.com/zama9729/petal-hr-suite-16029-sub006/internal/testutil"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	makeDefinition := func(t *testing.T, store *internal_storage.PostgresStore, tenantID, name string) models.Definition {
		def := models.Definition{
			TenantID: tenantID,
			Name:     name,
			Status:   models.PublishedDefinitionStatus,
			Nodes: models.NodeList{
				{ID: "start", Type: models.TriggerNode},
				{ID: "approve", Type: models.ApprovalNode, Config: models.NodeConfig{ApproverRole: "manager"}},
				{ID: "done", Type: models.CompleteNode},
			},
			Edges: models.EdgeList{
				{FromNodeID: "start", ToNodeID: "approve"},
				{FromNodeID: "approve", ToNodeID: "done"},
			},
			CreatedBy: "alice",
			Version:   1,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		id, err := store.SaveDefinition(def)
		assert.NoError(t, err)
		def.ID = id
		return def
	}

	makeInstance := func(t *testing.T, store *internal_storage.PostgresStore, def models.Definition) models.Instance {
		inst := models.Instance{
			ID:             uuid.NewString(),
			DefinitionID:   def.ID,
			TenantID:       def.TenantID,
			Status:         models.RunningInstanceStatus,
			CurrentNodeIDs: pq.StringArray{"approve"},
			TriggerPayload: models.Payload{"days": float64(5)},
			CreatedBy:      "bob",
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		assert.NoError(t, store.SaveInstance(inst))
		return inst
	}

	makePendingAction := func(t *testing.T, store *internal_storage.PostgresStore, inst models.Instance, nodeID string) models.Action {
		a := models.Action{
			ID:           uuid.NewString(),
			InstanceID:   inst.ID,
			TenantID:     inst.TenantID,
			NodeID:       nodeID,
			NodeType:     models.ApprovalNode,
			AssigneeRole: "manager",
			Status:       models.PendingActionStatus,
			CreatedAt:    time.Now(),
		}
		assert.NoError(t, store.SaveAction(a))
		return a
	}

	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "leave-approval")
		assert.Greater(t, def.ID, int64(0))

		saved, err := store.GetDefinition("acme", def.ID)
		assert.NoError(t, err)
		assert.Equal(t, def.Name, saved.Name)
		assert.Equal(t, models.PublishedDefinitionStatus, saved.Status)
		assert.Len(t, saved.Nodes, 3)
		assert.Len(t, saved.Edges, 2)
		assert.Equal(t, "manager", saved.Nodes[1].Config.ApproverRole)
	})

	t.Run("GetDefinitionScopedByTenant", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "scoped")

		_, err := store.GetDefinition("other-corp", def.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("GetNonExistingDefinition", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetDefinition("acme", 12345)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListDefinitionsByTenant", func(t *testing.T) {
		store := newTxStore(t)
		makeDefinition(t, store, "acme", "one")
		makeDefinition(t, store, "acme", "two")
		makeDefinition(t, store, "other-corp", "three")

		defs, err := store.ListDefinitions("acme")
		assert.NoError(t, err)
		assert.Len(t, defs, 2)
	})

	t.Run("LatestDefinitionVersion", func(t *testing.T) {
		store := newTxStore(t)
		v, err := store.LatestDefinitionVersion("acme", "unseen")
		assert.NoError(t, err)
		assert.Equal(t, 0, v)

		makeDefinition(t, store, "acme", "versioned")
		v, err = store.LatestDefinitionVersion("acme", "versioned")
		assert.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("UpdateDefinitionStatus", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "publishable")

		err := store.UpdateDefinitionStatus("acme", def.ID, models.DraftDefinitionStatus)
		assert.NoError(t, err)
		saved, err := store.GetDefinition("acme", def.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.DraftDefinitionStatus, saved.Status)

		err = store.UpdateDefinitionStatus("other-corp", def.ID, models.PublishedDefinitionStatus)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveAndGetInstance", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "with-instance")
		inst := makeInstance(t, store, def)

		saved, err := store.GetInstance("acme", inst.ID)
		assert.NoError(t, err)
		assert.Equal(t, def.ID, saved.DefinitionID)
		assert.Equal(t, models.RunningInstanceStatus, saved.Status)
		assert.Equal(t, pq.StringArray{"approve"}, saved.CurrentNodeIDs)
		assert.Equal(t, float64(5), saved.TriggerPayload["days"])

		_, err = store.GetInstance("other-corp", inst.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateInstance", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "updatable")
		inst := makeInstance(t, store, def)

		inst.Status = models.CompletedInstanceStatus
		inst.CurrentNodeIDs = pq.StringArray{}
		assert.NoError(t, store.UpdateInstance(inst))

		saved, err := store.GetInstance("acme", inst.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedInstanceStatus, saved.Status)
		assert.Empty(t, saved.CurrentNodeIDs)
	})

	t.Run("PendingActionLookups", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "with-action")
		inst := makeInstance(t, store, def)
		action := makePendingAction(t, store, inst, "approve")

		byNode, err := store.PendingAction(inst.ID, "approve")
		assert.NoError(t, err)
		assert.Equal(t, action.ID, byNode.ID)

		_, err = store.PendingAction(inst.ID, "other-node")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		byRole, err := store.PendingActionsByRole("acme", "manager")
		assert.NoError(t, err)
		assert.Len(t, byRole, 1)

		byRole, err = store.PendingActionsByRole("acme", "hr")
		assert.NoError(t, err)
		assert.Empty(t, byRole)

		byInstance, err := store.PendingActionsByInstance(inst.ID)
		assert.NoError(t, err)
		assert.Len(t, byInstance, 1)
	})

	t.Run("ResolveActionExactlyOnce", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "contended")
		inst := makeInstance(t, store, def)
		action := makePendingAction(t, store, inst, "approve")

		decidedBy := "mary"
		won, err := store.ResolveAction(action.ID, models.ApprovedActionStatus, &decidedBy, "ok", time.Now())
		assert.NoError(t, err)
		assert.True(t, won)

		// The second caller finds the row no longer pending.
		won, err = store.ResolveAction(action.ID, models.RejectedActionStatus, &decidedBy, "changed my mind", time.Now())
		assert.NoError(t, err)
		assert.False(t, won)

		saved, err := store.GetAction(action.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.ApprovedActionStatus, saved.Status)
		assert.Equal(t, "mary", *saved.DecidedBy)
		assert.Equal(t, "ok", *saved.DecisionReason)
		assert.NotNil(t, saved.DecidedAt)
	})

	t.Run("OnePendingActionPerNode", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "unique-pending")
		inst := makeInstance(t, store, def)
		first := makePendingAction(t, store, inst, "approve")

		// A second pending row for the same node hits the partial unique
		// index.
		dup := first
		dup.ID = uuid.NewString()
		assert.Error(t, store.SaveAction(dup))
	})

	t.Run("SetActionEscalationAndExpiry", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "sla")
		inst := makeInstance(t, store, def)
		action := makePendingAction(t, store, inst, "approve")

		deadline := time.Now().Add(-time.Hour)
		assert.NoError(t, store.SetActionEscalation(action.ID, deadline))

		expired, err := store.ExpiredPendingActions(time.Now(), 10)
		assert.NoError(t, err)
		assert.Len(t, expired, 1)
		assert.Equal(t, action.ID, expired[0].ID)

		// Resolved actions fall out of the candidate set.
		won, err := store.ResolveAction(action.ID, models.ApprovedActionStatus, nil, "auto", time.Now())
		assert.NoError(t, err)
		assert.True(t, won)

		expired, err = store.ExpiredPendingActions(time.Now(), 10)
		assert.NoError(t, err)
		assert.Empty(t, expired)
	})

	t.Run("ArrivalsAreIdempotent", func(t *testing.T) {
		store := newTxStore(t)
		def := makeDefinition(t, store, "acme", "join")
		inst := makeInstance(t, store, def)

		assert.NoError(t, store.RecordArrival(inst.ID, "join", "branch-a"))
		assert.NoError(t, store.RecordArrival(inst.ID, "join", "branch-a"))
		assert.NoError(t, store.RecordArrival(inst.ID, "join", "branch-b"))

		count, err := store.CountArrivals(inst.ID, "join")
		assert.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("AuditEntries", func(t *testing.T) {
		store := newTxStore(t)
		actor := "mary"
		entry := models.AuditEntry{
			ID:         uuid.NewString(),
			TenantID:   "acme",
			EntityType: "workflow_instance",
			EntityID:   uuid.NewString(),
			Action:     models.AuditInstanceStarted,
			ActorID:    &actor,
			Details:    models.Payload{"workflow_id": float64(1)},
			CreatedAt:  time.Now(),
		}
		assert.NoError(t, store.SaveAuditEntry(entry))

		entries, err := store.ListAuditEntries("acme", "workflow_instance", entry.EntityID)
		assert.NoError(t, err)
		assert.Len(t, entries, 1)
		assert.Equal(t, models.AuditInstanceStarted, entries[0].Action)
		assert.Equal(t, "mary", *entries[0].ActorID)
		assert.Equal(t, float64(1), entries[0].Details["workflow_id"])

		entries, err = store.ListAuditEntries("other-corp", "workflow_instance", entry.EntityID)
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})
}
