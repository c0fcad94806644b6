package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/service"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

// trigger -> approval(manager, 7-day SLA) -> complete
func slaApprovalGraph() ([]models.Node, []models.Edge) {
	nodes := []models.Node{
		node("start", models.TriggerNode, models.NodeConfig{}),
		node("manager_approval", models.ApprovalNode, models.NodeConfig{ApproverRole: "manager", AutoApproveDays: 7}),
		node("done", models.CompleteNode, models.NodeConfig{}),
	}
	edges := []models.Edge{
		edge("start", "manager_approval"),
		edge("manager_approval", "done"),
	}
	return nodes, edges
}

func newTestEscalator(clock service.Clock, opts ...service.EscalatorOption) (*service.Escalator, *service.WorkflowService, storage.Store) {
	store := storage.NewMockStore()
	svc := service.NewWorkflowService(store, testLogger{}, service.WithClock(clock))
	opts = append([]service.EscalatorOption{service.WithEscalatorClock(clock)}, opts...)
	return service.NewEscalator(store, svc, testLogger{}, opts...), svc, store
}

func TestSweepAutoApprovesAfterDeadline(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	esc, svc, store := newTestEscalator(clock)

	def, err := publishGraph(svc, slaApprovalGraph)
	require.NoError(t, err)
	inst, err := svc.StartInstance(testTenant, "bob", def.ID, nil)
	require.NoError(t, err)

	queue, err := svc.PendingActions(testTenant, "manager")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.NotNil(t, queue[0].EscalateAfter)
	assert.Equal(t, t0.Add(7*24*time.Hour), *queue[0].EscalateAfter)

	// Inside the SLA window nothing happens.
	clock.Set(t0.Add(6 * 24 * time.Hour))
	n, err := esc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Past the deadline the action is auto-approved without an actor.
	clock.Set(t0.Add(7*24*time.Hour + time.Minute))
	n, err = esc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	action, err := store.GetAction(queue[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovedActionStatus, action.Status)
	assert.Nil(t, action.DecidedBy)
	require.NotNil(t, action.DecisionReason)
	assert.Equal(t, "Auto-approved due to SLA breach (7 days)", *action.DecisionReason)

	saved, err := store.GetInstance(testTenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedInstanceStatus, saved.Status)

	trail, err := svc.AuditTrail(testTenant, "workflow_action", action.ID)
	require.NoError(t, err)
	escalatedLogged := false
	for _, entry := range trail {
		if entry.Action == models.AuditActionEscalated {
			escalatedLogged = true
			assert.Nil(t, entry.ActorID)
		}
	}
	assert.True(t, escalatedLogged)

	// Resolved actions are not picked up again.
	n, err = esc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepWithRejectDecision(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	esc, svc, store := newTestEscalator(clock, service.WithDefaultDecision(models.RejectedActionStatus))

	def, err := publishGraph(svc, slaApprovalGraph)
	require.NoError(t, err)
	inst, err := svc.StartInstance(testTenant, "bob", def.ID, nil)
	require.NoError(t, err)

	clock.Set(t0.Add(8 * 24 * time.Hour))
	n, err := esc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	saved, err := store.GetInstance(testTenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RejectedInstanceStatus, saved.Status)

	actions, err := store.ListActionsByInstance(inst.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.NotNil(t, actions[0].DecisionReason)
	assert.Equal(t, "Auto-rejected due to SLA breach (7 days)", *actions[0].DecisionReason)
}

func TestSweepHonorsBatchSize(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	esc, svc, _ := newTestEscalator(clock, service.WithSweepBatch(2))

	def, err := publishGraph(svc, slaApprovalGraph)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.StartInstance(testTenant, "bob", def.ID, nil)
		require.NoError(t, err)
	}

	clock.Set(t0.Add(8 * 24 * time.Hour))
	n, err := esc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = esc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentSweepsResolveEachActionOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	esc, svc, store := newTestEscalator(clock)

	def, err := publishGraph(svc, slaApprovalGraph)
	require.NoError(t, err)
	const instances = 5
	for i := 0; i < instances; i++ {
		_, err := svc.StartInstance(testTenant, "bob", def.ID, nil)
		require.NoError(t, err)
	}

	clock.Set(t0.Add(8 * 24 * time.Hour))

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := esc.Sweep()
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	// Both sweeps saw the same candidates; the conditional update made sure
	// each action was escalated by exactly one of them.
	assert.Equal(t, instances, counts[0]+counts[1])

	pending, err := store.ExpiredPendingActions(clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEscalateSuccessorSetsDeadline(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	esc, svc, store := newTestEscalator(clock)

	// The SLA lives on an escalate node behind the approval, not on the
	// approval itself.
	nodes := []models.Node{
		node("start", models.TriggerNode, models.NodeConfig{}),
		node("manager_approval", models.ApprovalNode, models.NodeConfig{ApproverRole: "manager"}),
		node("sla", models.EscalateNode, models.NodeConfig{AutoApproveDays: 3}),
		node("done", models.CompleteNode, models.NodeConfig{}),
	}
	edges := []models.Edge{
		edge("start", "manager_approval"),
		edge("manager_approval", "sla"),
		edge("sla", "done"),
	}
	def, err := mustPublish(svc, nodes, edges)
	require.NoError(t, err)

	inst, err := svc.StartInstance(testTenant, "bob", def.ID, nil)
	require.NoError(t, err)

	queue, err := svc.PendingActions(testTenant, "manager")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.NotNil(t, queue[0].EscalateAfter)
	assert.Equal(t, t0.Add(3*24*time.Hour), *queue[0].EscalateAfter)

	clock.Set(t0.Add(3*24*time.Hour + time.Minute))
	n, err := esc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	saved, err := store.GetInstance(testTenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedInstanceStatus, saved.Status)
}

func TestHumanDecisionBeatsSweep(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	esc, svc, store := newTestEscalator(clock)

	def, err := publishGraph(svc, slaApprovalGraph)
	require.NoError(t, err)
	_, err = svc.StartInstance(testTenant, "bob", def.ID, nil)
	require.NoError(t, err)

	queue, err := svc.PendingActions(testTenant, "manager")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	clock.Set(t0.Add(8 * 24 * time.Hour))
	_, err = svc.Decide(testTenant, "mary", "manager", queue[0].ID, models.RejectedActionStatus, "too late anyway")
	require.NoError(t, err)

	// The overdue action is already resolved, so the sweep escalates nothing.
	n, err := esc.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	action, err := store.GetAction(queue[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RejectedActionStatus, action.Status)
	require.NotNil(t, action.DecidedBy)
	assert.Equal(t, "mary", *action.DecidedBy)
}

func TestSweepResolvesAndAdvancesInOneTransaction(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	calls := &txSpyCalls{}
	spy := &txSpy{Store: storage.NewMockStore(), calls: calls}
	svc := service.NewWorkflowService(spy, testLogger{}, service.WithClock(clock))
	esc := service.NewEscalator(spy, svc, testLogger{}, service.WithEscalatorClock(clock))

	def, err := publishGraph(svc, slaApprovalGraph)
	require.NoError(t, err)
	inst, err := svc.StartInstance(testTenant, "bob", def.ID, nil)
	require.NoError(t, err)

	calls.mu.Lock()
	calls.resolveInTx, calls.updateInTx = false, false
	calls.mu.Unlock()

	clock.Set(t0.Add(7*24*time.Hour + time.Minute))
	n, err := esc.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	saved, err := spy.GetInstance(testTenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedInstanceStatus, saved.Status)

	calls.mu.Lock()
	defer calls.mu.Unlock()
	assert.True(t, calls.resolveInTx)
	assert.True(t, calls.updateInTx)
	assert.False(t, calls.resolveOutside, "escalation must not resolve outside the transaction")
	assert.False(t, calls.updateOutside, "escalation must not advance outside the transaction")
}
