package service_test

import (
	"sync"
	"time"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/service"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

const testTenant = "acme"

// testLogger implements the Logger interface for testing
type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// fakeClock is a settable clock for scheduler tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestService(clock service.Clock) (*service.WorkflowService, storage.Store) {
	store := storage.NewMockStore()
	svc := service.NewWorkflowService(store, testLogger{}, service.WithClock(clock))
	return svc, store
}

func node(id string, nodeType models.NodeType, cfg models.NodeConfig) models.Node {
	return models.Node{ID: id, Type: nodeType, Config: cfg}
}

func edge(from, to string) models.Edge {
	return models.Edge{FromNodeID: from, ToNodeID: to}
}

func labeledEdge(from, to, label string) models.Edge {
	return models.Edge{FromNodeID: from, ToNodeID: to, Label: label}
}

// trigger -> approval(manager) -> approval(hr) -> complete
func sequentialApprovalGraph() ([]models.Node, []models.Edge) {
	nodes := []models.Node{
		node("start", models.TriggerNode, models.NodeConfig{}),
		node("manager_approval", models.ApprovalNode, models.NodeConfig{ApproverRole: "manager"}),
		node("hr_approval", models.ApprovalNode, models.NodeConfig{ApproverRole: "hr"}),
		node("done", models.CompleteNode, models.NodeConfig{}),
	}
	edges := []models.Edge{
		edge("start", "manager_approval"),
		edge("manager_approval", "hr_approval"),
		edge("hr_approval", "done"),
	}
	return nodes, edges
}

// trigger -> parallel -> {approval(manager), approval(finance)} -> complete
func parallelApprovalGraph() ([]models.Node, []models.Edge) {
	nodes := []models.Node{
		node("start", models.TriggerNode, models.NodeConfig{}),
		node("fork", models.ParallelNode, models.NodeConfig{}),
		node("manager_approval", models.ApprovalNode, models.NodeConfig{ApproverRole: "manager"}),
		node("finance_approval", models.ApprovalNode, models.NodeConfig{ApproverRole: "finance"}),
		node("done", models.CompleteNode, models.NodeConfig{}),
	}
	edges := []models.Edge{
		edge("start", "fork"),
		edge("fork", "manager_approval"),
		edge("fork", "finance_approval"),
		edge("manager_approval", "done"),
		edge("finance_approval", "done"),
	}
	return nodes, edges
}

// trigger -> condition(days > 10) -true-> approval(hr) -> complete
//                                 -false-> complete
func conditionalGraph() ([]models.Node, []models.Edge) {
	nodes := []models.Node{
		node("start", models.TriggerNode, models.NodeConfig{}),
		node("length_check", models.ConditionNode, models.NodeConfig{Rule: "days > 10"}),
		node("hr_approval", models.ApprovalNode, models.NodeConfig{ApproverRole: "hr"}),
		node("done", models.CompleteNode, models.NodeConfig{}),
	}
	edges := []models.Edge{
		edge("start", "length_check"),
		labeledEdge("length_check", "hr_approval", models.TrueEdgeLabel),
		labeledEdge("length_check", "done", models.FalseEdgeLabel),
		edge("hr_approval", "done"),
	}
	return nodes, edges
}

func mustPublish(svc *service.WorkflowService, nodes []models.Node, edges []models.Edge) (models.Definition, error) {
	return svc.CreateDefinition(testTenant, "alice", "test-workflow", nodes, edges, true)
}

func publishGraph(svc *service.WorkflowService, build func() ([]models.Node, []models.Edge)) (models.Definition, error) {
	nodes, edges := build()
	return mustPublish(svc, nodes, edges)
}
