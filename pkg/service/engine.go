package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

// Step is one node visit during an advance walk, reported by dry runs.
type Step struct {
	NodeID   string          `json:"node_id"`
	NodeType models.NodeType `json:"node_type"`
	Label    string          `json:"label,omitempty"`
}

// Engine advances a workflow instance through its definition graph. It is
// stateless between calls: the frontier, the pending actions and the fan-in
// arrival counts all live in the store, so any invocation (HTTP decision,
// scheduler tick, instance creation) can pick up where the last one left
// off. Waiting for a human is a pending Action row, never a blocked thread.
type Engine struct {
	store    storage.Store
	notifier Notifier
	audit    *AuditLogger
	logger   Logger
	clock    Clock
	trace    func(Step)
}

func NewEngine(store storage.Store, notifier Notifier, audit *AuditLogger, logger Logger, clock Clock) *Engine {
	return &Engine{store: store, notifier: notifier, audit: audit, logger: logger, clock: clock}
}

// Advance runs a single stepping pass. On instance creation resolved is
// nil and the walk starts from the whole frontier (the trigger node); on
// resumption resolved carries the action that just left pending and the
// walk starts from its node. Suspending node types stay in the frontier,
// everything else moves through. The updated instance is persisted before
// returning, including the frozen error state on an execution fault.
func (e *Engine) Advance(def models.Definition, inst *models.Instance, resolved *models.Action) error {
	if inst.Status.Terminal() {
		return nil
	}

	front := newFrontier(inst.CurrentNodeIDs)
	var worklist []string
	if resolved != nil {
		worklist = append(worklist, resolved.NodeID)
	} else {
		worklist = append(worklist, front.ids...)
	}
	resolvedConsumed := false

	for len(worklist) > 0 {
		id := worklist[0]
		worklist = worklist[1:]

		node, ok := def.FindNode(id)
		if !ok {
			err := e.fail(inst, front, id, fmt.Sprintf("node %q not found in definition", id))
			return e.persistAndReturn(inst, front, err)
		}
		e.traceStep(node)

		var err error
		switch node.Type {
		case models.TriggerNode:
			err = e.stepThrough(def, inst, front, &worklist, node)
		case models.PolicyCheckNode:
			err = e.stepPolicyCheck(def, inst, front, &worklist, node)
		case models.ApprovalNode:
			var r *models.Action
			if resolved != nil && !resolvedConsumed && resolved.NodeID == node.ID {
				r = resolved
				resolvedConsumed = true
			}
			err = e.stepApproval(def, inst, front, &worklist, node, r)
		case models.NotifyNode, models.AssignTaskNode, models.GenerateDocNode, models.UpdateStatusNode:
			err = e.stepSideEffect(def, inst, front, &worklist, node)
		case models.AuditLogNode:
			e.audit.Record(models.AuditEntry{
				TenantID:   inst.TenantID,
				EntityType: "workflow_instance",
				EntityID:   inst.ID,
				Action:     models.AuditNodeExecuted,
				Reason:     node.Config.Message,
				Details:    models.Payload{"node_id": node.ID},
			})
			err = e.stepThrough(def, inst, front, &worklist, node)
		case models.ConditionNode:
			err = e.stepCondition(def, inst, front, &worklist, node)
		case models.ParallelNode:
			err = e.stepParallel(def, inst, front, &worklist, node)
		case models.EscalateNode:
			err = e.stepEscalate(def, inst, front, &worklist, node)
		case models.CompleteNode:
			front.remove(node.ID)
		default:
			err = e.fail(inst, front, node.ID, fmt.Sprintf("unsupported node type %q", node.Type))
		}
		if err != nil {
			return e.persistAndReturn(inst, front, err)
		}
		if inst.Status.Terminal() {
			// A rejection mid-walk drops the remaining worklist.
			break
		}
		if len(worklist) == 0 {
			// A branch may have ended on a path that never reached a
			// parked join; release joins with no live feeder left.
			released, err := e.releaseJoins(def, inst, front)
			if err != nil {
				return e.persistAndReturn(inst, front, err)
			}
			worklist = append(worklist, released...)
		}
	}

	if inst.Status == models.RunningInstanceStatus && front.len() == 0 {
		inst.Status = models.CompletedInstanceStatus
		e.audit.Record(models.AuditEntry{
			TenantID:   inst.TenantID,
			EntityType: "workflow_instance",
			EntityID:   inst.ID,
			Action:     models.AuditInstanceCompleted,
		})
	}
	return e.persistAndReturn(inst, front, nil)
}

// persistAndReturn writes the instance back. Execution errors have already
// frozen the instance state and must be persisted too; raw storage errors
// are returned as-is so the surrounding transaction rolls back.
func (e *Engine) persistAndReturn(inst *models.Instance, front *frontier, cause error) error {
	if cause != nil && !IsExecution(cause) {
		return cause
	}
	ids := front.ids
	if ids == nil {
		ids = []string{}
	}
	inst.CurrentNodeIDs = pq.StringArray(ids)
	inst.UpdatedAt = e.clock.Now()
	if err := e.store.UpdateInstance(*inst); err != nil {
		return err
	}
	return cause
}

// stepThrough moves a non-branching node to its first successor.
func (e *Engine) stepThrough(def models.Definition, inst *models.Instance, front *frontier, worklist *[]string, node models.Node) error {
	out := def.Outgoing(node.ID)
	if len(out) == 0 {
		return e.fail(inst, front, node.ID, "no successor edge")
	}
	return e.move(def, inst, front, worklist, node.ID, out[0].ToNodeID)
}

func (e *Engine) stepPolicyCheck(def models.Definition, inst *models.Instance, front *frontier, worklist *[]string, node models.Node) error {
	passed, err := EvaluateRule(node.Config.Rule, inst.TriggerPayload)
	if err != nil {
		return e.fail(inst, front, node.ID, fmt.Sprintf("rule %q: %v", node.Config.Rule, err))
	}
	if passed {
		edge, ok := passEdge(def, node.ID)
		if !ok {
			return e.fail(inst, front, node.ID, "no pass edge")
		}
		return e.move(def, inst, front, worklist, node.ID, edge.ToNodeID)
	}
	if edge, ok := failEdge(def, node.ID); ok {
		return e.move(def, inst, front, worklist, node.ID, edge.ToNodeID)
	}
	// No fail edge modeled: the policy breach rejects the instance.
	return e.reject(inst, front, fmt.Sprintf("policy check %q failed", node.ID))
}

func (e *Engine) stepCondition(def models.Definition, inst *models.Instance, front *frontier, worklist *[]string, node models.Node) error {
	result, err := EvaluateRule(node.Config.Rule, inst.TriggerPayload)
	if err != nil {
		return e.fail(inst, front, node.ID, fmt.Sprintf("rule %q: %v", node.Config.Rule, err))
	}
	label := models.TrueEdgeLabel
	if !result {
		label = models.FalseEdgeLabel
	}
	edge, ok := def.OutgoingLabeled(node.ID, label)
	if !ok {
		return e.fail(inst, front, node.ID, fmt.Sprintf("no %s edge", label))
	}
	return e.move(def, inst, front, worklist, node.ID, edge.ToNodeID)
}

func (e *Engine) stepParallel(def models.Definition, inst *models.Instance, front *frontier, worklist *[]string, node models.Node) error {
	out := def.Outgoing(node.ID)
	if len(out) < 2 {
		return e.fail(inst, front, node.ID, "parallel node needs at least two outgoing edges")
	}
	for _, edge := range out {
		if err := e.move(def, inst, front, worklist, node.ID, edge.ToNodeID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stepSideEffect(def models.Definition, inst *models.Instance, front *frontier, worklist *[]string, node models.Node) error {
	var err error
	switch node.Type {
	case models.NotifyNode:
		err = e.notifier.Notify(inst.TenantID, node, inst.TriggerPayload)
	case models.AssignTaskNode:
		err = e.notifier.AssignTask(inst.TenantID, node, inst.TriggerPayload)
	case models.GenerateDocNode:
		err = e.notifier.GenerateDocument(inst.TenantID, node, inst.TriggerPayload)
	case models.UpdateStatusNode:
		err = e.notifier.UpdateStatus(inst.TenantID, node, inst.TriggerPayload)
	}
	if err != nil {
		// Delivery is best-effort; the workflow does not stall on it.
		e.logger.Errorf("Side effect at node %s of instance %s failed: %v", node.ID, inst.ID, err)
	}
	return e.stepThrough(def, inst, front, worklist, node)
}

func (e *Engine) stepApproval(def models.Definition, inst *models.Instance, front *frontier, worklist *[]string, node models.Node, resolved *models.Action) error {
	if resolved != nil {
		switch resolved.Status {
		case models.ApprovedActionStatus:
			return e.stepThrough(def, inst, front, worklist, node)
		case models.RejectedActionStatus:
			reason := fmt.Sprintf("approval %q rejected", node.ID)
			if resolved.DecisionReason != nil && *resolved.DecisionReason != "" {
				reason = *resolved.DecisionReason
			}
			return e.reject(inst, front, reason)
		}
		// Still pending: fall through and suspend.
	}

	if _, err := e.store.PendingAction(inst.ID, node.ID); err == nil {
		// Already suspended here; repeated advance calls are no-ops.
		front.add(node.ID)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	role := node.Config.ApproverRole
	if role == "" {
		return e.fail(inst, front, node.ID, "approval node has no approver role configured")
	}

	action := models.Action{
		ID:           uuid.NewString(),
		InstanceID:   inst.ID,
		TenantID:     inst.TenantID,
		NodeID:       node.ID,
		NodeType:     models.ApprovalNode,
		AssigneeRole: role,
		Status:       models.PendingActionStatus,
		CreatedAt:    e.clock.Now(),
	}
	if deadline, ok := e.escalationDeadline(def, inst, node, action.CreatedAt); ok {
		action.EscalateAfter = &deadline
	}
	if err := e.store.SaveAction(action); err != nil {
		return err
	}
	e.audit.Record(models.AuditEntry{
		TenantID:   inst.TenantID,
		EntityType: "workflow_action",
		EntityID:   action.ID,
		Action:     models.AuditActionCreated,
		Details:    models.Payload{"instance_id": inst.ID, "node_id": node.ID, "assignee_role": role},
	})
	if err := e.notifier.Notify(inst.TenantID, node, inst.TriggerPayload); err != nil {
		e.logger.Errorf("Failed to notify approver role %s for action %s: %v", role, action.ID, err)
	}
	front.add(node.ID)
	return nil
}

// stepEscalate annotates the pending action of a preceding approval node
// with its SLA deadline. It never creates an action itself; the sweep picks
// the deadline up later. The branch continues if a successor exists,
// otherwise it simply ends.
func (e *Engine) stepEscalate(def models.Definition, inst *models.Instance, front *frontier, worklist *[]string, node models.Node) error {
	days := node.Config.AutoApproveDays
	if days <= 0 {
		if snap, ok := inst.TriggerPayload.Policy(); ok {
			days = snap.AutoApproveDays
		}
	}
	if days <= 0 {
		return e.fail(inst, front, node.ID, "escalate node has no SLA configured (autoApproveDays)")
	}

	for _, in := range def.Incoming(node.ID) {
		prev, ok := def.FindNode(in.FromNodeID)
		if !ok || prev.Type != models.ApprovalNode {
			continue
		}
		pending, err := e.store.PendingAction(inst.ID, prev.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		deadline := pending.CreatedAt.Add(time.Duration(days) * 24 * time.Hour)
		if err := e.store.SetActionEscalation(pending.ID, deadline); err != nil {
			return err
		}
		e.logger.Infof("Annotated action %s with escalation deadline %s", pending.ID, deadline.Format(time.RFC3339))
	}

	out := def.Outgoing(node.ID)
	if len(out) == 0 {
		front.remove(node.ID)
		return nil
	}
	return e.move(def, inst, front, worklist, node.ID, out[0].ToNodeID)
}

// escalationDeadline derives the SLA for a freshly created approval action:
// the policy snapshot frozen at start time wins, then the approval node's
// own config, then an adjacent escalate successor. Zero means no SLA.
func (e *Engine) escalationDeadline(def models.Definition, inst *models.Instance, node models.Node, createdAt time.Time) (time.Time, bool) {
	days := 0
	if snap, ok := inst.TriggerPayload.Policy(); ok && snap.AutoApproveDays > 0 {
		days = snap.AutoApproveDays
	}
	if days == 0 && node.Config.AutoApproveDays > 0 {
		days = node.Config.AutoApproveDays
	}
	if days == 0 {
		for _, edge := range def.Outgoing(node.ID) {
			if succ, ok := def.FindNode(edge.ToNodeID); ok && succ.Type == models.EscalateNode && succ.Config.AutoApproveDays > 0 {
				days = succ.Config.AutoApproveDays
				break
			}
		}
	}
	if days == 0 {
		return time.Time{}, false
	}
	return createdAt.Add(time.Duration(days) * 24 * time.Hour), true
}

// move shifts a branch from one node to the next, handling fan-in: a
// successor fed by several branches is stepped once, by the last arriving
// branch. "Last" cannot be read off the static indegree, because condition
// and policy_check nodes take exactly one of their outgoing edges and the
// untaken alternatives never deliver. The join therefore waits only while
// another live branch can still reach it; arrivals are recorded as durable
// rows so the waited-on state survives process restarts. A plain loop-back
// edge into a node never parks a single-branch instance.
func (e *Engine) move(def models.Definition, inst *models.Instance, front *frontier, worklist *[]string, fromID, toID string) error {
	front.remove(fromID)
	if len(def.Incoming(toID)) >= 2 {
		if err := e.store.RecordArrival(inst.ID, toID, fromID); err != nil {
			return err
		}
		if e.liveFeeder(def, front, toID) {
			front.add(toID)
			return nil
		}
	}
	front.add(toID)
	*worklist = appendUnique(*worklist, toID)
	return nil
}

// releaseJoins finds parked joins whose remaining feeders have all ended
// without arriving (e.g. a sibling condition branch routed elsewhere) and
// returns them for stepping. An approval that already has its pending
// action is suspended, not parked, and stays put.
func (e *Engine) releaseJoins(def models.Definition, inst *models.Instance, front *frontier) ([]string, error) {
	var out []string
	for _, id := range front.ids {
		node, ok := def.FindNode(id)
		if !ok {
			continue
		}
		if node.Type == models.ApprovalNode {
			if _, err := e.store.PendingAction(inst.ID, id); err == nil {
				continue
			} else if !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
		}
		arrived, err := e.store.CountArrivals(inst.ID, id)
		if err != nil {
			return nil, err
		}
		if arrived == 0 {
			continue
		}
		if e.liveFeeder(def, front, id) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// liveFeeder reports whether any other live branch can still reach the
// node through the graph.
func (e *Engine) liveFeeder(def models.Definition, front *frontier, nodeID string) bool {
	for _, id := range front.ids {
		if id == nodeID {
			continue
		}
		if reaches(def, id, nodeID) {
			return true
		}
	}
	return false
}

func reaches(def models.Definition, fromID, toID string) bool {
	seen := make(map[string]bool)
	queue := []string{fromID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, edge := range def.Outgoing(id) {
			if edge.ToNodeID == toID {
				return true
			}
			queue = append(queue, edge.ToNodeID)
		}
	}
	return false
}

// reject terminates the whole instance: any single rejection in a chain
// aborts it. Sibling pending actions are closed so they cannot linger in
// anyone's queue; their close is recorded as a system decision.
func (e *Engine) reject(inst *models.Instance, front *frontier, reason string) error {
	pendings, err := e.store.PendingActionsByInstance(inst.ID)
	if err != nil {
		return err
	}
	for _, p := range pendings {
		if _, err := e.store.ResolveAction(p.ID, models.RejectedActionStatus, nil, "instance rejected", e.clock.Now()); err != nil {
			return err
		}
	}
	front.clear()
	inst.Status = models.RejectedInstanceStatus
	e.audit.Record(models.AuditEntry{
		TenantID:   inst.TenantID,
		EntityType: "workflow_instance",
		EntityID:   inst.ID,
		Action:     models.AuditInstanceRejected,
		Reason:     reason,
	})
	return nil
}

// fail freezes the instance in error status. The failing node and detail go
// to the audit log for operator inspection; there is no automatic retry.
func (e *Engine) fail(inst *models.Instance, front *frontier, nodeID, reason string) error {
	front.clear()
	inst.Status = models.ErrorInstanceStatus
	e.audit.Record(models.AuditEntry{
		TenantID:   inst.TenantID,
		EntityType: "workflow_instance",
		EntityID:   inst.ID,
		Action:     models.AuditInstanceError,
		Reason:     reason,
		Details:    models.Payload{"node_id": nodeID},
	})
	e.logger.Errorf("Instance %s frozen in error at node %s: %s", inst.ID, nodeID, reason)
	return &ExecutionError{InstanceID: inst.ID, NodeID: nodeID, Reason: reason}
}

func (e *Engine) traceStep(node models.Node) {
	if e.trace != nil {
		e.trace(Step{NodeID: node.ID, NodeType: node.Type, Label: node.Label})
	}
}

// frontier is the ordered set of live branch positions.
type frontier struct {
	ids []string
}

func newFrontier(ids []string) *frontier {
	f := &frontier{}
	for _, id := range ids {
		f.add(id)
	}
	return f
}

func (f *frontier) add(id string) {
	for _, existing := range f.ids {
		if existing == id {
			return
		}
	}
	f.ids = append(f.ids, id)
}

func (f *frontier) remove(id string) {
	for i, existing := range f.ids {
		if existing == id {
			f.ids = append(f.ids[:i], f.ids[i+1:]...)
			return
		}
	}
}

func (f *frontier) clear() {
	f.ids = nil
}

func (f *frontier) len() int {
	return len(f.ids)
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
