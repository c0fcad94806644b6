package service

import (
	"fmt"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
)

// ValidateDefinition checks the structural well-formedness of a workflow
// graph. It is pure: no side effects, and it collects every violation
// instead of stopping at the first. A definition may only be published when
// the returned error is nil.
func ValidateDefinition(d models.Definition) error {
	var violations []string

	nodeIDs := make(map[string]bool, len(d.Nodes))
	var triggers []models.Node
	for _, n := range d.Nodes {
		if n.ID == "" {
			violations = append(violations, "node with empty id")
			continue
		}
		if nodeIDs[n.ID] {
			violations = append(violations, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true
		if n.Type == models.TriggerNode {
			triggers = append(triggers, n)
		}
	}

	if len(triggers) == 0 {
		violations = append(violations, "workflow must have exactly one trigger node, found none")
	} else if len(triggers) > 1 {
		violations = append(violations, fmt.Sprintf("workflow must have exactly one trigger node, found %d", len(triggers)))
	}

	incoming := make(map[string]int)
	for _, e := range d.Edges {
		if !nodeIDs[e.FromNodeID] {
			violations = append(violations, fmt.Sprintf("edge references unknown node %q", e.FromNodeID))
			continue
		}
		if !nodeIDs[e.ToNodeID] {
			violations = append(violations, fmt.Sprintf("edge references unknown node %q", e.ToNodeID))
			continue
		}
		incoming[e.ToNodeID]++
	}

	for _, n := range d.Nodes {
		if n.Type == models.TriggerNode {
			if incoming[n.ID] > 0 {
				violations = append(violations, fmt.Sprintf("trigger node %q must not have incoming edges", n.ID))
			}
			continue
		}
		if incoming[n.ID] == 0 {
			violations = append(violations, fmt.Sprintf("node %q is not connected: no incoming edges", n.ID))
		}
	}

	for _, n := range d.Nodes {
		out := d.Outgoing(n.ID)
		switch n.Type {
		case models.ConditionNode:
			if len(out) != 2 {
				violations = append(violations, fmt.Sprintf("condition node %q must have exactly two outgoing edges, found %d", n.ID, len(out)))
				break
			}
			labels := map[string]bool{}
			for _, e := range out {
				labels[e.Label] = true
			}
			if !labels[models.TrueEdgeLabel] || !labels[models.FalseEdgeLabel] {
				violations = append(violations, fmt.Sprintf("condition node %q edges must be labeled %q and %q", n.ID, models.TrueEdgeLabel, models.FalseEdgeLabel))
			}
			if n.Config.Rule == "" {
				violations = append(violations, fmt.Sprintf("condition node %q has no rule configured", n.ID))
			}
		case models.PolicyCheckNode:
			if n.Config.Rule == "" {
				violations = append(violations, fmt.Sprintf("policy check node %q has no rule configured", n.ID))
			}
			if _, ok := passEdge(d, n.ID); !ok {
				violations = append(violations, fmt.Sprintf("policy check node %q has no pass edge", n.ID))
			}
		case models.ParallelNode:
			if len(out) < 2 {
				violations = append(violations, fmt.Sprintf("parallel node %q must have at least two outgoing edges, found %d", n.ID, len(out)))
			}
		case models.ApprovalNode:
			if n.Config.ApproverRole == "" {
				violations = append(violations, fmt.Sprintf("approval node %q has no approver role configured", n.ID))
			}
		}
	}

	// Reachability from the trigger; only meaningful with a single trigger
	// and structurally sound edges.
	if len(triggers) == 1 && len(violations) == 0 {
		reached := make(map[string]bool)
		queue := []string{triggers[0].ID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if reached[id] {
				continue
			}
			reached[id] = true
			for _, e := range d.Outgoing(id) {
				queue = append(queue, e.ToNodeID)
			}
		}
		for _, n := range d.Nodes {
			if !reached[n.ID] {
				violations = append(violations, fmt.Sprintf("node %q is not reachable from the trigger", n.ID))
			}
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// passEdge resolves the edge a policy check follows on success: an edge
// labeled "pass" or "true", falling back to a single unlabeled edge.
func passEdge(d models.Definition, nodeID string) (models.Edge, bool) {
	if e, ok := d.OutgoingLabeled(nodeID, models.PassEdgeLabel); ok {
		return e, true
	}
	if e, ok := d.OutgoingLabeled(nodeID, models.TrueEdgeLabel); ok {
		return e, true
	}
	out := d.Outgoing(nodeID)
	if len(out) == 1 && out[0].Label == "" {
		return out[0], true
	}
	return models.Edge{}, false
}

// failEdge resolves the optional edge a policy check follows on failure.
func failEdge(d models.Definition, nodeID string) (models.Edge, bool) {
	if e, ok := d.OutgoingLabeled(nodeID, models.FailEdgeLabel); ok {
		return e, true
	}
	if e, ok := d.OutgoingLabeled(nodeID, models.FalseEdgeLabel); ok {
		return e, true
	}
	return models.Edge{}, false
}
