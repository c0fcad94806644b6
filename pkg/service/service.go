package service

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

// WorkflowService is the entry point for everything the HTTP layer, the CLI
// and the escalation scheduler do: definition lifecycle, instance creation,
// decisions and dry runs. All state lives in the store; the service itself
// is safe for concurrent use.
type WorkflowService struct {
	store    storage.Store
	logger   Logger
	notifier Notifier
	audit    *AuditLogger
	clock    Clock
}

// Option configures a WorkflowService.
type Option func(*WorkflowService)

// WithNotifier replaces the default log-only notifier.
func WithNotifier(n Notifier) Option {
	return func(s *WorkflowService) { s.notifier = n }
}

// WithClock replaces the system clock, used by tests.
func WithClock(c Clock) Option {
	return func(s *WorkflowService) { s.clock = c }
}

func NewWorkflowService(store storage.Store, logger Logger, opts ...Option) *WorkflowService {
	s := &WorkflowService{
		store:  store,
		logger: logger,
		clock:  SystemClock(),
	}
	s.notifier = NewLogNotifier(logger)
	s.audit = NewAuditLogger(store, logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WorkflowService) engineFor(store storage.Store) *Engine {
	return NewEngine(store, s.notifier, s.audit.withStore(store), s.logger, s.clock)
}

// CreateDefinition stores a new workflow graph. With publish set the graph
// must validate cleanly and becomes instantiable immediately; otherwise it
// is saved as a draft. A name that already has versions gets the next
// version number.
func (s *WorkflowService) CreateDefinition(tenantID, createdBy, name string, nodes []models.Node, edges []models.Edge, publish bool) (def models.Definition, err error) {
	if tenantID == "" {
		return models.Definition{}, errors.New("tenant id cannot be empty")
	}
	if name == "" {
		return models.Definition{}, errors.New("workflow name cannot be empty")
	}
	if len(name) > 100 {
		return models.Definition{}, errors.New("workflow name too long (max 100 characters)")
	}

	def = models.Definition{
		TenantID:  tenantID,
		Name:      name,
		Status:    models.DraftDefinitionStatus,
		Nodes:     models.NodeList(nodes),
		Edges:     models.EdgeList(edges),
		CreatedBy: createdBy,
	}
	if publish {
		if err := ValidateDefinition(def); err != nil {
			return models.Definition{}, err
		}
		def.Status = models.PublishedDefinitionStatus
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Definition{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	version, err := txStore.LatestDefinitionVersion(tenantID, name)
	if err != nil {
		return models.Definition{}, err
	}
	def.Version = version + 1
	now := s.clock.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	id, err := txStore.SaveDefinition(def)
	if err != nil {
		return models.Definition{}, err
	}
	def.ID = id
	s.logger.Infof("Created workflow definition '%s' v%d (%s) with ID %d for tenant %s", name, def.Version, def.Status, id, tenantID)
	return def, nil
}

// PublishDefinition validates a draft and flips it to published. Published
// definitions are immutable; republishing an edited graph goes through
// CreateDefinition and yields a new version.
func (s *WorkflowService) PublishDefinition(tenantID string, id int64) (def models.Definition, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.Definition{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	def, err = txStore.GetDefinition(tenantID, id)
	if err != nil {
		return models.Definition{}, err
	}
	if def.Status == models.PublishedDefinitionStatus {
		return models.Definition{}, errors.Errorf("workflow definition %d is already published", id)
	}
	if err = ValidateDefinition(def); err != nil {
		return models.Definition{}, err
	}
	if err = txStore.UpdateDefinitionStatus(tenantID, id, models.PublishedDefinitionStatus); err != nil {
		return models.Definition{}, err
	}
	def.Status = models.PublishedDefinitionStatus
	s.logger.Infof("Published workflow definition %d for tenant %s", id, tenantID)
	return def, nil
}

func (s *WorkflowService) GetDefinition(tenantID string, id int64) (models.Definition, error) {
	return s.store.GetDefinition(tenantID, id)
}

func (s *WorkflowService) ListDefinitions(tenantID string) ([]models.Definition, error) {
	return s.store.ListDefinitions(tenantID)
}

// StartInstance creates a running instance of a published definition and
// advances it through the graph until the first suspension point (or a
// terminal node). The approval policy in force is snapshotted into the
// payload so later policy edits cannot change SLA behavior mid-flight.
func (s *WorkflowService) StartInstance(tenantID, createdBy string, definitionID int64, payload models.Payload) (inst models.Instance, err error) {
	def, err := s.store.GetDefinition(tenantID, definitionID)
	if err != nil {
		return models.Instance{}, err
	}
	if def.Status != models.PublishedDefinitionStatus {
		return models.Instance{}, errors.Errorf("workflow definition %d is not published", definitionID)
	}
	trigger, ok := def.Trigger()
	if !ok {
		return models.Instance{}, errors.Errorf("workflow definition %d has no trigger node", definitionID)
	}

	if payload == nil {
		payload = models.Payload{}
	}
	if _, ok := payload.Policy(); !ok {
		if snap, ok := definitionPolicy(def); ok {
			payload = payload.WithPolicy(snap)
		}
	}

	now := s.clock.Now()
	inst = models.Instance{
		ID:             uuid.NewString(),
		DefinitionID:   def.ID,
		TenantID:       tenantID,
		Status:         models.RunningInstanceStatus,
		CurrentNodeIDs: pq.StringArray{trigger.ID},
		TriggerPayload: payload,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Instance{}, err
	}
	defer func() {
		// An execution error is committed, not rolled back: the frozen
		// instance is the record operators inspect.
		if err != nil && !IsExecution(err) {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.SaveInstance(inst); err != nil {
		return models.Instance{}, err
	}
	s.audit.withStore(txStore).Record(models.AuditEntry{
		TenantID:   tenantID,
		EntityType: "workflow_instance",
		EntityID:   inst.ID,
		Action:     models.AuditInstanceStarted,
		ActorID:    &createdBy,
		Details:    models.Payload{"workflow_id": def.ID, "workflow_version": def.Version},
	})

	err = s.engineFor(txStore).Advance(def, &inst, nil)
	if err != nil {
		return inst, err
	}
	s.logger.Infof("Started instance %s of workflow %d for tenant %s", inst.ID, def.ID, tenantID)
	return inst, nil
}

// Decide applies a human decision to a pending action and resumes the
// instance. The pending->resolved transition is a conditional update; a
// caller that loses the race gets a ConflictError and the instance is
// advanced exactly once.
func (s *WorkflowService) Decide(tenantID, userID, userRole, actionID string, decision models.ActionStatus, reason string) (inst models.Instance, err error) {
	if decision != models.ApprovedActionStatus && decision != models.RejectedActionStatus {
		return models.Instance{}, errors.Errorf("invalid decision %q; must be 'approved' or 'rejected'", decision)
	}

	// Resolving the action and advancing the instance happen in one
	// transaction: a failed resume must roll the resolution back too,
	// never leave a decided action with a stale frontier.
	txStore, err := s.store.Begin()
	if err != nil {
		return models.Instance{}, err
	}
	defer func() {
		if err != nil && !IsExecution(err) {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	action, err := txStore.GetAction(actionID)
	if err != nil {
		return models.Instance{}, err
	}
	if action.TenantID != tenantID {
		return models.Instance{}, &TenantMismatchError{Tenant: tenantID, Entity: fmt.Sprintf("action %s", actionID)}
	}
	if action.AssigneeRole != userRole {
		return models.Instance{}, &PermissionError{Role: userRole, Required: action.AssigneeRole}
	}

	now := s.clock.Now()
	won, err := txStore.ResolveAction(actionID, decision, &userID, reason, now)
	if err != nil {
		return models.Instance{}, err
	}
	if !won {
		return models.Instance{}, &ConflictError{ActionID: actionID}
	}

	s.audit.withStore(txStore).Record(models.AuditEntry{
		TenantID:   tenantID,
		EntityType: "workflow_action",
		EntityID:   actionID,
		Action:     models.AuditActionDecided,
		ActorID:    &userID,
		Reason:     reason,
		Details:    models.Payload{"decision": string(decision), "instance_id": action.InstanceID},
	})

	action.Status = decision
	action.DecidedBy = &userID
	action.DecidedAt = &now
	if reason != "" {
		action.DecisionReason = &reason
	}
	s.logger.Infof("Action %s decided %s by %s (%s)", actionID, decision, userID, userRole)
	return s.advanceFrom(txStore, action)
}

// advanceFrom re-enters the engine on the store that resolved the action.
// Shared by human decisions and the escalation scheduler.
func (s *WorkflowService) advanceFrom(txStore storage.Store, action models.Action) (models.Instance, error) {
	inst, err := txStore.GetInstance(action.TenantID, action.InstanceID)
	if err != nil {
		return models.Instance{}, err
	}
	def, err := txStore.GetDefinition(action.TenantID, inst.DefinitionID)
	if err != nil {
		return models.Instance{}, err
	}
	err = s.engineFor(txStore).Advance(def, &inst, &action)
	return inst, err
}

// PendingActions lists the open actions assigned to a role within a tenant.
func (s *WorkflowService) PendingActions(tenantID, role string) ([]models.Action, error) {
	return s.store.PendingActionsByRole(tenantID, role)
}

// GetInstance fetches an instance together with its action history.
func (s *WorkflowService) GetInstance(tenantID, id string) (models.Instance, []models.Action, error) {
	inst, err := s.store.GetInstance(tenantID, id)
	if err != nil {
		return models.Instance{}, nil, err
	}
	actions, err := s.store.ListActionsByInstance(id)
	if err != nil {
		return models.Instance{}, nil, err
	}
	return inst, actions, nil
}

// AuditTrail returns the append-only history of an entity.
func (s *WorkflowService) AuditTrail(tenantID, entityType, entityID string) ([]models.AuditEntry, error) {
	return s.store.ListAuditEntries(tenantID, entityType, entityID)
}

// DryRunResult is what a simulated advance over an unsaved graph produces.
type DryRunResult struct {
	Steps     []Step                `json:"steps"`
	Approvals []models.Action       `json:"approvals"`
	Status    models.InstanceStatus `json:"status"`
}

// DryRun simulates a single advance over an unsaved graph without
// persisting anything: the walk runs against a throwaway in-memory store.
// Used by the graph editor for previews.
func (s *WorkflowService) DryRun(tenantID string, nodes []models.Node, edges []models.Edge, payload models.Payload) (DryRunResult, error) {
	def := models.Definition{
		TenantID: tenantID,
		Status:   models.PublishedDefinitionStatus,
		Nodes:    models.NodeList(nodes),
		Edges:    models.EdgeList(edges),
	}
	if err := ValidateDefinition(def); err != nil {
		return DryRunResult{}, err
	}
	trigger, _ := def.Trigger()

	if payload == nil {
		payload = models.Payload{}
	}
	mem := storage.NewMockStore()
	inst := models.Instance{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Status:         models.RunningInstanceStatus,
		CurrentNodeIDs: pq.StringArray{trigger.ID},
		TriggerPayload: payload,
		CreatedAt:      s.clock.Now(),
	}
	if err := mem.SaveInstance(inst); err != nil {
		return DryRunResult{}, err
	}

	var steps []Step
	engine := NewEngine(mem, s.notifier, NewAuditLogger(mem, s.logger), s.logger, s.clock)
	engine.trace = func(step Step) { steps = append(steps, step) }
	if err := engine.Advance(def, &inst, nil); err != nil && !IsExecution(err) {
		return DryRunResult{}, err
	}
	approvals, err := mem.PendingActionsByInstance(inst.ID)
	if err != nil {
		return DryRunResult{}, err
	}
	return DryRunResult{Steps: steps, Approvals: approvals, Status: inst.Status}, nil
}

// definitionPolicy derives the policy snapshot from the graph itself when
// the trigger payload does not carry one: the first SLA found on an
// escalate or approval node.
func definitionPolicy(def models.Definition) (models.PolicySnapshot, bool) {
	for _, n := range def.Nodes {
		if (n.Type == models.EscalateNode || n.Type == models.ApprovalNode) && n.Config.AutoApproveDays > 0 {
			snap := models.PolicySnapshot{AutoApproveDays: n.Config.AutoApproveDays}
			if n.Config.DefaultDecision != "" {
				snap.DefaultDecision = n.Config.DefaultDecision
			}
			return snap, true
		}
	}
	return models.PolicySnapshot{}, false
}
