package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultSweepBatch    = 50
)

// Escalator is the SLA scheduler: a periodic sweep that auto-resolves
// pending actions whose escalation deadline has elapsed and resumes their
// instances. It is constructed once at startup with injected dependencies
// (store, clock, batch size) so tests drive it with a fake clock; it keeps
// no state of its own, and overlapping sweeps are safe because the
// pending->resolved transition is the same conditional update human
// decisions go through.
type Escalator struct {
	store     storage.Store
	svc       *WorkflowService
	logger    Logger
	clock     Clock
	interval  time.Duration
	batchSize int
	decision  models.ActionStatus
}

// EscalatorOption configures an Escalator.
type EscalatorOption func(*Escalator)

func WithSweepInterval(d time.Duration) EscalatorOption {
	return func(e *Escalator) { e.interval = d }
}

func WithSweepBatch(n int) EscalatorOption {
	return func(e *Escalator) { e.batchSize = n }
}

// WithDefaultDecision sets the resolution applied on SLA breach; approved
// unless configured otherwise.
func WithDefaultDecision(s models.ActionStatus) EscalatorOption {
	return func(e *Escalator) { e.decision = s }
}

func WithEscalatorClock(c Clock) EscalatorOption {
	return func(e *Escalator) { e.clock = c }
}

func NewEscalator(store storage.Store, svc *WorkflowService, logger Logger, opts ...EscalatorOption) *Escalator {
	e := &Escalator{
		store:     store,
		svc:       svc,
		logger:    logger,
		clock:     SystemClock(),
		interval:  DefaultSweepInterval,
		batchSize: DefaultSweepBatch,
		decision:  models.ApprovedActionStatus,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs the sweep loop until the context is cancelled.
func (e *Escalator) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.Sweep(); err != nil {
					e.logger.Errorf("Escalation sweep failed: %v", err)
				}
			}
		}
	}()
	e.logger.Infof("Escalation scheduler started (interval %s, batch %d, default decision %s)", e.interval, e.batchSize, e.decision)
}

// Sweep resolves one batch of overdue actions and returns how many it
// actually escalated. A failure on one action is logged and the sweep moves
// on; only the candidate query itself can abort the batch.
func (e *Escalator) Sweep() (int, error) {
	now := e.clock.Now()
	candidates, err := e.store.ExpiredPendingActions(now, e.batchSize)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, action := range candidates {
		if err := e.escalate(action, now); err != nil {
			e.logger.Errorf("Failed to escalate action %s: %v", action.ID, err)
			continue
		}
		escalated++
	}
	if escalated > 0 {
		e.logger.Infof("Escalation sweep resolved %d action(s)", escalated)
	}
	return escalated, nil
}

func (e *Escalator) escalate(action models.Action, now time.Time) (err error) {
	// Same transaction shape as a human decision: the resolution and the
	// resume commit or roll back together.
	txStore, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && !IsExecution(err) {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	reason := e.breachReason(action)
	won, err := txStore.ResolveAction(action.ID, e.decision, nil, reason, now)
	if err != nil {
		return err
	}
	if !won {
		// A human decision (or a concurrent sweep) got there first.
		return nil
	}

	e.svc.audit.withStore(txStore).Record(models.AuditEntry{
		TenantID:   action.TenantID,
		EntityType: "workflow_action",
		EntityID:   action.ID,
		Action:     models.AuditActionEscalated,
		Reason:     reason,
		Details:    models.Payload{"instance_id": action.InstanceID, "node_id": action.NodeID, "decision": string(e.decision)},
	})

	action.Status = e.decision
	action.DecidedBy = nil
	action.DecidedAt = &now
	action.DecisionReason = &reason
	// Execution faults freeze the instance and are committed; the action
	// itself is resolved either way.
	_, err = e.svc.advanceFrom(txStore, action)
	return err
}

// breachReason renders the reason string with the SLA length in days,
// recovered from the deadline the action was annotated with.
func (e *Escalator) breachReason(action models.Action) string {
	days := 0
	if action.EscalateAfter != nil {
		days = int(math.Round(action.EscalateAfter.Sub(action.CreatedAt).Hours() / 24))
	}
	verb := "Auto-approved"
	if e.decision == models.RejectedActionStatus {
		verb = "Auto-rejected"
	}
	return fmt.Sprintf("%s due to SLA breach (%d days)", verb, days)
}
