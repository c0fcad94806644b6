package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

// AuditLogger appends audit entries. Record is fire-and-forget: a storage
// failure is logged for operator follow-up but never propagated, so an
// observability outage cannot block a business transition.
type AuditLogger struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewAuditLogger(store storage.Store, logger Logger) *AuditLogger {
	return &AuditLogger{store: store, logger: logger, now: time.Now}
}

func (a *AuditLogger) Record(e models.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now()
	}
	if err := a.store.SaveAuditEntry(e); err != nil {
		a.logger.Errorf("Failed to record audit entry %s/%s %s: %v", e.EntityType, e.EntityID, e.Action, err)
	}
}

// withStore returns a copy bound to another store, typically a transaction.
func (a *AuditLogger) withStore(store storage.Store) *AuditLogger {
	return &AuditLogger{store: store, logger: a.logger, now: a.now}
}
