package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/observability"
	"github.com/Yaduri/workflow-system/internal/store"
	"github.com/Yaduri/workflow-system/model"
)

// Trail is the read side of the audit log.
type Trail struct {
	store  store.Store
	logger *zap.Logger
}

// NewTrail creates a Trail over s. A nil logger discards output.
func NewTrail(s store.Store, logger *zap.Logger) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{store: s, logger: logger}
}

// History returns the events of an instance newest first, optionally
// restricted to the given kinds.
func (t *Trail) History(ctx context.Context, instanceID string, kinds ...model.EventKind) ([]model.AuditEvent, error) {
	for _, k := range kinds {
		if !k.IsValid() {
			return nil, model.NewBadRequestError("unknown event kind " + string(k))
		}
	}
	return t.store.History(ctx, instanceID, kinds...)
}

// Get returns a single event.
func (t *Trail) Get(ctx context.Context, eventID string) (model.AuditEvent, error) {
	return t.store.GetEvent(ctx, eventID)
}

// Update always fails with APPEND_ONLY_VIOLATION.
func (t *Trail) Update(ctx context.Context, ev model.AuditEvent) error {
	err := t.store.UpdateEvent(ctx, ev)
	t.reject(ctx, ev.ID, "update", err)
	return err
}

// Delete always fails with APPEND_ONLY_VIOLATION.
func (t *Trail) Delete(ctx context.Context, eventID string) error {
	err := t.store.DeleteEvent(ctx, eventID)
	t.reject(ctx, eventID, "delete", err)
	return err
}

func (t *Trail) reject(ctx context.Context, eventID, op string, err error) {
	observability.RequestLogger(ctx, t.logger).Error("attempted mutation of audit event",
		zap.String("event_id", eventID),
		zap.String("operation", op),
		zap.Error(err),
	)
}
