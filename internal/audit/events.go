// Package audit builds and reads the append-only event log recorded for
// every change made to a process instance.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/Yaduri/workflow-system/model"
)

// Default notes used when the caller supplies none.
const (
	DefaultCreationNotes   = "Instance created"
	DefaultDataEditNotes   = "Form data edited"
	DefaultAssignmentNotes = "Owner assigned"
)

// Snapshot keys.
const (
	KeyOrigin        = "origin"
	KeyFromPhaseName = "from_phase_name"
	KeyToPhaseName   = "to_phase_name"
	KeyPreviousOwner = "previous_owner"
	KeyNewOwner      = "new_owner"
	KeyPrevious      = "previous"
	KeyNew           = "new"
)

// Change is the before and after value of one field in a data edit. The
// absent value on either side means the field was missing.
type Change struct {
	Previous model.Value
	New      model.Value
}

// Recorder is the only constructor of audit events. Each method builds the
// event for one kind of change with its kind-specific snapshot.
type Recorder struct {
	now   func() time.Time
	newID func() string
}

// NewRecorder creates a Recorder stamping events with now. A nil now uses
// time.Now.
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now, newID: uuid.NewString}
}

func (r *Recorder) event(inst model.ProcessInstance, kind model.EventKind, actorID *string, notes string) model.AuditEvent {
	return model.AuditEvent{
		ID:         r.newID(),
		InstanceID: inst.ID,
		Kind:       kind,
		ActorID:    actorID,
		Notes:      notes,
		CreatedAt:  r.now().UTC(),
	}
}

// Creation records that inst was created in its current phase.
func (r *Recorder) Creation(inst model.ProcessInstance, actorID *string, notes string) model.AuditEvent {
	if notes == "" {
		notes = DefaultCreationNotes
	}
	ev := r.event(inst, model.EventCreation, actorID, notes)
	ev.ToPhaseID = model.StringPtr(inst.PhaseID)
	ev.Snapshot = map[string]any{KeyOrigin: inst.Origin}
	return ev
}

// PhaseChange records a move from one phase to another.
func (r *Recorder) PhaseChange(inst model.ProcessInstance, from, to model.Phase, actorID *string, notes string) model.AuditEvent {
	ev := r.event(inst, model.EventPhaseChange, actorID, notes)
	ev.FromPhaseID = model.StringPtr(from.ID)
	ev.ToPhaseID = model.StringPtr(to.ID)
	ev.Snapshot = map[string]any{
		KeyFromPhaseName: from.Name,
		KeyToPhaseName:   to.Name,
	}
	return ev
}

// DataEdit records the previous and new value of every changed field.
func (r *Recorder) DataEdit(inst model.ProcessInstance, changes map[string]Change, actorID *string, notes string) model.AuditEvent {
	if notes == "" {
		notes = DefaultDataEditNotes
	}
	ev := r.event(inst, model.EventDataEdit, actorID, notes)
	ev.Snapshot = make(map[string]any, len(changes))
	for field, c := range changes {
		ev.Snapshot[field] = map[string]any{
			KeyPrevious: c.Previous.Raw(),
			KeyNew:      c.New.Raw(),
		}
	}
	return ev
}

// Assignment records an owner change. Either owner may be nil for
// "unassigned"; the snapshot stores usernames.
func (r *Recorder) Assignment(inst model.ProcessInstance, previous, next *model.User, actorID *string, notes string) model.AuditEvent {
	if notes == "" {
		notes = DefaultAssignmentNotes
	}
	ev := r.event(inst, model.EventAssignment, actorID, notes)
	ev.Snapshot = map[string]any{
		KeyPreviousOwner: username(previous),
		KeyNewOwner:      username(next),
	}
	return ev
}

// Comment records free text against inst.
func (r *Recorder) Comment(inst model.ProcessInstance, actorID *string, text string) model.AuditEvent {
	return r.event(inst, model.EventComment, actorID, text)
}

func username(u *model.User) any {
	if u == nil {
		return nil
	}
	return u.Username
}
