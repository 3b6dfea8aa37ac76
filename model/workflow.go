package model

import "time"

// Instance origin constants.
const (
	OriginManual       = "manual"
	OriginExternalForm = "external_form"
	OriginImport       = "import"
)

// ProcessInstance is one concrete workflow execution, currently sitting in
// one phase of its type.
type ProcessInstance struct {
	ID        string    `json:"id"`
	TypeID    string    `json:"type_id"`
	PhaseID   string    `json:"phase_id"`
	Number    string    `json:"number"`
	Data      Data      `json:"data"`
	OwnerID   *string   `json:"owner_id,omitempty"`
	CreatorID *string   `json:"creator_id,omitempty"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// IsExternal reports whether the instance was opened without a creating user.
func (i ProcessInstance) IsExternal() bool {
	return i.CreatorID == nil
}

// Clone returns a deep copy so callers cannot alias stored state.
func (i ProcessInstance) Clone() ProcessInstance {
	out := i
	out.Data = i.Data.Clone()
	if i.OwnerID != nil {
		v := *i.OwnerID
		out.OwnerID = &v
	}
	if i.CreatorID != nil {
		v := *i.CreatorID
		out.CreatorID = &v
	}
	return out
}

// EventKind tags the variant of an AuditEvent.
type EventKind string

// Audit event kinds.
const (
	EventCreation    EventKind = "creation"
	EventPhaseChange EventKind = "phase_change"
	EventDataEdit    EventKind = "data_edit"
	EventAssignment  EventKind = "assignment"
	EventComment     EventKind = "comment"
)

// IsValid reports whether k is one of the five known kinds.
func (k EventKind) IsValid() bool {
	switch k {
	case EventCreation, EventPhaseChange, EventDataEdit, EventAssignment, EventComment:
		return true
	}
	return false
}

// AuditEvent is one immutable record of a state-changing action taken
// against a ProcessInstance. Snapshot holds the kind-specific payload.
type AuditEvent struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	Kind        EventKind      `json:"kind"`
	FromPhaseID *string        `json:"from_phase_id,omitempty"`
	ToPhaseID   *string        `json:"to_phase_id,omitempty"`
	ActorID     *string        `json:"actor_id,omitempty"`
	Notes       string         `json:"notes"`
	Snapshot    map[string]any `json:"snapshot,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *s, or "" when s is nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
