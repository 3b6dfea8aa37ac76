// Package store persists process instances, per-type sequence counters and
// the append-only audit trail. Every mutation runs inside InTx so that an
// instance change and its audit event commit or roll back together.
package store

import (
	"context"
	"strconv"
	"strings"

	"github.com/Yaduri/workflow-system/model"
)

// Store is the transactional persistence boundary of the engine.
type Store interface {
	// InTx runs fn inside a serializable transaction. The transaction
	// commits when fn returns nil and rolls back otherwise. Lock waits are
	// bounded; a timeout or detected write conflict surfaces as CONFLICT.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetInstance reads a committed instance. Returns NOT_FOUND if absent.
	GetInstance(ctx context.Context, instanceID string) (model.ProcessInstance, error)

	// FindInstances lists committed instances newest first and reports the
	// total number of matches before limit/offset.
	FindInstances(ctx context.Context, filter InstanceFilter) ([]model.ProcessInstance, int, error)

	// History returns the audit events of an instance newest first,
	// optionally restricted to the given kinds.
	History(ctx context.Context, instanceID string, kinds ...model.EventKind) ([]model.AuditEvent, error)

	// GetEvent reads a single audit event. Returns NOT_FOUND if absent.
	GetEvent(ctx context.Context, eventID string) (model.AuditEvent, error)

	// UpdateEvent always fails with APPEND_ONLY_VIOLATION.
	UpdateEvent(ctx context.Context, event model.AuditEvent) error

	// DeleteEvent always fails with APPEND_ONLY_VIOLATION.
	DeleteEvent(ctx context.Context, eventID string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// LockInstance reads an instance and holds a row lock on it until the
	// transaction ends. Returns NOT_FOUND if absent.
	LockInstance(ctx context.Context, instanceID string) (model.ProcessInstance, error)

	// CreateInstance inserts a new instance. A duplicate ID or number
	// returns CONFLICT.
	CreateInstance(ctx context.Context, inst model.ProcessInstance) error

	// UpdateInstance writes inst if its Version still matches the stored
	// one, incrementing it. A mismatch returns CONFLICT.
	UpdateInstance(ctx context.Context, inst model.ProcessInstance) error

	// AppendEvent inserts an audit event.
	AppendEvent(ctx context.Context, event model.AuditEvent) error

	// NextSequence increments and returns the counter of typeID while
	// holding its row lock. When no counter exists yet, seed is called to
	// obtain the last value already in use.
	NextSequence(ctx context.Context, typeID string, seed func(ctx context.Context) (int, error)) (int, error)

	// MaxInstanceSequence returns the highest sequence among the numbers of
	// all instances of typeID, as read by ParseSequence. It is 0 when the
	// type has no instances.
	MaxInstanceSequence(ctx context.Context, typeID string) (int, error)
}

// InstanceFilter narrows FindInstances. Zero values disable a criterion.
type InstanceFilter struct {
	TypeID   string
	PhaseIDs []string
	OwnerID  string
	Search   string
	Limit    int
	Offset   int
}

// ParseSequence extracts the trailing sequence from an instance number such
// as CRED-2024-007. Numbers that do not end in a sequence yield 0.
func ParseSequence(number string) int {
	parts := strings.Split(number, "-")
	if len(parts) < 3 {
		return 0
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func kindStrings(kinds []model.EventKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
