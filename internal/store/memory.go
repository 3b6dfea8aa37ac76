package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Yaduri/workflow-system/model"
)

// MemoryStore is an in-memory Store. Transactions are fully serialized by a
// store-wide lock whose acquisition is bounded by the lock timeout; writes
// are staged and applied atomically on commit.
type MemoryStore struct {
	lock        chan struct{}
	lockTimeout time.Duration

	mu        sync.RWMutex
	instances map[string]model.ProcessInstance
	numbers   map[string]string // number -> instance ID
	events    []storedEvent
	eventIdx  map[string]int
	sequences map[string]int
	seq       int64
}

type storedEvent struct {
	seq   int64
	event model.AuditEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &MemoryStore{
		lock:        make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		instances:   make(map[string]model.ProcessInstance),
		numbers:     make(map[string]string),
		eventIdx:    make(map[string]int),
		sequences:   make(map[string]int),
	}
}

// InTx runs fn with exclusive access to the store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.lock <- struct{}{}:
	case <-timer.C:
		return model.NewConflictError("timed out waiting for the store lock")
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.lock }()

	tx := &memoryTx{
		s:         s,
		instances: make(map[string]model.ProcessInstance),
		created:   make(map[string]bool),
		sequences: make(map[string]int),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inst := range tx.instances {
		s.instances[id] = inst
		s.numbers[inst.Number] = id
	}
	for _, ev := range tx.events {
		s.seq++
		s.eventIdx[ev.ID] = len(s.events)
		s.events = append(s.events, storedEvent{seq: s.seq, event: ev})
	}
	for typeID, v := range tx.sequences {
		s.sequences[typeID] = v
	}
}

// GetInstance reads a committed instance.
func (s *MemoryStore) GetInstance(_ context.Context, instanceID string) (model.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return model.ProcessInstance{}, instanceNotFound(instanceID)
	}
	return inst.Clone(), nil
}

// FindInstances lists committed instances newest first.
func (s *MemoryStore) FindInstances(_ context.Context, f InstanceFilter) ([]model.ProcessInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(f.Search))
	var result []model.ProcessInstance
	for _, inst := range s.instances {
		if f.TypeID != "" && inst.TypeID != f.TypeID {
			continue
		}
		if len(f.PhaseIDs) > 0 && !slices.Contains(f.PhaseIDs, inst.PhaseID) {
			continue
		}
		if f.OwnerID != "" && model.Deref(inst.OwnerID) != f.OwnerID {
			continue
		}
		if search != "" && !matchesSearch(inst, search) {
			continue
		}
		result = append(result, inst.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Number > result[j].Number
	})

	total := len(result)
	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return []model.ProcessInstance{}, total, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, total, nil
}

func matchesSearch(inst model.ProcessInstance, search string) bool {
	if strings.Contains(strings.ToLower(inst.Number), search) {
		return true
	}
	for _, v := range inst.Data {
		if strings.Contains(strings.ToLower(v.Text()), search) {
			return true
		}
	}
	return false
}

// History returns events newest first.
func (s *MemoryStore) History(_ context.Context, instanceID string, kinds ...model.EventKind) ([]model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return nil, instanceNotFound(instanceID)
	}

	var matched []storedEvent
	for _, se := range s.events {
		if se.event.InstanceID != instanceID {
			continue
		}
		if len(kinds) > 0 && !slices.Contains(kinds, se.event.Kind) {
			continue
		}
		matched = append(matched, se)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.event.CreatedAt.Equal(b.event.CreatedAt) {
			return a.event.CreatedAt.After(b.event.CreatedAt)
		}
		return a.seq > b.seq
	})

	out := make([]model.AuditEvent, len(matched))
	for i, se := range matched {
		out[i] = cloneEvent(se.event)
	}
	return out, nil
}

// GetEvent reads a single audit event.
func (s *MemoryStore) GetEvent(_ context.Context, eventID string) (model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.eventIdx[eventID]
	if !ok {
		return model.AuditEvent{}, model.NewNotFoundError(fmt.Sprintf("audit event %q not found", eventID))
	}
	return cloneEvent(s.events[i].event), nil
}

// UpdateEvent always fails: the audit trail is append-only.
func (s *MemoryStore) UpdateEvent(_ context.Context, event model.AuditEvent) error {
	return model.NewAppendOnlyError(event.ID, "updated")
}

// DeleteEvent always fails: the audit trail is append-only.
func (s *MemoryStore) DeleteEvent(_ context.Context, eventID string) error {
	return model.NewAppendOnlyError(eventID, "deleted")
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of committed instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// memoryTx stages writes until commit. Reads fall through to committed
// state, which no other transaction can change while this one holds the
// store lock.
type memoryTx struct {
	s         *MemoryStore
	instances map[string]model.ProcessInstance
	created   map[string]bool
	events    []model.AuditEvent
	sequences map[string]int
}

func (tx *memoryTx) read(id string) (model.ProcessInstance, bool) {
	if inst, ok := tx.instances[id]; ok {
		return inst, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	inst, ok := tx.s.instances[id]
	return inst, ok
}

func (tx *memoryTx) LockInstance(_ context.Context, instanceID string) (model.ProcessInstance, error) {
	inst, ok := tx.read(instanceID)
	if !ok {
		return model.ProcessInstance{}, instanceNotFound(instanceID)
	}
	return inst.Clone(), nil
}

func (tx *memoryTx) CreateInstance(_ context.Context, inst model.ProcessInstance) error {
	if _, exists := tx.read(inst.ID); exists {
		return model.NewConflictError(fmt.Sprintf("process instance %q already exists", inst.ID))
	}
	if tx.numberTaken(inst.Number) {
		return model.NewConflictError(fmt.Sprintf("instance number %q is already in use", inst.Number))
	}
	tx.instances[inst.ID] = inst.Clone()
	tx.created[inst.ID] = true
	return nil
}

func (tx *memoryTx) numberTaken(number string) bool {
	for _, inst := range tx.instances {
		if inst.Number == number {
			return true
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	_, ok := tx.s.numbers[number]
	return ok
}

func (tx *memoryTx) UpdateInstance(_ context.Context, inst model.ProcessInstance) error {
	existing, ok := tx.read(inst.ID)
	if !ok {
		return instanceNotFound(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("process instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}
	inst.Version++
	tx.instances[inst.ID] = inst.Clone()
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, event model.AuditEvent) error {
	if _, ok := tx.read(event.InstanceID); !ok {
		return instanceNotFound(event.InstanceID)
	}
	tx.events = append(tx.events, cloneEvent(event))
	return nil
}

func (tx *memoryTx) NextSequence(ctx context.Context, typeID string, seed func(ctx context.Context) (int, error)) (int, error) {
	last, ok := tx.sequences[typeID]
	if !ok {
		tx.s.mu.RLock()
		last, ok = tx.s.sequences[typeID]
		tx.s.mu.RUnlock()
	}
	if !ok {
		var err error
		if last, err = seed(ctx); err != nil {
			return 0, err
		}
	}
	tx.sequences[typeID] = last + 1
	return last + 1, nil
}

func (tx *memoryTx) MaxInstanceSequence(_ context.Context, typeID string) (int, error) {
	highest := 0
	consider := func(inst model.ProcessInstance) {
		if inst.TypeID == typeID {
			highest = max(highest, ParseSequence(inst.Number))
		}
	}
	for _, inst := range tx.instances {
		consider(inst)
	}
	tx.s.mu.RLock()
	for _, inst := range tx.s.instances {
		consider(inst)
	}
	tx.s.mu.RUnlock()
	return highest, nil
}

func instanceNotFound(id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("process instance %q not found", id))
}

func cloneEvent(ev model.AuditEvent) model.AuditEvent {
	out := ev
	if ev.Snapshot != nil {
		out.Snapshot = deepCopy(ev.Snapshot).(map[string]any)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = deepCopy(inner)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, inner := range t {
			l[i] = deepCopy(inner)
		}
		return l
	case []string:
		return slices.Clone(t)
	}
	return v
}
