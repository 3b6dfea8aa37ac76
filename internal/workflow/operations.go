package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/audit"
	"github.com/Yaduri/workflow-system/internal/authz"
	"github.com/Yaduri/workflow-system/internal/graph"
	"github.com/Yaduri/workflow-system/internal/observability"
	"github.com/Yaduri/workflow-system/internal/schema"
	"github.com/Yaduri/workflow-system/internal/store"
	"github.com/Yaduri/workflow-system/model"
)

// CreateRequest describes a new instance. A nil CreatorID marks an instance
// opened from outside (intake form or import).
type CreateRequest struct {
	TypeID    string
	Data      model.Data
	CreatorID *string
	Origin    string
	Notes     string
}

// CreateInstance opens a new instance of req.TypeID in the type's unique
// initial phase, allocating its number and recording a creation event in
// the same transaction.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) (inst model.ProcessInstance, err error) {
	ctx, span, start := e.begin(ctx, OpCreateInstance,
		observability.AttrTypeID.String(req.TypeID),
		observability.AttrActorID.String(model.Deref(req.CreatorID)),
	)
	defer func() { e.finish(span, OpCreateInstance, start, model.Result{OK: err == nil}, err) }()

	logger := observability.RequestLogger(ctx, e.logger)

	pt, ok := e.registry.GetType(req.TypeID)
	if !ok {
		return model.ProcessInstance{}, model.NewConfigurationError(fmt.Sprintf("unknown process type %q", req.TypeID))
	}
	if !pt.Active {
		return model.ProcessInstance{}, model.NewInactiveError(fmt.Sprintf("process type %q is not active", pt.ID))
	}

	origin := req.Origin
	switch origin {
	case "":
		origin = model.OriginManual
	case model.OriginManual, model.OriginExternalForm, model.OriginImport:
	default:
		return model.ProcessInstance{}, model.NewBadRequestError(fmt.Sprintf("unknown origin %q", origin))
	}

	initial, err := graph.ForType(e.registry, pt.ID).Initial()
	if err != nil {
		logger.Warn("cannot create instance: initial phase is ambiguous",
			zap.String("type_id", pt.ID), zap.Error(err))
		return model.ProcessInstance{}, err
	}

	data, err := e.checkData(pt.ID, req.Data)
	if err != nil {
		return model.ProcessInstance{}, err
	}

	var event model.AuditEvent
	err = e.inTx(ctx, OpCreateInstance, func(ctx context.Context, tx store.Tx) error {
		number, err := e.numbers.Allocate(ctx, tx, pt)
		if err != nil {
			return err
		}
		now := e.timestamp()
		candidate := model.ProcessInstance{
			ID:        e.newID(),
			TypeID:    pt.ID,
			PhaseID:   initial.ID,
			Number:    number,
			Data:      data.Clone(),
			CreatorID: copyID(req.CreatorID),
			Origin:    origin,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateInstance(ctx, candidate); err != nil {
			return err
		}
		ev := e.recorder.Creation(candidate, req.CreatorID, req.Notes)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		inst, event = candidate, ev
		return nil
	})
	if err != nil {
		logger.Error("create instance failed", zap.String("type_id", pt.ID), zap.Error(err))
		return model.ProcessInstance{}, err
	}

	e.committed(event)
	e.metrics.RecordInstanceCreated(pt.ID, origin)
	span.SetAttributes(observability.AttrInstanceID.String(inst.ID), observability.AttrPhaseID.String(inst.PhaseID))
	logger.Info("instance created",
		zap.String("instance_id", inst.ID),
		zap.String("number", inst.Number),
		zap.String("type_id", pt.ID),
		zap.String("phase", initial.Name),
		zap.String("origin", origin),
	)
	return inst, nil
}

// checkData validates values of known fields and drops zero values.
// Unknown fields are stored as given unless they hold a non-finite number.
func (e *Engine) checkData(typeID string, data model.Data) (model.Data, error) {
	fields := e.registry.Fields(typeID)
	out := make(model.Data, len(data))
	var errs []model.FieldError
	for _, name := range sortedNames(data) {
		v := data[name]
		if v.IsZero() {
			continue
		}
		var fe *model.FieldError
		if f, ok := schema.Lookup(fields, name); ok {
			fe = schema.CheckValue(f, v)
		} else {
			fe = schema.CheckUnknown(name, v)
		}
		if fe != nil {
			errs = append(errs, *fe)
			continue
		}
		out[name] = v
	}
	if len(errs) > 0 {
		return nil, model.NewValidationError(errs)
	}
	return out, nil
}

// TransitionPhase moves an instance to targetPhaseID. Checks run in a fixed
// order and stop at the first failure: the target must belong to the
// instance's type, differ from the current phase, be reachable under the
// current phase's direction flags, authorize the actor, and have all its
// required fields filled.
func (e *Engine) TransitionPhase(ctx context.Context, instanceID, targetPhaseID, actorID, notes string) (res model.Result, err error) {
	ctx, span, start := e.begin(ctx, OpTransitionPhase,
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTargetPhaseID.String(targetPhaseID),
		observability.AttrActorID.String(actorID),
	)
	defer func() { e.finish(span, OpTransitionPhase, start, res, err) }()

	logger := observability.RequestLogger(ctx, e.logger)

	target, ok := e.registry.GetPhase(targetPhaseID)
	if !ok {
		return model.Result{}, model.NewNotFoundError(fmt.Sprintf("phase %q not found", targetPhaseID))
	}

	var (
		from  model.Phase
		inst  model.ProcessInstance
		event model.AuditEvent
	)
	err = e.inTx(ctx, OpTransitionPhase, func(ctx context.Context, tx store.Tx) error {
		event = model.AuditEvent{}
		current, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		g := graph.ForType(e.registry, current.TypeID)
		if !g.Contains(target) {
			res = model.Rejected(model.ReasonWrongType, "The selected phase does not belong to this process type")
			return nil
		}
		phase, ok := g.Phase(current.PhaseID)
		if !ok {
			return model.NewConfigurationError(fmt.Sprintf("instance %s is in phase %q, which is no longer defined", current.Number, current.PhaseID))
		}
		if phase.ID == target.ID {
			res = model.Rejected(model.ReasonSamePhase, "Instance is already in phase: "+target.Name)
			return nil
		}
		if !graph.DirectionAllowed(phase, target) {
			res = model.Rejected(model.ReasonDirectionBlocked, blockedMessage(graph.DirectionOf(phase, target)))
			return nil
		}
		allowed, err := e.checker.Check(ctx, actorID, target)
		if err != nil {
			return err
		}
		if !allowed {
			res = model.Rejected(model.ReasonUnauthorized, "You are not allowed to move the instance to this phase")
			return nil
		}
		if ok, missing := schema.ValidateRequired(e.registry.Fields(current.TypeID), current.Data, target.ID); !ok {
			res = model.Rejected(model.ReasonMissingFields, "Missing required fields: "+strings.Join(missing, ", "))
			res.Missing = missing
			return nil
		}

		current.PhaseID = target.ID
		current.UpdatedAt = e.timestamp()
		if err := tx.UpdateInstance(ctx, current); err != nil {
			return err
		}
		ev := e.recorder.PhaseChange(current, phase, target, model.StringPtr(actorID), notes)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		from, inst, event = phase, current, ev
		res = model.Succeeded("Instance moved to phase: " + target.Name)
		return nil
	})
	if err != nil {
		logger.Error("transition failed", zap.String("instance_id", instanceID), zap.Error(err))
		return model.Result{}, err
	}
	if !res.OK {
		e.logRejection(logger, OpTransitionPhase, instanceID, res)
		return res, nil
	}

	e.committed(event)
	e.metrics.RecordTransition(inst.TypeID, from.ID, target.ID)
	logger.Info("instance moved",
		zap.String("instance_id", inst.ID),
		zap.String("number", inst.Number),
		zap.String("from_phase", from.Name),
		zap.String("to_phase", target.Name),
	)
	return res, nil
}

func blockedMessage(d graph.Direction) string {
	if d == graph.Backward {
		return "The current phase does not allow retreating"
	}
	return "The current phase does not allow advancing"
}

// AssignOwner sets the responsible user of an instance. A nil newOwnerID
// unassigns it. No authorization is required: any participant may
// reassign.
func (e *Engine) AssignOwner(ctx context.Context, instanceID string, newOwnerID *string, actorID, notes string) (res model.Result, err error) {
	ctx, span, start := e.begin(ctx, OpAssignOwner,
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actorID),
	)
	defer func() { e.finish(span, OpAssignOwner, start, res, err) }()

	logger := observability.RequestLogger(ctx, e.logger)

	var next *model.User
	if newOwnerID != nil {
		u, ok, err := e.checker.User(ctx, *newOwnerID)
		if err != nil {
			return model.Result{}, err
		}
		if !ok {
			return model.Result{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", *newOwnerID))
		}
		next = &u
	}

	var (
		inst  model.ProcessInstance
		event model.AuditEvent
	)
	err = e.inTx(ctx, OpAssignOwner, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		previous, err := e.userRef(ctx, current.OwnerID)
		if err != nil {
			return err
		}
		current.OwnerID = copyID(newOwnerID)
		current.UpdatedAt = e.timestamp()
		if err := tx.UpdateInstance(ctx, current); err != nil {
			return err
		}
		ev := e.recorder.Assignment(current, previous, next, model.StringPtr(actorID), notes)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		inst, event = current, ev
		return nil
	})
	if err != nil {
		logger.Error("assignment failed", zap.String("instance_id", instanceID), zap.Error(err))
		return model.Result{}, err
	}

	e.committed(event)
	msg := "Instance is now unassigned"
	if next != nil {
		msg = "Instance assigned to " + next.DisplayName()
	}
	logger.Info("instance assigned",
		zap.String("instance_id", inst.ID),
		zap.String("number", inst.Number),
		zap.Stringp("owner_id", inst.OwnerID),
	)
	return model.Succeeded(msg), nil
}

// userRef resolves an owner for the assignment snapshot. Owners that left
// the directory are kept by ID.
func (e *Engine) userRef(ctx context.Context, id *string) (*model.User, error) {
	if id == nil {
		return nil, nil
	}
	u, ok, err := e.checker.User(ctx, *id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &model.User{ID: *id, Username: *id}, nil
	}
	return &u, nil
}

// EditData merges updates into the instance data. Only fields whose value
// actually changes are written and recorded; a zero Value removes a field.
// When nothing changes the call is rejected and no event is written.
func (e *Engine) EditData(ctx context.Context, instanceID string, updates map[string]model.Value, actorID, notes string) (res model.Result, err error) {
	ctx, span, start := e.begin(ctx, OpEditData,
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actorID),
	)
	defer func() { e.finish(span, OpEditData, start, res, err) }()

	logger := observability.RequestLogger(ctx, e.logger)

	var (
		inst    model.ProcessInstance
		changes map[string]audit.Change
		event   model.AuditEvent
	)
	err = e.inTx(ctx, OpEditData, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		fields := e.registry.Fields(current.TypeID)
		diff := make(map[string]audit.Change)
		for _, name := range sortedNames(updates) {
			v := updates[name]
			if !v.IsZero() {
				var fe *model.FieldError
				if f, ok := schema.Lookup(fields, name); ok {
					fe = schema.CheckValue(f, v)
				} else {
					fe = schema.CheckUnknown(name, v)
				}
				if fe != nil {
					res = model.Rejected(model.ReasonInvalidValue, fe.Message)
					return nil
				}
			}
			prev := current.Data.Get(name)
			if !prev.Equal(v) {
				diff[name] = audit.Change{Previous: prev, New: v}
			}
		}
		if len(diff) == 0 {
			res = model.Rejected(model.ReasonNoChange, "No change detected")
			return nil
		}

		data := current.Data.Clone()
		if data == nil {
			data = make(model.Data, len(diff))
		}
		for name, c := range diff {
			if c.New.IsZero() {
				delete(data, name)
			} else {
				data[name] = c.New
			}
		}
		current.Data = data
		current.UpdatedAt = e.timestamp()
		if err := tx.UpdateInstance(ctx, current); err != nil {
			return err
		}
		ev := e.recorder.DataEdit(current, diff, model.StringPtr(actorID), notes)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		inst, changes, event = current, diff, ev
		res = model.Succeeded("Data updated successfully")
		return nil
	})
	if err != nil {
		logger.Error("data edit failed", zap.String("instance_id", instanceID), zap.Error(err))
		return model.Result{}, err
	}
	if !res.OK {
		e.logRejection(logger, OpEditData, instanceID, res)
		return res, nil
	}

	e.committed(event)
	logger.Info("instance data edited",
		zap.String("instance_id", inst.ID),
		zap.String("number", inst.Number),
		zap.Any("changes", observability.RedactData(changeLog(changes), e.sensitive)),
	)
	return res, nil
}

func changeLog(changes map[string]audit.Change) map[string]any {
	out := make(map[string]any, len(changes))
	for name, c := range changes {
		out[name] = c.New.Raw()
	}
	return out
}

// AddComment records free text against an instance without changing it.
func (e *Engine) AddComment(ctx context.Context, instanceID, actorID, text string) (res model.Result, err error) {
	ctx, span, start := e.begin(ctx, OpAddComment,
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actorID),
	)
	defer func() { e.finish(span, OpAddComment, start, res, err) }()

	logger := observability.RequestLogger(ctx, e.logger)

	text = strings.TrimSpace(text)
	if text == "" {
		res = model.Rejected(model.ReasonEmptyComment, "Comment cannot be empty")
		e.logRejection(logger, OpAddComment, instanceID, res)
		return res, nil
	}

	var event model.AuditEvent
	err = e.inTx(ctx, OpAddComment, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		ev := e.recorder.Comment(current, model.StringPtr(actorID), text)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		event = ev
		return nil
	})
	if err != nil {
		logger.Error("comment failed", zap.String("instance_id", instanceID), zap.Error(err))
		return model.Result{}, err
	}

	e.committed(event)
	logger.Info("comment added", zap.String("instance_id", instanceID))
	return model.Succeeded("Comment added successfully"), nil
}

func (e *Engine) logRejection(logger *zap.Logger, op, instanceID string, res model.Result) {
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("instance_id", instanceID),
		zap.String("reason", string(res.Reason)),
	}
	if res.Reason == model.ReasonUnauthorized {
		logger.Warn("operation denied", fields...)
		return
	}
	logger.Debug("operation rejected", append(fields, zap.String("message", res.Message))...)
}

// --- Queries ---

// AvailableTargetPhases lists, in order, the phases actorID may move the
// instance to right now.
func (e *Engine) AvailableTargetPhases(ctx context.Context, instanceID, actorID string) ([]model.Phase, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	g := graph.ForType(e.registry, inst.TypeID)
	current, ok := g.Phase(inst.PhaseID)
	if !ok {
		return nil, model.NewConfigurationError(fmt.Sprintf("instance %s is in phase %q, which is no longer defined", inst.Number, inst.PhaseID))
	}
	u, found, err := e.checker.User(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !found {
		return []model.Phase{}, nil
	}
	return authz.AvailableTargetPhases(g, current, u), nil
}

// ValidateRequiredFields reports whether the instance carries every field
// required to enter targetPhaseID, and the labels of those missing.
func (e *Engine) ValidateRequiredFields(ctx context.Context, instanceID, targetPhaseID string) (bool, []string, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, nil, err
	}
	if _, ok := e.registry.GetPhase(targetPhaseID); !ok {
		return false, nil, model.NewNotFoundError(fmt.Sprintf("phase %q not found", targetPhaseID))
	}
	ok, missing := schema.ValidateRequired(e.registry.Fields(inst.TypeID), inst.Data, targetPhaseID)
	return ok, missing, nil
}

// IsAuthorized reports whether actorID may act on phaseID.
func (e *Engine) IsAuthorized(ctx context.Context, actorID, phaseID string) (bool, error) {
	phase, ok := e.registry.GetPhase(phaseID)
	if !ok {
		return false, model.NewNotFoundError(fmt.Sprintf("phase %q not found", phaseID))
	}
	return e.checker.Check(ctx, actorID, phase)
}

// GetInstance reads a committed instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (model.ProcessInstance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// History returns the audit events of an instance newest first, optionally
// restricted to kinds.
func (e *Engine) History(ctx context.Context, instanceID string, kinds ...model.EventKind) ([]model.AuditEvent, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.trail.History(ctx, instanceID, kinds...)
}

// List returns instances matching filter, newest first, with the total
// number of matches.
func (e *Engine) List(ctx context.Context, filter store.InstanceFilter) ([]model.ProcessInstance, int, error) {
	return e.store.FindInstances(ctx, filter)
}

// ListBySector narrows filter to instances whose current phase belongs to
// sector. Phases with the wildcard sector never match a concrete sector.
func (e *Engine) ListBySector(ctx context.Context, sector model.Sector, filter store.InstanceFilter) ([]model.ProcessInstance, int, error) {
	requested := make(map[string]bool, len(filter.PhaseIDs))
	for _, id := range filter.PhaseIDs {
		requested[id] = true
	}

	var typeIDs []string
	if filter.TypeID != "" {
		typeIDs = []string{filter.TypeID}
	} else {
		for _, pt := range e.registry.AllTypes() {
			typeIDs = append(typeIDs, pt.ID)
		}
	}

	var phaseIDs []string
	for _, typeID := range typeIDs {
		for _, p := range e.registry.Phases(typeID) {
			if p.Sector != sector {
				continue
			}
			if len(requested) > 0 && !requested[p.ID] {
				continue
			}
			phaseIDs = append(phaseIDs, p.ID)
		}
	}
	if len(phaseIDs) == 0 {
		return []model.ProcessInstance{}, 0, nil
	}
	filter.PhaseIDs = phaseIDs
	return e.store.FindInstances(ctx, filter)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyID(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
