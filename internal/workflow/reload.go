package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/definition"
	"github.com/Yaduri/workflow-system/internal/observability"
	"github.com/Yaduri/workflow-system/internal/store"
	"github.com/Yaduri/workflow-system/model"
)

// ReloadDefinitions validates defs and swaps them into the registry. A
// process type or phase that still has instances cannot be removed or moved
// to another type; such a reload fails with CONFLICT and the current
// definitions stay in place.
func (e *Engine) ReloadDefinitions(ctx context.Context, defs []model.ProcessDefinition) error {
	logger := observability.RequestLogger(ctx, e.logger)

	findings := definition.NewValidator().Validate(defs)
	if definition.HasErrors(findings) {
		e.metrics.RecordDefinitionReload("invalid")
		env := model.NewConfigurationError("definitions failed validation")
		for _, f := range findings {
			if f.Severity == definition.SeverityWarning {
				continue
			}
			env.Details = append(env.Details, model.FieldError{Field: f.Path, Code: f.Code, Message: f.Message})
		}
		logger.Warn("definition reload rejected", zap.Int("errors", len(env.Details)))
		return env
	}
	for _, f := range findings {
		logger.Warn("definition warning", zap.String("path", f.Path), zap.String("message", f.Message))
	}

	if err := e.checkRemovals(ctx, defs); err != nil {
		e.metrics.RecordDefinitionReload("conflict")
		logger.Warn("definition reload rejected", zap.Error(err))
		return err
	}

	e.registry.Replace(defs)
	e.metrics.RecordDefinitionReload("ok")
	e.metrics.SetDefinitionsLoaded(float64(len(defs)))
	logger.Info("definitions reloaded",
		zap.Int("types", len(defs)),
		zap.String("checksum", e.registry.Checksum()),
	)
	return nil
}

func (e *Engine) checkRemovals(ctx context.Context, defs []model.ProcessDefinition) error {
	nextTypes := make(map[string]bool, len(defs))
	nextPhases := make(map[string]string)
	for _, def := range defs {
		nextTypes[def.Type.ID] = true
		for _, p := range def.Phases {
			nextPhases[p.ID] = def.Type.ID
		}
	}

	var blocked []string
	for _, pt := range e.registry.AllTypes() {
		if !nextTypes[pt.ID] {
			n, err := e.countInstances(ctx, store.InstanceFilter{TypeID: pt.ID})
			if err != nil {
				return err
			}
			if n > 0 {
				blocked = append(blocked, fmt.Sprintf("type %s (%d instances)", pt.ID, n))
			}
			continue
		}
		for _, p := range e.registry.Phases(pt.ID) {
			if owner, ok := nextPhases[p.ID]; ok && owner == pt.ID {
				continue
			}
			n, err := e.countInstances(ctx, store.InstanceFilter{TypeID: pt.ID, PhaseIDs: []string{p.ID}})
			if err != nil {
				return err
			}
			if n > 0 {
				blocked = append(blocked, fmt.Sprintf("phase %s (%d instances)", p.ID, n))
			}
		}
	}
	if len(blocked) > 0 {
		return model.NewConflictError("cannot remove definitions still in use: " + strings.Join(blocked, ", "))
	}
	return nil
}

func (e *Engine) countInstances(ctx context.Context, filter store.InstanceFilter) (int, error) {
	filter.Limit = 1
	_, total, err := e.store.FindInstances(ctx, filter)
	return total, err
}
