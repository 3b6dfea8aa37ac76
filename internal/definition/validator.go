package definition

import (
	"fmt"
	"regexp"

	"github.com/Yaduri/workflow-system/model"
)

// Finding severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// VError describes a single validation finding in a definition.
type VError struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// HasErrors reports whether any finding is error-level. Warnings alone do
// not prevent a definition set from loading.
func HasErrors(errs []VError) bool {
	for _, e := range errs {
		if e.Severity != SeverityWarning {
			return true
		}
	}
	return false
}

var (
	fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	prefixPattern    = regexp.MustCompile(`^[A-Z]+$`)
)

// Validator validates definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including cross-definition uniqueness of
// type IDs, phase IDs and intake tokens.
func (v *Validator) Validate(defs []model.ProcessDefinition) []VError {
	var errs []VError

	typeIDs := make(map[string]bool)
	phaseIDs := make(map[string]bool)
	tokens := make(map[string]bool)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateType(prefix, def)...)

		if def.Type.ID != "" {
			if typeIDs[def.Type.ID] {
				errs = append(errs, errorf(prefix+".process_type.id", "DUPLICATE", "process type %q is defined more than once", def.Type.ID))
			}
			typeIDs[def.Type.ID] = true
		}
		for j, p := range def.Phases {
			if p.ID == "" {
				continue
			}
			if phaseIDs[p.ID] {
				errs = append(errs, errorf(fmt.Sprintf("%s.phases[%d].id", prefix, j), "DUPLICATE", "phase id %q is already used", p.ID))
			}
			phaseIDs[p.ID] = true
		}
		if def.Intake != nil && def.Intake.Token != "" {
			if tokens[def.Intake.Token] {
				errs = append(errs, errorf(prefix+".intake.token", "DUPLICATE", "intake token is already used by another type"))
			}
			tokens[def.Intake.Token] = true
		}
	}
	return errs
}

func (v *Validator) validateType(prefix string, def model.ProcessDefinition) []VError {
	var errs []VError

	t := def.Type
	if t.ID == "" {
		errs = append(errs, errorf(prefix+".process_type.id", "REQUIRED", "id is required"))
	}
	if t.Name == "" {
		errs = append(errs, errorf(prefix+".process_type.name", "REQUIRED", "name is required"))
	}
	if t.Prefix == "" {
		errs = append(errs, errorf(prefix+".process_type.prefix", "REQUIRED", "prefix is required"))
	} else if !prefixPattern.MatchString(t.Prefix) {
		errs = append(errs, errorf(prefix+".process_type.prefix", "PATTERN", "prefix %q must contain only uppercase letters", t.Prefix))
	}

	if len(def.Phases) == 0 {
		errs = append(errs, errorf(prefix+".phases", "REQUIRED", "at least one phase is required"))
	}

	phaseIDs := make(map[string]bool)
	orders := make(map[int]bool)
	names := make(map[string]bool)
	initial := 0
	for i, p := range def.Phases {
		pp := fmt.Sprintf("%s.phases[%d]", prefix, i)
		if p.ID == "" {
			errs = append(errs, errorf(pp+".id", "REQUIRED", "phase id is required"))
		}
		phaseIDs[p.ID] = true
		if p.Name == "" {
			errs = append(errs, errorf(pp+".name", "REQUIRED", "phase name is required"))
		} else if names[p.Name] {
			errs = append(errs, errorf(pp+".name", "DUPLICATE", "phase name %q is used twice", p.Name))
		}
		names[p.Name] = true
		if orders[p.Order] {
			errs = append(errs, errorf(pp+".order", "DUPLICATE", "phase order %d is used twice", p.Order))
		}
		orders[p.Order] = true
		if !p.Sector.IsValidForPhase() {
			errs = append(errs, errorf(pp+".sector", "INVALID_ENUM", "invalid sector %q", p.Sector))
		}
		if p.Initial {
			initial++
		}
	}

	if len(def.Phases) > 0 && initial != 1 {
		errs = append(errs, VError{
			Path:     prefix + ".phases",
			Code:     "INITIAL_PHASE",
			Message:  fmt.Sprintf("%d phases are flagged initial, instance creation will fail until exactly one is", initial),
			Severity: SeverityWarning,
		})
	}

	fieldNames := make(map[string]bool)
	for i, f := range def.Fields {
		errs = append(errs, v.validateField(fmt.Sprintf("%s.fields[%d]", prefix, i), f, phaseIDs, fieldNames)...)
		fieldNames[f.Name] = true
	}

	if def.Intake != nil && def.Intake.Token == "" {
		errs = append(errs, errorf(prefix+".intake.token", "REQUIRED", "intake token is required"))
	}

	return errs
}

func (v *Validator) validateField(prefix string, f model.FieldDefinition, phaseIDs, seen map[string]bool) []VError {
	var errs []VError

	if f.Name == "" {
		errs = append(errs, errorf(prefix+".name", "REQUIRED", "field name is required"))
	} else if !fieldNamePattern.MatchString(f.Name) {
		errs = append(errs, errorf(prefix+".name", "PATTERN", "field name %q must start with a lowercase letter and contain only lowercase letters, digits and underscores", f.Name))
	} else if seen[f.Name] {
		errs = append(errs, errorf(prefix+".name", "DUPLICATE", "field name %q is used twice", f.Name))
	}
	if f.Label == "" {
		errs = append(errs, errorf(prefix+".label", "REQUIRED", "label is required"))
	}
	if !f.Type.IsValid() {
		errs = append(errs, errorf(prefix+".type", "INVALID_ENUM", "invalid field type %q", f.Type))
	}
	if (f.Type == model.FieldSelect || f.Type == model.FieldRadio) && len(f.Choices) == 0 {
		errs = append(errs, errorf(prefix+".choices", "REQUIRED", "choices are required for %s fields", f.Type))
	}
	if f.Pattern != "" {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			errs = append(errs, errorf(prefix+".pattern", "PATTERN", "pattern does not compile: %v", err))
		}
	}
	for _, id := range f.RequiredInPhases {
		if !phaseIDs[id] {
			errs = append(errs, errorf(prefix+".required_in_phases", "REF_NOT_FOUND", "phase %q not found in type", id))
		}
	}

	return errs
}

func errorf(path, code, format string, args ...any) VError {
	return VError{Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityError}
}
