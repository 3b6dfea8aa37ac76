package definition

import (
	"testing"

	"github.com/Yaduri/workflow-system/model"
)

func validDef() model.ProcessDefinition {
	return model.ProcessDefinition{
		Type: model.ProcessType{ID: "credit", Name: "Credit", Prefix: "CRED", Active: true},
		Phases: []model.Phase{
			{ID: "credit.a", Name: "A", Order: 1, Sector: model.SectorComercial, Initial: true},
			{ID: "credit.b", Name: "B", Order: 2, Sector: model.SectorFinanceiro},
		},
		Fields: []model.FieldDefinition{
			{Name: "cnpj", Label: "CNPJ", Type: model.FieldText, RequiredInPhases: []string{"credit.b"}},
			{Name: "kind", Label: "Kind", Type: model.FieldSelect, Choices: []string{"pj", "pf"}},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	errs := NewValidator().Validate([]model.ProcessDefinition{validDef()})
	if len(errs) > 0 {
		t.Errorf("Validate() = %v, want no findings", errs)
	}
}

func TestValidator_missing_required(t *testing.T) {
	errs := NewValidator().Validate([]model.ProcessDefinition{{}})
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("expected REQUIRED findings, got %v", errs)
	}
	if !HasErrors(errs) {
		t.Error("HasErrors() = false, want true")
	}
}

func TestValidator_bad_prefix(t *testing.T) {
	def := validDef()
	def.Type.Prefix = "Cr1"
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "PATTERN") {
		t.Errorf("expected PATTERN finding, got %v", errs)
	}
}

func TestValidator_duplicate_order_and_name(t *testing.T) {
	def := validDef()
	def.Phases = append(def.Phases, model.Phase{ID: "credit.c", Name: "A", Order: 2, Sector: model.SectorPD})
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	count := 0
	for _, e := range errs {
		if e.Code == "DUPLICATE" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("DUPLICATE findings = %d, want 2 (%v)", count, errs)
	}
}

func TestValidator_invalid_sector(t *testing.T) {
	def := validDef()
	def.Phases[1].Sector = "MARKETING"
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "INVALID_ENUM") {
		t.Errorf("expected INVALID_ENUM finding, got %v", errs)
	}
}

func TestValidator_field_name_pattern(t *testing.T) {
	def := validDef()
	def.Fields[0].Name = "1cnpj"
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "PATTERN") {
		t.Errorf("expected PATTERN finding, got %v", errs)
	}
}

func TestValidator_duplicate_field(t *testing.T) {
	def := validDef()
	def.Fields[1].Name = "cnpj"
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "DUPLICATE") {
		t.Errorf("expected DUPLICATE finding, got %v", errs)
	}
}

func TestValidator_bad_regex(t *testing.T) {
	def := validDef()
	def.Fields[0].Pattern = "([a-z"
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "PATTERN") {
		t.Errorf("expected PATTERN finding, got %v", errs)
	}
}

func TestValidator_required_in_unknown_phase(t *testing.T) {
	def := validDef()
	def.Fields[0].RequiredInPhases = []string{"other.phase"}
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "REF_NOT_FOUND") {
		t.Errorf("expected REF_NOT_FOUND finding, got %v", errs)
	}
}

func TestValidator_choices_required(t *testing.T) {
	def := validDef()
	def.Fields[1].Choices = nil
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("expected REQUIRED finding, got %v", errs)
	}
}

func TestValidator_initial_phase_is_warning(t *testing.T) {
	def := validDef()
	def.Phases[1].Initial = true
	errs := NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "INITIAL_PHASE") {
		t.Fatalf("expected INITIAL_PHASE finding, got %v", errs)
	}
	if HasErrors(errs) {
		t.Error("ambiguous initial phase should only warn")
	}

	def.Phases[0].Initial = false
	def.Phases[1].Initial = false
	errs = NewValidator().Validate([]model.ProcessDefinition{def})
	if !hasCode(errs, "INITIAL_PHASE") {
		t.Error("zero initial phases should also be reported")
	}
}

func TestValidator_cross_definition_duplicates(t *testing.T) {
	a := validDef()
	a.Intake = &model.IntakeForm{Token: "tok"}
	b := validDef()
	b.Intake = &model.IntakeForm{Token: "tok"}
	errs := NewValidator().Validate([]model.ProcessDefinition{a, b})
	// type id, two phase ids and the token
	count := 0
	for _, e := range errs {
		if e.Code == "DUPLICATE" {
			count++
		}
	}
	if count != 4 {
		t.Errorf("DUPLICATE findings = %d, want 4 (%v)", count, errs)
	}
}
