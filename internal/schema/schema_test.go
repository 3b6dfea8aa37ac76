package schema

import (
	"math"
	"testing"

	"github.com/Yaduri/workflow-system/model"
)

func fields() []model.FieldDefinition {
	return []model.FieldDefinition{
		{Name: "company", Label: "Company", Type: model.FieldText, Required: true},
		{Name: "cnpj", Label: "CNPJ", Type: model.FieldText, RequiredInPhases: []string{"b"},
			Pattern: `\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}`},
		{Name: "cnpj_alt", Label: "CNPJ", Type: model.FieldText, Required: true},
		{Name: "amount", Label: "Amount", Type: model.FieldNumber, RequiredInPhases: []string{"b"}},
		{Name: "approved", Label: "Approved", Type: model.FieldCheckbox, RequiredInPhases: []string{"b"}},
		{Name: "kind", Label: "Kind", Type: model.FieldSelect, Choices: []string{"pj", "pf"}},
		{Name: "docs", Label: "Docs", Type: model.FieldCheckbox, Choices: []string{"id", "proof"}},
		{Name: "due", Label: "Due", Type: model.FieldDate},
		{Name: "email", Label: "E-mail", Type: model.FieldEmail},
	}
}

// --- ValidateRequired ---

func TestValidateRequired_reports_all_missing(t *testing.T) {
	ok, missing := ValidateRequired(fields(), model.Data{}, "b")
	if ok {
		t.Fatal("ValidateRequired() ok = true, want false")
	}
	// CNPJ appears twice (global + phase) but is reported once.
	want := []string{"Company", "CNPJ", "Amount", "Approved"}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Errorf("missing[%d] = %q, want %q", i, missing[i], want[i])
		}
	}
}

func TestValidateRequired_whitespace_is_missing(t *testing.T) {
	data := model.Data{"company": model.String("  \n ")}
	_, missing := ValidateRequired(fields(), data, "a")
	if len(missing) == 0 || missing[0] != "Company" {
		t.Errorf("missing = %v, want Company first", missing)
	}
}

func TestValidateRequired_falsy_values_present(t *testing.T) {
	data := model.Data{
		"company":  model.String("ACME"),
		"cnpj":     model.String("12.345.678/0001-00"),
		"cnpj_alt": model.String("x"),
		"amount":   model.Number(0),
		"approved": model.Bool(false),
	}
	ok, missing := ValidateRequired(fields(), data, "b")
	if !ok {
		t.Errorf("ValidateRequired() missing = %v, want none", missing)
	}
}

func TestValidateRequired_phase_scoped(t *testing.T) {
	data := model.Data{"company": model.String("ACME"), "cnpj_alt": model.String("x")}
	ok, _ := ValidateRequired(fields(), data, "a")
	if !ok {
		t.Error("phase-b fields should not be required for phase a")
	}
}

// --- Coerce ---

func TestCoerce_number(t *testing.T) {
	f, _ := Lookup(fields(), "amount")
	v, ferr := Coerce(f, " 1500,50 ")
	if ferr != nil {
		t.Fatalf("Coerce() error = %v", ferr)
	}
	if v.Kind() != model.KindNumber || v.Num() != 1500.5 {
		t.Errorf("Coerce() = %v, want 1500.5", v.Raw())
	}
	if _, ferr := Coerce(f, "abc"); ferr == nil || ferr.Code != CodeType {
		t.Errorf("Coerce(abc) error = %v, want INVALID_TYPE", ferr)
	}
}

func TestCoerce_number_rejects_non_finite(t *testing.T) {
	f, _ := Lookup(fields(), "amount")
	for _, raw := range []string{"NaN", "nan", "Inf", "+Inf", "-infinity", "1e999"} {
		v, ferr := Coerce(f, raw)
		if ferr == nil || ferr.Code != CodeType {
			t.Errorf("Coerce(%q) = %v, %v; want INVALID_TYPE", raw, v.Raw(), ferr)
		}
	}
}

func TestCoerce_date(t *testing.T) {
	f, _ := Lookup(fields(), "due")
	v, ferr := Coerce(f, "2024-02-29")
	if ferr != nil {
		t.Fatalf("Coerce() error = %v", ferr)
	}
	if v.Text() != "2024-02-29" {
		t.Errorf("Coerce() = %q", v.Text())
	}
	if _, ferr := Coerce(f, "29/02/2024"); ferr == nil {
		t.Error("Coerce(29/02/2024) should fail")
	}
}

func TestCoerce_pattern(t *testing.T) {
	f, _ := Lookup(fields(), "cnpj")
	if _, ferr := Coerce(f, "12.345.678/0001-00"); ferr != nil {
		t.Errorf("valid cnpj rejected: %v", ferr)
	}
	if _, ferr := Coerce(f, "x12.345.678/0001-00"); ferr == nil || ferr.Code != CodePattern {
		t.Errorf("pattern must anchor at the start, got %v", ferr)
	}
}

func TestCoerce_choices(t *testing.T) {
	f, _ := Lookup(fields(), "kind")
	if _, ferr := Coerce(f, "pj"); ferr != nil {
		t.Errorf("Coerce(pj) error = %v", ferr)
	}
	if _, ferr := Coerce(f, "xx"); ferr == nil || ferr.Code != CodeChoice {
		t.Errorf("Coerce(xx) error = %v, want INVALID_CHOICE", ferr)
	}

	docs, _ := Lookup(fields(), "docs")
	v, ferr := Coerce(docs, "id, proof")
	if ferr != nil {
		t.Fatalf("Coerce(docs) error = %v", ferr)
	}
	if !v.Equal(model.List("id", "proof")) {
		t.Errorf("Coerce(docs) = %v", v.Raw())
	}
}

func TestCoerce_checkbox_flag(t *testing.T) {
	f, _ := Lookup(fields(), "approved")
	v, ferr := Coerce(f, "on")
	if ferr != nil || !v.Truth() {
		t.Errorf("Coerce(on) = %v, %v", v.Raw(), ferr)
	}
}

func TestCoerce_email(t *testing.T) {
	f, _ := Lookup(fields(), "email")
	if _, ferr := Coerce(f, "ana@example.com"); ferr != nil {
		t.Errorf("valid email rejected: %v", ferr)
	}
	if _, ferr := Coerce(f, "not-an-email"); ferr == nil {
		t.Error("invalid email accepted")
	}
}

func TestCoerce_blank_is_absent(t *testing.T) {
	f, _ := Lookup(fields(), "amount")
	v, ferr := Coerce(f, "   ")
	if ferr != nil || !v.IsZero() {
		t.Errorf("Coerce(blank) = %v, %v; want absent", v.Raw(), ferr)
	}
}

// --- CheckValue ---

func TestCheckValue(t *testing.T) {
	amount, _ := Lookup(fields(), "amount")
	if ferr := CheckValue(amount, model.String("10")); ferr == nil {
		t.Error("string value for number field should be rejected")
	}
	if ferr := CheckValue(amount, model.Number(10)); ferr != nil {
		t.Errorf("CheckValue(number) = %v", ferr)
	}
	if ferr := CheckValue(amount, model.Value{}); ferr != nil {
		t.Errorf("absent value should always fit, got %v", ferr)
	}
	kind, _ := Lookup(fields(), "kind")
	if ferr := CheckValue(kind, model.String("zz")); ferr == nil {
		t.Error("unknown choice should be rejected")
	}
}

func TestCheckValue_non_finite_number(t *testing.T) {
	amount, _ := Lookup(fields(), "amount")
	for _, n := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		ferr := CheckValue(amount, model.Number(n))
		if ferr == nil || ferr.Code != CodeType {
			t.Errorf("CheckValue(%v) = %v, want INVALID_TYPE", n, ferr)
		}
	}
}

func TestCheckUnknown(t *testing.T) {
	if ferr := CheckUnknown("legacy_ref", model.String("X-1")); ferr != nil {
		t.Errorf("CheckUnknown(string) = %v", ferr)
	}
	if ferr := CheckUnknown("legacy_ref", model.Number(-3.5)); ferr != nil {
		t.Errorf("CheckUnknown(number) = %v", ferr)
	}
	ferr := CheckUnknown("legacy_ref", model.Number(math.NaN()))
	if ferr == nil || ferr.Field != "legacy_ref" || ferr.Code != CodeType {
		t.Errorf("CheckUnknown(NaN) = %v, want INVALID_TYPE on legacy_ref", ferr)
	}
}

// --- CoerceForm ---

func TestCoerceForm_collects_all_errors(t *testing.T) {
	raw := map[string]string{
		"company": "  ",
		"amount":  "abc",
		"kind":    "pj",
	}
	data, errs := CoerceForm(fields(), raw, nil)
	if len(errs) != 3 {
		t.Fatalf("errs = %v, want company, cnpj_alt and amount", errs)
	}
	if data.Get("kind").Str() != "pj" {
		t.Errorf("kind = %v, want pj", data.Get("kind").Raw())
	}
}

func TestCoerceForm_include_filter(t *testing.T) {
	raw := map[string]string{"kind": "pf", "company": "ACME"}
	only := func(f model.FieldDefinition) bool { return f.Name == "kind" }
	data, errs := CoerceForm(fields(), raw, only)
	if len(errs) != 0 {
		t.Fatalf("errs = %v, want none", errs)
	}
	if _, ok := data["company"]; ok {
		t.Error("excluded field should not be read")
	}
}
