package definition

import (
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/comercial/definition.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Type.ID != "credit" {
		t.Errorf("Type.ID = %q, want credit", def.Type.ID)
	}
	if def.Type.Prefix != "CRED" {
		t.Errorf("Type.Prefix = %q, want CRED", def.Type.Prefix)
	}
	if len(def.Phases) != 3 {
		t.Fatalf("Phases = %d, want 3", len(def.Phases))
	}
	if def.Phases[0].TypeID != "credit" {
		t.Errorf("Phases[0].TypeID = %q, want credit", def.Phases[0].TypeID)
	}
	if def.Phases[0].CanRetreat {
		t.Error("Phases[0].CanRetreat = true, want false")
	}
	if !def.Phases[1].CanAdvance || !def.Phases[1].CanRetreat {
		t.Error("Phases[1] direction flags should default to true")
	}
	if len(def.Fields) != 4 {
		t.Fatalf("Fields = %d, want 4", len(def.Fields))
	}
	if def.Intake == nil || !def.Intake.Active {
		t.Fatal("Intake should be present and active")
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/comercial/definition.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/comercial"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("LoadAll() returned %d definitions, want 1", len(defs))
	}
	if defs[0].Type.ID != "credit" {
		t.Errorf("Type.ID = %q, want credit", defs[0].Type.ID)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/nonexistent"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/invalid"})
	if err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	def1, _ := l.LoadFile("testdata/comercial/definition.yaml")
	def2, _ := l.LoadFile("testdata/comercial/definition.yaml")
	if def1.Checksum != def2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}

func TestLoader_testdata_passes_validation(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/comercial"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if errs := NewValidator().Validate(defs); len(errs) > 0 {
		t.Errorf("testdata definition has findings: %v", errs)
	}
}
