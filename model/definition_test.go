package model

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestPhase_UnmarshalYAML_defaults(t *testing.T) {
	var p Phase
	if err := yaml.Unmarshal([]byte("id: a\nname: A\norder: 1\nsector: COMERCIAL\n"), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !p.CanAdvance || !p.CanRetreat {
		t.Errorf("direction flags = %v/%v, want true/true", p.CanAdvance, p.CanRetreat)
	}
}

func TestPhase_UnmarshalYAML_explicit_false(t *testing.T) {
	var p Phase
	if err := yaml.Unmarshal([]byte("id: a\ncan_retreat: false\n"), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !p.CanAdvance {
		t.Error("CanAdvance should default to true")
	}
	if p.CanRetreat {
		t.Error("CanRetreat = true, want false")
	}
}

func TestSector_validity(t *testing.T) {
	if SectorAll.IsValidForUser() {
		t.Error("ALL must not be a user sector")
	}
	if !SectorAll.IsValidForPhase() {
		t.Error("ALL must be a phase sector")
	}
	if Sector("MARKETING").IsValidForPhase() {
		t.Error("unknown sector accepted")
	}
}

func TestFieldDefinition_VisibleExternally(t *testing.T) {
	hidden := false
	if !(FieldDefinition{}).VisibleExternally() {
		t.Error("fields are visible by default")
	}
	if (FieldDefinition{External: &hidden}).VisibleExternally() {
		t.Error("explicitly hidden field reported visible")
	}
}
