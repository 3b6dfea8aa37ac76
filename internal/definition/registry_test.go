package definition

import (
	"sync"
	"testing"

	"github.com/Yaduri/workflow-system/model"
)

func testDefs() []model.ProcessDefinition {
	return []model.ProcessDefinition{
		{
			Type:     model.ProcessType{ID: "credit", Name: "Credit", Prefix: "CRED", Active: true},
			Checksum: "abc123",
			Phases: []model.Phase{
				{ID: "credit.b", Name: "B", Order: 2, Sector: model.SectorFinanceiro},
				{ID: "credit.a", Name: "A", Order: 1, Sector: model.SectorComercial, Initial: true},
			},
			Fields: []model.FieldDefinition{
				{Name: "cnpj", Label: "CNPJ", Type: model.FieldText, Order: 2},
				{Name: "company", Label: "Company", Type: model.FieldText, Order: 1},
			},
			Intake: &model.IntakeForm{Token: "tok-1", Active: true, Title: "Credit"},
		},
		{
			Type:     model.ProcessType{ID: "onboarding", Name: "Onboarding", Prefix: "ONB"},
			Checksum: "def456",
			Phases: []model.Phase{
				{ID: "onb.start", Name: "Start", Order: 1, Sector: model.SectorAll, Initial: true},
			},
		},
	}
}

func TestRegistry_GetType(t *testing.T) {
	r := NewRegistry(testDefs())

	pt, ok := r.GetType("credit")
	if !ok {
		t.Fatal("GetType(credit) not found")
	}
	if pt.Prefix != "CRED" {
		t.Errorf("Prefix = %q, want CRED", pt.Prefix)
	}

	_, ok = r.GetType("unknown")
	if ok {
		t.Error("GetType(unknown) should return false")
	}
}

func TestRegistry_GetPhase_stamps_type(t *testing.T) {
	r := NewRegistry(testDefs())

	p, ok := r.GetPhase("credit.b")
	if !ok {
		t.Fatal("GetPhase(credit.b) not found")
	}
	if p.TypeID != "credit" {
		t.Errorf("TypeID = %q, want credit", p.TypeID)
	}
}

func TestRegistry_Phases_ordered(t *testing.T) {
	r := NewRegistry(testDefs())

	phases := r.Phases("credit")
	if len(phases) != 2 {
		t.Fatalf("Phases = %d, want 2", len(phases))
	}
	if phases[0].ID != "credit.a" || phases[1].ID != "credit.b" {
		t.Errorf("Phases order = [%s %s], want [credit.a credit.b]", phases[0].ID, phases[1].ID)
	}
}

func TestRegistry_Fields_ordered(t *testing.T) {
	r := NewRegistry(testDefs())

	fields := r.Fields("credit")
	if len(fields) != 2 || fields[0].Name != "company" {
		t.Errorf("Fields = %+v, want company first", fields)
	}
	if got := r.Fields("unknown"); len(got) != 0 {
		t.Errorf("Fields(unknown) = %d, want 0", len(got))
	}
}

func TestRegistry_IntakeByToken(t *testing.T) {
	r := NewRegistry(testDefs())

	form, pt, ok := r.IntakeByToken("tok-1")
	if !ok {
		t.Fatal("IntakeByToken(tok-1) not found")
	}
	if pt.ID != "credit" || form.Title != "Credit" {
		t.Errorf("got type %q form %q", pt.ID, form.Title)
	}
	if _, _, ok := r.IntakeByToken("nope"); ok {
		t.Error("IntakeByToken(nope) should return false")
	}
}

func TestRegistry_AllTypes(t *testing.T) {
	r := NewRegistry(testDefs())
	types := r.AllTypes()
	if len(types) != 2 {
		t.Fatalf("AllTypes = %d, want 2", len(types))
	}
	if types[0].Name != "Credit" {
		t.Errorf("AllTypes[0] = %q, want Credit", types[0].Name)
	}
}

func TestRegistry_Checksum_order_independent(t *testing.T) {
	defs := testDefs()
	r1 := NewRegistry(defs)
	r2 := NewRegistry([]model.ProcessDefinition{defs[1], defs[0]})
	if r1.Checksum() != r2.Checksum() {
		t.Error("Checksum should not depend on definition order")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testDefs())
	old := r.Checksum()

	r.Replace([]model.ProcessDefinition{testDefs()[1]})

	if _, ok := r.GetType("credit"); ok {
		t.Error("credit should be gone after Replace")
	}
	if r.Checksum() == old {
		t.Error("Checksum should change after Replace")
	}
}

func TestRegistry_concurrent_reads(t *testing.T) {
	r := NewRegistry(testDefs())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Phases("credit")
			_, _ = r.GetPhase("credit.a")
		}()
		go func() {
			defer wg.Done()
			r.Replace(testDefs())
		}()
	}
	wg.Wait()
}
