package authz

import (
	"context"
	"testing"

	"github.com/Yaduri/workflow-system/internal/directory"
	"github.com/Yaduri/workflow-system/internal/graph"
	"github.com/Yaduri/workflow-system/model"
)

func user(id string, sector model.Sector) model.User {
	u := model.User{ID: id, Username: id, Active: true}
	if sector != "" {
		u.Profile = &model.Profile{Sector: sector, Active: true}
	}
	return u
}

// --- IsAuthorized ---

func TestIsAuthorized_superuser(t *testing.T) {
	admin := model.User{ID: "root", Superuser: true}
	phase := model.Phase{Sector: model.SectorFinanceiro, AllowedUsers: []string{"someone"}}
	if !IsAuthorized(admin, phase) {
		t.Error("superuser should always be authorized")
	}
}

func TestIsAuthorized_allow_list_overrides_sector(t *testing.T) {
	u := user("u1", model.SectorComercial)
	phase := model.Phase{Sector: model.SectorFinanceiro, AllowedUsers: []string{"u1"}}
	if !IsAuthorized(u, phase) {
		t.Error("allow-listed user from another sector should be authorized")
	}
}

func TestIsAuthorized_allow_list_excludes_same_sector(t *testing.T) {
	u := user("u2", model.SectorFinanceiro)
	phase := model.Phase{Sector: model.SectorFinanceiro, AllowedUsers: []string{"u1"}}
	if IsAuthorized(u, phase) {
		t.Error("non-listed user should be rejected even in the phase's sector")
	}
}

func TestIsAuthorized_sector_mismatch(t *testing.T) {
	u := user("u1", model.SectorComercial)
	if IsAuthorized(u, model.Phase{Sector: model.SectorFinanceiro}) {
		t.Error("sector mismatch with empty allow-list should be rejected")
	}
	if !IsAuthorized(u, model.Phase{Sector: model.SectorComercial}) {
		t.Error("matching sector should be authorized")
	}
}

func TestIsAuthorized_all_sector(t *testing.T) {
	u := user("u1", model.SectorPD)
	if !IsAuthorized(u, model.Phase{Sector: model.SectorAll}) {
		t.Error("ALL sector should admit any profiled user")
	}
}

func TestIsAuthorized_no_profile(t *testing.T) {
	u := user("u1", "")
	if IsAuthorized(u, model.Phase{Sector: model.SectorAll}) {
		t.Error("user without profile should be unauthorized")
	}
}

// --- AvailableTargetPhases ---

func TestAvailableTargetPhases(t *testing.T) {
	phases := []model.Phase{
		{ID: "a", TypeID: "t", Order: 1, Sector: model.SectorComercial, CanAdvance: true, CanRetreat: true},
		{ID: "b", TypeID: "t", Order: 2, Sector: model.SectorFinanceiro, CanAdvance: true, CanRetreat: true},
		{ID: "c", TypeID: "t", Order: 3, Sector: model.SectorAll, CanAdvance: true, CanRetreat: true},
		{ID: "d", TypeID: "t", Order: 4, Sector: model.SectorComercial, CanAdvance: true, CanRetreat: true},
	}
	g := graph.New("t", phases)

	got := AvailableTargetPhases(g, phases[1], user("u1", model.SectorComercial))
	want := []string{"a", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %d phases, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("phase[%d] = %q, want %q", i, got[i].ID, want[i])
		}
	}

	phases[1].CanRetreat = false
	g = graph.New("t", phases)
	got = AvailableTargetPhases(g, phases[1], user("u1", model.SectorComercial))
	if len(got) != 2 || got[0].ID != "c" {
		t.Errorf("with retreat blocked got %v, want [c d]", got)
	}
}

// --- Checker ---

func TestChecker_Check(t *testing.T) {
	dir, _ := directory.NewStaticDirectory("")
	_ = dir.Register(user("u1", model.SectorFinanceiro))
	c := NewChecker(dir)
	ctx := context.Background()

	ok, err := c.Check(ctx, "u1", model.Phase{Sector: model.SectorFinanceiro})
	if err != nil || !ok {
		t.Errorf("Check(u1) = %v, %v; want true", ok, err)
	}
	ok, err = c.Check(ctx, "unknown", model.Phase{Sector: model.SectorAll})
	if err != nil || ok {
		t.Errorf("Check(unknown) = %v, %v; want false", ok, err)
	}
	ok, _ = c.Check(ctx, "", model.Phase{Sector: model.SectorAll})
	if ok {
		t.Error("Check(empty actor) should be false")
	}
}
