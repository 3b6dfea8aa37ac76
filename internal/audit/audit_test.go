package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Yaduri/workflow-system/internal/store"
	"github.com/Yaduri/workflow-system/model"
)

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func inst() model.ProcessInstance {
	return model.ProcessInstance{ID: "i-1", TypeID: "t", PhaseID: "a", Number: "T-2026-001", Origin: model.OriginExternalForm}
}

// --- Recorder ---

func TestRecorder_Creation(t *testing.T) {
	r := NewRecorder(func() time.Time { return now })
	ev := r.Creation(inst(), nil, "")

	if ev.Kind != model.EventCreation {
		t.Errorf("Kind = %q", ev.Kind)
	}
	if ev.Notes != DefaultCreationNotes {
		t.Errorf("Notes = %q, want default", ev.Notes)
	}
	if model.Deref(ev.ToPhaseID) != "a" || ev.FromPhaseID != nil {
		t.Errorf("phases = %v -> %v", ev.FromPhaseID, ev.ToPhaseID)
	}
	if ev.Snapshot[KeyOrigin] != model.OriginExternalForm {
		t.Errorf("Snapshot = %v", ev.Snapshot)
	}
	if ev.ActorID != nil {
		t.Error("external creation should have no actor")
	}
	if ev.ID == "" || !ev.CreatedAt.Equal(now) {
		t.Errorf("ID = %q CreatedAt = %v", ev.ID, ev.CreatedAt)
	}
}

func TestRecorder_PhaseChange(t *testing.T) {
	r := NewRecorder(func() time.Time { return now })
	actor := "u-1"
	ev := r.PhaseChange(inst(), model.Phase{ID: "a", Name: "A"}, model.Phase{ID: "b", Name: "B"}, &actor, "go")

	if model.Deref(ev.FromPhaseID) != "a" || model.Deref(ev.ToPhaseID) != "b" {
		t.Errorf("phases = %v -> %v", ev.FromPhaseID, ev.ToPhaseID)
	}
	if ev.Snapshot[KeyFromPhaseName] != "A" || ev.Snapshot[KeyToPhaseName] != "B" {
		t.Errorf("Snapshot = %v", ev.Snapshot)
	}
	if ev.Notes != "go" {
		t.Errorf("Notes = %q", ev.Notes)
	}
}

func TestRecorder_DataEdit_snapshot(t *testing.T) {
	r := NewRecorder(nil)
	ev := r.DataEdit(inst(), map[string]Change{
		"cnpj":   {New: model.String("12.345.678/0001-00")},
		"amount": {Previous: model.Number(10), New: model.Number(20)},
		"note":   {Previous: model.String("x")},
	}, nil, "")

	if ev.Notes != DefaultDataEditNotes {
		t.Errorf("Notes = %q", ev.Notes)
	}
	b, _ := json.Marshal(ev.Snapshot)
	want := `{"amount":{"new":20,"previous":10},"cnpj":{"new":"12.345.678/0001-00","previous":null},"note":{"new":null,"previous":"x"}}`
	if string(b) != want {
		t.Errorf("Snapshot = %s\nwant      %s", b, want)
	}
}

func TestRecorder_Assignment_nil_previous(t *testing.T) {
	r := NewRecorder(nil)
	next := &model.User{ID: "u-2", Username: "ana"}
	ev := r.Assignment(inst(), nil, next, model.StringPtr("u-1"), "")

	if ev.Snapshot[KeyPreviousOwner] != nil {
		t.Errorf("previous_owner = %v, want nil", ev.Snapshot[KeyPreviousOwner])
	}
	if ev.Snapshot[KeyNewOwner] != "ana" {
		t.Errorf("new_owner = %v, want ana", ev.Snapshot[KeyNewOwner])
	}
	if ev.Notes != DefaultAssignmentNotes {
		t.Errorf("Notes = %q", ev.Notes)
	}
}

func TestRecorder_Comment(t *testing.T) {
	r := NewRecorder(nil)
	ev := r.Comment(inst(), model.StringPtr("u-1"), "looks good")
	if ev.Kind != model.EventComment || ev.Notes != "looks good" || ev.Snapshot != nil {
		t.Errorf("event = %+v", ev)
	}
}

func TestRecorder_unique_ids(t *testing.T) {
	r := NewRecorder(nil)
	a := r.Comment(inst(), nil, "a")
	b := r.Comment(inst(), nil, "b")
	if a.ID == b.ID {
		t.Error("event IDs should be unique")
	}
}

// --- Trail ---

func TestTrail_append_only(t *testing.T) {
	s := store.NewMemoryStore(time.Second)
	ctx := context.Background()
	r := NewRecorder(func() time.Time { return now })
	i := inst()
	ev := r.Creation(i, nil, "")
	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateInstance(ctx, i); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	trail := NewTrail(s, nil)
	before, _ := trail.Get(ctx, ev.ID)
	beforeJSON, _ := json.Marshal(before)

	tampered := before
	tampered.Notes = "changed"
	if err := trail.Update(ctx, tampered); !model.IsCode(err, model.ErrAppendOnly) {
		t.Errorf("Update() error = %v, want APPEND_ONLY_VIOLATION", err)
	}
	if err := trail.Delete(ctx, ev.ID); !model.IsCode(err, model.ErrAppendOnly) {
		t.Errorf("Delete() error = %v, want APPEND_ONLY_VIOLATION", err)
	}

	after, _ := trail.Get(ctx, ev.ID)
	afterJSON, _ := json.Marshal(after)
	if string(beforeJSON) != string(afterJSON) {
		t.Errorf("event changed:\nbefore %s\nafter  %s", beforeJSON, afterJSON)
	}

	events, err := trail.History(ctx, i.ID)
	if err != nil || len(events) != 1 {
		t.Errorf("History() = %d events, %v", len(events), err)
	}
}

func TestTrail_History_unknown_kind(t *testing.T) {
	trail := NewTrail(store.NewMemoryStore(time.Second), nil)
	_, err := trail.History(context.Background(), "i-1", model.EventKind("bogus"))
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("History(bogus) error = %v, want BAD_REQUEST", err)
	}
}
