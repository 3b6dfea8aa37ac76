package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/config"
	"github.com/Yaduri/workflow-system/internal/workflow"
	"github.com/Yaduri/workflow-system/model"
)

const creditYAML = `
process_type:
  id: credit
  name: Credit Analysis
  prefix: CRED
  active: true

phases:
  - id: credit.triage
    name: Triage
    order: 1
    sector: COMERCIAL
    initial: true
    can_retreat: false
  - id: credit.finance
    name: Financial Review
    order: 2
    sector: FINANCEIRO
  - id: credit.closed
    name: Closed
    order: 3
    sector: ALL
    terminal: true

fields:
  - name: company
    label: Company
    type: text
    required: true
    order: 1
  - name: cnpj
    label: CNPJ
    type: text
    pattern: '\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}'
    required_in_phases: [credit.finance]
    order: 2
  - name: amount
    label: Amount
    type: number
    order: 3

intake:
  token: 6f1c1b7e-4a8e-4c3a-9d89-1f0f2b0c7e11
  active: true
  title: Request credit
`

const usersYAML = `
users:
  - id: u-ana
    username: ana
    full_name: Ana Souza
    active: true
    profile:
      sector: FINANCEIRO
      active: true
  - id: u-bruno
    username: bruno
    active: true
    profile:
      sector: COMERCIAL
      active: true
`

const intakeToken = "6f1c1b7e-4a8e-4c3a-9d89-1f0f2b0c7e11"

// workspace lays out definitions, users and a config pointing at a SQLite
// file, so state survives between invocations.
type workspace struct {
	dir    string
	config string
	defs   string
}

func newWorkspace(t *testing.T, driver string) workspace {
	t.Helper()
	dir := t.TempDir()
	defs := filepath.Join(dir, "definitions")
	require.NoError(t, os.MkdirAll(defs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(defs, "credit.yaml"), []byte(creditYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.yaml"), []byte(usersYAML), 0o644))

	cfg := "definitions:\n  directories: [" + defs + "]\n" +
		"directory:\n  users_file: " + filepath.Join(dir, "users.yaml") + "\n" +
		"store:\n  driver: " + driver + "\n  sqlite_path: " + filepath.Join(dir, "workflow.db") + "\n" +
		"idempotency:\n  enabled: true\n  driver: memory\n" +
		"observability:\n  log_level: error\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return workspace{dir: dir, config: path, defs: defs}
}

func (w workspace) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	all := append([]string{"-config", w.config, "-env-file", ""}, args...)
	code := run(all, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), "output: %s", s)
	return v
}

// --- Usage ---

func TestRun_noCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), "transition")
}

func TestRun_unknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"frobnicate"}, &stdout, &stderr)

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), `unknown command "frobnicate"`)
}

func TestRun_missingRequiredFlags(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, _, stderr := w.run("transition", "-instance", "x")

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "-actor")
	assert.Contains(t, stderr, "-to")
}

func TestRun_badConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml"), "validate"}, &stdout, &stderr)

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr.String(), "configuration error")
}

// --- Commands ---

func TestValidate(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, out, _ := w.run("validate")

	require.Equal(t, exitOK, code)
	got := decode[struct {
		Types    []string `json:"types"`
		Checksum string   `json:"checksum"`
	}](t, out)
	assert.Equal(t, []string{"credit"}, got.Types)
	assert.NotEmpty(t, got.Checksum)
}

func TestMigrate_memory(t *testing.T) {
	w := newWorkspace(t, "memory")

	code, out, _ := w.run("migrate")

	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "nothing to migrate")
}

func TestLifecycle_sqlite(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, out, _ := w.run("migrate")
	require.Equal(t, exitOK, code, out)

	// Create.
	code, out, _ = w.run("create", "-type", "credit", "-actor", "u-bruno",
		"-set", "company= Acme ", "-set", "amount=1500,50")
	require.Equal(t, exitOK, code)
	inst := decode[model.ProcessInstance](t, out)
	assert.Equal(t, "credit.triage", inst.PhaseID)
	assert.True(t, strings.HasPrefix(inst.Number, "CRED-"))
	assert.True(t, strings.HasSuffix(inst.Number, "-001"))
	assert.Equal(t, "Acme", inst.Data.Get("company").Str())
	assert.Equal(t, 1500.5, inst.Data.Get("amount").Num())

	// Bruno's sector does not own the finance phase.
	code, out, _ = w.run("transition", "-instance", inst.ID, "-to", "credit.finance", "-actor", "u-bruno")
	assert.Equal(t, exitRejected, code)
	assert.Equal(t, model.ReasonUnauthorized, decode[model.Result](t, out).Reason)

	// Ana may, but the CNPJ is missing.
	code, out, _ = w.run("required", "-instance", inst.ID, "-phase", "credit.finance")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"CNPJ"`)

	code, out, _ = w.run("transition", "-instance", inst.ID, "-to", "credit.finance", "-actor", "u-ana")
	assert.Equal(t, exitRejected, code)
	res := decode[model.Result](t, out)
	assert.Equal(t, model.ReasonMissingFields, res.Reason)
	assert.Equal(t, "Missing required fields: CNPJ", res.Message)

	code, out, _ = w.run("edit", "-instance", inst.ID, "-actor", "u-ana", "-set", "cnpj=12.345.678/0001-90")
	require.Equal(t, exitOK, code, out)

	code, out, _ = w.run("transition", "-instance", inst.ID, "-to", "credit.finance", "-actor", "u-ana")
	require.Equal(t, exitOK, code, out)
	assert.Equal(t, "Instance moved to phase: Financial Review", decode[model.Result](t, out).Message)

	code, out, _ = w.run("assign", "-instance", inst.ID, "-owner", "u-ana", "-actor", "u-ana")
	require.Equal(t, exitOK, code, out)
	assert.Equal(t, "Instance assigned to Ana Souza", decode[model.Result](t, out).Message)

	code, out, _ = w.run("comment", "-instance", inst.ID, "-actor", "u-ana", "-text", "  looks good  ")
	require.Equal(t, exitOK, code, out)

	// History, newest first.
	code, out, _ = w.run("history", "-instance", inst.ID)
	require.Equal(t, exitOK, code)
	events := decode[[]model.AuditEvent](t, out)
	var kinds []model.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []model.EventKind{
		model.EventComment, model.EventAssignment, model.EventPhaseChange, model.EventDataEdit, model.EventCreation,
	}, kinds)

	code, out, _ = w.run("history", "-instance", inst.ID, "-kind", "phase_change")
	require.Equal(t, exitOK, code)
	assert.Len(t, decode[[]model.AuditEvent](t, out), 1)

	xlsx := filepath.Join(w.dir, "history.xlsx")
	code, _, _ = w.run("history", "-instance", inst.ID, "-xlsx", xlsx)
	require.Equal(t, exitOK, code)
	_, err := os.Stat(xlsx)
	assert.NoError(t, err)

	// Listing.
	code, out, _ = w.run("list", "-sector", "financeiro")
	require.Equal(t, exitOK, code)
	list := decode[struct {
		Items []model.ProcessInstance `json:"items"`
		Total int                     `json:"total"`
	}](t, out)
	assert.Equal(t, 1, list.Total)

	code, out, _ = w.run("list", "-sector", "COMERCIAL")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"total": 0`)

	// Targets: the finance phase can still advance and retreat.
	code, out, _ = w.run("targets", "-instance", inst.ID, "-actor", "u-ana")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "credit.closed")
	assert.NotContains(t, out, `"id": "credit.triage"`)
}

func TestCreate_invalidValue(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, _, stderr := w.run("create", "-type", "credit", "-set", "company=Acme", "-set", "amount=lots")

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, model.ErrValidationError)
}

func TestCreate_unknownType(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, _, stderr := w.run("create", "-type", "mortgage")

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, model.ErrConfiguration)
}

func TestEdit_requiresChanges(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, _, stderr := w.run("edit", "-instance", "x", "-actor", "u-ana")

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "nothing to edit")
}

func TestHistory_unknownKind(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, _, stderr := w.run("history", "-instance", "x", "-kind", "deletion")

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, `unknown event kind "deletion"`)
}

func TestSubmit_createsExternalInstance(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, out, _ := w.run("form", "-token", intakeToken)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Request credit")

	code, out, _ = w.run("submit", "-token", intakeToken, "-remote", "203.0.113.9",
		"-set", "company=Acme", "-set", "cnpj=12.345.678/0001-90")
	require.Equal(t, exitOK, code, out)
	receipt := decode[struct {
		InstanceID string `json:"instance_id"`
		Number     string `json:"number"`
	}](t, out)
	assert.True(t, strings.HasSuffix(receipt.Number, "-001"))

	code, out, _ = w.run("show", "-instance", receipt.InstanceID)
	require.Equal(t, exitOK, code)
	inst := decode[model.ProcessInstance](t, out)
	assert.Equal(t, model.OriginExternalForm, inst.Origin)
	assert.Nil(t, inst.CreatorID)

	code, out, _ = w.run("history", "-instance", receipt.InstanceID)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Instance created via external form (IP: 203.0.113.9)")
}

func TestSubmit_missingRequired(t *testing.T) {
	w := newWorkspace(t, "sqlite")

	code, _, stderr := w.run("submit", "-token", intakeToken, "-set", "amount=10")

	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "company")
}

// --- Reload ---

func TestReloader_blocksRemovalOfTypeInUse(t *testing.T) {
	w := newWorkspace(t, "memory")

	var stdout, stderr bytes.Buffer
	c := newTestCLI(t, w, &stdout, &stderr)
	a, err := c.open(context.Background())
	require.NoError(t, err)
	defer a.close()

	_, err = a.engine.CreateInstance(context.Background(), createCredit())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(w.defs, "credit.yaml")))
	err = newReloader(c, a).run(context.Background())

	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrConflict))
	_, ok := a.registry.GetType("credit")
	assert.True(t, ok, "definitions must stay in place")
}

func TestReloader_picksUpNewPhase(t *testing.T) {
	w := newWorkspace(t, "memory")

	var stdout, stderr bytes.Buffer
	c := newTestCLI(t, w, &stdout, &stderr)
	a, err := c.open(context.Background())
	require.NoError(t, err)
	defer a.close()

	extra := strings.Replace(creditYAML, "\nfields:", `
  - id: credit.archive
    name: Archive
    order: 4
    sector: ADMIN

fields:`, 1)
	require.NoError(t, os.WriteFile(filepath.Join(w.defs, "credit.yaml"), []byte(extra), 0o644))

	require.NoError(t, newReloader(c, a).run(context.Background()))
	_, ok := a.registry.GetPhase("credit.archive")
	assert.True(t, ok)
}

func newTestCLI(t *testing.T, w workspace, stdout, stderr *bytes.Buffer) *cli {
	t.Helper()
	cfg, err := config.Load(w.config)
	require.NoError(t, err)
	return &cli{cfg: cfg, logger: zap.NewNop(), stdout: stdout, stderr: stderr}
}

func createCredit() workflow.CreateRequest {
	return workflow.CreateRequest{
		TypeID: "credit",
		Data:   model.Data{"company": model.String("Acme")},
	}
}
