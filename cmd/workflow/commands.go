package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Yaduri/workflow-system/internal/config"
	"github.com/Yaduri/workflow-system/internal/definition"
	"github.com/Yaduri/workflow-system/internal/export"
	"github.com/Yaduri/workflow-system/internal/intake"
	"github.com/Yaduri/workflow-system/internal/schema"
	"github.com/Yaduri/workflow-system/internal/store"
	"github.com/Yaduri/workflow-system/internal/workflow"
	"github.com/Yaduri/workflow-system/model"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"migrate", "apply schema migrations to the configured SQL store", runMigrate},
		{"validate", "load and validate process definitions", runValidate},
		{"create", "create an instance in the initial phase of a type", runCreate},
		{"transition", "move an instance to another phase", runTransition},
		{"assign", "assign or clear the owner of an instance", runAssign},
		{"edit", "change the data of an instance", runEdit},
		{"comment", "add a comment to an instance", runComment},
		{"show", "print an instance", runShow},
		{"history", "print or export the audit history of an instance", runHistory},
		{"targets", "list the phases an actor may move an instance to", runTargets},
		{"required", "check the fields a target phase requires", runRequired},
		{"list", "list instances", runList},
		{"form", "describe an intake form", runForm},
		{"submit", "submit an intake form", runSubmit},
		{"serve", "run the health, readiness and metrics server", runServe},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

// usageError marks a command line mistake.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// rejectedError carries a business rejection whose Result was already
// printed.
type rejectedError struct{ res model.Result }

func (e rejectedError) Error() string { return e.res.Message }

// fail reports err and maps it to an exit code. Envelopes are printed as
// JSON on stderr so scripts can branch on the code.
func (c *cli) fail(name string, err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	var rej rejectedError
	if errors.As(err, &rej) {
		return exitRejected
	}
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(c.stderr, "%s: %v\n", name, err)
		return exitUsage
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		writeJSON(c.stderr, map[string]any{"error": ee})
		return exitError
	}
	fmt.Fprintf(c.stderr, "%s: %v\n", name, err)
	return exitError
}

// --- Flags ---

// pairsFlag collects repeated name=value arguments.
type pairsFlag map[string]string

func (p pairsFlag) String() string {
	names := make([]string, 0, len(p))
	for k, v := range p {
		names = append(names, k+"="+v)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (p pairsFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	p[name] = value
	return nil
}

// listFlag collects repeated values.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func newFlagSet(c *cli, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string, required map[string]*string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError{msg: err.Error()}
	}
	var missing []string
	for name, v := range required {
		if strings.TrimSpace(*v) == "" {
			missing = append(missing, "-"+name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return usageError{msg: "missing required flags: " + strings.Join(missing, ", ")}
	}
	return nil
}

// --- Output ---

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// report prints res and turns a rejection into rejectedError.
func (c *cli) report(res model.Result) error {
	writeJSON(c.stdout, res)
	if !res.OK {
		return rejectedError{res: res}
	}
	return nil
}

// coerce turns raw flag text into typed values using fields. Names without
// a definition are kept as text.
func coerce(fields []model.FieldDefinition, raw map[string]string) (model.Data, error) {
	data := make(model.Data, len(raw))
	var errs []model.FieldError
	for name, text := range raw {
		f, ok := schema.Lookup(fields, name)
		if !ok {
			data[name] = model.String(strings.TrimSpace(text))
			continue
		}
		v, ferr := schema.Coerce(f, text)
		if ferr != nil {
			errs = append(errs, *ferr)
			continue
		}
		data[name] = v
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return nil, model.NewValidationError(errs)
	}
	return data, nil
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return model.StringPtr(s)
}

// --- Commands ---

func runMigrate(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "migrate")
	if err := parse(fs, args, nil); err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, c.cfg.Store, c.logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m, ok := st.(migrator)
	if !ok {
		writeJSON(c.stdout, map[string]string{"driver": c.cfg.Store.Driver, "status": "nothing to migrate"})
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	writeJSON(c.stdout, map[string]string{"driver": c.cfg.Store.Driver, "status": "migrated"})
	return nil
}

func runValidate(_ context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "validate")
	if err := parse(fs, args, nil); err != nil {
		return err
	}
	defs, err := definition.NewLoader().LoadAll(c.cfg.Definitions.Directories)
	if err != nil {
		return fmt.Errorf("definition loading failed: %w", err)
	}
	findings := definition.NewValidator().Validate(defs)

	types := make([]string, 0, len(defs))
	for _, def := range defs {
		types = append(types, def.Type.ID)
	}
	writeJSON(c.stdout, struct {
		Types    []string            `json:"types"`
		Checksum string              `json:"checksum"`
		Findings []definition.VError `json:"findings"`
	}{types, definition.NewRegistry(defs).Checksum(), findings})

	if definition.HasErrors(findings) {
		return model.NewConfigurationError("definition validation failed")
	}
	return nil
}

func runCreate(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "create")
	typeID := fs.String("type", "", "process type ID")
	actor := fs.String("actor", "", "creating user ID")
	origin := fs.String("origin", model.OriginManual, "instance origin")
	notes := fs.String("notes", "", "creation notes")
	values := pairsFlag{}
	fs.Var(values, "set", "field value as name=value (repeatable)")
	if err := parse(fs, args, map[string]*string{"type": typeID}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	data, err := coerce(a.registry.Fields(*typeID), values)
	if err != nil {
		return err
	}
	inst, err := a.engine.CreateInstance(ctx, workflow.CreateRequest{
		TypeID:    *typeID,
		Data:      data,
		CreatorID: optional(*actor),
		Origin:    *origin,
		Notes:     *notes,
	})
	if err != nil {
		return err
	}
	writeJSON(c.stdout, inst)
	return nil
}

func runTransition(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "transition")
	instanceID := fs.String("instance", "", "instance ID")
	target := fs.String("to", "", "target phase ID")
	actor := fs.String("actor", "", "acting user ID")
	notes := fs.String("notes", "", "transition notes")
	if err := parse(fs, args, map[string]*string{"instance": instanceID, "to": target, "actor": actor}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.engine.TransitionPhase(ctx, *instanceID, *target, *actor, *notes)
	if err != nil {
		return err
	}
	return c.report(res)
}

func runAssign(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "assign")
	instanceID := fs.String("instance", "", "instance ID")
	owner := fs.String("owner", "", "new owner user ID; empty clears the owner")
	actor := fs.String("actor", "", "acting user ID")
	notes := fs.String("notes", "", "assignment notes")
	if err := parse(fs, args, map[string]*string{"instance": instanceID, "actor": actor}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.engine.AssignOwner(ctx, *instanceID, optional(*owner), *actor, *notes)
	if err != nil {
		return err
	}
	return c.report(res)
}

func runEdit(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "edit")
	instanceID := fs.String("instance", "", "instance ID")
	actor := fs.String("actor", "", "acting user ID")
	notes := fs.String("notes", "", "edit notes")
	values := pairsFlag{}
	fs.Var(values, "set", "field value as name=value (repeatable)")
	var unset listFlag
	fs.Var(&unset, "unset", "field to remove (repeatable)")
	if err := parse(fs, args, map[string]*string{"instance": instanceID, "actor": actor}); err != nil {
		return err
	}
	if len(values) == 0 && len(unset) == 0 {
		return usageError{msg: "nothing to edit: pass -set or -unset"}
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	inst, err := a.engine.GetInstance(ctx, *instanceID)
	if err != nil {
		return err
	}
	updates, err := coerce(a.registry.Fields(inst.TypeID), values)
	if err != nil {
		return err
	}
	for _, name := range unset {
		updates[name] = model.Value{}
	}

	res, err := a.engine.EditData(ctx, *instanceID, updates, *actor, *notes)
	if err != nil {
		return err
	}
	return c.report(res)
}

func runComment(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "comment")
	instanceID := fs.String("instance", "", "instance ID")
	actor := fs.String("actor", "", "acting user ID")
	text := fs.String("text", "", "comment text")
	if err := parse(fs, args, map[string]*string{"instance": instanceID, "actor": actor}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.engine.AddComment(ctx, *instanceID, *actor, *text)
	if err != nil {
		return err
	}
	return c.report(res)
}

func runShow(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "show")
	instanceID := fs.String("instance", "", "instance ID")
	if err := parse(fs, args, map[string]*string{"instance": instanceID}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	inst, err := a.engine.GetInstance(ctx, *instanceID)
	if err != nil {
		return err
	}
	writeJSON(c.stdout, inst)
	return nil
}

func runHistory(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "history")
	instanceID := fs.String("instance", "", "instance ID")
	xlsx := fs.String("xlsx", "", "write the history to this workbook instead of stdout")
	var kinds listFlag
	fs.Var(&kinds, "kind", "event kind to include (repeatable)")
	if err := parse(fs, args, map[string]*string{"instance": instanceID}); err != nil {
		return err
	}

	var filter []model.EventKind
	for _, k := range kinds {
		kind := model.EventKind(k)
		if !kind.IsValid() {
			return usageError{msg: fmt.Sprintf("unknown event kind %q", k)}
		}
		filter = append(filter, kind)
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	events, err := a.engine.History(ctx, *instanceID, filter...)
	if err != nil {
		return err
	}
	if *xlsx == "" {
		writeJSON(c.stdout, events)
		return nil
	}

	inst, err := a.engine.GetInstance(ctx, *instanceID)
	if err != nil {
		return err
	}
	def, _ := a.registry.GetDefinition(inst.TypeID)
	err = a.exporter.SaveAs(*xlsx, export.History{
		Instance: inst,
		Type:     def.Type,
		Phases:   def.Phases,
		Fields:   def.Fields,
		Events:   events,
	})
	if err != nil {
		return err
	}
	writeJSON(c.stdout, map[string]any{"path": *xlsx, "events": len(events)})
	return nil
}

func runTargets(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "targets")
	instanceID := fs.String("instance", "", "instance ID")
	actor := fs.String("actor", "", "acting user ID")
	if err := parse(fs, args, map[string]*string{"instance": instanceID, "actor": actor}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	phases, err := a.engine.AvailableTargetPhases(ctx, *instanceID, *actor)
	if err != nil {
		return err
	}
	if phases == nil {
		phases = []model.Phase{}
	}
	writeJSON(c.stdout, phases)
	return nil
}

func runRequired(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "required")
	instanceID := fs.String("instance", "", "instance ID")
	phase := fs.String("phase", "", "target phase ID")
	if err := parse(fs, args, map[string]*string{"instance": instanceID, "phase": phase}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	ok, missing, err := a.engine.ValidateRequiredFields(ctx, *instanceID, *phase)
	if err != nil {
		return err
	}
	writeJSON(c.stdout, struct {
		OK      bool     `json:"ok"`
		Missing []string `json:"missing"`
	}{ok, append([]string{}, missing...)})
	return nil
}

func runList(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "list")
	typeID := fs.String("type", "", "process type ID")
	sector := fs.String("sector", "", "sector owning the current phase")
	owner := fs.String("owner", "", "owner user ID")
	search := fs.String("search", "", "text to look for in the number and data")
	limit := fs.Int("limit", 50, "maximum number of instances")
	offset := fs.Int("offset", 0, "number of instances to skip")
	var phases listFlag
	fs.Var(&phases, "phase", "current phase ID (repeatable)")
	if err := parse(fs, args, nil); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	filter := store.InstanceFilter{
		TypeID:   *typeID,
		PhaseIDs: phases,
		OwnerID:  *owner,
		Search:   *search,
		Limit:    *limit,
		Offset:   *offset,
	}
	var (
		items []model.ProcessInstance
		total int
	)
	if *sector != "" {
		items, total, err = a.engine.ListBySector(ctx, model.Sector(strings.ToUpper(*sector)), filter)
	} else {
		items, total, err = a.engine.List(ctx, filter)
	}
	if err != nil {
		return err
	}
	if items == nil {
		items = []model.ProcessInstance{}
	}
	writeJSON(c.stdout, struct {
		Items []model.ProcessInstance `json:"items"`
		Total int                     `json:"total"`
	}{items, total})
	return nil
}

func runForm(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "form")
	token := fs.String("token", "", "intake form token")
	if err := parse(fs, args, map[string]*string{"token": token}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	view, err := a.intake.Describe(*token)
	if err != nil {
		return err
	}
	writeJSON(c.stdout, view)
	return nil
}

func runSubmit(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "submit")
	token := fs.String("token", "", "intake form token")
	key := fs.String("key", "", "idempotency key")
	remote := fs.String("remote", "", "submitter address recorded in the creation notes")
	values := pairsFlag{}
	fs.Var(values, "set", "form value as name=value (repeatable)")
	if err := parse(fs, args, map[string]*string{"token": token}); err != nil {
		return err
	}

	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	receipt, err := a.intake.Submit(ctx, *token, values, intake.Meta{RemoteAddr: *remote, IdempotencyKey: *key})
	if err != nil {
		return err
	}
	writeJSON(c.stdout, receipt)
	return nil
}

// storeDriver is reported by serve at startup.
func storeDriver(cfg *config.Config) string {
	if cfg.Store.Driver == "" {
		return config.DriverMemory
	}
	return cfg.Store.Driver
}
