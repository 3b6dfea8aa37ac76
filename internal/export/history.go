// Package export renders instance histories as XLSX workbooks.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/model"
)

// Sheet names of the exported workbook.
const (
	SheetInstance = "Instance"
	SheetHistory  = "History"
)

const timeLayout = "2006-01-02 15:04:05"

// Group headings for fields without a group and for data keys the type does
// not define.
const (
	DefaultGroup = "General information"
	OtherGroup   = "Other fields"
)

var badgeColor = regexp.MustCompile(`^#?[0-9A-Fa-f]{6}$`)

var historyHeader = []any{"Date", "Event", "Actor", "From phase", "To phase", "Notes", "Details"}

// History is everything needed to render one instance.
type History struct {
	Instance model.ProcessInstance
	Type     model.ProcessType
	Phases   []model.Phase
	Fields   []model.FieldDefinition
	Events   []model.AuditEvent
}

// Exporter writes history workbooks.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates an Exporter. A nil logger discards output.
func NewExporter(logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{logger: logger}
}

// Write renders h and streams the workbook to w.
func (x *Exporter) Write(w io.Writer, h History) error {
	f, err := x.Workbook(h)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// SaveAs renders h into the file at path.
func (x *Exporter) SaveAs(path string, h History) error {
	f, err := x.Workbook(h)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save Excel file: %w", err)
	}
	x.logger.Info("history exported",
		zap.String("number", h.Instance.Number),
		zap.String("output_path", path),
		zap.Int("events", len(h.Events)))
	return nil
}

// Workbook builds the two-sheet workbook: an instance summary with its
// current data, and the audit history in the order given.
func (x *Exporter) Workbook(h History) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetInstance); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetHistory); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	names := make(map[string]string, len(h.Phases))
	for _, p := range h.Phases {
		names[p.ID] = p.Name
	}

	if err := x.writeInstance(f, h, names, bold); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := x.writeEvents(f, h.Events, names, bold); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (x *Exporter) writeInstance(f *excelize.File, h History, names map[string]string, bold int) error {
	inst := h.Instance
	rows := [][]any{
		{"Number", inst.Number},
		{"Process type", h.Type.Name},
		{"Phase", phaseName(names, inst.PhaseID)},
		{"Origin", inst.Origin},
		{"Owner", model.Deref(inst.OwnerID)},
		{"Created by", model.Deref(inst.CreatorID)},
		{"Created at", inst.CreatedAt.Format(timeLayout)},
		{"Updated at", inst.UpdatedAt.Format(timeLayout)},
		{},
		{"Field", "Value"},
	}
	const phaseRow = 3
	dataHeader := len(rows)

	var headings []int
	for _, g := range groupFields(h.Fields, inst.Data) {
		rows = append(rows, []any{g.name})
		headings = append(headings, len(rows))
		rows = append(rows, g.rows...)
	}

	for i, row := range rows {
		if err := x.setRow(f, SheetInstance, i+1, row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(SheetInstance, "A1", fmt.Sprintf("A%d", dataHeader-2), bold); err != nil {
		return fmt.Errorf("failed to style summary: %w", err)
	}
	if err := f.SetCellStyle(SheetInstance, fmt.Sprintf("A%d", dataHeader), fmt.Sprintf("B%d", dataHeader), bold); err != nil {
		return fmt.Errorf("failed to style data header: %w", err)
	}
	for _, r := range headings {
		cell := fmt.Sprintf("A%d", r)
		if err := f.SetCellStyle(SheetInstance, cell, cell, bold); err != nil {
			return fmt.Errorf("failed to style group heading: %w", err)
		}
	}
	if err := x.stylePhase(f, h, fmt.Sprintf("B%d", phaseRow)); err != nil {
		return err
	}
	return f.SetColWidth(SheetInstance, "A", "B", 28)
}

// stylePhase fills the current phase cell with the phase's badge color.
// Phases without a usable color are left plain.
func (x *Exporter) stylePhase(f *excelize.File, h History, cell string) error {
	var color string
	for _, p := range h.Phases {
		if p.ID == h.Instance.PhaseID {
			color = p.BadgeColor
			break
		}
	}
	if !badgeColor.MatchString(color) {
		if color != "" {
			x.logger.Warn("ignoring invalid badge color",
				zap.String("phase_id", h.Instance.PhaseID),
				zap.String("badge_color", color))
		}
		return nil
	}
	if color[0] != '#' {
		color = "#" + color
	}
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{color}},
	})
	if err != nil {
		return fmt.Errorf("failed to create badge style: %w", err)
	}
	if err := f.SetCellStyle(SheetInstance, cell, cell, style); err != nil {
		return fmt.Errorf("failed to style phase: %w", err)
	}
	return nil
}

type fieldGroup struct {
	name string
	rows [][]any
}

// groupFields lays out defined fields under their group headings, in the
// order each group first appears, followed by undefined data keys sorted by
// name.
func groupFields(fields []model.FieldDefinition, data model.Data) []fieldGroup {
	var groups []fieldGroup
	index := make(map[string]int)
	seen := make(map[string]bool, len(fields))
	for _, fd := range fields {
		seen[fd.Name] = true
		name := fd.Group
		if name == "" {
			name = DefaultGroup
		}
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, fieldGroup{name: name})
		}
		groups[i].rows = append(groups[i].rows, []any{fd.Label, data.Get(fd.Name).Text()})
	}

	var extra []string
	for name := range data {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) == 0 {
		return groups
	}
	sort.Strings(extra)
	other := fieldGroup{name: OtherGroup}
	for _, name := range extra {
		other.rows = append(other.rows, []any{name, data[name].Text()})
	}
	return append(groups, other)
}

func (x *Exporter) writeEvents(f *excelize.File, events []model.AuditEvent, names map[string]string, bold int) error {
	if err := x.setRow(f, SheetHistory, 1, historyHeader); err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetHistory, "A1", "G1", bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}
	for i, ev := range events {
		row := []any{
			ev.CreatedAt.Format(timeLayout),
			string(ev.Kind),
			model.Deref(ev.ActorID),
			phaseRef(names, ev.FromPhaseID),
			phaseRef(names, ev.ToPhaseID),
			ev.Notes,
			details(ev),
		}
		if err := x.setRow(f, SheetHistory, i+2, row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SheetHistory, "A", "G", 20)
}

func (x *Exporter) setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func phaseName(names map[string]string, id string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return id
}

func phaseRef(names map[string]string, id *string) string {
	if id == nil {
		return ""
	}
	return phaseName(names, *id)
}

// details renders the kind-specific snapshot. Phase names are already in
// their own columns, so phase changes carry none.
func details(ev model.AuditEvent) string {
	if len(ev.Snapshot) == 0 || ev.Kind == model.EventPhaseChange {
		return ""
	}
	b, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return ""
	}
	return string(b)
}
