package model

// Sector is an organizational unit that owns one or more phases.
type Sector string

// Known sectors. SectorAll is only meaningful on a phase, where it admits
// users of any sector.
const (
	SectorComercial  Sector = "COMERCIAL"
	SectorFinanceiro Sector = "FINANCEIRO"
	SectorOperacoes  Sector = "OPERACOES"
	SectorPD         Sector = "PD"
	SectorAdmin      Sector = "ADMIN"
	SectorAll        Sector = "ALL"
)

var userSectors = map[Sector]bool{
	SectorComercial:  true,
	SectorFinanceiro: true,
	SectorOperacoes:  true,
	SectorPD:         true,
	SectorAdmin:      true,
}

// IsValidForUser reports whether s may be assigned to a user profile.
func (s Sector) IsValidForUser() bool {
	return userSectors[s]
}

// IsValidForPhase reports whether s may own a phase.
func (s Sector) IsValidForPhase() bool {
	return s == SectorAll || userSectors[s]
}

// FieldType is the type tag of a dynamic form field.
type FieldType string

// Supported field types.
const (
	FieldText     FieldType = "text"
	FieldTextarea FieldType = "textarea"
	FieldNumber   FieldType = "number"
	FieldEmail    FieldType = "email"
	FieldTel      FieldType = "tel"
	FieldDate     FieldType = "date"
	FieldSelect   FieldType = "select"
	FieldRadio    FieldType = "radio"
	FieldCheckbox FieldType = "checkbox"
	FieldFile     FieldType = "file"
)

var validFieldTypes = map[FieldType]bool{
	FieldText: true, FieldTextarea: true, FieldNumber: true, FieldEmail: true,
	FieldTel: true, FieldDate: true, FieldSelect: true, FieldRadio: true,
	FieldCheckbox: true, FieldFile: true,
}

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	return validFieldTypes[t]
}

// HasChoices reports whether values of this type are restricted to the
// field's enumerated choices.
func (t FieldType) HasChoices() bool {
	return t == FieldSelect || t == FieldRadio || t == FieldCheckbox
}

// ProcessDefinition is the root structure of a definition file. Each file
// declares one process type with its phases, fields and optional intake form.
type ProcessDefinition struct {
	Type   ProcessType       `yaml:"process_type" json:"process_type"`
	Phases []Phase           `yaml:"phases"       json:"phases"`
	Fields []FieldDefinition `yaml:"fields"       json:"fields,omitempty"`
	Intake *IntakeForm       `yaml:"intake"       json:"intake,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// ProcessType is a named category of workflow.
type ProcessType struct {
	ID          string `yaml:"id"          json:"id"`
	Name        string `yaml:"name"        json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Prefix      string `yaml:"prefix"      json:"prefix"`
	Active      bool   `yaml:"active"      json:"active"`
}

// Phase is one step in a process type's ordered workflow.
//
// CanAdvance and CanRetreat describe whether an instance may leave this
// phase forwards or backwards; they are evaluated on the phase being left.
type Phase struct {
	ID           string   `yaml:"id"            json:"id"`
	TypeID       string   `yaml:"-"             json:"type_id"`
	Name         string   `yaml:"name"          json:"name"`
	Order        int      `yaml:"order"         json:"order"`
	Sector       Sector   `yaml:"sector"        json:"sector"`
	AllowedUsers []string `yaml:"allowed_users" json:"allowed_users,omitempty"`
	CanAdvance   bool     `yaml:"can_advance"   json:"can_advance"`
	CanRetreat   bool     `yaml:"can_retreat"   json:"can_retreat"`
	Initial      bool     `yaml:"initial"       json:"initial"`
	Terminal     bool     `yaml:"terminal"      json:"terminal"`
	BadgeColor   string   `yaml:"badge_color"   json:"badge_color,omitempty"`
}

// UnmarshalYAML defaults both direction flags to true when omitted.
func (p *Phase) UnmarshalYAML(unmarshal func(any) error) error {
	type rawPhase Phase
	raw := rawPhase{CanAdvance: true, CanRetreat: true, BadgeColor: "#6c757d"}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*p = Phase(raw)
	return nil
}

// Allows reports whether userID is on the phase's explicit allow-list.
func (p Phase) Allows(userID string) bool {
	for _, u := range p.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// FieldDefinition describes one dynamic data field of a process type.
type FieldDefinition struct {
	Name             string    `yaml:"name"               json:"name"`
	Label            string    `yaml:"label"              json:"label"`
	Type             FieldType `yaml:"type"               json:"type"`
	Choices          []string  `yaml:"choices"            json:"choices,omitempty"`
	Pattern          string    `yaml:"pattern"            json:"pattern,omitempty"`
	Required         bool      `yaml:"required"           json:"required"`
	RequiredInPhases []string  `yaml:"required_in_phases" json:"required_in_phases,omitempty"`
	Group            string    `yaml:"group"              json:"group,omitempty"`
	Order            int       `yaml:"order"              json:"order"`
	Help             string    `yaml:"help"               json:"help,omitempty"`
	Placeholder      string    `yaml:"placeholder"        json:"placeholder,omitempty"`
	External         *bool     `yaml:"external"           json:"external,omitempty"`
}

// RequiredIn reports whether the field is additionally required in phaseID.
func (f FieldDefinition) RequiredIn(phaseID string) bool {
	for _, id := range f.RequiredInPhases {
		if id == phaseID {
			return true
		}
	}
	return false
}

// VisibleExternally reports whether the field is shown on the intake form.
// Fields are visible unless explicitly hidden.
func (f FieldDefinition) VisibleExternally() bool {
	return f.External == nil || *f.External
}

// IntakeForm configures the public form through which external parties
// open new instances of a process type.
type IntakeForm struct {
	Token          string `yaml:"token"           json:"token"`
	Active         bool   `yaml:"active"          json:"active"`
	Title          string `yaml:"title"           json:"title"`
	Description    string `yaml:"description"     json:"description,omitempty"`
	SuccessMessage string `yaml:"success_message" json:"success_message,omitempty"`
}
