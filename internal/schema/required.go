// Package schema validates instance data against the dynamic field
// definitions of its process type and converts raw input into typed values.
package schema

import "github.com/Yaduri/workflow-system/model"

// RequiredFor returns the fields required when entering phaseID: the union
// of globally required fields and fields required in that phase, without
// duplicate labels, in definition order.
func RequiredFor(fields []model.FieldDefinition, phaseID string) []model.FieldDefinition {
	seen := make(map[string]bool, len(fields))
	var out []model.FieldDefinition
	for _, f := range fields {
		if !f.Required && !f.RequiredIn(phaseID) {
			continue
		}
		if seen[f.Label] {
			continue
		}
		seen[f.Label] = true
		out = append(out, f)
	}
	return out
}

// ValidateRequired checks data against the fields required for entering
// phaseID. A field is missing when its value is absent or a blank string;
// zero numbers and false booleans are present. Every missing label is
// returned, not only the first.
func ValidateRequired(fields []model.FieldDefinition, data model.Data, phaseID string) (bool, []string) {
	var missing []string
	for _, f := range RequiredFor(fields, phaseID) {
		if data.Get(f.Name).IsBlank() {
			missing = append(missing, f.Label)
		}
	}
	return len(missing) == 0, missing
}
