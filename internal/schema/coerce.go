package schema

import (
	"errors"
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Yaduri/workflow-system/model"
)

// Field error codes.
const (
	CodeRequired = "REQUIRED"
	CodePattern  = "PATTERN"
	CodeType     = "INVALID_TYPE"
	CodeChoice   = "INVALID_CHOICE"
)

var patterns sync.Map // pattern string -> *regexp.Regexp

// compiled returns the pattern anchored at the start of the input.
func compiled(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}

// MatchPattern reports whether raw satisfies the field's pattern. Fields
// without a pattern accept anything.
func MatchPattern(f model.FieldDefinition, raw string) bool {
	if f.Pattern == "" {
		return true
	}
	re, err := compiled(f.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(raw)
}

// Coerce converts raw text input for f into a typed value. Surrounding
// whitespace is trimmed; blank input yields the absent value.
func Coerce(f model.FieldDefinition, raw string) (model.Value, *model.FieldError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.Value{}, nil
	}
	if !MatchPattern(f, raw) {
		return model.Value{}, fieldError(f, CodePattern, fmt.Sprintf("%s has an invalid format", f.Label))
	}

	switch f.Type {
	case model.FieldNumber:
		n, err := parseNumber(raw)
		if err != nil {
			return model.Value{}, fieldError(f, CodeType, fmt.Sprintf("%s must be a number", f.Label))
		}
		return model.Number(n), nil
	case model.FieldDate:
		d, err := time.Parse(model.DateLayout, raw)
		if err != nil {
			return model.Value{}, fieldError(f, CodeType, fmt.Sprintf("%s must be a date (YYYY-MM-DD)", f.Label))
		}
		return model.Date(d), nil
	case model.FieldEmail:
		addr, err := mail.ParseAddress(raw)
		if err != nil || addr.Address != raw {
			return model.Value{}, fieldError(f, CodeType, fmt.Sprintf("%s must be an e-mail address", f.Label))
		}
		return model.String(raw), nil
	case model.FieldSelect, model.FieldRadio:
		if !slices.Contains(f.Choices, raw) {
			return model.Value{}, fieldError(f, CodeChoice, fmt.Sprintf("%s: %q is not a valid option", f.Label, raw))
		}
		return model.String(raw), nil
	case model.FieldCheckbox:
		if len(f.Choices) == 0 {
			b, err := parseFlag(raw)
			if err != nil {
				return model.Value{}, fieldError(f, CodeType, fmt.Sprintf("%s must be yes or no", f.Label))
			}
			return model.Bool(b), nil
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if !slices.Contains(f.Choices, item) {
				return model.Value{}, fieldError(f, CodeChoice, fmt.Sprintf("%s: %q is not a valid option", f.Label, item))
			}
			items = append(items, item)
		}
		return model.List(items...), nil
	}
	return model.String(raw), nil
}

// CheckValue verifies that an already-typed value fits f. The absent value
// always fits.
func CheckValue(f model.FieldDefinition, v model.Value) *model.FieldError {
	if v.IsZero() {
		return nil
	}
	want := KindFor(f)
	if v.Kind() != want {
		return fieldError(f, CodeType, fmt.Sprintf("%s expects a %s value, got %s", f.Label, want, v.Kind()))
	}
	switch v.Kind() {
	case model.KindNumber:
		if !Finite(v) {
			return fieldError(f, CodeType, fmt.Sprintf("%s must be a finite number", f.Label))
		}
	case model.KindString:
		if !MatchPattern(f, v.Str()) {
			return fieldError(f, CodePattern, fmt.Sprintf("%s has an invalid format", f.Label))
		}
		if f.Type.HasChoices() && !slices.Contains(f.Choices, v.Str()) {
			return fieldError(f, CodeChoice, fmt.Sprintf("%s: %q is not a valid option", f.Label, v.Str()))
		}
	case model.KindList:
		for _, item := range v.Items() {
			if !slices.Contains(f.Choices, item) {
				return fieldError(f, CodeChoice, fmt.Sprintf("%s: %q is not a valid option", f.Label, item))
			}
		}
	}
	return nil
}

// KindFor returns the value kind a field of this definition holds.
func KindFor(f model.FieldDefinition) model.ValueKind {
	switch f.Type {
	case model.FieldNumber:
		return model.KindNumber
	case model.FieldDate:
		return model.KindDate
	case model.FieldCheckbox:
		if len(f.Choices) == 0 {
			return model.KindBool
		}
		return model.KindList
	}
	return model.KindString
}

// CoerceForm converts a submitted form into typed data. Only fields for
// which include returns true are read; required ones must be non-blank.
// All field errors are collected.
func CoerceForm(fields []model.FieldDefinition, raw map[string]string, include func(model.FieldDefinition) bool) (model.Data, []model.FieldError) {
	data := model.Data{}
	var errs []model.FieldError
	for _, f := range fields {
		if include != nil && !include(f) {
			continue
		}
		text := strings.TrimSpace(raw[f.Name])
		if text == "" {
			if f.Required {
				errs = append(errs, *fieldError(f, CodeRequired, fmt.Sprintf("%s is required", f.Label)))
			}
			continue
		}
		v, ferr := Coerce(f, text)
		if ferr != nil {
			errs = append(errs, *ferr)
			continue
		}
		data[f.Name] = v
	}
	return data, errs
}

// Lookup finds the definition of name in fields.
func Lookup(fields []model.FieldDefinition, name string) (model.FieldDefinition, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return model.FieldDefinition{}, false
}

var errNotFinite = errors.New("not a finite number")

// parseNumber accepts a decimal comma when no dot is present. NaN and the
// infinities parse under strconv but are not numbers a form can hold.
func parseNumber(raw string) (float64, error) {
	if !strings.Contains(raw, ".") {
		raw = strings.Replace(raw, ",", ".", 1)
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, errNotFinite
	}
	return n, nil
}

// Finite reports whether v is usable as stored data: numbers must not be NaN
// or infinite. Values of any other kind are finite.
func Finite(v model.Value) bool {
	if v.Kind() != model.KindNumber {
		return true
	}
	n := v.Num()
	return !math.IsNaN(n) && !math.IsInf(n, 0)
}

// CheckUnknown verifies a value stored under a name the type does not define.
// Such values are kept as given apart from non-finite numbers.
func CheckUnknown(name string, v model.Value) *model.FieldError {
	if Finite(v) {
		return nil
	}
	return &model.FieldError{Field: name, Code: CodeType, Message: fmt.Sprintf("%s must be a finite number", name)}
}

func parseFlag(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "on", "yes", "sim":
		return true, nil
	case "off", "no", "nao", "não":
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func fieldError(f model.FieldDefinition, code, msg string) *model.FieldError {
	return &model.FieldError{Field: f.Name, Code: code, Message: msg}
}
