package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and display layout of date values.
const DateLayout = "2006-01-02"

// ValueKind tags the variant held by a Value.
type ValueKind string

// Value kinds. The zero Value has an empty kind and stands for "absent".
const (
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindDate   ValueKind = "date"
	KindList   ValueKind = "list"
)

// Value is a tagged variant holding one dynamic field value.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	date time.Time
	list []string
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Date returns a date value truncated to the calendar day in UTC.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// List returns a list value. The slice is copied.
func List(items ...string) Value {
	return Value{kind: KindList, list: slices.Clone(items)}
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsZero reports whether v is the absent value.
func (v Value) IsZero() bool { return v.kind == "" }

// IsBlank reports whether v counts as missing for required-field checks:
// absent, or a string that is empty after trimming. Zero numbers and false
// booleans are present.
func (v Value) IsBlank() bool {
	switch v.kind {
	case "":
		return true
	case KindString:
		return strings.TrimSpace(v.str) == ""
	}
	return false
}

// Str returns the string payload.
func (v Value) Str() string { return v.str }

// Num returns the numeric payload.
func (v Value) Num() float64 { return v.num }

// Truth returns the boolean payload.
func (v Value) Truth() bool { return v.b }

// Time returns the date payload.
func (v Value) Time() time.Time { return v.date }

// Items returns a copy of the list payload.
func (v Value) Items() []string { return slices.Clone(v.list) }

// Raw returns the payload as a plain Go value suitable for snapshots and
// exports. Dates render as YYYY-MM-DD and the absent value as nil.
func (v Value) Raw() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindDate:
		return v.date.Format(DateLayout)
	case KindList:
		return slices.Clone(v.list)
	}
	return nil
}

// Text renders v for display.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDate:
		return v.date.Format(DateLayout)
	case KindList:
		return strings.Join(v.list, ", ")
	}
	return ""
}

// Equal reports whether v and o hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindDate:
		return v.date.Equal(o.date)
	case KindList:
		return slices.Equal(v.list, o.list)
	}
	return true
}

type wireValue struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes v as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == "" {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Raw())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind, Value: raw})
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Value{}
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Kind {
	case KindString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case KindNumber:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return err
		}
		*v = Number(f)
	case KindBool:
		var bv bool
		if err := json.Unmarshal(w.Value, &bv); err != nil {
			return err
		}
		*v = Bool(bv)
	case KindDate:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return fmt.Errorf("model: invalid date value %q: %w", s, err)
		}
		*v = Date(t)
	case KindList:
		var items []string
		if err := json.Unmarshal(w.Value, &items); err != nil {
			return err
		}
		*v = List(items...)
	default:
		return fmt.Errorf("model: unknown value kind %q", w.Kind)
	}
	return nil
}

// Data is the typed key-value container holding an instance's field values.
type Data map[string]Value

// Get returns the value stored under name, or the absent value.
func (d Data) Get(name string) Value {
	if d == nil {
		return Value{}
	}
	return d[name]
}

// Clone returns a copy of d. Values are immutable so a shallow copy suffices
// once list payloads are duplicated.
func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	out := make(Data, len(d))
	for k, v := range d {
		if v.kind == KindList {
			v.list = slices.Clone(v.list)
		}
		out[k] = v
	}
	return out
}

// Raw returns d as a plain map for display or export.
func (d Data) Raw() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v.Raw()
	}
	return out
}
