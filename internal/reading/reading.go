// Package reading turns the query string of a Bresser station upload into a
// canonical, typed set of sensor fields.
package reading

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Kind is the dynamic type of a Value.
type Kind int

// Kinds of Value.
const (
	KindString Kind = iota // verbatim text
	KindInt                // signed integer
	KindFloat              // decimal number
)

// Value holds a coerced field value: a float, an integer or the verbatim
// string when neither parse succeeded.
type Value struct {
	kind Kind
	f    float64
	i    int64
	s    string
}

// FloatValue returns a KindFloat value.
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

// IntValue returns a KindInt value.
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// StringValue returns a KindString value.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// Kind reports which of the accessors holds the value.
func (v Value) Kind() Kind { return v.kind }

// Float returns the number of a KindFloat value and 0 otherwise.
func (v Value) Float() float64 { return v.f }

// Int returns the number of a KindInt value and 0 otherwise.
func (v Value) Int() int64 { return v.i }

// Str returns the text of a KindString value and "" otherwise.
func (v Value) Str() string { return v.s }

// Interface returns the value as float64, int64 or string.
func (v Value) Interface() any {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return v.i
	default:
		return v.s
	}
}

// String renders the value the way it appears in published JSON.
func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	default:
		return v.s
	}
}

// MarshalJSON encodes the value as a JSON number or string.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Coerce converts a raw query value. A string containing a decimal point is
// parsed as a float, anything else as an integer. When parsing fails the
// original string is kept unchanged, so Coerce never fails.
func Coerce(raw string) Value {
	if strings.Contains(raw, ".") {
		f, err := strconv.ParseFloat(raw, 64)
		// NaN and Inf have no JSON encoding.
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return StringValue(raw)
		}
		return FloatValue(f)
	}
	i, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return StringValue(raw)
	}
	return IntValue(i)
}

// Field is a single canonical field of a Reading.
type Field struct {
	Name  string
	Value Value
}

// Reading is an ordered set of canonical fields. It is built by a Mapper and
// not modified afterwards.
type Reading struct {
	fields []Field
}

// Fields returns a copy of the fields in canonical order.
func (r Reading) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Get returns the value of the named field.
func (r Reading) Get(name string) (Value, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Len reports the number of fields.
func (r Reading) Len() int { return len(r.fields) }

// StationID returns the station identifier, if the station sent one.
func (r Reading) StationID() (string, bool) {
	v, ok := r.Get(FieldStationID)
	if !ok {
		return "", false
	}
	return v.String(), true
}

// MarshalJSON encodes the reading as a JSON object whose keys keep the
// canonical order.
func (r Reading) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
