// Package attrvalue is the tagged-union encoding used for stored reward items.
//
// Every value is written as a JSON object with exactly one tag key:
//
//	{"N":"12"} {"F":"1.5"} {"BOOL":true} {"S":"x"} {"NULL":true}
//	{"L":[...]} {"M":{...}} {"SS":["a","b"]}
//
// Int and Float use distinct tags and decimal strings so neither loses
// precision on the way through a generic JSON decoder.
package attrvalue

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Value is a sealed interface; only the types in this package implement it.
type Value interface {
	attrValue()
}

type Null struct{}

type Int int64

type Float float64

type Bool bool

type String string

type List []Value

type Map map[string]Value

// StringSet is an unordered set of strings.
type StringSet map[string]struct{}

func (Null) attrValue()      {}
func (Int) attrValue()       {}
func (Float) attrValue()     {}
func (Bool) attrValue()      {}
func (String) attrValue()    {}
func (List) attrValue()      {}
func (Map) attrValue()       {}
func (StringSet) attrValue() {}

// NewStringSet builds a set from items, dropping duplicates.
func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Sorted returns the members in ascending order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

const (
	tagInt   = "N"
	tagFloat = "F"
	tagBool  = "BOOL"
	tagStr   = "S"
	tagNull  = "NULL"
	tagList  = "L"
	tagMap   = "M"
	tagSet   = "SS"
)

// Serialize encodes v. A nil Value encodes as Null.
func Serialize(v Value) ([]byte, error) {
	tagged, err := toTagged(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged)
}

// Deserialize is the inverse of Serialize.
func Deserialize(data []byte) (Value, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("attrvalue: %w", err)
	}
	return fromTagged(raw)
}

func toTagged(v Value) (map[string]any, error) {
	switch x := v.(type) {
	case nil, Null:
		return map[string]any{tagNull: true}, nil
	case Int:
		return map[string]any{tagInt: strconv.FormatInt(int64(x), 10)}, nil
	case Float:
		return map[string]any{tagFloat: formatFloat(float64(x))}, nil
	case Bool:
		return map[string]any{tagBool: bool(x)}, nil
	case String:
		return map[string]any{tagStr: string(x)}, nil
	case List:
		items := make([]any, 0, len(x))
		for i, it := range x {
			t, err := toTagged(it)
			if err != nil {
				return nil, fmt.Errorf("attrvalue: list index %d: %w", i, err)
			}
			items = append(items, t)
		}
		return map[string]any{tagList: items}, nil
	case Map:
		fields := make(map[string]any, len(x))
		for k, it := range x {
			t, err := toTagged(it)
			if err != nil {
				return nil, fmt.Errorf("attrvalue: map key %q: %w", k, err)
			}
			fields[k] = t
		}
		return map[string]any{tagMap: fields}, nil
	case StringSet:
		return map[string]any{tagSet: x.Sorted()}, nil
	default:
		return nil, fmt.Errorf("attrvalue: unsupported type %T", v)
	}
}

func fromTagged(raw map[string]json.RawMessage) (Value, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("attrvalue: expected exactly one tag, got %d", len(raw))
	}
	for tag, body := range raw {
		switch tag {
		case tagNull:
			return Null{}, nil
		case tagInt:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("attrvalue: int: %w", err)
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("attrvalue: int: %w", err)
			}
			return Int(n), nil
		case tagFloat:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("attrvalue: float: %w", err)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("attrvalue: float: %w", err)
			}
			return Float(f), nil
		case tagBool:
			var b bool
			if err := json.Unmarshal(body, &b); err != nil {
				return nil, fmt.Errorf("attrvalue: bool: %w", err)
			}
			return Bool(b), nil
		case tagStr:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("attrvalue: string: %w", err)
			}
			return String(s), nil
		case tagList:
			var items []map[string]json.RawMessage
			if err := json.Unmarshal(body, &items); err != nil {
				return nil, fmt.Errorf("attrvalue: list: %w", err)
			}
			out := make(List, 0, len(items))
			for i, it := range items {
				v, err := fromTagged(it)
				if err != nil {
					return nil, fmt.Errorf("attrvalue: list index %d: %w", i, err)
				}
				out = append(out, v)
			}
			return out, nil
		case tagMap:
			var fields map[string]map[string]json.RawMessage
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, fmt.Errorf("attrvalue: map: %w", err)
			}
			out := make(Map, len(fields))
			for k, it := range fields {
				v, err := fromTagged(it)
				if err != nil {
					return nil, fmt.Errorf("attrvalue: map key %q: %w", k, err)
				}
				out[k] = v
			}
			return out, nil
		case tagSet:
			var items []string
			if err := json.Unmarshal(body, &items); err != nil {
				return nil, fmt.Errorf("attrvalue: string set: %w", err)
			}
			return NewStringSet(items...), nil
		default:
			return nil, fmt.Errorf("attrvalue: unknown tag %q", tag)
		}
	}
	return nil, fmt.Errorf("attrvalue: empty value")
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Int64 reads an integer field from m. Missing fields read as zero.
func (m Map) Int64(key string) (int64, error) {
	v, ok := m[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(Int)
	if !ok {
		return 0, fmt.Errorf("attrvalue: field %q is %T, not Int", key, v)
	}
	return int64(n), nil
}

// Str reads a string field from m. Missing fields read as "".
func (m Map) Str(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(String)
	if !ok {
		return "", fmt.Errorf("attrvalue: field %q is %T, not String", key, v)
	}
	return string(s), nil
}
