package logix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindArray
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	default:
		return "invalid"
	}
}

// Member is a named field of a structure value.
type Member struct {
	Name  string
	Value Value
}

// Value is a decoded tag value. The zero Value is KindInvalid and stands for
// "never read". Values are immutable once built; constructors copy their
// slices.
type Value struct {
	kind    Kind
	bits    uint64 // bool, int and uint payload; float as IEEE bits
	str     string
	elems   []Value
	members []Member
}

func BoolValue(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

func IntValue(i int64) Value     { return Value{kind: KindInt, bits: uint64(i)} }
func UintValue(u uint64) Value   { return Value{kind: KindUint, bits: u} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(f)} }
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

func ArrayValue(elems ...Value) Value {
	return Value{kind: KindArray, elems: append([]Value{}, elems...)}
}

func StructValue(members ...Member) Value {
	return Value{kind: KindStruct, members: append([]Member{}, members...)}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsValid() bool  { return v.kind != KindInvalid }
func (v Value) Bool() bool     { return v.kind == KindBool && v.bits != 0 }
func (v Value) Int() int64     { return int64(v.bits) }
func (v Value) Uint() uint64   { return v.bits }
func (v Value) Float() float64 { return math.Float64frombits(v.bits) }
func (v Value) Str() string    { return v.str }

// Len is the element count of an array or the member count of a structure.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.elems)
	case KindStruct:
		return len(v.members)
	}
	return 0
}

// Index returns element i of an array.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.elems) {
		return Value{}
	}
	return v.elems[i]
}

// Members returns a copy of the structure members in offset order.
func (v Value) Members() []Member {
	return append([]Member(nil), v.members...)
}

// Field returns the named structure member. Names compare case-insensitively,
// as Logix does.
func (v Value) Field(name string) (Value, bool) {
	for _, m := range v.members {
		if strings.EqualFold(m.Name, name) {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Equal compares structurally. Floats compare by bit pattern so NaN equals
// itself and a stored NaN does not report a change every cycle.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInvalid:
		return true
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.elems) != len(o.elems) {
			return false
		}
		for i := range v.elems {
			if !v.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	case KindStruct:
		if len(v.members) != len(o.members) {
			return false
		}
		for i := range v.members {
			if v.members[i].Name != o.members[i].Name || !v.members[i].Value.Equal(o.members[i].Value) {
				return false
			}
		}
		return true
	default:
		return v.bits == o.bits
	}
}

// Interface converts to plain Go values: bool, int64, uint64, float64,
// string, []any, and map[string]any for structures.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int()
	case KindUint:
		return v.Uint()
	case KindFloat:
		return v.Float()
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.elems))
		for i, e := range v.elems {
			out[i] = e.Interface()
		}
		return out
	case KindStruct:
		out := make(map[string]any, len(v.members))
		for _, m := range v.members {
			out[m.Name] = m.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON keeps structure members in offset order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindStruct:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, _ := json.Marshal(m.Name)
			buf.Write(name)
			buf.WriteByte(':')
			if err := m.Value.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindFloat:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			buf.WriteString(strconv.Quote(strconv.FormatFloat(f, 'g', -1, 64)))
			return nil
		}
		b, err := json.Marshal(f)
		if err != nil {
			return err
		}
		buf.Write(b)
	default:
		b, err := json.Marshal(v.Interface())
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// String renders the value for logs and the console.
func (v Value) String() string {
	switch v.kind {
	case KindInvalid:
		return "<nil>"
	case KindString:
		return strconv.Quote(v.str)
	case KindArray:
		parts := make([]string, len(v.elems))
		for i, e := range v.elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindStruct:
		parts := make([]string, len(v.members))
		for i, m := range v.members {
			parts[i] = m.Name + ":" + m.Value.String()
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

// ValueOf converts a plain Go value (as decoded from JSON or YAML) into a
// Value. Numbers become Float unless they are integral Go integers; Encode
// accepts Float for integer types when the value is integral.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int8:
		return IntValue(int64(t)), nil
	case int16:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint:
		return UintValue(uint64(t)), nil
	case uint8:
		return UintValue(uint64(t)), nil
	case uint16:
		return UintValue(uint64(t)), nil
	case uint32:
		return UintValue(uint64(t)), nil
	case uint64:
		return UintValue(t), nil
	case float32:
		return FloatValue(float64(t)), nil
	case float64:
		return FloatValue(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, mismatch("number %q", t.String())
		}
		return FloatValue(f), nil
	case string:
		return StringValue(t), nil
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}
			elems[i] = ev
		}
		return Value{kind: KindArray, elems: elems}, nil
	case map[string]any:
		// Map order is lost; Encode matches members by name.
		members := make([]Member, 0, len(t))
		for name, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}
			members = append(members, Member{Name: name, Value: ev})
		}
		return Value{kind: KindStruct, members: members}, nil
	default:
		return Value{}, mismatch("cannot convert %T", x)
	}
}
