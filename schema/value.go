// Package schema infers a typed field tree from untyped sample rows.
//
// Payloads arrive from the wire as arbitrary JSON. To keep inference
// deterministic (field order is first-seen order, which encoding/json's
// map[string]any cannot preserve) the package carries payloads as a tagged
// Value union with an insertion-ordered object type, parsed token by token.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nndrao/components-sub001/errors"
)

// Kind discriminates the Value union.
type Kind int

const (
	// KindNull is JSON null.
	KindNull Kind = iota
	// KindString is a JSON string.
	KindString
	// KindNumber is a JSON number.
	KindNumber
	// KindBool is a JSON boolean.
	KindBool
	// KindObject is a JSON object with insertion-ordered keys.
	KindObject
	// KindArray is a JSON array.
	KindArray
)

// String returns the JSON name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the JSON data model. The zero value is null.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
	Obj  *Object
	Arr  []Value
}

// Object is a JSON object that remembers key insertion order.
type Object struct {
	keys   []string
	fields map[string]Value
}

// NewObject creates an empty ordered object.
func NewObject() *Object {
	return &Object{fields: make(map[string]Value)}
}

// Set stores a field, appending the key on first insertion.
func (o *Object) Set(key string, v Value) {
	if _, exists := o.fields[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.fields[key] = v
}

// Get returns the field value and whether the key is present.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.fields[key]
	return v, ok
}

// Keys returns the keys in insertion order. The slice is shared; callers
// must not mutate it.
func (o *Object) Keys() []string {
	return o.keys
}

// Len returns the number of fields.
func (o *Object) Len() int {
	return len(o.keys)
}

// Parse decodes a JSON document into a Value, preserving object key order.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return Value{}, errors.WrapInvalid(err, "schema", "Parse", "decode JSON value")
	}
	return v, nil
}

// ParseRows decodes a JSON document into a row slice: an array yields its
// object elements in order, a single object yields one row. Non-object
// array elements are skipped.
func ParseRows(data []byte) ([]Value, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}

	switch v.Kind {
	case KindObject:
		return []Value{v}, nil
	case KindArray:
		rows := make([]Value, 0, len(v.Arr))
		for _, el := range v.Arr {
			if el.Kind == KindObject {
				rows = append(rows, el)
			}
		}
		return rows, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("expected object or array, got %s", v.Kind),
			"schema", "ParseRows", "decode rows")
	}
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(dec)
		case '[':
			return parseArray(dec)
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		return Value{Kind: KindString, Str: t}, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindNumber, Num: f}, nil
	case bool:
		return Value{Kind: KindBool, Bool: t}, nil
	case nil:
		return Value{Kind: KindNull}, nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

func parseObject(dec *json.Decoder) (Value, error) {
	obj := NewObject()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return Value{}, fmt.Errorf("object key is not a string: %v", keyTok)
		}

		v, err := parseValue(dec)
		if err != nil {
			return Value{}, err
		}
		obj.Set(key, v)
	}
	// Consume closing '}'
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}
	return Value{Kind: KindObject, Obj: obj}, nil
}

func parseArray(dec *json.Decoder) (Value, error) {
	var arr []Value
	for dec.More() {
		v, err := parseValue(dec)
		if err != nil {
			return Value{}, err
		}
		arr = append(arr, v)
	}
	// Consume closing ']'
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}
	return Value{Kind: KindArray, Arr: arr}, nil
}

// Interface converts the value to plain Go types (map[string]any, []any,
// float64, string, bool, nil) for consumers that do not need key order,
// such as the row store.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindObject:
		m := make(map[string]any, v.Obj.Len())
		for _, k := range v.Obj.Keys() {
			child, _ := v.Obj.Get(k)
			m[k] = child.Interface()
		}
		return m
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, el := range v.Arr {
			out[i] = el.Interface()
		}
		return out
	default:
		return nil
	}
}
