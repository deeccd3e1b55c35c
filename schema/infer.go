package schema

import (
	"time"
)

// FieldType is the inferred type of a field.
type FieldType string

// Field types observable in sample data.
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeNull    FieldType = "null"
)

// maxDepth bounds recursion into pathological nesting.
const maxDepth = 32

// FieldInfo is a node in the inferred field tree. Path is dot-separated and
// unique within the tree; Children is present only for object fields and
// arrays of objects. Trees are built once per inference run and never
// patched in place; re-inference supersedes the whole tree.
type FieldInfo struct {
	Path     string       `json:"path"`
	Type     FieldType    `json:"type"`
	Nullable bool         `json:"nullable"`
	Sample   any          `json:"sample,omitempty"`
	Children []*FieldInfo `json:"children,omitempty"`
}

// Name returns the last segment of the field path.
func (f *FieldInfo) Name() string {
	for i := len(f.Path) - 1; i >= 0; i-- {
		if f.Path[i] == '.' {
			return f.Path[i+1:]
		}
	}
	return f.Path
}

// Find returns the descendant with the given path, or nil.
func (f *FieldInfo) Find(path string) *FieldInfo {
	if f.Path == path {
		return f
	}
	for _, c := range f.Children {
		if found := c.Find(path); found != nil {
			return found
		}
	}
	return nil
}

// dateLayouts recognized by the date heuristic. Best-effort: a string field
// whose first non-null sample parses as one of these is typed date.
var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	time.RFC1123,
}

// looksLikeDate reports whether s parses as a recognized date layout.
func looksLikeDate(s string) bool {
	if len(s) < 8 || len(s) > 35 {
		return false
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// Infer derives a field tree from sample rows. The root is a synthetic
// container whose children are the top-level fields.
//
// A field's type is the type observed in the first row where it is non-null;
// conflicting types in later rows are not reconciled (first wins, a
// documented limitation of the source system). A field observed null, or
// absent from at least one row, is nullable. Field order is first-seen
// order, so identical ordered input yields an identical tree.
func Infer(rows []Value) *FieldInfo {
	root := &FieldInfo{Path: "", Type: TypeObject}
	for i, row := range rows {
		if row.Kind != KindObject {
			continue
		}
		mergeObject(root, row.Obj, i > 0, 0)
	}
	return root
}

// InferBytes parses a JSON document (object or array of objects) and infers
// its field tree.
func InferBytes(data []byte) (*FieldInfo, error) {
	rows, err := ParseRows(data)
	if err != nil {
		return nil, err
	}
	return Infer(rows), nil
}

// mergeObject folds one sample object into parent's children. later is true
// when this is not the first row seen for the parent, which makes newly
// discovered fields nullable (they were absent from an earlier sample).
func mergeObject(parent *FieldInfo, obj *Object, later bool, depth int) {
	if depth >= maxDepth {
		return
	}

	byName := make(map[string]*FieldInfo, len(parent.Children))
	for _, c := range parent.Children {
		byName[c.Name()] = c
	}

	seen := make(map[string]bool, obj.Len())
	for _, key := range obj.Keys() {
		v, _ := obj.Get(key)
		seen[key] = true

		child, exists := byName[key]
		if !exists {
			child = &FieldInfo{
				Path:     childPath(parent.Path, key),
				Type:     observedType(v),
				Nullable: later || v.Kind == KindNull,
				Sample:   sampleOf(v),
			}
			parent.Children = append(parent.Children, child)
			byName[key] = child
		} else {
			if v.Kind == KindNull {
				child.Nullable = true
			} else if child.Type == TypeNull {
				// Type inherited from the first non-null sample
				child.Type = observedType(v)
				if child.Sample == nil {
					child.Sample = sampleOf(v)
				}
			}
			// Conflicting non-null types across rows: first wins.
		}

		recurse(child, v, later || exists, depth)
	}

	// Fields present in earlier rows but absent here are nullable
	for _, c := range parent.Children {
		if !seen[c.Name()] {
			c.Nullable = true
		}
	}
}

// recurse descends into object and array-of-object values.
func recurse(child *FieldInfo, v Value, later bool, depth int) {
	switch v.Kind {
	case KindObject:
		if child.Type == TypeObject {
			mergeObject(child, v.Obj, later, depth+1)
		}
	case KindArray:
		if child.Type != TypeArray {
			return
		}
		// The first non-null object element represents the schema for all
		// elements; per-element heterogeneity is not modeled.
		for _, el := range v.Arr {
			if el.Kind == KindObject {
				mergeObject(child, el.Obj, later, depth+1)
				return
			}
			if el.Kind != KindNull {
				return
			}
		}
	}
}

// observedType maps a value kind to a field type, applying the date
// heuristic to strings.
func observedType(v Value) FieldType {
	switch v.Kind {
	case KindString:
		if looksLikeDate(v.Str) {
			return TypeDate
		}
		return TypeString
	case KindNumber:
		return TypeNumber
	case KindBool:
		return TypeBoolean
	case KindObject:
		return TypeObject
	case KindArray:
		return TypeArray
	default:
		return TypeNull
	}
}

// sampleOf returns the advisory first-observed sample for scalar values.
func sampleOf(v Value) any {
	switch v.Kind {
	case KindString, KindNumber, KindBool:
		return v.Interface()
	default:
		return nil
	}
}

func childPath(parentPath, key string) string {
	if parentPath == "" {
		return key
	}
	return parentPath + "." + key
}
