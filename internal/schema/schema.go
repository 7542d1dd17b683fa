// Package schema implements the field-type model attached to data
// containers: inference from arbitrary structured values, compatibility
// checks, merge, and validation.
package schema

import (
	"fmt"
	"sort"

	"github.com/oxisflow/pipeline-core/internal/errs"
)

// FieldType is the closed set of field types a Schema can describe.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeDateTime FieldType = "datetime"
	TypeBinary   FieldType = "binary"
	TypeArray    FieldType = "array"
	TypeObject   FieldType = "object"
	TypeUnknown  FieldType = "unknown"
	TypeMixed    FieldType = "mixed"
)

// ConstraintKind is the closed set of field constraints.
type ConstraintKind string

const (
	ConstraintMin     ConstraintKind = "min"
	ConstraintMax     ConstraintKind = "max"
	ConstraintMinLen  ConstraintKind = "min_length"
	ConstraintMaxLen  ConstraintKind = "max_length"
	ConstraintPattern ConstraintKind = "pattern"
	ConstraintOneOf   ConstraintKind = "one_of"
	ConstraintCustom  ConstraintKind = "custom"
)

// Constraint describes one validation rule attached to a FieldSchema.
// Only the fields relevant to Kind are populated.
type Constraint struct {
	Kind    ConstraintKind
	Number  float64
	Int     int
	Pattern string
	OneOf   []any
	Name    string // for ConstraintCustom
	Check   func(value any) error
}

// FieldSchema describes one field of a Schema.
type FieldSchema struct {
	Type        FieldType
	Nullable    bool
	MaxSize     *int
	Constraints []Constraint
	Description string
	Examples    []any

	// Element is populated when Type == TypeArray: the schema of each
	// element.
	Element *FieldSchema
	// Object is populated when Type == TypeObject: the nested field map.
	Object Schema
}

// Schema is a mapping from field name to FieldSchema.
type Schema map[string]FieldSchema

const maxArraySampleSize = 10

// Infer derives a FieldSchema from an arbitrary structured value. The value is
// expected to be the kind of tree data.Container.AsStructured() returns:
// nil, bool, int64/float64, string, []any, or map[string]any.
func Infer(value any) FieldSchema {
	switch v := value.(type) {
	case nil:
		return FieldSchema{Type: TypeUnknown, Nullable: true}
	case bool:
		return FieldSchema{Type: TypeBoolean}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return FieldSchema{Type: TypeInteger}
	case float32, float64:
		return FieldSchema{Type: TypeFloat}
	case string:
		return FieldSchema{Type: TypeString}
	case []byte:
		return FieldSchema{Type: TypeBinary}
	case []any:
		return inferArray(v)
	case map[string]any:
		return inferObject(v)
	default:
		return FieldSchema{Type: TypeUnknown}
	}
}

func inferArray(items []any) FieldSchema {
	limit := len(items)
	if limit > maxArraySampleSize {
		limit = maxArraySampleSize
	}
	var elem FieldSchema
	has := false
	for i := 0; i < limit; i++ {
		fs := Infer(items[i])
		if !has {
			elem = fs
			has = true
			continue
		}
		elem = mergeField(elem, fs)
	}
	if !has {
		elem = FieldSchema{Type: TypeUnknown}
	}
	return FieldSchema{Type: TypeArray, Element: &elem}
}

func inferObject(m map[string]any) FieldSchema {
	s := make(Schema, len(m))
	for k, v := range m {
		s[k] = Infer(v)
	}
	return FieldSchema{Type: TypeObject, Object: s}
}

// InferSchema infers a top-level Schema from a map value; a non-map value
// yields a single-field schema isn't meaningful at the top level, so callers
// working with a bare Container should use Infer on its structured payload
// and, if it is itself a map, this helper.
func InferSchema(m map[string]any) Schema {
	s := make(Schema, len(m))
	for k, v := range m {
		s[k] = Infer(v)
	}
	return s
}

// Merge combines two schemas. It is commutative and associative: matching
// keys with identical types keep that type, an Unknown side takes the
// other side's type, any other pair of differing types collapses to
// Mixed, and a nullable side makes the merged field nullable. Keys present
// in only one side are carried through unchanged (key-union invariant).
func Merge(a, b Schema) Schema {
	out := make(Schema, len(a)+len(b))
	for k, fs := range a {
		out[k] = fs
	}
	for k, fs := range b {
		if existing, ok := out[k]; ok {
			out[k] = mergeField(existing, fs)
		} else {
			out[k] = fs
		}
	}
	return out
}

func mergeField(a, b FieldSchema) FieldSchema {
	nullable := a.Nullable || b.Nullable

	if a.Type == TypeUnknown {
		b.Nullable = nullable
		return b
	}
	if b.Type == TypeUnknown {
		a.Nullable = nullable
		return a
	}

	if a.Type != b.Type {
		return FieldSchema{Type: TypeMixed, Nullable: nullable}
	}

	switch a.Type {
	case TypeArray:
		var elem FieldSchema
		switch {
		case a.Element == nil:
			elem = *b.Element
		case b.Element == nil:
			elem = *a.Element
		default:
			elem = mergeField(*a.Element, *b.Element)
		}
		return FieldSchema{Type: TypeArray, Nullable: nullable, Element: &elem}
	case TypeObject:
		return FieldSchema{Type: TypeObject, Nullable: nullable, Object: Merge(a.Object, b.Object)}
	default:
		a.Nullable = nullable
		return a
	}
}

// IsCompatibleWith reports whether a producer schema (s) can feed a
// consumer schema (other): every field the consumer declares must exist on
// the producer with a compatible (equal or Mixed-absorbing) type.
func (s Schema) IsCompatibleWith(other Schema) error {
	keys := make([]string, 0, len(other))
	for k := range other {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		want := other[k]
		got, ok := s[k]
		if !ok {
			return fmt.Errorf("field %q required but not present", k)
		}
		if want.Type == TypeMixed || got.Type == TypeMixed {
			continue
		}
		if want.Type != got.Type {
			return fmt.Errorf("field %q: expected type %s, got %s", k, want.Type, got.Type)
		}
	}
	return nil
}

// Validate walks value against the schema's field constraints, applying
// them to a map[string]any. Validation fails at the first offending field,
// reporting its dotted path.
func (s Schema) Validate(value map[string]any) error {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fs := s[k]
		v, present := value[k]
		if !present || v == nil {
			if fs.Nullable || !present {
				continue
			}
			return &errs.SchemaValidation{FieldPath: k, Reason: "required field missing"}
		}
		if err := fs.validateValue(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (fs FieldSchema) validateValue(path string, v any) error {
	if fs.MaxSize != nil {
		if sz, ok := sizeOf(v); ok && sz > *fs.MaxSize {
			return &errs.SchemaValidation{FieldPath: path, Reason: fmt.Sprintf("size %d exceeds max_size %d", sz, *fs.MaxSize)}
		}
	}

	for _, c := range fs.Constraints {
		if err := applyConstraint(path, c, v); err != nil {
			return err
		}
	}

	if fs.Type == TypeObject {
		m, ok := v.(map[string]any)
		if !ok {
			return &errs.SchemaValidation{FieldPath: path, Reason: "expected object"}
		}
		nestedKeys := make([]string, 0, len(fs.Object))
		for k := range fs.Object {
			nestedKeys = append(nestedKeys, k)
		}
		sort.Strings(nestedKeys)
		for _, k := range nestedKeys {
			nfs := fs.Object[k]
			nv, present := m[k]
			if !present || nv == nil {
				if nfs.Nullable || !present {
					continue
				}
				return &errs.SchemaValidation{FieldPath: path + "." + k, Reason: "required field missing"}
			}
			if err := nfs.validateValue(path+"."+k, nv); err != nil {
				return err
			}
		}
	}

	if fs.Type == TypeArray {
		arr, ok := v.([]any)
		if !ok {
			return &errs.SchemaValidation{FieldPath: path, Reason: "expected array"}
		}
		if fs.Element != nil {
			for i, item := range arr {
				if err := fs.Element.validateValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func applyConstraint(path string, c Constraint, v any) error {
	switch c.Kind {
	case ConstraintMin:
		n, ok := asFloat(v)
		if ok && n < c.Number {
			return &errs.SchemaValidation{FieldPath: path, Reason: fmt.Sprintf("%.6g below minimum %.6g", n, c.Number)}
		}
	case ConstraintMax:
		n, ok := asFloat(v)
		if ok && n > c.Number {
			return &errs.SchemaValidation{FieldPath: path, Reason: fmt.Sprintf("%.6g above maximum %.6g", n, c.Number)}
		}
	case ConstraintMinLen:
		if sz, ok := sizeOf(v); ok && sz < c.Int {
			return &errs.SchemaValidation{FieldPath: path, Reason: fmt.Sprintf("length %d below minimum %d", sz, c.Int)}
		}
	case ConstraintMaxLen:
		if sz, ok := sizeOf(v); ok && sz > c.Int {
			return &errs.SchemaValidation{FieldPath: path, Reason: fmt.Sprintf("length %d above maximum %d", sz, c.Int)}
		}
	case ConstraintPattern:
		s, ok := v.(string)
		if ok {
			matched, err := regexpMatch(c.Pattern, s)
			if err != nil {
				return &errs.SchemaValidation{FieldPath: path, Reason: err.Error()}
			}
			if !matched {
				return &errs.SchemaValidation{FieldPath: path, Reason: fmt.Sprintf("value %q does not match pattern %q", s, c.Pattern)}
			}
		}
	case ConstraintOneOf:
		if !containsAny(c.OneOf, v) {
			return &errs.SchemaValidation{FieldPath: path, Reason: fmt.Sprintf("value %v not in allowed set %v", v, c.OneOf)}
		}
	case ConstraintCustom:
		if c.Check != nil {
			if err := c.Check(v); err != nil {
				return &errs.SchemaValidation{FieldPath: path, Reason: err.Error()}
			}
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func sizeOf(v any) (int, bool) {
	switch x := v.(type) {
	case string:
		return len([]rune(x)), true
	case []any:
		return len(x), true
	case []byte:
		return len(x), true
	default:
		return 0, false
	}
}

func containsAny(set []any, v any) bool {
	for _, item := range set {
		if fmt.Sprint(item) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}
