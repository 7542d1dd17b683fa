// Package data implements the variant data container that flows between
// pipeline stages: a closed set of payload forms plus an optional attached
// schema.
package data

import (
	"encoding/json"

	"github.com/oxisflow/pipeline-core/internal/errs"
	"github.com/oxisflow/pipeline-core/internal/schema"
)

// Kind is the closed set of payload variants a Container can hold.
type Kind string

const (
	KindStructured Kind = "structured"
	KindText       Kind = "text"
	KindBinary     Kind = "binary"
	KindEmpty      Kind = "empty"
)

// Container is the variant union of payload forms that flows between
// stages, plus an optional attached Schema describing a Structured
// payload's shape.
type Container struct {
	kind       Kind
	structured any
	text       string
	binary     []byte
	schema     *schema.Schema
}

// Empty returns the sentinel container used for pipeline initialization
// and sinks.
func Empty() Container {
	return Container{kind: KindEmpty}
}

// FromStructured wraps an arbitrary structured value (nil, bool, number,
// string, []any, or map[string]any).
func FromStructured(v any) Container {
	return Container{kind: KindStructured, structured: v}
}

// FromText wraps a UTF-8 string payload.
func FromText(s string) Container {
	return Container{kind: KindText, text: s}
}

// FromBinary wraps an opaque byte buffer.
func FromBinary(b []byte) Container {
	return Container{kind: KindBinary, binary: b}
}

// Kind reports which payload variant this container holds.
func (c Container) Kind() Kind { return c.kind }

// Schema returns the attached schema, if any.
func (c Container) Schema() *schema.Schema { return c.schema }

// WithSchema returns a copy of c with the given schema attached.
func (c Container) WithSchema(s schema.Schema) Container {
	c.schema = &s
	return c
}

// AsStructured returns the structured payload, or TypeMismatch if this
// container doesn't hold one.
func (c Container) AsStructured() (any, error) {
	if c.kind != KindStructured {
		return nil, &errs.TypeMismatch{Expected: string(KindStructured), Actual: string(c.kind)}
	}
	return c.structured, nil
}

// AsText returns the text payload, or TypeMismatch if this container
// doesn't hold one.
func (c Container) AsText() (string, error) {
	if c.kind != KindText {
		return "", &errs.TypeMismatch{Expected: string(KindText), Actual: string(c.kind)}
	}
	return c.text, nil
}

// AsBinary returns the binary payload, or TypeMismatch if this container
// doesn't hold one.
func (c Container) AsBinary() ([]byte, error) {
	if c.kind != KindBinary {
		return nil, &errs.TypeMismatch{Expected: string(KindBinary), Actual: string(c.kind)}
	}
	return c.binary, nil
}

// IsBatch reports whether the payload is a sequence of length >= 2.
func (c Container) IsBatch() bool {
	if c.kind != KindStructured {
		return false
	}
	seq, ok := c.structured.([]any)
	return ok && len(seq) >= 2
}

// ToStructured returns the payload as a structured value. A Structured
// payload is returned as-is; a Text payload is parsed as JSON when
// possible. Binary, Empty, and unparseable text cannot be coerced.
func (c Container) ToStructured() (any, error) {
	switch c.kind {
	case KindStructured:
		return c.structured, nil
	case KindText:
		var v any
		if err := json.Unmarshal([]byte(c.text), &v); err != nil {
			return nil, &errs.TypeMismatch{Expected: string(KindStructured), Actual: string(c.kind)}
		}
		return v, nil
	default:
		return nil, &errs.TypeMismatch{Expected: string(KindStructured), Actual: string(c.kind)}
	}
}

const (
	numberSizeBytes   = 8
	scalarSizeBytes   = 1
	containerOverhead = 16
)

// EstimatedMemory approximates the payload's byte size: strings use their
// UTF-8 encoded byte length, numbers are counted as 8 bytes, booleans/null
// as 1 byte, and containers (arrays/objects) as the sum of their children
// plus a fixed per-container overhead.
func (c Container) EstimatedMemory() int64 {
	switch c.kind {
	case KindEmpty:
		return 0
	case KindText:
		return int64(len(c.text))
	case KindBinary:
		return int64(len(c.binary))
	case KindStructured:
		return estimateValue(c.structured)
	default:
		return 0
	}
}

func estimateValue(v any) int64 {
	switch x := v.(type) {
	case nil:
		return scalarSizeBytes
	case bool:
		return scalarSizeBytes
	case string:
		return int64(len(x))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return numberSizeBytes
	case []any:
		var total int64 = containerOverhead
		for _, item := range x {
			total += estimateValue(item)
		}
		return total
	case map[string]any:
		var total int64 = containerOverhead
		for k, item := range x {
			total += int64(len(k)) + estimateValue(item)
		}
		return total
	default:
		return scalarSizeBytes
	}
}
