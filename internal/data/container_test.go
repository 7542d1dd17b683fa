package data

import (
	"errors"
	"testing"

	"github.com/oxisflow/pipeline-core/internal/errs"
	"github.com/oxisflow/pipeline-core/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedViewsFailWithTypeMismatch(t *testing.T) {
	c := FromText("hi")

	_, err := c.AsStructured()
	require.Error(t, err)
	var mismatch *errs.TypeMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "structured", mismatch.Expected)
	assert.Equal(t, "text", mismatch.Actual)

	_, err = c.AsBinary()
	require.Error(t, err)
}

func TestIsBatch(t *testing.T) {
	assert.False(t, FromStructured([]any{1}).IsBatch())
	assert.True(t, FromStructured([]any{1, 2}).IsBatch())
	assert.False(t, FromStructured(map[string]any{}).IsBatch())
	assert.False(t, Empty().IsBatch())
}

func TestToStructured(t *testing.T) {
	c := FromText(`{"a":1,"b":"x"}`)
	v, err := c.ToStructured()
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), m["a"])
	assert.Equal(t, "x", m["b"])

	_, err = FromText("not json").ToStructured()
	require.Error(t, err)

	_, err = FromBinary([]byte{1, 2}).ToStructured()
	require.Error(t, err)
}

func TestEstimatedMemory(t *testing.T) {
	assert.Equal(t, int64(0), Empty().EstimatedMemory())
	assert.Equal(t, int64(5), FromText("hello").EstimatedMemory())
	assert.Equal(t, int64(3), FromBinary([]byte{1, 2, 3}).EstimatedMemory())

	obj := FromStructured(map[string]any{"a": int64(1), "b": "xy"})
	// overhead(16) + len("a")(1) + 8 + len("b")(1) + 2 = 28
	assert.Equal(t, int64(28), obj.EstimatedMemory())

	arr := FromStructured([]any{true, nil})
	assert.Equal(t, int64(18), arr.EstimatedMemory())
}

func TestEstimatedMemoryUsesUTF8ByteLengthNotRuneCount(t *testing.T) {
	// "日本語" is 3 runes but 9 UTF-8 bytes; estimation must track bytes so
	// memory-limit enforcement isn't fooled by multi-byte runes.
	assert.Equal(t, int64(9), FromText("日本語").EstimatedMemory())
	assert.Equal(t, int64(9), estimateValue("日本語"))
}

func TestWithSchema(t *testing.T) {
	c := FromStructured(map[string]any{"a": int64(1)})
	assert.Nil(t, c.Schema())

	withSchema := c.WithSchema(schema.Schema{"a": schema.FieldSchema{Type: schema.TypeInteger}})
	require.NotNil(t, withSchema.Schema())
	assert.Equal(t, schema.TypeInteger, (*withSchema.Schema())["a"].Type)
	assert.Nil(t, c.Schema())
}
