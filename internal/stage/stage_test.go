package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oxisflow/pipeline-core/internal/data"
	"github.com/oxisflow/pipeline-core/internal/errs"
	"github.com/oxisflow/pipeline-core/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	name    string
	limits  Limits
	delay   time.Duration
	fail    error
	process func(ctx context.Context, in data.Container, config map[string]any) (data.Container, error)
}

func (f *fakeStage) Name() string                       { return f.name }
func (f *fakeStage) SchemaStrategy() SchemaStrategy     { return SchemaStrategy{Kind: SchemaPassthrough} }
func (f *fakeStage) ConfigSchema() schema.Schema        { return schema.Schema{} }
func (f *fakeStage) ProcessingLimits() Limits           { return f.limits }
func (f *fakeStage) ValidateInput(data.Container) error { return nil }
func (f *fakeStage) OutputSchema(in *schema.Schema, _ map[string]any) schema.Schema {
	if in != nil {
		return *in
	}
	return schema.Schema{}
}

func (f *fakeStage) Process(ctx context.Context, in data.Container, config map[string]any) (data.Container, error) {
	if f.process != nil {
		return f.process(ctx, in, config)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return data.Container{}, ctx.Err()
		}
	}
	if f.fail != nil {
		return data.Container{}, f.fail
	}
	return in, nil
}

func TestRegistryLookupAndDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", func() Stage { return &fakeStage{name: "noop"} })

	s, ok := r.Lookup("noop")
	require.True(t, ok)
	assert.Equal(t, "noop", s.Name())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Panics(t, func() {
		r.Register("noop", func() Stage { return &fakeStage{name: "noop"} })
	})
}

func TestInvokeRejectsUnsupportedInputType(t *testing.T) {
	s := &fakeStage{name: "text-only", limits: Limits{SupportedInputTypes: []data.Kind{data.KindText}}}
	_, err := Invoke(context.Background(), s, "step1", data.FromStructured(map[string]any{}), nil)
	require.Error(t, err)
	var unsupported *errs.UnsupportedInputType
	require.True(t, errors.As(err, &unsupported))
}

func TestInvokeRejectsOverMemoryLimit(t *testing.T) {
	s := &fakeStage{name: "tiny", limits: Limits{MaxMemoryMB: 0}}
	s.limits.MaxMemoryMB = 1
	big := make([]any, 0, 2_000_000)
	for i := 0; i < 2_000_000; i++ {
		big = append(big, true)
	}
	_, err := Invoke(context.Background(), s, "step1", data.FromStructured(big), nil)
	require.Error(t, err)
	var tooBig *errs.MemoryLimitExceeded
	require.True(t, errors.As(err, &tooBig))
}

func TestInvokeOneByteUnderLimitPasses(t *testing.T) {
	s := &fakeStage{name: "exact", limits: Limits{MaxMemoryMB: 0}}
	// 1MB exactly via a text payload of 1MiB runes; one less byte passes,
	// exactly the limit is rejected.
	const mb = 1024 * 1024
	s.limits.MaxMemoryMB = 1

	exact := make([]byte, mb)
	for i := range exact {
		exact[i] = 'a'
	}
	_, err := Invoke(context.Background(), s, "step1", data.FromText(string(exact)), nil)
	require.Error(t, err)

	oneLess := make([]byte, mb-1)
	for i := range oneLess {
		oneLess[i] = 'a'
	}
	_, err = Invoke(context.Background(), s, "step1", data.FromText(string(oneLess)), nil)
	require.NoError(t, err)
}

func TestInvokeRejectsOverBatchSize(t *testing.T) {
	s := &fakeStage{name: "batch", limits: Limits{MaxBatchSize: 2}}
	_, err := Invoke(context.Background(), s, "step1", data.FromStructured([]any{1, 2, 3}), nil)
	require.Error(t, err)
	var tooMany *errs.BatchSizeExceeded
	require.True(t, errors.As(err, &tooMany))

	_, err = Invoke(context.Background(), s, "step1", data.FromStructured([]any{1, 2}), nil)
	require.NoError(t, err)
}

func TestInvokeTimesOutPastLimit(t *testing.T) {
	s := &fakeStage{name: "slow", delay: 50 * time.Millisecond, limits: Limits{MaxProcessingTimeMs: 10}}
	_, err := Invoke(context.Background(), s, "step1", data.Empty(), nil)
	require.Error(t, err)
	var timeout *errs.ProcessingTimeout
	require.True(t, errors.As(err, &timeout))
}

type configuredStage struct {
	fakeStage
	cfgSchema schema.Schema
}

func (c *configuredStage) ConfigSchema() schema.Schema { return c.cfgSchema }

func TestInvokeRejectsConfigFailingSchema(t *testing.T) {
	s := &configuredStage{
		fakeStage: fakeStage{name: "configured"},
		cfgSchema: schema.Schema{
			"path": schema.FieldSchema{Type: schema.TypeString},
		},
	}
	_, err := Invoke(context.Background(), s, "step1", data.Empty(), map[string]any{"path": 42})
	require.Error(t, err)
	var invalid *errs.ConfigValidation
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "configured", invalid.Stage)
}

func TestInvokeAllowsConfigSatisfyingSchema(t *testing.T) {
	s := &configuredStage{
		fakeStage: fakeStage{name: "configured"},
		cfgSchema: schema.Schema{
			"path": schema.FieldSchema{Type: schema.TypeString},
		},
	}
	out, err := Invoke(context.Background(), s, "step1", data.FromText("hi"), map[string]any{"path": "in.json"})
	require.NoError(t, err)
	text, _ := out.AsText()
	assert.Equal(t, "hi", text)
}

func TestInvokeSkipsConfigValidationWhenSchemaEmpty(t *testing.T) {
	s := &fakeStage{name: "no-schema"}
	_, err := Invoke(context.Background(), s, "step1", data.Empty(), map[string]any{"anything": true})
	require.NoError(t, err)
}

func TestInvokeRunsBeforeProcessChecks(t *testing.T) {
	called := false
	s := &fakeStage{
		name: "tracks",
		process: func(ctx context.Context, in data.Container, config map[string]any) (data.Container, error) {
			called = true
			return in, nil
		},
		limits: Limits{SupportedInputTypes: []data.Kind{data.KindText}},
	}
	_, err := Invoke(context.Background(), s, "step1", data.FromStructured(1), nil)
	require.Error(t, err)
	assert.False(t, called, "process must not run when the limit check fails")
}
