package stage

import (
	"context"
	"time"

	"github.com/oxisflow/pipeline-core/internal/data"
	"github.com/oxisflow/pipeline-core/internal/errs"
)

// Invoke wraps a Stage's Process call, enforcing its declared Limits before
// the transform ever runs: unsupported input types, oversized payloads
// (memory and batch size), and the max processing time. stepID is used
// only for error context.
func Invoke(ctx context.Context, s Stage, stepID string, in data.Container, config map[string]any) (data.Container, error) {
	limits := s.ProcessingLimits()

	if len(limits.SupportedInputTypes) > 0 && !supportsKind(limits.SupportedInputTypes, in.Kind()) {
		return data.Container{}, &errs.UnsupportedInputType{
			Stage:    s.Name(),
			Found:    string(in.Kind()),
			Accepted: kindStrings(limits.SupportedInputTypes),
		}
	}

	if limits.MaxMemoryMB > 0 {
		limitBytes := int64(limits.MaxMemoryMB) * 1024 * 1024
		actual := in.EstimatedMemory()
		if actual >= limitBytes {
			return data.Container{}, &errs.MemoryLimitExceeded{
				Stage:    s.Name(),
				LimitMB:  limits.MaxMemoryMB,
				ActualMB: float64(actual) / (1024 * 1024),
			}
		}
	}

	if limits.MaxBatchSize > 0 {
		if seq, err := in.AsStructured(); err == nil {
			if items, ok := seq.([]any); ok && len(items) > limits.MaxBatchSize {
				return data.Container{}, &errs.BatchSizeExceeded{
					Stage:  s.Name(),
					Limit:  limits.MaxBatchSize,
					Actual: len(items),
				}
			}
		}
	}

	if err := validateConfig(s, config); err != nil {
		return data.Container{}, err
	}

	if err := s.ValidateInput(in); err != nil {
		return data.Container{}, err
	}

	if limits.MaxProcessingTimeMs <= 0 {
		return s.Process(ctx, in, config)
	}

	timeout := time.Duration(limits.MaxProcessingTimeMs) * time.Millisecond
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out data.Container
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.Process(cctx, in, config)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-cctx.Done():
		return data.Container{}, &errs.ProcessingTimeout{
			Stage:   s.Name(),
			StepID:  stepID,
			LimitMs: limits.MaxProcessingTimeMs,
		}
	}
}

// validateConfig compiles s's declared config_schema (if it declares any
// fields) into a JSON Schema and validates the resolved config against
// it. A stage with an empty ConfigSchema() is taken to mean it places no
// constraints on its config, so nothing is compiled or checked.
func validateConfig(s Stage, config map[string]any) error {
	cfgSchema := s.ConfigSchema()
	if len(cfgSchema) == 0 {
		return nil
	}

	compiled, err := cfgSchema.ToJSONSchema()
	if err != nil {
		return &errs.ConfigValidation{Stage: s.Name(), Reason: err.Error()}
	}

	if config == nil {
		config = map[string]any{}
	}
	if err := compiled.Validate(config); err != nil {
		return &errs.ConfigValidation{Stage: s.Name(), Reason: err.Error()}
	}
	return nil
}

func supportsKind(kinds []data.Kind, k data.Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func kindStrings(kinds []data.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
