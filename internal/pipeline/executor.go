package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oxisflow/pipeline-core/internal/clock"
	"github.com/oxisflow/pipeline-core/internal/data"
	"github.com/oxisflow/pipeline-core/internal/errs"
	"github.com/oxisflow/pipeline-core/internal/event"
	"github.com/oxisflow/pipeline-core/internal/resolver"
	"github.com/oxisflow/pipeline-core/internal/schema"
	"github.com/oxisflow/pipeline-core/internal/stage"
	"github.com/oxisflow/pipeline-core/internal/state"
)

// Status is the terminal disposition Execute returns to its caller.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is what Execute returns once a run reaches a terminal state.
type Result struct {
	Status Status
	State  *state.PipelineState
	Output data.Container
}

// Executor runs one pipeline to completion: it resolves each step's
// config, invokes its stage through the registry with retry/timeout
// policy, and checkpoints progress through a state.Manager.
type Executor struct {
	registry *stage.Registry
	manager  *state.Manager
	emitter  event.Emitter
	clock    clock.Clock
	workerID string
}

// ExecutorOption configures an Executor at construction time.
type ExecutorOption func(*Executor)

func WithEmitter(e event.Emitter) ExecutorOption {
	return func(ex *Executor) { ex.emitter = e }
}

func WithClock(c clock.Clock) ExecutorOption {
	return func(ex *Executor) { ex.clock = c }
}

func WithWorkerID(id string) ExecutorOption {
	return func(ex *Executor) { ex.workerID = id }
}

// NewExecutor wires a Registry (stage lookup) and a Manager (run
// persistence) into a ready-to-use Executor.
func NewExecutor(registry *stage.Registry, manager *state.Manager, opts ...ExecutorOption) *Executor {
	ex := &Executor{
		registry: registry,
		manager:  manager,
		emitter:  event.NopEmitter{},
		clock:    clock.Real{},
		workerID: GenerateRunID("worker", 6),
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

func (e *Executor) emit(ev event.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// Execute runs p to completion starting from input, checkpointing via
// the configured state.Manager and returning once the run reaches a
// terminal state.
func (e *Executor) Execute(ctx context.Context, p *Pipeline, input data.Container) (*Result, error) {
	pipelineID := p.Metadata.Name
	runID := GenerateRunID(pipelineID, 0)

	if _, err := e.manager.StartRun(ctx, pipelineID, runID, e.workerID); err != nil {
		return nil, err
	}

	e.emit(event.Event{Timestamp: time.Now(), PipelineID: pipelineID, RunID: runID, State: event.StateStarted})

	stepCtx := newStepContext(pipelineID, runID)
	current := input

	for _, step := range p.Steps {
		select {
		case <-ctx.Done():
			cancelled := e.manager.CurrentState(pipelineID)
			cancelled.Status = state.StatusPaused
			cancelled.Version++
			_ = e.manager.EndRun(context.Background(), cancelled)
			return &Result{Status: StatusCancelled, State: cancelled, Output: current}, ctx.Err()
		default:
		}

		out, runErr := e.runStep(ctx, pipelineID, &stepCtx, step, current)
		if runErr != nil {
			var pipelineFailed *errs.PipelineFailed
			if errors.As(runErr, &pipelineFailed) {
				failedState := e.manager.CurrentState(pipelineID)
				failedState.Status = state.StatusFailed
				failedState.Version++
				_ = e.manager.EndRun(context.Background(), failedState)
				e.emit(event.Event{Timestamp: time.Now(), PipelineID: pipelineID, RunID: runID, StepID: pipelineFailed.StepID, State: event.StateFailed, Message: runErr.Error()})
				return &Result{Status: StatusFailed, State: failedState}, runErr
			}
			return nil, runErr
		}
		current = out
	}

	final := e.manager.CurrentState(pipelineID)
	final.Status = state.StatusCompleted
	final.Version++
	if err := e.manager.EndRun(ctx, final); err != nil {
		return nil, err
	}
	e.emit(event.Event{Timestamp: time.Now(), PipelineID: pipelineID, RunID: runID, State: event.StateCompleted})
	return &Result{Status: StatusCompleted, State: final, Output: current}, nil
}

// runStep executes one step's full retry policy and returns either its
// output (success, or a tolerated failure with the previous data carried
// forward) or a *errs.PipelineFailed wrapping the terminal cause.
func (e *Executor) runStep(ctx context.Context, pipelineID string, stepCtx *StepContext, step Step, in data.Container) (data.Container, error) {
	st, ok := e.registry.Lookup(step.Name)
	if !ok {
		return data.Container{}, &errs.PipelineFailed{StepID: step.identifier(), Cause: &errs.UnknownStage{Name: step.Name}}
	}

	resolvedAny, err := resolver.Resolve(toAny(step.Config), stepCtx.resolverContext())
	if err != nil {
		return data.Container{}, &errs.PipelineFailed{StepID: step.identifier(), Cause: err}
	}
	cfg, _ := resolvedAny.(map[string]any)

	stepID := step.identifier()
	_ = e.manager.RecordStepTransition(ctx, pipelineID, stepID, state.StepRunning)

	maxAttempts := step.RetryAttempts + 1
	var lastErr error
	var attemptErrs []error
	var out data.Container

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(step.EffectiveRetryDelaySeconds()) * time.Second * time.Duration(pow2(attempt-1))
			e.emit(event.Event{Timestamp: time.Now(), PipelineID: pipelineID, StepID: stepID, State: event.StateRetrying, Attempt: attempt})
			e.clock.Sleep(delay)
		}

		out, lastErr = e.invokeOnce(ctx, st, stepID, in, cfg, step.TimeoutSeconds)
		if lastErr == nil {
			break
		}
		attemptErrs = append(attemptErrs, lastErr)
	}

	if lastErr == nil {
		// Attempts that failed but were recovered by a retry still land
		// in the error log, marked retryable; the run itself stays clean.
		for _, attemptErr := range attemptErrs {
			rec := state.ErrorRecord{StepID: stepID, Message: attemptErr.Error(), Retryable: true, Timestamp: time.Now()}
			_ = e.manager.RecordError(ctx, pipelineID, rec)
		}
	}

	if lastErr != nil {
		rec := state.ErrorRecord{StepID: stepID, Message: lastErr.Error(), Retryable: step.ContinueOnError, Timestamp: time.Now()}
		_ = e.manager.RecordError(ctx, pipelineID, rec)

		if step.ContinueOnError {
			_ = e.manager.RecordStepTransition(ctx, pipelineID, stepID, state.StepFailed)
			*stepCtx = stepCtx.withStepOutput(stepID, StepOutput{
				PayloadSummary: "step failed, input carried forward",
				Metadata:       map[string]any{"timestamp": time.Now(), "status": "failed"},
				Timestamp:      time.Now(),
			})
			return in, nil
		}
		_ = e.manager.RecordStepTransition(ctx, pipelineID, stepID, state.StepFailed)
		_ = e.manager.RecordStepFailure(ctx, pipelineID, recordCount(in))
		return data.Container{}, &errs.PipelineFailed{StepID: stepID, Cause: &errs.StepFailed{StepID: stepID, Cause: lastErr}}
	}

	inSchema := in.Schema()
	outSchema := applySchemaStrategy(st, inSchema, cfg, out)
	out = out.WithSchema(outSchema)

	if n := recordCount(out); n > 0 {
		_ = e.manager.RecordStepProgress(ctx, pipelineID, stepID, n, out.EstimatedMemory())
	}
	_ = e.manager.RecordStepTransition(ctx, pipelineID, stepID, state.StepCompleted)
	*stepCtx = stepCtx.withStepOutput(stepID, StepOutput{
		PayloadSummary: summarize(out),
		Metadata:       outputMetadata(out),
		Timestamp:      time.Now(),
	})
	return out, nil
}

func (e *Executor) invokeOnce(ctx context.Context, st stage.Stage, stepID string, in data.Container, cfg map[string]any, timeoutSeconds int) (data.Container, error) {
	if timeoutSeconds <= 0 {
		return stage.Invoke(ctx, st, stepID, in, cfg)
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	out, err := stage.Invoke(cctx, st, stepID, in, cfg)
	if err != nil && cctx.Err() == context.DeadlineExceeded {
		var alreadyTimeout *errs.ProcessingTimeout
		if !errors.As(err, &alreadyTimeout) {
			return data.Container{}, &errs.ProcessingTimeout{Stage: st.Name(), StepID: stepID, LimitMs: int64(timeoutSeconds) * 1000}
		}
	}
	return out, err
}

func applySchemaStrategy(st stage.Stage, inSchema *schema.Schema, cfg map[string]any, out data.Container) schema.Schema {
	strategy := st.SchemaStrategy()
	switch strategy.Kind {
	case stage.SchemaPassthrough:
		if inSchema != nil {
			return *inSchema
		}
		return schema.Schema{}
	case stage.SchemaInfer:
		if m, err := out.AsStructured(); err == nil {
			if obj, ok := m.(map[string]any); ok {
				return schema.InferSchema(obj)
			}
		}
		return schema.Schema{}
	default: // SchemaModify
		return st.OutputSchema(inSchema, cfg)
	}
}

func outputMetadata(out data.Container) map[string]any {
	meta := map[string]any{
		"timestamp": time.Now(),
		"status":    "completed",
	}
	if structured, err := out.AsStructured(); err == nil {
		if obj, ok := structured.(map[string]any); ok {
			for k, v := range obj {
				meta[k] = v
			}
		}
	}
	return meta
}

// recordCount reports how many logical records c represents: a
// structured batch counts as its item count, everything else (a single
// structured value, text, binary, or empty) counts as one record, except
// Empty, which carries none.
func recordCount(c data.Container) int64 {
	if c.Kind() == data.KindEmpty {
		return 0
	}
	if seq, err := c.AsStructured(); err == nil {
		if items, ok := seq.([]any); ok {
			return int64(len(items))
		}
	}
	return 1
}

func summarize(c data.Container) string {
	switch c.Kind() {
	case data.KindEmpty:
		return "empty"
	default:
		return fmt.Sprintf("%s (%d bytes est.)", c.Kind(), c.EstimatedMemory())
	}
}

func toAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func pow2(n int) int64 {
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
