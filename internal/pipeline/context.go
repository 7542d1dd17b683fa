package pipeline

import (
	"os"
	"time"

	"github.com/oxisflow/pipeline-core/internal/resolver"
)

// StepOutput is a previous step's published result: a short summary of
// its output payload plus whatever metadata keys it chose to publish.
// Later steps reference Metadata via ${steps.<id>.<path>}.
type StepOutput struct {
	PayloadSummary string
	Metadata       map[string]any
	Timestamp      time.Time
}

// StepContext is the immutable record carried through one run. It grows
// by one entry per completed step; earlier entries are never mutated,
// which is what makes forward-only step references safe to resolve
// without detecting cycles at runtime.
type StepContext struct {
	PipelineID          string
	RunID               string
	StepIndex           int
	PreviousStepOutputs map[string]StepOutput
}

// newStepContext starts an empty context for a fresh run.
func newStepContext(pipelineID, runID string) StepContext {
	return StepContext{
		PipelineID:          pipelineID,
		RunID:               runID,
		PreviousStepOutputs: make(map[string]StepOutput),
	}
}

// withStepOutput returns a new StepContext with out recorded under id,
// advanced to the next step index. The receiver is left untouched.
func (c StepContext) withStepOutput(id string, out StepOutput) StepContext {
	next := StepContext{
		PipelineID:          c.PipelineID,
		RunID:               c.RunID,
		StepIndex:           c.StepIndex + 1,
		PreviousStepOutputs: make(map[string]StepOutput, len(c.PreviousStepOutputs)+1),
	}
	for k, v := range c.PreviousStepOutputs {
		next.PreviousStepOutputs[k] = v
	}
	next.PreviousStepOutputs[id] = out
	return next
}

// resolverContext projects the step context into the shape the resolver
// package understands, using the real process environment for ${NAME}
// lookups.
func (c StepContext) resolverContext() resolver.Context {
	steps := make(map[string]resolver.StepOutput, len(c.PreviousStepOutputs))
	for id, out := range c.PreviousStepOutputs {
		steps[id] = resolver.StepOutput{Metadata: out.Metadata}
	}
	return resolver.Context{
		Env:   os.LookupEnv,
		Steps: steps,
	}
}
