// Package pipeline loads pipeline definitions and executes them step by
// step: resolving each step's config, invoking its stage through the
// registry, applying retry/timeout/error-tolerance policy, and
// checkpointing progress through a state manager.
package pipeline

// Pipeline is the parsed form of a pipeline YAML document (see the
// external interface: two top-level keys, `pipeline` and `metadata`).
type Pipeline struct {
	Steps    []Step   `yaml:"pipeline"`
	Metadata Metadata `yaml:"metadata"`
}

// Metadata describes the pipeline document itself, not any one run of it.
type Metadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Version     string   `yaml:"version,omitempty"`
	Author      string   `yaml:"author,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Step is one entry in the pipeline's step list. Name must resolve
// against the stage registry; ID, when present, must be unique within
// the pipeline and may be referenced by later steps via
// ${steps.<id>.<path>}.
type Step struct {
	Name            string         `yaml:"name"`
	ID              string         `yaml:"id,omitempty"`
	Config          map[string]any `yaml:"config,omitempty"`
	RetryAttempts   int            `yaml:"retry_attempts,omitempty"`
	RetryDelaySecs  int            `yaml:"retry_delay_seconds,omitempty"`
	TimeoutSeconds  int            `yaml:"timeout_seconds,omitempty"`
	ContinueOnError bool           `yaml:"continue_on_error,omitempty"`
}

// EffectiveRetryDelaySeconds returns the step's configured retry delay,
// defaulting to 1 when unset.
func (s Step) EffectiveRetryDelaySeconds() int {
	if s.RetryDelaySecs <= 0 {
		return 1
	}
	return s.RetryDelaySecs
}

// identifier returns the step's id if set, else its stage name. Used
// anywhere a human-facing or step-context key is needed for a step with
// no declared id.
func (s Step) identifier() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}
