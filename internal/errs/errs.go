// Package errs defines the closed set of typed errors produced by the
// pipeline core. Each kind carries the offending identifier(s), a human
// message, and an optional wrapped cause so callers can both print a
// useful message and errors.As() their way to the structured fields.
package errs

import "fmt"

// MissingEnvironmentVariable is returned by the resolver when a required
// ${NAME} reference has no value in the environment.
type MissingEnvironmentVariable struct {
	Name string
}

func (e *MissingEnvironmentVariable) Error() string {
	return fmt.Sprintf("missing environment variable %q", e.Name)
}

// StepReferenceNotFound is returned when a ${steps.<id>.<path>} reference
// names a step that hasn't run yet, or a path that step didn't publish.
type StepReferenceNotFound struct {
	Reference string
}

func (e *StepReferenceNotFound) Error() string {
	return fmt.Sprintf("step reference not found: %q", e.Reference)
}

// PipelineSyntaxError is returned by the pipeline loader for malformed YAML.
type PipelineSyntaxError struct {
	Line   int
	Detail string
}

func (e *PipelineSyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("pipeline syntax error at line %d: %s", e.Line, e.Detail)
	}
	return fmt.Sprintf("pipeline syntax error: %s", e.Detail)
}

// UnknownStage is returned when a step names a stage not present in the
// registry.
type UnknownStage struct {
	Name string
}

func (e *UnknownStage) Error() string {
	return fmt.Sprintf("unknown stage %q", e.Name)
}

// DuplicateStepId is returned when two steps declare the same id.
type DuplicateStepId struct {
	ID string
}

func (e *DuplicateStepId) Error() string {
	return fmt.Sprintf("duplicate step id %q", e.ID)
}

// ForwardStepReference is returned when a step references another step's
// id that has not yet appeared earlier in the pipeline.
type ForwardStepReference struct {
	ID string
}

func (e *ForwardStepReference) Error() string {
	return fmt.Sprintf("forward reference to step %q", e.ID)
}

// TypeMismatch is returned by data.Container typed-view accessors when the
// payload isn't the requested variant.
type TypeMismatch struct {
	Expected string
	Actual   string
}

func (e *TypeMismatch) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// UnsupportedInputType is returned by the executor's limits wrapper when a
// stage doesn't declare support for the incoming payload's variant.
type UnsupportedInputType struct {
	Stage    string
	Found    string
	Accepted []string
}

func (e *UnsupportedInputType) Error() string {
	return fmt.Sprintf("stage %q does not accept input type %s (accepts %v)", e.Stage, e.Found, e.Accepted)
}

// MemoryLimitExceeded is returned when a stage's estimated input memory
// exceeds its declared limit.
type MemoryLimitExceeded struct {
	Stage    string
	LimitMB  int
	ActualMB float64
}

func (e *MemoryLimitExceeded) Error() string {
	return fmt.Sprintf("stage %q exceeded memory limit: %.2fMB > %dMB", e.Stage, e.ActualMB, e.LimitMB)
}

// BatchSizeExceeded is returned when a sequence payload is longer than a
// stage's max_batch_size.
type BatchSizeExceeded struct {
	Stage  string
	Limit  int
	Actual int
}

func (e *BatchSizeExceeded) Error() string {
	return fmt.Sprintf("stage %q exceeded batch size limit: %d > %d", e.Stage, e.Actual, e.Limit)
}

// ProcessingTimeout is returned when a stage's process call is cancelled
// for exceeding its max_processing_time_ms / timeout_seconds.
type ProcessingTimeout struct {
	Stage   string
	StepID  string
	LimitMs int64
}

func (e *ProcessingTimeout) Error() string {
	return fmt.Sprintf("stage %q (step %q) timed out after %dms", e.Stage, e.StepID, e.LimitMs)
}

// SchemaValidation is returned by Schema.Validate when a value doesn't
// satisfy a field's constraints.
type SchemaValidation struct {
	FieldPath string
	Reason    string
}

func (e *SchemaValidation) Error() string {
	return fmt.Sprintf("schema validation failed at %q: %s", e.FieldPath, e.Reason)
}

// ConfigValidation is returned when a stage's config doesn't match its
// declared config_schema.
type ConfigValidation struct {
	Stage  string
	Reason string
}

func (e *ConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed for stage %q: %s", e.Stage, e.Reason)
}

// BackendConfigError is returned by the backend config loader when the
// YAML document is malformed or names an unknown backend kind.
type BackendConfigError struct {
	Detail string
}

func (e *BackendConfigError) Error() string {
	return fmt.Sprintf("backend config error: %s", e.Detail)
}

// StepFailed wraps the cause of a step's terminal failure, keeping the
// step id extractable via errors.As.
type StepFailed struct {
	StepID string
	Cause  error
}

func (e *StepFailed) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Cause)
}

func (e *StepFailed) Unwrap() error { return e.Cause }

// PipelineFailed is the terminal error surfaced to a caller of Execute when
// a step fails and continue_on_error is false.
type PipelineFailed struct {
	StepID string
	Cause  error
}

func (e *PipelineFailed) Error() string {
	return fmt.Sprintf("pipeline failed at step %q: %v", e.StepID, e.Cause)
}

func (e *PipelineFailed) Unwrap() error { return e.Cause }

// StateCorrupted is returned by a backend when a persisted state file
// fails its checksum or cannot be deserialized.
type StateCorrupted struct {
	PipelineID string
	Reason     string
}

func (e *StateCorrupted) Error() string {
	return fmt.Sprintf("state corrupted for pipeline %q: %s", e.PipelineID, e.Reason)
}

// VersionConflict is returned by Backend.Write when the caller's version
// doesn't match the version currently on disk (optimistic concurrency).
type VersionConflict struct {
	PipelineID string
	Expected   uint64
	OnDisk     uint64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict for pipeline %q: expected %d, found %d", e.PipelineID, e.Expected, e.OnDisk)
}

// LockAlreadyHeld is returned by Backend.AcquireLock when an unexpired
// lease already exists for the pipeline.
type LockAlreadyHeld struct {
	PipelineID string
	Holder     string
	ExpiresAt  string
}

func (e *LockAlreadyHeld) Error() string {
	return fmt.Sprintf("lock for pipeline %q already held by %q until %s", e.PipelineID, e.Holder, e.ExpiresAt)
}

// LockExpired is returned when a caller tries to renew or release a lock
// using a token that no longer matches the lease on disk.
type LockExpired struct {
	PipelineID string
}

func (e *LockExpired) Error() string {
	return fmt.Sprintf("lock for pipeline %q has expired or was released", e.PipelineID)
}

// BackendIO wraps a persistent, non-retryable storage failure.
type BackendIO struct {
	Op    string
	Cause error
}

func (e *BackendIO) Error() string {
	return fmt.Sprintf("backend io error during %s: %v", e.Op, e.Cause)
}

func (e *BackendIO) Unwrap() error { return e.Cause }
