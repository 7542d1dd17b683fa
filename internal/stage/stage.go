// Package stage defines the polymorphic contract every pipeline stage
// ("Oxi") implements, plus the process-local registry stages are looked up
// by name from. Individual stage implementations (CSV/JSON/file I/O/
// flatten, etc.) are out of scope for this module: they are registered
// by their own packages at init() time.
package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oxisflow/pipeline-core/internal/data"
	"github.com/oxisflow/pipeline-core/internal/schema"
)

// SchemaStrategyKind declares how a stage's output schema relates to its
// input schema.
type SchemaStrategyKind string

const (
	SchemaPassthrough SchemaStrategyKind = "passthrough"
	SchemaModify      SchemaStrategyKind = "modify"
	SchemaInfer       SchemaStrategyKind = "infer"
)

// SchemaStrategy is the value returned by Stage.SchemaStrategy().
type SchemaStrategy struct {
	Kind        SchemaStrategyKind
	Description string // populated when Kind == SchemaModify
}

// Limits declares the resource caps the executor enforces around a
// stage's Process call, before the transform ever runs.
type Limits struct {
	MaxBatchSize        int   // 0 means unbounded
	MaxMemoryMB         int   // 0 means unbounded
	MaxProcessingTimeMs int64 // 0 means unbounded
	SupportedInputTypes []data.Kind
}

// Stage is the capability set every pipeline stage implements. Process
// must be re-entrant and must not touch global state; the executor may
// invoke the same Stage value concurrently across different runs.
type Stage interface {
	// Name returns the stage's stable registry identifier.
	Name() string

	// SchemaStrategy declares whether this stage preserves, modifies, or
	// infers its output schema.
	SchemaStrategy() SchemaStrategy

	// ConfigSchema describes the YAML shape this stage's config accepts.
	ConfigSchema() schema.Schema

	// ProcessingLimits declares the resource caps the executor enforces.
	ProcessingLimits() Limits

	// ValidateInput performs stage-specific content checks beyond the
	// executor's default type-set check.
	ValidateInput(in data.Container) error

	// Process transforms the input container according to config.
	Process(ctx context.Context, in data.Container, config map[string]any) (data.Container, error)

	// OutputSchema informs the next stage of structural changes. When
	// inputSchema is nil the stage should return an empty schema unless
	// it documents an unconditional output shape.
	OutputSchema(inputSchema *schema.Schema, config map[string]any) schema.Schema
}

// Factory constructs a new Stage instance. Stages are constructed fresh
// per registry lookup so per-run parameterization (if any) never leaks
// between runs.
type Factory func() Stage

// Registry is a process-local, read-only-after-startup map from stage name
// to its Factory. It is the only piece of mutable global state this
// package owns, and it is only written at init() time by stage packages
// external to this module.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a stage factory under name. Registering the same name
// twice panics: it indicates two stage packages collided, which is a
// startup-time programming error, not a runtime condition.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("stage: duplicate registration for %q", name))
	}
	r.factories[name] = f
}

// Lookup returns a fresh Stage instance for name, or false if no stage is
// registered under that name.
func (r *Registry) Lookup(name string) (Stage, bool) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names returns the sorted set of registered stage names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
