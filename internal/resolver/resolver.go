// Package resolver interpolates ${VAR}, ${VAR:-default}, and
// ${steps.<id>.<path>} references inside a stage's YAML-decoded config,
// once per step, immediately before that step runs.
package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/oxisflow/pipeline-core/internal/errs"
)

// StepOutput is the subset of a previous step's published metadata the
// resolver can dot-path into.
type StepOutput struct {
	Metadata map[string]any
}

// Context is the environment a Resolve call interpolates against.
type Context struct {
	// Env looks up an environment variable by name. Callers typically
	// pass os.LookupEnv.
	Env func(name string) (string, bool)
	// Steps maps a step id to its published output.
	Steps map[string]StepOutput
}

var refPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Resolve recursively interpolates every string leaf of cfg. Non-string,
// non-container values pass through unchanged.
func Resolve(cfg any, ctx Context) (any, error) {
	switch v := cfg.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			r, err := Resolve(val, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			r, err := Resolve(val, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString interpolates every ${...} reference in s. If s is
// entirely one substitution (no surrounding text), the substituted
// value's original type is preserved; otherwise the result is coerced to
// a string.
func resolveString(s string, ctx Context) (any, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		return resolveExpr(expr, ctx)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end, exprStart, exprEnd := m[0], m[1], m[2], m[3]
		b.WriteString(s[last:start])
		val, err := resolveExpr(s[exprStart:exprEnd], ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(fmt.Sprint(val))
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func resolveExpr(expr string, ctx Context) (any, error) {
	if strings.HasPrefix(expr, "steps.") {
		return resolveStepRef(expr, ctx)
	}

	name := expr
	hasDefault := false
	defaultVal := ""
	if idx := strings.Index(expr, ":-"); idx >= 0 {
		name = expr[:idx]
		defaultVal = expr[idx+2:]
		hasDefault = true
	}

	if ctx.Env != nil {
		if v, ok := ctx.Env(name); ok {
			return coerce(v), nil
		}
	}
	if hasDefault {
		return coerce(defaultVal), nil
	}
	return nil, &errs.MissingEnvironmentVariable{Name: name}
}

func resolveStepRef(expr string, ctx Context) (any, error) {
	rest := strings.TrimPrefix(expr, "steps.")
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) < 2 {
		return nil, &errs.StepReferenceNotFound{Reference: "${" + expr + "}"}
	}
	stepID, path := parts[0], parts[1]

	out, ok := ctx.Steps[stepID]
	if !ok {
		return nil, &errs.StepReferenceNotFound{Reference: "${" + expr + "}"}
	}

	val, ok := lookupPath(out.Metadata, strings.Split(path, "."))
	if !ok {
		return nil, &errs.StepReferenceNotFound{Reference: "${" + expr + "}"}
	}
	return val, nil
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	next, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(next, path[1:])
}

// coerce converts a bare literal string into bool/int64/string, used when
// preserving a substituted default's "original type" for pure-substitution
// leaves.
func coerce(s string) any {
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
