package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/oxisflow/pipeline-core/internal/errs"
	"github.com/oxisflow/pipeline-core/internal/stage"
	"gopkg.in/yaml.v3"
)

// Load parses a pipeline YAML document and validates it against the
// stage registry: step names must resolve, ids must be unique when
// present, and any ${steps.<id>...} reference found in a step's config
// must name an earlier step.
func Load(doc []byte, registry *stage.Registry) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return nil, parseYAMLError(err)
	}

	if err := validate(&p, registry); err != nil {
		return nil, err
	}
	return &p, nil
}

var yamlLinePattern = regexp.MustCompile(`line (\d+):`)

// parseYAMLError extracts line information from a YAML parse error.
// yaml.v3 errors include line numbers ("yaml: line N: ..." or the
// "unmarshal errors:\n  line N: ..." multi-error form); preserve them.
func parseYAMLError(err error) error {
	msg := err.Error()
	if m := yamlLinePattern.FindStringSubmatch(msg); m != nil {
		if line, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &errs.PipelineSyntaxError{Line: line, Detail: msg}
		}
	}
	return &errs.PipelineSyntaxError{Detail: msg}
}

func validate(p *Pipeline, registry *stage.Registry) error {
	seenIDs := make(map[string]bool)
	knownIDs := make(map[string]bool)

	for _, step := range p.Steps {
		if step.Name == "" {
			return &errs.PipelineSyntaxError{Detail: `step is missing required field "name"`}
		}
		if registry != nil {
			if _, ok := registry.Lookup(step.Name); !ok {
				return &errs.UnknownStage{Name: step.Name}
			}
		}
		if step.ID != "" {
			if seenIDs[step.ID] {
				return &errs.DuplicateStepId{ID: step.ID}
			}
			seenIDs[step.ID] = true
		}

		if err := checkForwardReferences(step.Config, knownIDs); err != nil {
			return err
		}
		if step.ID != "" {
			knownIDs[step.ID] = true
		}
	}
	return nil
}

// checkForwardReferences walks cfg looking for ${steps.<id>...} literals
// and fails if <id> isn't already in knownIDs (i.e. hasn't appeared
// earlier in the pipeline).
func checkForwardReferences(cfg any, knownIDs map[string]bool) error {
	switch v := cfg.(type) {
	case string:
		for _, id := range stepRefIDs(v) {
			if !knownIDs[id] {
				return &errs.ForwardStepReference{ID: id}
			}
		}
	case map[string]any:
		for _, val := range v {
			if err := checkForwardReferences(val, knownIDs); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range v {
			if err := checkForwardReferences(val, knownIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

const stepRefPrefix = "${steps."

// stepRefIDs extracts every "<id>" named by a ${steps.<id>.<path>}
// occurrence in s.
func stepRefIDs(s string) []string {
	var ids []string
	for {
		start := strings.Index(s, stepRefPrefix)
		if start < 0 {
			break
		}
		rest := s[start+len(stepRefPrefix):]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			break
		}
		body := rest[:end]
		if dot := strings.IndexByte(body, '.'); dot > 0 {
			ids = append(ids, body[:dot])
		} else if body != "" && dot < 0 {
			ids = append(ids, body)
		}
		s = rest[end+1:]
	}
	return ids
}
