package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/engine"
)

// VariableResolutionStep evaluates a map of named expressions against the
// workflow context and stores the results as variables. The step succeeds
// only when every expression resolves.
type VariableResolutionStep struct {
	name      string
	variables map[string]any
}

// NewVariableResolutionStep builds a variable resolution step from its
// config.
func NewVariableResolutionStep(name string, c map[string]any) (engine.Step, error) {
	vars := configMap(c, "variables")
	if len(vars) == 0 {
		return nil, fmt.Errorf("variable_resolution step %q: variables map is required", name)
	}
	return &VariableResolutionStep{name: name, variables: vars}, nil
}

func (s *VariableResolutionStep) Name() string { return s.name }

func (s *VariableResolutionStep) Execute(_ context.Context, wc *engine.Context) *engine.StepResult {
	keys := make([]string, 0, len(s.variables))
	for k := range s.variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	resolved := make(map[string]any, len(keys))
	var failures []string
	for _, key := range keys {
		expr, ok := s.variables[key].(string)
		if !ok {
			// Non-string values pass through the resolver untouched.
			value := engine.ResolveValue(s.variables[key], wc.Variables)
			wc.SetVariable(key, value)
			resolved[key] = value
			continue
		}

		value, err := engine.Evaluate(expr, wc.Variables)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		if value == engine.Undefined {
			failures = append(failures, fmt.Sprintf("%s: expression %q resolved to undefined", key, expr))
			continue
		}
		wc.SetVariable(key, value)
		resolved[key] = value
	}

	if len(failures) > 0 {
		return &engine.StepResult{
			Status:  engine.StatusFailure,
			Outputs: map[string]any{"resolved": resolved},
			Err:     fmt.Errorf("unresolved variables: %s", strings.Join(failures, "; ")),
		}
	}
	return engine.Success(map[string]any{"resolved": resolved})
}
