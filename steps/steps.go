// Package steps provides the built-in workflow step kinds: persona
// requests, diff application, artifact commits, plan guards, the fused
// implementation loop, context scanning, variable resolution, and
// blocked-dependency registration.
package steps

import (
	"strconv"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/engine"
)

// RegisterAll registers every built-in step kind on the registry.
func RegisterAll(reg *engine.Registry, cfg *config.Config) {
	reg.Register("persona_request", func(name string, c map[string]any) (engine.Step, error) {
		return NewPersonaRequestStep(name, c, cfg)
	})
	reg.Register("plan_approval", func(name string, c map[string]any) (engine.Step, error) {
		return NewPlanApprovalStep(name, c, cfg)
	})
	reg.Register("diff_apply", func(name string, c map[string]any) (engine.Step, error) {
		return NewDiffApplyStep(name, c)
	})
	reg.Register("git_artifact", func(name string, c map[string]any) (engine.Step, error) {
		return NewGitArtifactStep(name, c)
	})
	reg.Register("plan_key_file_guard", func(name string, c map[string]any) (engine.Step, error) {
		return NewPlanKeyFileGuardStep(name, c)
	})
	reg.Register("implementation_loop", func(name string, c map[string]any) (engine.Step, error) {
		return NewImplementationLoopStep(name, c)
	})
	reg.Register("context", func(name string, c map[string]any) (engine.Step, error) {
		return NewContextStep(name, c)
	})
	reg.Register("variable_resolution", func(name string, c map[string]any) (engine.Step, error) {
		return NewVariableResolutionStep(name, c)
	})
	reg.Register("register_blocked_dependencies", func(name string, c map[string]any) (engine.Step, error) {
		return NewRegisterBlockedDependenciesStep(name, c)
	})
}

// taskID extracts the task id as a string. Task maps come from decoded
// JSON, so numeric ids arrive as float64 and must be stringified rather
// than type-asserted. Missing or null ids yield "".
func taskID(task map[string]any) string {
	if task == nil {
		return ""
	}
	id, ok := task["id"]
	if !ok || id == nil {
		return ""
	}
	return engine.Stringify(id)
}

// configString reads a string config key, "" when absent.
func configString(c map[string]any, key string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}

// configBool reads a bool config key, accepting bools and truthy strings.
func configBool(c map[string]any, key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return def
}

// configInt reads an int config key, accepting YAML ints, JSON floats, and
// numeric strings.
func configInt(c map[string]any, key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// configMap reads a map config key, nil when absent.
func configMap(c map[string]any, key string) map[string]any {
	if m, ok := c[key].(map[string]any); ok {
		return m
	}
	return nil
}

// configStringSlice reads a list config key, tolerating []any, []string,
// and comma-separated strings.
func configStringSlice(c map[string]any, key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
